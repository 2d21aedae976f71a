package mailrelay

import (
	"context"
	"fmt"

	"github.com/overtonx/mailrelay/storage"
)

// NopOutcomeSink discards outcome records.
type NopOutcomeSink struct{}

func (NopOutcomeSink) Record(context.Context, OutcomeRecord) error { return nil }

// StoreOutcomeSink writes outcome records to a storage.Store.
type StoreOutcomeSink struct {
	store storage.Store
}

// NewStoreOutcomeSink creates an OutcomeSink backed by store.
func NewStoreOutcomeSink(store storage.Store) *StoreOutcomeSink {
	return &StoreOutcomeSink{store: store}
}

// Record implements OutcomeSink.
func (s *StoreOutcomeSink) Record(ctx context.Context, record OutcomeRecord) error {
	row := &storage.OutcomeRecord{
		MessageID:     record.MessageID,
		ReservationID: record.ReservationID,
		Email:         record.Email,
		Subject:       record.Subject,
		Status:        string(record.Status),
		ErrorMessage:  record.ErrorMessage,
		SentAt:        record.CompletedAt,
	}
	if err := s.store.SaveOutcome(ctx, row); err != nil {
		return fmt.Errorf("save outcome %s: %w", record.MessageID, err)
	}
	return nil
}
