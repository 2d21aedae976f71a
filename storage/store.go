package storage

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRecord marks a write the database refused because of the record's content
// (a value too long for its column, an invalid character, a missing field). Retrying the
// same record cannot succeed.
var ErrInvalidRecord = errors.New("record rejected by store")

// Store is the persistence boundary for delivery outcomes and dead-letter history.
type Store interface {
	// SaveOutcome stores one outcome record and sets its ID.
	SaveOutcome(ctx context.Context, record *OutcomeRecord) error
	// SaveDeadLetters stores a batch of dead-letter records atomically. Content errors are
	// reported as ErrInvalidRecord.
	SaveDeadLetters(ctx context.Context, records []DeadLetterRecord) error
	// DeleteOutcomes removes outcome records older than retention.
	DeleteOutcomes(ctx context.Context, retention time.Duration) (int64, error)
	// DeleteDeadLetters removes dead-letter records older than retention.
	DeleteDeadLetters(ctx context.Context, retention time.Duration) (int64, error)
	// EnsureTables creates the tables if they do not exist.
	EnsureTables(ctx context.Context) error
}

// OutcomeRecord is the database representation of a delivery outcome.
type OutcomeRecord struct {
	ID            int64
	MessageID     string
	ReservationID int64
	Email         string
	Subject       string
	Status        string
	ErrorMessage  string
	SentAt        time.Time
}

// DeadLetterRecord is the database representation of a message that exhausted its retries.
type DeadLetterRecord struct {
	ID                int64
	ReservationID     int64
	Email             string
	RestaurantName    string
	ConfirmedAt       *time.Time
	PartySize         int
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	FailureType       string
	FailureMessage    string
	Attempts          int
	Payload           []byte
	CreatedAt         time.Time
}
