package mailrelay

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// localDateTimeLayout is the zone-less ISO date-time producers emit for confirmedAt.
const localDateTimeLayout = "2006-01-02T15:04:05.999999999"

// confirmedEventPayload is the wire shape of a reservation confirmation.
type confirmedEventPayload struct {
	ReservationID  int64  `json:"reservationId"`
	Email          string `json:"email"`
	RestaurantName string `json:"restaurantName"`
	ConfirmedAt    string `json:"confirmedAt"`
	PartySize      int    `json:"partySize"`
}

// JSONCodec decodes JSON reservation confirmations.
type JSONCodec struct{}

// NewJSONCodec creates a new JSONCodec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Decode implements EventDecoder.
func (c *JSONCodec) Decode(payload []byte) (ConfirmedEvent, error) {
	if len(payload) == 0 {
		return ConfirmedEvent{}, &DecodeError{Reason: "empty payload"}
	}

	var wire confirmedEventPayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ConfirmedEvent{}, &DecodeError{Reason: "malformed json", Err: err}
	}

	if wire.ReservationID <= 0 {
		return ConfirmedEvent{}, &DecodeError{Reason: "reservationId is required"}
	}
	if strings.TrimSpace(wire.Email) == "" {
		return ConfirmedEvent{}, &DecodeError{Reason: "email is required"}
	}
	if wire.PartySize <= 0 {
		return ConfirmedEvent{}, &DecodeError{Reason: "partySize must be positive"}
	}

	confirmedAt, err := parseConfirmedAt(wire.ConfirmedAt)
	if err != nil {
		return ConfirmedEvent{}, &DecodeError{Reason: "invalid confirmedAt", Err: err}
	}

	return ConfirmedEvent{
		ReservationID:  wire.ReservationID,
		Email:          strings.TrimSpace(wire.Email),
		RestaurantName: wire.RestaurantName,
		ConfirmedAt:    confirmedAt,
		PartySize:      wire.PartySize,
	}, nil
}

func parseConfirmedAt(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.ParseInLocation(localDateTimeLayout, value, time.UTC)
}
