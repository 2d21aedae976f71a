package mailrelay

import "time"

// OutcomeStatus is the persisted status of a delivery outcome.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeFailure OutcomeStatus = "FAILURE"
)

// Phase is a state of the per-message retry state machine.
type Phase int

const (
	PhaseReceived Phase = iota
	PhaseAttempting
	PhaseWaitingBackoff
	PhaseSucceeded
	PhaseExhausted
	PhaseDeadLettering
	PhaseDeadLettered
	PhaseDeadLetterPublishFailed
	// PhaseAbandoned marks a message whose retry loop was interrupted between
	// attempts by shutdown. It is not terminal: the batch is left uncommitted.
	PhaseAbandoned
)

var phaseNames = map[Phase]string{
	PhaseReceived:                "RECEIVED",
	PhaseAttempting:              "ATTEMPTING",
	PhaseWaitingBackoff:          "WAITING_BACKOFF",
	PhaseSucceeded:               "SUCCESS",
	PhaseExhausted:               "EXHAUSTED",
	PhaseDeadLettering:           "DEAD_LETTERING",
	PhaseDeadLettered:            "DEAD_LETTERED",
	PhaseDeadLetterPublishFailed: "DEAD_LETTER_PUBLISH_FAILED",
	PhaseAbandoned:               "ABANDONED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether the state machine takes no further action for the message.
// Only terminal messages count as resolved for the batch commit barrier.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseDeadLettered || p == PhaseDeadLetterPublishFailed
}

// Header is a single record header.
type Header struct {
	Key   string
	Value []byte
}

// RawMessage is a message as received from the broker. It is never modified.
type RawMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	// Position is the index of the message inside its batch.
	Position int
	Key      []byte
	Payload  []byte
	// Headers is the flattened view used for lookups; a repeated key keeps its last value.
	Headers map[string]string
	// RecordHeaders holds every header in broker order, repeated keys included.
	RecordHeaders []Header
	Timestamp     time.Time
}

// ConfirmedEvent is the decoded reservation confirmation.
type ConfirmedEvent struct {
	ReservationID  int64
	Email          string
	RestaurantName string
	ConfirmedAt    time.Time
	PartySize      int
}

// OutcomeRecord is written once when a message succeeds or is about to be dead-lettered.
type OutcomeRecord struct {
	MessageID     string
	ReservationID int64
	Email         string
	Subject       string
	Status        OutcomeStatus
	ErrorMessage  string
	CompletedAt   time.Time
}

// AttemptState is the mutable retry bookkeeping of a single message.
type AttemptState struct {
	Attempt     int
	MaxAttempts int
	Phase       Phase
}

// Result is what RetryExecutor reports for one message.
type Result struct {
	Phase    Phase
	Attempts int
	// Err is the last processing error, nil on success.
	Err error
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	BatchID       string
	Size          int
	Delivered     int
	DeadLettered  int
	PublishFailed int
	Unresolved    int
	Committed     bool
}
