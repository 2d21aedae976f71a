package mailrelay

import (
	"errors"
	"fmt"
)

var (
	// ErrSaturated is returned by WorkerPool.Submit under RejectWhenSaturated when both
	// the worker ceiling and the queue are full.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrPoolClosed is returned when submitting to a pool that has been shut down.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrBatchUnresolved is returned when a batch finished with non-terminal messages
	// and was therefore not acknowledged.
	ErrBatchUnresolved = errors.New("batch has unresolved messages")
	// ErrCommitFailed wraps a failing CommitHandle.
	ErrCommitFailed = errors.New("batch commit failed")
)

// DecodeError reports a malformed or incomplete payload.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event: %s: %v", e.Reason, e.Err)
	}
	return "decode event: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PersistError reports an outcome bookkeeping failure.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string { return "persist outcome: " + e.Err.Error() }

func (e *PersistError) Unwrap() error { return e.Err }

// PublishError reports a failed dead-letter publish.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to dead-letter topic %q: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ExhaustedError is the cause handed to a DeadLetterSink: the last processing error
// together with the number of attempts spent on the message.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

const (
	FailureTypeDecode   = "decode"
	FailureTypeDelivery = "delivery"
)

// ClassifyFailure names the kind of error that exhausted a message.
func ClassifyFailure(err error) string {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return FailureTypeDecode
	}
	return FailureTypeDelivery
}
