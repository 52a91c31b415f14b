// Package playerr defines the error taxonomy shared by the playback core.
package playerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrQueueFull is returned when an enqueue is rejected past capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrNothingPlaying is returned when a command needs a current track.
	ErrNothingPlaying = errors.New("nothing is playing")
	// ErrNotConnected is returned when a command needs a voice session.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout matches extraction errors caused by a deadline.
	ErrTimeout = errors.New("extraction timed out")
	// ErrNotEnoughTracks is returned by shuffle with fewer than two pending entries.
	ErrNotEnoughTracks = errors.New("not enough tracks to shuffle")
)

// ConnectionError reports a voice connect that failed after all retries.
type ConnectionError struct {
	ChannelID string
	Attempts  int
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not join channel %s after %d attempts: %v", e.ChannelID, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExtractionError reports a failed metadata or stream resolution.
// A timeout is an extraction error with Timeout set.
type ExtractionError struct {
	Locator string
	Reason  string
	Timeout bool
	Err     error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extraction failed for %s", e.Locator)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTimeout) true for timed out extractions.
func (e *ExtractionError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// NewExtractionError wraps err for the given locator.
func NewExtractionError(locator string, err error) *ExtractionError {
	return &ExtractionError{Locator: locator, Err: err}
}

// NewTimeoutError builds a timeout flavoured extraction error.
func NewTimeoutError(locator string, err error) *ExtractionError {
	return &ExtractionError{Locator: locator, Reason: "timed out", Timeout: true, Err: err}
}

// IsExtraction reports whether err is (or wraps) an ExtractionError.
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsUserError reports precondition failures that are answered to the user
// and never logged as faults.
func IsUserError(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrNothingPlaying) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotEnoughTracks)
}
