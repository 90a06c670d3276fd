package canvassync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// error taxonomy:
// - transient transport errors (timeout, disconnect) are retried with backoff,
//   then queued
// - permanent validation errors are surfaced immediately and never retried
// - conflicts are not failures and are routed to the resolution policy
// - consistency errors trigger a forced full refresh

var ErrNotConnected = errors.New("transport not connected")
var ErrAckTimeout = errors.New("ack timeout")
var ErrObjectBusy = errors.New("object has a mutation in flight")
var ErrClosed = errors.New("closed")

type ValidationError struct {
	Message string
}

func NewValidationError(format string, a ...any) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *ValidationError) Error() string {
	return self.Message
}

type ConsistencyError struct {
	LocalCount   int
	RemoteCount  int
	LocalDigest  uint64
	RemoteDigest uint64
}

func (self *ConsistencyError) Error() string {
	return fmt.Sprintf(
		"object set mismatch: local %d/%x, remote %d/%x",
		self.LocalCount,
		self.LocalDigest,
		self.RemoteCount,
		self.RemoteDigest,
	)
}

// permanent errors are not retried
func IsPermanentError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanentError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// disconnects, ack timeouts, and unclassified transport errors retry
	return true
}
