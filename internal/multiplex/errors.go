package multiplex

import (
	"errors"
	"fmt"
	"time"
)

// Op names the kind of request a multiplexer call carries.
type Op string

const (
	OpApproval Op = "approval"
	OpQuestion Op = "question"
	OpStatus   Op = "status"
	OpConnect  Op = "connect"
)

var (
	// ErrNoProviders is returned when a response is required but no adapter is registered.
	ErrNoProviders = errors.New("multiplex: no providers registered")
	// ErrCancelled is returned to the waiting caller of a cancelled request.
	ErrCancelled = errors.New("multiplex: request cancelled")
)

// TimeoutError reports a request that received no response in time.
type TimeoutError struct {
	Op        Op
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("multiplex: %s %s timed out after %s", e.Op, e.RequestID, e.After)
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// SendError wraps a single adapter failure.
type SendError struct {
	Provider string
	Op       Op
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("multiplex: %s via %s: %v", e.Op, e.Provider, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
