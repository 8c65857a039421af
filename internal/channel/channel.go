// Package channel defines the delivery contract shared by all outbound
// notification channels.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// Channel names a delivery medium.
type Channel string

const (
	Telegram Channel = "telegram"
	Email    Channel = "email"
)

// Message is a rendered, channel-neutral notification. Email uses Subject
// and Body; chat channels deliver just the body.
type Message struct {
	Subject string
	Body    string
}

// Sender submits one message to one address.
//
// A nil error means the message was accepted by the provider. Errors are
// classified via Transient/Permanent wrappers: transient failures are
// retried with backoff, permanent ones are terminal.
type Sender interface {
	Name() Channel
	Send(ctx context.Context, address string, msg Message) error
}

// TransientError marks a failure worth retrying (network, rate limit,
// temporary provider errors).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry
// (malformed address, blocked chat, rejected recipient).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as terminal. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
