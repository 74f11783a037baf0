package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for retry and outcome decisions
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindInput     ErrorKind = "input"
	KindPermanent ErrorKind = "permanent"
)

// Error carries the taxonomy kind alongside the underlying cause
type Error struct {
	Kind       ErrorKind
	Op         string
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// TransientAfter marks err as retryable no sooner than after d
func TransientAfter(op string, err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err, RetryAfter: d}
}

// Input marks a malformed work item or requirement; detail keeps the originating text
func Input(op, detail string, err error) error {
	return &Error{Kind: KindInput, Op: op, Detail: detail, Err: err}
}

// Permanent marks an external failure that retrying will not fix
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err. Deadline overruns count as transient.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsInput reports whether err is an input error
func IsInput(err error) bool {
	return err != nil && KindOf(err) == KindInput
}

// RetryAfter returns the provider's backoff hint, if any
func RetryAfter(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Detail returns the human readable detail of err for outcome records
func Detail(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Detail != "" {
		if de.Err != nil {
			return fmt.Sprintf("%s (%v)", de.Detail, de.Err)
		}
		return de.Detail
	}
	return err.Error()
}
