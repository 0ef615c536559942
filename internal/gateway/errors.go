package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrRejected      = errors.New("order rejected")
	ErrOrderNotFound = errors.New("order not found")
)

// Error is a transport or protocol failure at the gateway boundary.
type Error struct {
	Op        string
	Err       error
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Retriable() bool {
	return e.Temporary
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err, Temporary: true}
}

// RejectError is an exchange refusal. It matches ErrRejected.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "order rejected: " + e.Reason
}

func (e *RejectError) Is(target error) bool {
	return target == ErrRejected
}

func Reject(reason string) error {
	return &RejectError{Reason: reason}
}

func RejectReason(err error) string {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

func IsRetriable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retriable()
	}
	return false
}
