// Package apperr defines the error kinds surfaced by the patrol engine.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrDuplicateScan   = errors.New("duplicate scan")
	ErrCascadeFailure  = errors.New("cascade failure")
	ErrVersionConflict = errors.New("version conflict")
	ErrDeliveryFailure = errors.New("escalation delivery failure")
)

// Error carries a kind plus the reasons a request was rejected.
type Error struct {
	Kind    error
	Op      string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if len(e.Reasons) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Reasons, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(op string, reasons ...string) error {
	return &Error{Kind: ErrValidation, Op: op, Reasons: reasons}
}

func InvalidState(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrInvalidState, Op: op, Reasons: []string{fmt.Sprintf(format, args...)}}
}

func NotFound(op, entity, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, Reasons: []string{fmt.Sprintf("%s %s", entity, id)}}
}

func Cascade(op string, err error) error {
	return &Error{Kind: ErrCascadeFailure, Op: op, Err: err}
}

// Reasons extracts the human-readable reasons from err, if any.
func Reasons(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		if len(e.Reasons) > 0 {
			return e.Reasons
		}
		return []string{e.Error()}
	}
	if err != nil {
		return []string{err.Error()}
	}
	return nil
}
