package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPosition   = errors.New("invalid position")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidAction     = errors.New("invalid action")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotActive         = errors.New("session not active")
)

// TransientError wraps a store or peer I/O failure the caller may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// Kind groups errors by how a caller should react.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	}
	return "internal"
}

func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var te *TransientError
	switch {
	case errors.Is(err, ErrInvalidPosition), errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidAction):
		return KindValidation
	case errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotActive):
		return KindConflict
	case errors.As(err, &te):
		return KindTransient
	}
	return KindInternal
}
