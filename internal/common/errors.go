package common

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. The queue decides retry eligibility from it.
type Kind string

const (
	KindValidation   Kind = "VALIDATION_ERROR"
	KindFetchBlocked Kind = "FETCH_BLOCKED"
	KindFetchTimeout Kind = "FETCH_TIMEOUT"
	KindFetchFailure Kind = "FETCH_FAILURE"
	KindExtraction   Kind = "EXTRACTION_ERROR"
	KindDispatch     Kind = "DISPATCH_FAILURE"
	KindInvalidToken Kind = "INVALID_TOKEN"
	KindCorruptStore Kind = "CORRUPT_STORE"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrFetchBlocked = errors.New("fetch blocked")
	ErrFetchTimeout = errors.New("fetch timed out")
	ErrFetchFailure = errors.New("fetch failed")
	ErrExtraction   = errors.New("extraction failed")
	ErrDispatch     = errors.New("dispatch failed")
	ErrInvalidToken = errors.New("invalid token")
	ErrCorruptStore = errors.New("corrupt store")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

var sentinels = map[Kind]error{
	KindValidation:   ErrValidation,
	KindFetchBlocked: ErrFetchBlocked,
	KindFetchTimeout: ErrFetchTimeout,
	KindFetchFailure: ErrFetchFailure,
	KindExtraction:   ErrExtraction,
	KindDispatch:     ErrDispatch,
	KindInvalidToken: ErrInvalidToken,
	KindCorruptStore: ErrCorruptStore,
}

// Error is an application error carrying its Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrFetchBlocked) match any *Error of that kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the human-readable part of err for display on a failed job.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
