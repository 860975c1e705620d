package apperr

import (
	"errors"
	"fmt"
)

const (
	MalformedInput     = "malformed_input"
	HandlerFailure     = "handler_failure"
	StorageUnavailable = "storage_unavailable"
	OutboundTransient  = "outbound_transient"
	OutboundPermanent  = "outbound_permanent"
	ConfigurationError = "configuration_error"
)

// Error is a categorized failure crossing a component boundary.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// New creates a categorized error without an underlying cause.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap attaches a category to err. A nil err stays nil.
func Wrap(category string, err error, detail string) error {
	if err == nil {
		return nil
	}

	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryOf returns the outermost category found in the error chain.
func CategoryOf(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ""
}

// Is reports whether any error in the chain carries category.
func Is(err error, category string) bool {
	for err != nil {
		var categorized *Error
		if !errors.As(err, &categorized) {
			return false
		}
		if categorized.Category == category {
			return true
		}
		err = categorized.Err
	}

	return false
}
