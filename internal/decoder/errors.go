package decoder

import (
	"errors"
	"fmt"
)

// Sentinel causes. Every error returned by Decode is a *DecodeError that
// matches exactly one of them with errors.Is.
var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrMissingField    = errors.New("missing field")
	ErrPayloadTooShort = errors.New("payload too short")
	ErrInvalidHex      = errors.New("invalid hex payload")
)

// DecodeError describes why a message could not be turned into a sample.
type DecodeError struct {
	Kind   error
	Topic  string
	Field  string
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += " '" + e.Field + "'"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Topic != "" {
		msg = fmt.Sprintf("topic %s: %s", e.Topic, msg)
	}
	return msg
}

// Unwrap exposes both the sentinel kind and the underlying parse error.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns a short label for the error kind, suitable for metric labels.
func (e *DecodeError) Reason() string {
	return Reason(e)
}

// Reason maps any error to the label of its decode kind, or "unknown".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrPayloadTooShort):
		return "payload_too_short"
	case errors.Is(err, ErrInvalidHex):
		return "invalid_hex"
	default:
		return "unknown"
	}
}
