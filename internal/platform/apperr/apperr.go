// Package apperr defines the error kinds surfaced by the booking engine and
// their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindTransient         Kind = "transient"
)

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the typed error returned by services.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError

	// Set for KindInvalidTransition. Target is the status the action
	// would have produced.
	Action  string
	Current string
	Target  string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindTransient {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a validation error for one field.
func Validation(field, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Kind:    KindValidation,
		Message: field + ": " + msg,
		Fields:  []FieldError{{Field: field, Message: msg}},
	}
}

// InvalidTransition reports that action cannot be applied to a record in
// state current. The message reads "cannot cancel a confirmed booking".
func InvalidTransition(entity, action, current string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot %s %s %s %s", action, article(current), current, entity),
		Action:  action,
		Current: current,
	}
}

// To records the status the rejected transition was heading for.
func (e *Error) To(target string) *Error {
	e.Target = target
	return e
}

func NotFound(entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps an infrastructure failure from the store.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Message: op, Err: err}
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func IsValidation(err error) bool        { return IsKind(err, KindValidation) }
func IsInvalidTransition(err error) bool { return IsKind(err, KindInvalidTransition) }
func IsNotFound(err error) bool          { return IsKind(err, KindNotFound) }
func IsForbidden(err error) bool         { return IsKind(err, KindForbidden) }
func IsTransient(err error) bool         { return IsKind(err, KindTransient) }

// Merge combines several validation errors into one. Returns nil when errs
// holds no errors.
func Merge(errs ...*Error) *Error {
	var out *Error
	for _, e := range errs {
		if e == nil {
			continue
		}
		if out == nil {
			out = &Error{Kind: KindValidation}
		}
		out.Fields = append(out.Fields, e.Fields...)
	}
	if out == nil {
		return nil
	}
	msgs := make([]string, 0, len(out.Fields))
	for _, f := range out.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	out.Message = strings.Join(msgs, "; ")
	return out
}

type body struct {
	Error   string       `json:"error"`
	Code    Kind         `json:"code"`
	Fields  []FieldError `json:"fields,omitempty"`
	Current string       `json:"current_status,omitempty"`
	Target  string       `json:"attempted_status,omitempty"`
	Action  string       `json:"attempted_action,omitempty"`
}

// HTTPError converts err into an *echo.HTTPError. Unknown errors become a 500
// without leaking their text.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	switch e.Kind {
	case KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, body{Error: e.Message, Code: e.Kind, Fields: e.Fields})
	case KindInvalidTransition:
		return echo.NewHTTPError(http.StatusConflict, body{
			Error: e.Message, Code: e.Kind, Current: e.Current, Target: e.Target, Action: e.Action,
		})
	case KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, body{Error: e.Message, Code: e.Kind})
	case KindForbidden:
		return echo.NewHTTPError(http.StatusForbidden, body{Error: e.Message, Code: e.Kind})
	case KindTransient:
		return echo.NewHTTPError(http.StatusServiceUnavailable, body{
			Error: "the service is temporarily unavailable, please retry",
			Code:  e.Kind,
		}).SetInternal(e)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func article(word string) string {
	if word == "" {
		return "a"
	}
	switch word[0] {
	case 'a', 'e', 'i', 'o', 'u':
		return "an"
	}
	return "a"
}
