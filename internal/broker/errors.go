// errors.go classifies broker failures into the four recovery classes the
// rest of the system keys on:
//
//   - Transient:    network faults, 5xx, 429 — safe to retry (GETs) or
//     reconcile by client order ID (order submissions).
//   - Adjustable:   insufficient funds / size violations — the order manager
//     recomputes the quantity and retries once.
//   - Fatal:        auth failures, unknown symbols — never retried.
//   - WaitRequired: market closed or rate-limited — the scheduler defers.
//
// Classification happens once, at the gateway boundary. Nothing above this
// package inspects HTTP status codes.
package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class is the recovery class of a broker error.
type Class int

const (
	ClassTransient Class = iota
	ClassAdjustable
	ClassFatal
	ClassWaitRequired
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAdjustable:
		return "adjustable"
	case ClassFatal:
		return "fatal"
	case ClassWaitRequired:
		return "wait_required"
	}
	return "unknown"
}

// Error is a classified broker failure. Op names the gateway method,
// Status is the HTTP status (0 for network errors).
type Error struct {
	Op     string
	Class  Class
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("broker %s: %s (%s, status %d)", e.Op, e.Msg, e.Class, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %v (%s)", e.Op, e.Err, e.Class)
	}
	return fmt.Sprintf("broker %s: %s", e.Op, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an HTTP response to an Error. Alpaca-style APIs put a
// human message under {"message": ...}; we keep it verbatim for logs and
// client error payloads.
func classify(op string, status int, body string) *Error {
	msg := extractMessage(body)
	e := &Error{Op: op, Status: status, Msg: msg}

	switch {
	case status == http.StatusTooManyRequests:
		e.Class = ClassWaitRequired
	case status >= 500:
		e.Class = ClassTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		e.Class = ClassFatal
	case status == http.StatusUnprocessableEntity, status == http.StatusBadRequest:
		e.Class = classifyMessage(msg)
	case status == http.StatusNotFound:
		e.Class = ClassFatal
	default:
		e.Class = ClassTransient
	}
	return e
}

// classifyMessage refines 4xx rejections by message content. Insufficient
// buying power and size violations are adjustable; a closed market is a
// wait condition; everything else (bad symbol, bad params) is fatal.
func classifyMessage(msg string) Class {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "insufficient"),
		strings.Contains(m, "buying power"),
		strings.Contains(m, "minimal order size"),
		strings.Contains(m, "min order size"),
		strings.Contains(m, "qty must be"):
		return ClassAdjustable
	case strings.Contains(m, "market is closed"),
		strings.Contains(m, "market closed"),
		strings.Contains(m, "outside of market hours"):
		return ClassWaitRequired
	default:
		return ClassFatal
	}
}

func netError(op string, err error) *Error {
	return &Error{Op: op, Class: ClassTransient, Err: err}
}

// extractMessage pulls the "message" field out of an error body without a
// full unmarshal; falls back to the raw body, truncated.
func extractMessage(body string) string {
	const key = `"message":`
	i := strings.Index(body, key)
	if i < 0 {
		if len(body) > 200 {
			return body[:200]
		}
		return body
	}
	rest := body[i+len(key):]
	start := strings.Index(rest, `"`)
	if start < 0 {
		return body
	}
	end := strings.Index(rest[start+1:], `"`)
	if end < 0 {
		return body
	}
	return rest[start+1 : start+1+end]
}

// IsTransient reports whether err is a transient broker error.
func IsTransient(err error) bool { return hasClass(err, ClassTransient) }

// IsAdjustable reports whether err is an adjustable broker error.
func IsAdjustable(err error) bool { return hasClass(err, ClassAdjustable) }

// IsFatal reports whether err is a fatal broker error.
func IsFatal(err error) bool { return hasClass(err, ClassFatal) }

// IsWaitRequired reports whether err asks the caller to defer.
func IsWaitRequired(err error) bool { return hasClass(err, ClassWaitRequired) }

func hasClass(err error, c Class) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Class == c
	}
	return false
}
