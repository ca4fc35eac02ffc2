package percipio

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed launch step.
type ErrorKind string

const (
	// KindTransport covers connection failures, timeouts and non-2xx responses.
	KindTransport ErrorKind = "transport"
	// KindProtocol covers malformed responses or missing expected fields.
	KindProtocol ErrorKind = "protocol"
	// KindConfigIncomplete means a setting required by the active auth method is blank.
	KindConfigIncomplete ErrorKind = "config_incomplete"
)

// Sentinels for errors.Is checks against *Error.
var (
	ErrTransport        = errors.New("percipio: transport failure")
	ErrProtocol         = errors.New("percipio: unexpected response")
	ErrConfigIncomplete = errors.New("percipio: settings incomplete")
)

// Error is returned by every Client operation.
type Error struct {
	Kind       ErrorKind
	Op         string   // oauth token | content token | launch
	StatusCode int      // upstream status for non-2xx responses
	Missing    []string // setting keys, for KindConfigIncomplete
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if len(e.Missing) > 0 {
		b.WriteString(" missing ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrConfigIncomplete:
		return e.Kind == KindConfigIncomplete
	}
	return false
}

// IsUnauthorized reports whether err is an upstream 401.
func IsUnauthorized(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTransport && pe.StatusCode == http.StatusUnauthorized
}

// Kind returns the ErrorKind carried by err, or "" when err is not an *Error.
func Kind(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func transportErr(op string, status int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, StatusCode: status, Err: err}
}

func protocolErr(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}
