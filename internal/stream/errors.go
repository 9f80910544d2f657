package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQuestion is returned before any network call for a blank question
	ErrEmptyQuestion = errors.New("question must not be empty")

	// ErrIdleTimeout means the endpoint went quiet for longer than the idle timeout
	ErrIdleTimeout = errors.New("no data received within idle timeout")

	// ErrLineTooLong means an event line exceeded MaxLineSize without a newline
	ErrLineTooLong = errors.New("event line exceeds maximum size")
)

// TransportError wraps a failure to open or keep reading the stream
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a non-success HTTP status on stream open
type ProtocolError struct {
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("chat endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("chat endpoint returned HTTP %d", e.StatusCode)
}

// MalformedEventError describes a data line that could not be decoded.
// It is logged and the line skipped; it never ends a stream.
type MalformedEventError struct {
	Line string
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %v", e.Line, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}
