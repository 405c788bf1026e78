package protocol

import (
	"errors"
	"fmt"

	"github.com/calcmir/calcmir/pkg/expression"
)

// ProtocolError reports a header that is internally inconsistent: a bad
// length, reserved bits set, or a status that does not fit the message kind.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// ClientError reports a malformed or unacceptable request payload, or an
// error response with status 400 received from a peer.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string { return "client error: " + e.Err.Error() }
func (e *ClientError) Unwrap() error { return e.Err }

// ServerError reports an origin that could not be reached, an internal fault,
// or an error response with status 500 received from a peer.
type ServerError struct {
	Err error
}

func (e *ServerError) Error() string { return "server error: " + e.Err.Error() }
func (e *ServerError) Unwrap() error { return e.Err }

// ErrBadFrame is wrapped by [ReadMessage] when the stream cannot be framed.
// The connection cannot be resynchronized after it.
var ErrBadFrame = errors.New("bad frame")

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Err: fmt.Errorf(format, args...)}
}

func clientErrorf(format string, args ...any) error {
	return &ClientError{Err: fmt.Errorf(format, args...)}
}

// StatusOf maps err to the status of the response that reports it.
//
// Protocol errors, client errors and arithmetic errors are the requester's
// fault and map to 400. Everything else maps to 500. A nil error maps to 200.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var (
		perr *ProtocolError
		cerr *ClientError
		serr *ServerError
		aerr *expression.ArithmeticError
	)
	switch {
	case errors.As(err, &serr):
		return StatusServerError
	case errors.As(err, &perr), errors.As(err, &cerr), errors.As(err, &aerr):
		return StatusClientError
	default:
		return StatusServerError
	}
}

// ErrorFromResponse converts an error response into a typed error carrying
// the peer's message. It returns nil for anything but a 400 or 500 response.
func ErrorFromResponse(h *Header) error {
	if h.IsRequest() {
		return nil
	}
	switch h.Status() {
	case StatusClientError, StatusServerError:
	default:
		return nil
	}
	msg, err := h.ErrorMessage()
	if err != nil {
		return err
	}
	if h.Status() == StatusClientError {
		return &ClientError{Err: errors.New(msg)}
	}
	return &ServerError{Err: errors.New(msg)}
}
