package jsonrpc

import (
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeProtocol is the server-defined code used for application-level
	// protocol violations: bad or missing session, unrecognized method,
	// undecodable envelopes.
	ErrorCodeProtocol ErrorCode = -32000
)

var (
	// ErrInvalidJSON is wrapped by DecodeError when the payload is not JSON at all.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrInvalidEnvelope is wrapped by DecodeError when the payload is JSON but
	// not a valid JSON-RPC 2.0 envelope.
	ErrInvalidEnvelope = errors.New("invalid JSON-RPC envelope")
	// ErrEmptyBatch is returned for a batch array with no elements.
	ErrEmptyBatch = errors.New("empty JSON-RPC batch")
)

// DecodeError reports why a raw payload could not be decoded. Index is the
// offending element position within a batch, or -1 for a single envelope.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("batch element %d: %v", e.Index, e.Err)
	}
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }
