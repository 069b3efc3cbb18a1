package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Batch is the decoded form of an inbound payload. A payload that was a
// single JSON object decodes to a one-element batch with IsArray false.
type Batch struct {
	Messages []AnyMessage
	IsArray  bool
}

// Decode validates raw as either a single JSON-RPC 2.0 envelope or a
// non-empty array of envelopes. Failures are reported as *DecodeError.
func Decode(raw []byte) (*Batch, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Index: -1, Err: fmt.Errorf("%w: empty payload", ErrInvalidJSON)}
	}

	if !json.Valid(trimmed) {
		return nil, &DecodeError{Index: -1, Err: ErrInvalidJSON}
	}

	if trimmed[0] != '[' {
		var msg AnyMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, &DecodeError{Index: -1, Err: err}
		}
		return &Batch{Messages: []AnyMessage{msg}}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, &DecodeError{Index: -1, Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}
	if len(elems) == 0 {
		return nil, &DecodeError{Index: -1, Err: ErrEmptyBatch}
	}

	b := &Batch{Messages: make([]AnyMessage, len(elems)), IsArray: true}
	for i, elem := range elems {
		if err := json.Unmarshal(elem, &b.Messages[i]); err != nil {
			return nil, &DecodeError{Index: i, Err: err}
		}
	}
	return b, nil
}

// Encode marshals an envelope, a slice of envelopes or any other value. The
// jsonrpc version tag is always stamped on envelopes.
func Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Response:
		m.JSONRPCVersion = ProtocolVersion
	case *Request:
		m.JSONRPCVersion = ProtocolVersion
	case *AnyMessage:
		m.JSONRPCVersion = ProtocolVersion
	case []*Response:
		for _, r := range m {
			r.JSONRPCVersion = ProtocolVersion
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON-RPC message: %w", err)
	}
	return b, nil
}

// MakeError builds an error response. When id is nil a freshly generated
// token is used instead.
//
// Strict JSON-RPC correlation is relaxed here on purpose: transport-level
// failures (unknown session, undecodable body) have no request id to echo,
// and clients expect an id on every response. Callers that know the request
// id must pass it.
func MakeError(code ErrorCode, message string, id *RequestID) *Response {
	if id.IsNil() {
		id = NewRequestID(uuid.NewString())
	}
	return NewErrorResponse(id, code, message, nil)
}

// IsInitializeRequest reports whether raw is an "initialize" request or a
// batch containing at least one.
func IsInitializeRequest(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return false
		}
		for _, elem := range elems {
			if isInitialize(elem) {
				return true
			}
		}
		return false
	}
	return isInitialize(trimmed)
}

func isInitialize(raw []byte) bool {
	var msg AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	if msg.Method != "initialize" || msg.ID.IsNil() {
		return false
	}
	return len(msg.Params) > 0 && msg.Params[0] == '{'
}

// RecoverID makes a best-effort attempt at extracting a request id from a
// payload that failed validation. It returns nil when none can be found.
func RecoverID(raw []byte) *RequestID {
	var probe struct {
		ID *RequestID `json:"id"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &probe); err != nil {
		return nil
	}
	if probe.ID.IsNil() {
		return nil
	}
	return probe.ID
}
