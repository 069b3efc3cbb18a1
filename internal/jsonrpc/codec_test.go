package jsonrpc

import (
	"errors"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	t.Run("single request", func(t *testing.T) {
		b, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if b.IsArray || len(b.Messages) != 1 {
			t.Fatalf("unexpected batch shape: %+v", b)
		}
		if got := b.Messages[0].Type(); got != "request" {
			t.Errorf("want request, got %q", got)
		}
		if got := b.Messages[0].ID.String(); got != "1" {
			t.Errorf("want id 1, got %q", got)
		}
	})

	t.Run("batch preserves order", func(t *testing.T) {
		b, err := Decode([]byte(`[
			{"jsonrpc":"2.0","id":"a","method":"ping"},
			{"jsonrpc":"2.0","method":"notifications/initialized"},
			{"jsonrpc":"2.0","id":"b","method":"tools/list"}
		]`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !b.IsArray || len(b.Messages) != 3 {
			t.Fatalf("unexpected batch shape: %+v", b)
		}
		wantTypes := []string{"request", "notification", "request"}
		for i, want := range wantTypes {
			if got := b.Messages[i].Type(); got != want {
				t.Errorf("element %d: want %q, got %q", i, want, got)
			}
		}
	})

	t.Run("null id is a request", func(t *testing.T) {
		b, err := Decode([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		msg := &b.Messages[0]
		if got := msg.Type(); got != "request" {
			t.Fatalf("want request, got %q", got)
		}
		if msg.AsRequest().IsNotification() {
			t.Fatal("null id request reported as notification")
		}
		out, err := Encode(NewErrorResponse(msg.ID, ErrorCodeProtocol, "x", nil))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !strings.Contains(string(out), `"id":null`) {
			t.Fatalf("want null id echoed, got %s", out)
		}
	})

	t.Run("absent id is a notification", func(t *testing.T) {
		b, err := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got := b.Messages[0].Type(); got != "notification" {
			t.Fatalf("want notification, got %q", got)
		}
	})

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", ``, ErrInvalidJSON},
		{"garbage", `{not json`, ErrInvalidJSON},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, ErrInvalidEnvelope},
		{"missing version", `{"id":1,"method":"ping"}`, ErrInvalidEnvelope},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`, ErrInvalidEnvelope},
		{"request with error", `{"jsonrpc":"2.0","id":1,"method":"ping","error":{"code":1,"message":"x"}}`, ErrInvalidEnvelope},
		{"response with both", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, ErrInvalidEnvelope},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`, ErrInvalidEnvelope},
		{"empty method", `{"jsonrpc":"2.0","id":1,"method":""}`, ErrInvalidEnvelope},
		{"scalar params", `{"jsonrpc":"2.0","id":1,"method":"ping","params":3}`, ErrInvalidEnvelope},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"ping"}`, ErrInvalidJSON},
		{"empty batch", `[]`, ErrEmptyBatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("want *DecodeError, got %T", err)
			}
		})
	}

	t.Run("bad batch element reports index", func(t *testing.T) {
		_, err := Decode([]byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0"}]`))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("want *DecodeError, got %v", err)
		}
		if de.Index != 1 {
			t.Errorf("want index 1, got %d", de.Index)
		}
	})
}

func TestEncodeStampsVersion(t *testing.T) {
	resp := &Response{Result: []byte(`{}`), ID: NewRequestID(7)}
	b, err := Encode(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := `{"jsonrpc":"2.0","result":{},"id":7}`; string(b) != want {
		t.Errorf("want %s, got %s", want, b)
	}

	batch := []*Response{{Result: []byte(`1`), ID: NewRequestID("x")}, {Result: []byte(`2`), ID: NewRequestID("y")}}
	b, err = Encode(batch)
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	if want := `[{"jsonrpc":"2.0","result":1,"id":"x"},{"jsonrpc":"2.0","result":2,"id":"y"}]`; string(b) != want {
		t.Errorf("want %s, got %s", want, b)
	}
}

func TestMakeError(t *testing.T) {
	t.Run("correlated", func(t *testing.T) {
		b, err := Encode(MakeError(ErrorCodeProtocol, "Bad Request: invalid session ID or method.", NewRequestID("abc")))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		want := `{"jsonrpc":"2.0","error":{"code":-32000,"message":"Bad Request: invalid session ID or method."},"id":"abc"}`
		if string(b) != want {
			t.Errorf("want %s, got %s", want, b)
		}
	})

	t.Run("generated id", func(t *testing.T) {
		a := MakeError(ErrorCodeProtocol, "x", nil)
		b := MakeError(ErrorCodeProtocol, "x", nil)
		if a.ID.IsNil() || b.ID.IsNil() {
			t.Fatal("expected generated ids")
		}
		if a.ID.String() == b.ID.String() {
			t.Errorf("expected distinct ids, both %q", a.ID.String())
		}
		if _, ok := a.ID.Value().(string); !ok {
			t.Errorf("expected string id, got %T", a.ID.Value())
		}
	})
}

func TestIsInitializeRequest(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"initialize", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`, true},
		{"initialize without id", `{"jsonrpc":"2.0","method":"initialize","params":{}}`, false},
		{"initialize without params", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, false},
		{"other method", `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`, false},
		{"batch with initialize", `[{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}]`, true},
		{"batch without initialize", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, false},
		{"garbage", `nope`, false},
		{"empty", ``, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsInitializeRequest([]byte(tc.raw)); got != tc.want {
				t.Errorf("want %v, got %v", tc.want, got)
			}
		})
	}
}

func TestRecoverID(t *testing.T) {
	if id := RecoverID([]byte(`{"jsonrpc":"1.0","id":"r-1","method":"ping"}`)); id.String() != "r-1" {
		t.Errorf("want r-1, got %q", id.String())
	}
	if id := RecoverID([]byte(`{"jsonrpc":"2.0","id":null}`)); id != nil {
		t.Errorf("want nil id, got %v", id)
	}
	if id := RecoverID([]byte(`[1,2]`)); id != nil {
		t.Errorf("want nil id for arrays, got %v", id)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	var id RequestID
	if err := id.UnmarshalJSON([]byte(`42`)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := id.Value().(int64); !ok || v != 42 {
		t.Errorf("want int64 42, got %#v", id.Value())
	}
	if err := id.UnmarshalJSON([]byte(`{}`)); err == nil || !strings.Contains(err.Error(), "string or number") {
		t.Errorf("expected type error, got %v", err)
	}
	b, _ := (*RequestID)(nil).MarshalJSON()
	if string(b) != "null" {
		t.Errorf("nil id should encode as null, got %s", b)
	}
}
