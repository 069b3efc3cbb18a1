package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/tools"
	"github.com/tmaxmax/go-sse"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"0.0.0"}}}`

const pushOpenEvent = `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"Push channel established"}}`

var badSessionEnvelope = regexp.MustCompile(`^\{"jsonrpc":"2\.0","error":\{"code":-32000,"message":"Bad Request: invalid session ID or method\."\},"id":"[0-9a-f-]{36}"\}$`)

type echoArgs struct {
	Message string `json:"message"`
}

func testTools() *tools.Registry {
	return tools.NewRegistry(
		tools.NewTool("echo", func(ctx context.Context, w tools.ResponseWriter, r *tools.Request[echoArgs]) error {
			if err := w.SendProgress(1, 1, "echoing"); err != nil {
				return err
			}
			return w.AppendText(r.Args().Message)
		}, tools.WithDescription("Echo a message")),
	)
}

type testServer struct {
	h   *StreamingHTTPHandler
	srv *httptest.Server
	reg *tools.Registry
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()

	reg := testTools()
	lb := testLogHandler(t)
	h, err := New(t.Context(), "/mcp", reg, append([]Option{WithLogger(slog.New(lb))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown(context.Background())
		srv.Close()
		lb.stop()
	})
	return &testServer{h: h, srv: srv, reg: reg}
}

func (ts *testServer) url() string { return ts.srv.URL + "/mcp" }

// post sends body to the endpoint and returns the response with its body
// fully read.
func (ts *testServer) post(t *testing.T, sessionID, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.url(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, sessionID)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func (ts *testServer) initialize(t *testing.T) string {
	t.Helper()
	resp, body := ts.post(t, "", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d body=%s", resp.StatusCode, body)
	}
	id := resp.Header.Get(mcpSessionIDHeader)
	if id == "" {
		t.Fatalf("initialize returned no %s header", mcpSessionIDHeader)
	}
	return id
}

// openStream issues a GET for the session's push stream. On 200 the
// returned channel yields every event until the stream ends; otherwise the
// channel is nil and the response body has been consumed.
func (ts *testServer) openStream(t *testing.T, ctx context.Context, sessionID, accept string) (*http.Response, <-chan sse.Event) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.url(), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", accept)
	if sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, sessionID)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp, nil
	}

	events := make(chan sse.Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()
	return resp, events
}

func nextEvent(t *testing.T, events <-chan sse.Event) sse.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("stream ended before the expected event")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sse.Event{}
}

func waitClosed(t *testing.T, events <-chan sse.Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not end")
		}
	}
}

func TestNew_RejectsBadEndpoint(t *testing.T) {
	if _, err := New(t.Context(), "ftp://example.com/mcp", nil); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
	if _, err := New(t.Context(), "http://[::1", nil); err == nil {
		t.Fatal("expected error for unparsable endpoint")
	}
	h, err := New(t.Context(), "https://mcp.example.com/mcp", nil)
	if err != nil {
		t.Fatalf("New with absolute URL: %v", err)
	}
	h.Shutdown(t.Context())
}

func TestInitialize_ThenPushStreamGreets(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	sessionID := resp.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		t.Fatal("missing session header")
	}
	if got := resp.Header.Get(mcpProtocolVersionHeader); got != "2025-06-18" {
		t.Fatalf("protocol version header = %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}

	var res struct {
		ID     int `json:"id"`
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID != 1 || res.Result.ProtocolVersion != "2025-06-18" || res.Result.ServerInfo.Name == "" {
		t.Fatalf("unexpected initialize result: %s", body)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	sresp, events := ts.openStream(t, ctx, sessionID, "text/event-stream")
	if sresp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", sresp.StatusCode)
	}
	if ct := sresp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("stream content type = %q", ct)
	}
	ev := nextEvent(t, events)
	if ev.Data != pushOpenEvent {
		t.Fatalf("first event = %s", ev.Data)
	}
	if ev.LastEventID != "1" {
		t.Fatalf("first event id = %q", ev.LastEventID)
	}
}

func TestPost_UnknownSession(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.post(t, "not-a-session", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !badSessionEnvelope.Match(body) {
		t.Fatalf("unexpected envelope: %s", body)
	}
}

func TestPost_NoSessionRequiresInitialize(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !badSessionEnvelope.Match(body) {
		t.Fatalf("unexpected envelope: %s", body)
	}
	if resp.Header.Get(mcpSessionIDHeader) != "" {
		t.Fatal("session header set on rejected request")
	}
	if ts.h.Sessions().Len() != 0 {
		t.Fatal("session created for non-initialize request")
	}
}

func TestPost_RejectedInitializeCreatesNoSession(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get(mcpSessionIDHeader) != "" {
		t.Fatal("session header set on rejected initialize")
	}
	if !bytes.Contains(body, []byte(`"code":-32602`)) {
		t.Fatalf("expected invalid params error, got %s", body)
	}
	if ts.h.Sessions().Len() != 0 {
		t.Fatalf("registry holds %d sessions", ts.h.Sessions().Len())
	}
}

func TestPost_UnknownToolIsErrorWithoutResult(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	resp, body := ts.post(t, sid, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res map[string]json.RawMessage
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := res["result"]; ok {
		t.Fatalf("unexpected result: %s", body)
	}
	if _, ok := res["error"]; !ok {
		t.Fatalf("missing error: %s", body)
	}
	if string(res["id"]) != "5" {
		t.Fatalf("id = %s", res["id"])
	}
}

func TestPost_ToolCall(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	resp, body := ts.post(t, sid, `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := `{"jsonrpc":"2.0","result":{"content":[{"type":"text","text":"hi"}]},"id":"a"}`
	if string(body) != want {
		t.Fatalf("body = %s\nwant   %s", body, want)
	}
	if got := resp.Header.Get(mcpProtocolVersionHeader); got != "2025-06-18" {
		t.Fatalf("protocol version header = %q", got)
	}
}

func TestPost_BatchPreservesOrder(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	batch := `[
		{"jsonrpc":"2.0","id":"x","method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"tools/list"},
		{"jsonrpc":"2.0","id":3,"method":"ping"}
	]`
	resp, body := ts.post(t, sid, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var out []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v body=%s", err, body)
	}
	var ids []string
	for _, o := range out {
		ids = append(ids, string(o.ID))
	}
	if got := strings.Join(ids, ","); got != `"x",2,3` {
		t.Fatalf("ids = %s", got)
	}
}

func TestPost_NotificationsOnlyAccepted(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	resp, body := ts.post(t, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestPost_ProtocolVersionMismatch(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.url(), strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(mcpSessionIDHeader, sid)
	req.Header.Set(mcpProtocolVersionHeader, "2024-11-05")
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPost_UnsupportedMediaType(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.url(), strings.NewReader(initializeBody))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPost_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, WithMaxBodyBytes(64))
	resp, _ := ts.post(t, "", initializeBody)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ts.h.Sessions().Len() != 0 {
		t.Fatal("session created for oversized body")
	}
}

func TestGet_SecondStreamConflicts(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	_, events := ts.openStream(t, ctx, sid, "text/event-stream")
	nextEvent(t, events)

	resp, second := ts.openStream(t, t.Context(), sid, "text/event-stream")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second GET status = %d", resp.StatusCode)
	}
	if second != nil {
		t.Fatal("second stream should not be readable")
	}
}

func TestGet_Rejections(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	resp, _ := ts.openStream(t, t.Context(), "", "text/event-stream")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("GET without session status = %d", resp.StatusCode)
	}
	resp, _ = ts.openStream(t, t.Context(), "unknown", "text/event-stream")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("GET unknown session status = %d", resp.StatusCode)
	}
	resp, _ = ts.openStream(t, t.Context(), sid, "application/json")
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("GET bad accept status = %d", resp.StatusCode)
	}
}

func TestGet_SessionCheckedBeforeAccept(t *testing.T) {
	ts := newTestServer(t)
	for _, sid := range []string{"", "unknown"} {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.url(), nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Accept", "application/json")
		if sid != "" {
			req.Header.Set(mcpSessionIDHeader, sid)
		}
		resp, err := ts.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("session %q: status = %d", sid, resp.StatusCode)
		}
		if !badSessionEnvelope.Match(body) {
			t.Fatalf("session %q: unexpected envelope %s", sid, body)
		}
	}
}

func TestGet_ReopenAfterClientDisconnect(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	ctx, cancel := context.WithCancel(t.Context())
	_, events := ts.openStream(t, ctx, sid, "text/event-stream")
	first := nextEvent(t, events)
	cancel()
	waitClosed(t, events)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithCancel(t.Context())
		resp, events := ts.openStream(t, ctx, sid, "text/event-stream")
		if resp.StatusCode == http.StatusOK {
			ev := nextEvent(t, events)
			cancel()
			if ev.Data != pushOpenEvent {
				t.Fatalf("reopened stream first event = %s", ev.Data)
			}
			if ev.LastEventID == first.LastEventID {
				t.Fatalf("event id %s reused after reopen", ev.LastEventID)
			}
			break
		}
		cancel()
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("reopen status = %d", resp.StatusCode)
		}
		if time.Now().After(deadline) {
			t.Fatal("push slot never released after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, ok := ts.h.Sessions().Lookup(sid); !ok {
		t.Fatal("client disconnect removed the session")
	}
}

func TestGet_ProgressOverStream(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	_, events := ts.openStream(t, ctx, sid, "text/event-stream")
	nextEvent(t, events)

	resp, body := ts.post(t, sid, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"echo","arguments":{"message":"yo"},"_meta":{"progressToken":"p1"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}

	ev := nextEvent(t, events)
	want := `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"p1","progress":1,"total":1,"message":"echoing"}}`
	if ev.Data != want {
		t.Fatalf("progress event = %s", ev.Data)
	}
	if ev.LastEventID != "2" {
		t.Fatalf("progress event id = %q", ev.LastEventID)
	}
}

func TestGet_ToolListChangedBroadcast(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	_, events := ts.openStream(t, ctx, sid, "text/event-stream")
	nextEvent(t, events)

	want := `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`
	for i := 0; ; i++ {
		name := "extra-" + strconv.Itoa(i)
		if err := ts.reg.Register(tools.NewTool(name, func(ctx context.Context, w tools.ResponseWriter, r *tools.Request[echoArgs]) error {
			return nil
		})); err != nil {
			t.Fatalf("Register: %v", err)
		}
		select {
		case ev := <-events:
			if ev.Data != want {
				t.Fatalf("event = %s", ev.Data)
			}
			return
		case <-time.After(200 * time.Millisecond):
			if i > 20 {
				t.Fatal("no list_changed notification")
			}
		}
	}
}

func TestDelete_ClosesSession(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	_, events := ts.openStream(t, ctx, sid, "text/event-stream")
	nextEvent(t, events)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodDelete, ts.url(), nil)
	req.Header.Set(mcpSessionIDHeader, sid)
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	waitClosed(t, events)

	presp, body := ts.post(t, sid, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if presp.StatusCode != http.StatusBadRequest || !badSessionEnvelope.Match(body) {
		t.Fatalf("POST after DELETE status = %d body=%s", presp.StatusCode, body)
	}

	req, _ = http.NewRequestWithContext(t.Context(), http.MethodDelete, ts.url(), nil)
	req.Header.Set(mcpSessionIDHeader, sid)
	resp, err = ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second DELETE status = %d", resp.StatusCode)
	}
}

func TestShutdown_EndsStreams(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.initialize(t)
	other := ts.initialize(t)
	if sid == other {
		t.Fatal("sessions share an id")
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	_, events := ts.openStream(t, ctx, sid, "text/event-stream")
	nextEvent(t, events)

	ts.h.Shutdown(t.Context())
	waitClosed(t, events)

	if n := ts.h.Sessions().Len(); n != 0 {
		t.Fatalf("registry holds %d sessions after shutdown", n)
	}
	resp, _ := ts.post(t, other, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST after shutdown status = %d", resp.StatusCode)
	}
}

// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t    testing.TB
	buf  *bytes.Buffer
	mu   *sync.Mutex
	done *bool
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Handlers may still log after the test returns; t.Log panics then.
	if *b.done {
		return nil
	}

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()

	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		done:    b.done,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		done:    b.done,
		Handler: b.Handler.WithGroup(name),
	}
}

func (b *logBridge) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	*b.done = true
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:    t,
		buf:  &bytes.Buffer{},
		mu:   &sync.Mutex{},
		done: new(bool),
	}
	hOpts := &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}
	b.Handler = slog.NewTextHandler(b.buf, hOpts)

	return b
}
