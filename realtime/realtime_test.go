package realtime

import (
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReconnectDelaySequence(t *testing.T) {
	want := []time.Duration{
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15188 * time.Millisecond,
		22781 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for n, expected := range want {
		got := ReconnectDelay(n).Round(time.Millisecond)
		if got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", n, expected, got)
		}
	}
	if got := ReconnectDelay(-3); got != baseReconnectDelay {
		t.Fatalf("expected negative attempt to clamp to base delay, got %s", got)
	}
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		code int
		want closeClass
	}{
		{websocket.CloseNormalClosure, closeTerminal},
		{websocket.CloseGoingAway, closeTerminal},
		{websocket.ClosePolicyViolation, closeAuthRejected},
		{websocket.CloseAbnormalClosure, closeRetryable},
		{websocket.CloseInternalServerErr, closeRetryable},
		{websocket.CloseServiceRestart, closeRetryable},
		{4000, closeRetryable},
	}
	for _, tc := range tests {
		if got := classifyClose(tc.code); got != tc.want {
			t.Fatalf("code %d: expected %s, got %s", tc.code, tc.want, got)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	if !StateIdle.canTransition(StateConnecting) {
		t.Fatal("idle must be able to start connecting")
	}
	if StateClosed.canTransition(StateOpen) {
		t.Fatal("closed must not jump straight to open")
	}
	if StateOpen.canTransition(StateConnecting) {
		t.Fatal("open must not re-enter connecting without closing")
	}
	if !StateClosed.canTransition(StateClosed) {
		t.Fatal("self transitions are allowed")
	}
	if StateClosing.String() != "closing" {
		t.Fatalf("unexpected state name %q", StateClosing.String())
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base, origin string
		want         string
	}{
		{"http://localhost:5187", "", "ws://localhost:5187/api/realtime/ws/tok"},
		{"https://api.example.com/some/path", "", "wss://api.example.com/api/realtime/ws/tok"},
		{"http://api.example.com", "https://app.example.com", "wss://api.example.com/api/realtime/ws/tok"},
		{"https://api.example.com", "http://localhost:3000", "ws://api.example.com/api/realtime/ws/tok"},
	}
	for _, tc := range tests {
		got, err := EndpointURL(tc.base, "tok", tc.origin)
		if err != nil {
			t.Fatalf("base %s: unexpected error: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("base %s origin %s: expected %s, got %s", tc.base, tc.origin, tc.want, got)
		}
	}

	if _, err := EndpointURL("not a url", "tok", ""); err == nil {
		t.Fatal("expected error for endpoint without host")
	}
	if _, err := EndpointURL("http://example.com", "", ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestParseFrame(t *testing.T) {
	f, err := parseFrame([]byte(`{"type":"message","sender_id":"u1","recipient_id":"u2","content":"hi","timestamp":"2024-03-01T10:11:12.345678"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := f.Message()
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.SenderID != "u1" || msg.RecipientID != "u2" || msg.Content != "hi" {
		t.Fatalf("unexpected message %+v", msg)
	}
	ts, err := msg.Time()
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if ts.Year() != 2024 || ts.Nanosecond() != 345678000 {
		t.Fatalf("unexpected timestamp %s", ts)
	}
	if _, err := f.Notification(); err == nil {
		t.Fatal("expected message frame to refuse notification decoding")
	}

	n, err := parseFrame([]byte(`{"type":"notification","data":{"type":"like","sender_id":"u9"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	note, err := n.Notification()
	if err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if note.Type != "like" || note.SenderID != "u9" {
		t.Fatalf("unexpected notification %+v", note)
	}

	for _, bad := range []string{"", "   ", "not json", "[1,2]"} {
		if _, err := parseFrame([]byte(bad)); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestChatMessageWireShape(t *testing.T) {
	data, err := json.Marshal(NewChatMessage("user-2", "hello"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"message","recipientId":"user-2","content":"hello"}` {
		t.Fatalf("unexpected wire shape %s", data)
	}
	data, _ = json.Marshal(ping)
	if string(data) != `{"type":"ping"}` {
		t.Fatalf("unexpected ping shape %s", data)
	}
}

func newQuietManager(opts ...Option) *Manager {
	return NewManager(append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)...)
}

func TestHandlerRegistrationIsIdempotent(t *testing.T) {
	m := newQuietManager()
	m.state = StateOpen
	gen := m.gen

	var calls int
	h := OnMessage(func(Frame) { calls++ })
	m.AddMessageHandler(h)
	m.AddMessageHandler(h)

	m.handleInbound(gen, []byte(`{"type":"message","content":"x"}`))
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}

	m.RemoveMessageHandler(h)
	m.RemoveMessageHandler(h)
	m.RemoveMessageHandler(OnMessage(func(Frame) {}))
	m.handleInbound(gen, []byte(`{"type":"message","content":"x"}`))
	if calls != 1 {
		t.Fatalf("expected removed handler to stay silent, calls=%d", calls)
	}

	m.AddMessageHandler(h)
	m.handleInbound(gen, []byte(`{"type":"message","content":"x"}`))
	if calls != 2 {
		t.Fatalf("expected re-added handler to run, calls=%d", calls)
	}
}

type valueHandler struct{ seen []string }

func (v valueHandler) HandleMessage(Frame) {}

type sliceHandler []string

func (sliceHandler) HandleMessage(Frame) {}

func TestNonComparableHandlersAreRejected(t *testing.T) {
	m := newQuietManager()
	m.AddMessageHandler(sliceHandler{"a"})
	m.AddMessageHandler(nil)
	var nilPtr *messageFunc
	m.AddMessageHandler(nilPtr)
	if n := m.messageHandlers.len(); n != 0 {
		t.Fatalf("expected no handlers registered, got %d", n)
	}
	// Struct values holding slices are not comparable either.
	m.AddMessageHandler(valueHandler{})
	if n := m.messageHandlers.len(); n != 0 {
		t.Fatalf("expected non-comparable struct handler to be rejected, got %d", n)
	}
}

func TestPongIsNeverForwarded(t *testing.T) {
	m := newQuietManager()
	m.state = StateOpen

	var calls int
	for i := 0; i < 3; i++ {
		m.AddMessageHandler(OnMessage(func(Frame) { calls++ }))
	}
	m.handleInbound(m.gen, []byte(`{"type":"pong"}`))
	if calls != 0 {
		t.Fatalf("pong reached %d handlers", calls)
	}
	m.handleInbound(m.gen, []byte(`{"type":"message"}`))
	if calls != 3 {
		t.Fatalf("expected 3 deliveries, got %d", calls)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	m := newQuietManager()
	m.state = StateOpen

	var order []string
	m.AddMessageHandler(OnMessage(func(Frame) { order = append(order, "first") }))
	m.AddMessageHandler(OnMessage(func(Frame) { panic("boom") }))
	m.AddMessageHandler(OnMessage(func(Frame) { order = append(order, "third") }))

	m.handleInbound(m.gen, []byte(`{"type":"message"}`))
	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("unexpected delivery order %v", order)
	}
	if m.State() != StateOpen {
		t.Fatalf("panic must not disturb state, got %s", m.State())
	}
}

func TestHandlerMayRemoveItselfDuringDispatch(t *testing.T) {
	m := newQuietManager()
	m.state = StateOpen

	var calls int
	var self MessageHandler
	self = OnMessage(func(Frame) {
		calls++
		m.RemoveMessageHandler(self)
	})
	var otherCalls int
	m.AddMessageHandler(self)
	m.AddMessageHandler(OnMessage(func(Frame) { otherCalls++ }))

	m.handleInbound(m.gen, []byte(`{"type":"message"}`))
	m.handleInbound(m.gen, []byte(`{"type":"message"}`))
	if calls != 1 || otherCalls != 2 {
		t.Fatalf("expected self-removing handler once and other twice, got %d and %d", calls, otherCalls)
	}
}

func TestDisconnectDuringDispatchStopsLaterHandlers(t *testing.T) {
	m := newQuietManager()
	m.state = StateOpen
	gen := m.gen

	var order []string
	m.AddMessageHandler(OnMessage(func(Frame) {
		order = append(order, "first")
		m.Disconnect()
	}))
	m.AddMessageHandler(OnMessage(func(Frame) { order = append(order, "second") }))

	m.handleInbound(gen, []byte(`{"type":"message"}`))
	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("expected delivery to stop after Disconnect, got %v", order)
	}
}
