package realtime

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectEvent describes a connection that just opened.
type ConnectEvent struct {
	ConnID uuid.UUID
	Host   string
	At     time.Time
}

// CloseEvent describes a connection that just closed.
type CloseEvent struct {
	ConnID uuid.UUID
	Code   int
	Reason string
	// Retrying is true when a reconnect has been scheduled.
	Retrying bool
}

// MessageHandler receives every application frame (pongs are filtered out).
type MessageHandler interface {
	HandleMessage(Frame)
}

// ConnectHandler is notified when a connection opens.
type ConnectHandler interface {
	HandleConnect(ConnectEvent)
}

// DisconnectHandler is notified when a live or dialing connection closes.
type DisconnectHandler interface {
	HandleDisconnect(CloseEvent)
}

// ErrorHandler is notified of transport errors and of reconnect exhaustion.
type ErrorHandler interface {
	HandleError(error)
}

// Handlers are tracked by identity, so they must be comparable. The
// constructors below return pointers, which makes each call a distinct
// handler that can later be removed.

type messageFunc struct{ fn func(Frame) }

func (h *messageFunc) HandleMessage(f Frame) { h.fn(f) }

// OnMessage adapts fn to a MessageHandler.
func OnMessage(fn func(Frame)) MessageHandler { return &messageFunc{fn: fn} }

type connectFunc struct{ fn func(ConnectEvent) }

func (h *connectFunc) HandleConnect(ev ConnectEvent) { h.fn(ev) }

// OnConnect adapts fn to a ConnectHandler.
func OnConnect(fn func(ConnectEvent)) ConnectHandler { return &connectFunc{fn: fn} }

type disconnectFunc struct{ fn func(CloseEvent) }

func (h *disconnectFunc) HandleDisconnect(ev CloseEvent) { h.fn(ev) }

// OnDisconnect adapts fn to a DisconnectHandler.
func OnDisconnect(fn func(CloseEvent)) DisconnectHandler { return &disconnectFunc{fn: fn} }

type errorFunc struct{ fn func(error) }

func (h *errorFunc) HandleError(err error) { h.fn(err) }

// OnError adapts fn to an ErrorHandler.
func OnError(fn func(error)) ErrorHandler { return &errorFunc{fn: fn} }

// observers is an ordered set of handlers. Dispatch works on a snapshot, so a
// handler that adds or removes handlers while running only affects later
// events.
type observers[H comparable] struct {
	mu   sync.RWMutex
	list []H
}

// add appends h unless it is already present. It reports false for nil or
// non-comparable handlers, which could not be removed again.
func (o *observers[H]) add(h H) bool {
	if !usable(h) {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.list {
		if existing == h {
			return true
		}
	}
	o.list = append(o.list, h)
	return true
}

func (o *observers[H]) remove(h H) {
	if !usable(h) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, existing := range o.list {
		if existing == h {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return
		}
	}
}

func (o *observers[H]) snapshot() []H {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.list) == 0 {
		return nil
	}
	return append([]H(nil), o.list...)
}

func (o *observers[H]) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}

func usable(h any) bool {
	if h == nil {
		return false
	}
	t := reflect.TypeOf(h)
	if !t.Comparable() {
		return false
	}
	if t.Kind() == reflect.Pointer && reflect.ValueOf(h).IsNil() {
		return false
	}
	return true
}
