package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/PageGo/internal/session"
)

// SSE event names.
const (
	EventStatus = "status"
	EventView   = "view"
)

// Event is one server-sent event: a name and its JSON payload.
type Event struct {
	Name string
	Data string
}

// StatusEvent is the payload of a status event.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster distributes events to SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	last    *Event // latest view, replayed to new subscribers
	lastRev uint64
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of events and a cleanup function the caller
// must run when the client goes away. The latest view, if any, is queued
// first.
func (b *StatusBroadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.last != nil {
		ch <- *b.last
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *StatusBroadcaster) send(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// slow client, drop
		}
	}
}

// Broadcast sends a status message: {"t":"...","l":"info","msg":"..."}.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	data, err := json.Marshal(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
	if err != nil {
		return
	}
	b.send(Event{Name: EventStatus, Data: string(data)})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastView sends a rendered session view and remembers it for late
// subscribers. A view older than the last one sent is dropped.
func (b *StatusBroadcaster) BroadcastView(v session.View) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	evt := Event{Name: EventView, Data: string(data)}
	b.mu.Lock()
	if v.Revision < b.lastRev {
		b.mu.Unlock()
		return
	}
	b.last = &evt
	b.lastRev = v.Revision
	b.mu.Unlock()
	b.send(evt)
}

// ClearView forgets the remembered view, once no session is mounted.
func (b *StatusBroadcaster) ClearView() {
	b.mu.Lock()
	b.last = nil
	b.mu.Unlock()
}

// BroadcastWriter returns an io.Writer that broadcasts each write as a
// status message, for mirroring debug output to the browser.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
