package web

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/PageGo/internal/session"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return Event{}
}

func decodeStatus(t *testing.T, evt Event) StatusEvent {
	t.Helper()
	if evt.Name != EventStatus {
		t.Fatalf("event name = %q, want %q", evt.Name, EventStatus)
	}
	var s StatusEvent
	if err := json.Unmarshal([]byte(evt.Data), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return s
}

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast("error", "hello")

	s := decodeStatus(t, receive(t, ch))
	if s.Msg != "hello" || s.Level != "error" {
		t.Errorf("status = %+v", s)
	}
	if s.Time == "" {
		t.Error("event should have a timestamp")
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.BroadcastMsg("multi")

	for i, ch := range []<-chan Event{ch1, ch2} {
		if s := decodeStatus(t, receive(t, ch)); s.Msg != "multi" || s.Level != "info" {
			t.Errorf("subscriber %d: %+v", i, s)
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	b.BroadcastMsg("after unsub")
}

func TestBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 64; i++ {
		b.BroadcastMsg("fill")
	}
	b.BroadcastMsg("overflow")

	if n := len(ch); n != 64 {
		t.Errorf("buffered = %d, want 64", n)
	}
}

func TestBroadcaster_ViewReplayedToLateSubscriber(t *testing.T) {
	b := NewStatusBroadcaster()
	b.BroadcastView(session.View{State: "idle", PageCount: 4})

	ch, unsub := b.Subscribe()
	defer unsub()
	evt := receive(t, ch)
	if evt.Name != EventView {
		t.Fatalf("event name = %q, want view", evt.Name)
	}
	var v session.View
	if err := json.Unmarshal([]byte(evt.Data), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.State != "idle" || v.PageCount != 4 {
		t.Errorf("view = %+v", v)
	}

	b.ClearView()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	if len(ch2) != 0 {
		t.Error("cleared view should not be replayed")
	}
}

func TestBroadcaster_StaleViewDropped(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastView(session.View{State: "idle", Revision: 3})
	b.BroadcastView(session.View{State: "preparing", Revision: 2})

	if evt := receive(t, ch); !strings.Contains(evt.Data, `"state":"idle"`) {
		t.Fatalf("first event = %q", evt.Data)
	}
	if len(ch) != 0 {
		t.Error("stale view should not be sent")
	}

	late, unsubLate := b.Subscribe()
	defer unsubLate()
	var v session.View
	if err := json.Unmarshal([]byte(receive(t, late).Data), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.State != "idle" || v.Revision != 3 {
		t.Errorf("replayed view = %+v, want idle at revision 3", v)
	}
}

func TestBroadcastWriter_Write(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := BroadcastWriter(b)
	in := "  trimmed message  \n"
	n, err := w.Write([]byte(in))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len(in) {
		t.Errorf("n = %d, want %d", n, len(in))
	}
	if s := decodeStatus(t, receive(t, ch)); s.Msg != "trimmed message" {
		t.Errorf("msg = %q", s.Msg)
	}
}

func TestBroadcastWriter_EmptyWriteIgnored(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	_, _ = BroadcastWriter(b).Write([]byte("   \n"))

	select {
	case <-ch:
		t.Error("expected no message for whitespace-only write")
	case <-time.After(50 * time.Millisecond):
	}
}
