package poller

import (
	"testing"
	"time"

	"apframework.dev/internal/apserver"
	"apframework.dev/internal/config"
	"apframework.dev/internal/logging"
)

func newWorker(t *testing.T) *Worker {
	t.Helper()
	adapter := apserver.New(logging.Nop(), config.Defaults().Retry)
	w := NewWorker(logging.Nop(), adapter, 5*time.Millisecond, 8)
	t.Cleanup(func() { w.Stop(time.Second) })
	return w
}

func TestStartStop(t *testing.T) {
	w := newWorker(t)
	if !w.Start() {
		t.Fatalf("start failed")
	}
	if w.Start() {
		t.Fatalf("double start succeeded")
	}
	if !w.IsRunning() {
		t.Fatalf("not running after start")
	}
	if !w.Stop(time.Second) {
		t.Fatalf("stop timed out")
	}
	if w.IsRunning() {
		t.Fatalf("still running after stop")
	}
	// Stopping a stopped worker is a no-op success.
	if !w.Stop(time.Second) {
		t.Fatalf("second stop failed")
	}
}

func TestProcessEventsOrder(t *testing.T) {
	w := newWorker(t)
	w.push(ItemReceived{Item: apserver.ReceivedItem{ItemID: 1}})
	w.push(APMessage{Type: "print", Message: "hi"})
	w.push(LifecycleSignal{Disconnected: true})

	var got []Event
	n := w.ProcessEvents(func(ev Event) { got = append(got, ev) })
	if n != 3 || len(got) != 3 {
		t.Fatalf("processed: got=%d want=3", n)
	}
	if _, ok := got[0].(ItemReceived); !ok {
		t.Fatalf("event 0: got=%T", got[0])
	}
	if _, ok := got[1].(APMessage); !ok {
		t.Fatalf("event 1: got=%T", got[1])
	}
	if sig, ok := got[2].(LifecycleSignal); !ok || !sig.Disconnected {
		t.Fatalf("event 2: got=%+v", got[2])
	}
}

func TestNoEventsAfterStopSignalled(t *testing.T) {
	w := newWorker(t)
	w.Start()
	w.Stop(time.Second)

	w.push(ItemReceived{})
	if n := w.ProcessEvents(func(Event) {}); n != 0 {
		t.Fatalf("events enqueued after stop: %d", n)
	}
}

func TestQueueOverflowCountsDrops(t *testing.T) {
	w := newWorker(t)
	for i := 0; i < 12; i++ {
		w.push(APMessage{Type: "print"})
	}
	if got := w.DroppedEvents(); got != 4 {
		t.Fatalf("dropped: got=%d want=4", got)
	}
	if n := w.ProcessEvents(func(Event) {}); n != 8 {
		t.Fatalf("remaining: got=%d want=8", n)
	}
}
