// Package poller runs the background worker that pumps the server adapter
// and converts its callbacks into typed events on a bounded queue drained by
// the main loop.
package poller

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"apframework.dev/internal/apserver"
	"apframework.dev/internal/logging"
	"apframework.dev/internal/protocol"
	"apframework.dev/internal/queue"
)

// Event is one typed occurrence produced by the worker.
type Event interface{ frameworkEvent() }

type ItemReceived struct {
	Item apserver.ReceivedItem
}

type LocationScout struct {
	Results []apserver.ScoutResult
}

// LifecycleSignal reports connection-level transitions observed on the
// server channel.
type LifecycleSignal struct {
	SlotInfo     *apserver.SlotInfo // non-nil when a slot just connected
	Disconnected bool
	Message      string
}

type ErrorEvent struct {
	Code    string
	Message string
	Details string
}

type APMessage struct {
	Type    string
	Message string
}

func (ItemReceived) frameworkEvent()    {}
func (LocationScout) frameworkEvent()   {}
func (LifecycleSignal) frameworkEvent() {}
func (ErrorEvent) frameworkEvent()      {}
func (APMessage) frameworkEvent()       {}

// Worker owns one goroutine that calls Adapter.Poll at the configured
// cadence. Stop is cooperative: the worker exits at the next tick boundary
// and no events are enqueued after stop is signalled.
type Worker struct {
	log      *logging.Logger
	adapter  *apserver.Adapter
	interval time.Duration
	events   *queue.Queue[Event]

	running  atomic.Bool
	stopping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

func NewWorker(log *logging.Logger, adapter *apserver.Adapter, interval time.Duration, queueMax int) *Worker {
	w := &Worker{
		log:      log,
		adapter:  adapter,
		interval: interval,
		events:   queue.New[Event](queueMax),
	}
	w.installCallbacks()
	return w
}

func (w *Worker) installCallbacks() {
	w.adapter.SetCallbacks(apserver.Callbacks{
		ItemReceived: func(item apserver.ReceivedItem) {
			w.push(ItemReceived{Item: item})
		},
		LocationScouted: func(results []apserver.ScoutResult) {
			w.push(LocationScout{Results: results})
		},
		SlotConnected: func(info apserver.SlotInfo) {
			w.push(LifecycleSignal{SlotInfo: &info, Message: "connected to slot: " + info.SlotName})
		},
		SlotRefused: func(errors []string) {
			details := ""
			for i, e := range errors {
				if i > 0 {
					details += "; "
				}
				details += e
			}
			w.push(ErrorEvent{
				Code:    protocol.CodeConnectionFailed,
				Message: "slot connection refused",
				Details: details,
			})
		},
		Disconnected: func() {
			w.push(LifecycleSignal{Disconnected: true, Message: "disconnected from server"})
		},
		Print: func(text string) {
			w.push(APMessage{Type: "print", Message: text})
		},
		PrintJSON: func(msgType, text string, _ json.RawMessage) {
			w.push(APMessage{Type: msgType, Message: text})
		},
		Bounced: func(data json.RawMessage) {
			w.push(APMessage{Type: "bounced", Message: string(data)})
		},
	})
}

func (w *Worker) push(ev Event) {
	if w.stopping.Load() {
		return
	}
	if !w.events.Push(ev) {
		w.log.Warnf("event queue full; dropped oldest event")
	}
}

func (w *Worker) Start() bool {
	if !w.running.CompareAndSwap(false, true) {
		return false
	}
	w.stopping.Store(false)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
	w.log.Infof("polling worker started (interval %s)", w.interval)
	return true
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			w.running.Store(false)
			return
		default:
		}

		start := time.Now()
		w.adapter.Poll()

		remaining := w.interval - time.Since(start)
		if remaining <= 0 {
			continue
		}
		select {
		case <-w.stop:
			w.running.Store(false)
			return
		case <-time.After(remaining):
		}
	}
}

// Stop signals cancellation and waits up to timeout for the worker to exit.
// On timeout it reports false; the worker is left to run to completion, but
// no further events reach the queue.
func (w *Worker) Stop(timeout time.Duration) bool {
	if !w.running.Load() {
		return true
	}
	w.stopping.Store(true)
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	select {
	case <-w.done:
		w.log.Infof("polling worker stopped")
		return true
	case <-time.After(timeout):
		w.log.Warnf("polling worker stop timeout exceeded")
		return false
	}
}

func (w *Worker) IsRunning() bool { return w.running.Load() }

// ProcessEvents drains the queue on the caller's goroutine.
func (w *Worker) ProcessEvents(handler func(Event)) int {
	events := w.events.PopAll()
	for _, ev := range events {
		handler(ev)
	}
	return len(events)
}

// DroppedEvents counts events lost to queue overflow.
func (w *Worker) DroppedEvents() uint64 { return w.events.Dropped() }
