package analytics

import (
	"log"
	"sync"
)

const defaultDispatcherBuffer = 256

type queuedEvent struct {
	name    string
	payload map[string]any
}

// Dispatcher decouples event emission from sink latency. Emit enqueues onto a
// buffered channel and returns immediately; a single worker goroutine drains
// the queue into the wrapped sink. When the buffer is full the event is
// dropped and counted, never blocking the caller.
type Dispatcher struct {
	sink    Sink
	queue   chan queuedEvent
	done    chan struct{}
	closing sync.Once

	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewDispatcher starts a dispatcher in front of sink. A buffer of zero or
// less selects the default size.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultDispatcherBuffer
	}
	d := &Dispatcher{
		sink:  sink,
		queue: make(chan queuedEvent, buffer),
		done:  make(chan struct{}),
	}
	go d.drain()
	return d
}

// Emit implements Sink. It never blocks.
func (d *Dispatcher) Emit(eventName string, payload map[string]any) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	select {
	case d.queue <- queuedEvent{name: eventName, payload: payload}:
		d.mu.Unlock()
	default:
		d.dropped++
		dropped := d.dropped
		d.mu.Unlock()
		log.Printf("analytics dispatcher dropped event name=%s total_dropped=%d", eventName, dropped)
	}
}

// Dropped returns the number of events dropped due to a full buffer.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops accepting events, flushes the queue into the sink, and waits
// for the worker to finish.
func (d *Dispatcher) Close() {
	d.closing.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.queue)
		<-d.done
	})
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for event := range d.queue {
		if d.sink != nil {
			d.sink.Emit(event.name, event.payload)
		}
	}
}
