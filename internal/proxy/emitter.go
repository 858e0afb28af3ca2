package proxy

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// errClientGone marks a failed write to the client; the engine and heartbeat
// both stop on it.
var errClientGone = errors.New("client disconnected")

// Heartbeat events carry an explicit empty text part so idle timers reset
// without the client rendering anything.
const (
	heartbeatEvent        = `data: {"candidates":[{"content":{"parts":[{"text":""}],"role":"model"},"index":0}]}` + "\n\n"
	heartbeatThoughtEvent = `data: {"candidates":[{"content":{"parts":[{"text":"","thought":true}],"role":"model"},"index":0}]}` + "\n\n"
)

// sseEmitter is the single fan-in point for everything written to the client
// stream. The engine and the heartbeat timer share it; the mutex guarantees a
// data event is never split.
type sseEmitter struct {
	mu      sync.Mutex
	writer  gin.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func newSSEEmitter(c *gin.Context) *sseEmitter {
	flusher, _ := c.Writer.(http.Flusher)
	return &sseEmitter{
		writer:  c.Writer,
		flusher: flusher,
	}
}

// Emit writes one raw SSE block and flushes. After the first failure every
// call returns errClientGone without touching the writer.
func (e *sseEmitter) Emit(raw string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return errClientGone
	}
	if _, err := e.writer.WriteString(raw); err != nil {
		e.failed = true
		return errClientGone
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Failed reports whether the client has gone away.
func (e *sseEmitter) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// heartbeat emits an empty data event on a fixed cadence to defeat client and
// middle-box idle timers while the model is still silent. It suspends as soon
// as real output flows — a tick between two raw passthrough chunks would
// split a data event — and resumes between attempts. asThought is
// re-evaluated per tick: thought-phase heartbeats are flagged as thoughts
// unless the client is known to render them literally.
type heartbeat struct {
	emitter   *sseEmitter
	asThought func() bool
	suspended atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func startHeartbeat(emitter *sseEmitter, interval time.Duration, asThought func() bool) *heartbeat {
	h := &heartbeat{
		emitter:   emitter,
		asThought: asThought,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run(interval)
	return h
}

func (h *heartbeat) run(interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if h.emitter.Failed() {
				return
			}
			if h.suspended.Load() {
				continue
			}
			event := heartbeatEvent
			if h.asThought() {
				event = heartbeatThoughtEvent
			}
			if err := h.emitter.Emit(event); err != nil {
				logrus.Debug("Heartbeat write failed, client gone")
				return
			}
		}
	}
}

// Suspend pauses heartbeat emission. Called on the first engine emission of
// an attempt; the engine keeps the connection alive from then on.
func (h *heartbeat) Suspend() {
	h.suspended.Store(true)
}

// Resume re-enables heartbeat emission between attempts, where the upstream
// may be silent again.
func (h *heartbeat) Resume() {
	h.suspended.Store(false)
}

// Stop terminates the heartbeat and waits for the goroutine to exit, so no
// tick can interleave with the terminal event.
func (h *heartbeat) Stop() {
	close(h.stop)
	<-h.done
}
