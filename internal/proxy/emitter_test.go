package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestEmitter() (*sseEmitter, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	return newSSEEmitter(c), w
}

// TestHeartbeatTiming verifies heartbeats fire on the configured cadence
// while the upstream is silent, and carry the thought flag per policy
func TestHeartbeatTiming(t *testing.T) {
	emitter, w := newTestEmitter()

	hb := startHeartbeat(emitter, 20*time.Millisecond, func() bool { return true })
	time.Sleep(90 * time.Millisecond)
	hb.Stop()

	body := w.Body.String()
	count := strings.Count(body, "data:")
	assert.GreaterOrEqual(t, count, 2, "expected repeated heartbeats during silence")
	assert.Contains(t, body, `"thought":true`)
	assert.Contains(t, body, `"text":""`)
}

// TestHeartbeatThoughtPolicy verifies the flag follows the per-tick policy
func TestHeartbeatThoughtPolicy(t *testing.T) {
	emitter, w := newTestEmitter()

	hb := startHeartbeat(emitter, 20*time.Millisecond, func() bool { return false })
	time.Sleep(50 * time.Millisecond)
	hb.Stop()

	body := w.Body.String()
	assert.Contains(t, body, "data:")
	assert.NotContains(t, body, `"thought":true`)
}

// TestHeartbeatSuspendResume verifies heartbeats pause while output flows and
// resume between attempts
func TestHeartbeatSuspendResume(t *testing.T) {
	emitter, w := newTestEmitter()

	hb := startHeartbeat(emitter, 20*time.Millisecond, func() bool { return false })
	hb.Suspend()
	time.Sleep(70 * time.Millisecond)
	hb.Resume()
	time.Sleep(70 * time.Millisecond)
	hb.Suspend()
	hb.Stop()

	// Only the resumed window produced output: roughly interval-sized gaps,
	// far fewer than an unsuspended run over the same wall clock.
	count := strings.Count(w.Body.String(), "data:")
	assert.GreaterOrEqual(t, count, 1)
	assert.Less(t, count, 5)
}

// TestHeartbeatStopsOnFailedWriter verifies the goroutine exits once the
// client is gone
func TestHeartbeatStopsOnFailedWriter(t *testing.T) {
	emitter, _ := newTestEmitter()
	emitter.failed = true

	hb := startHeartbeat(emitter, 10*time.Millisecond, func() bool { return false })
	select {
	case <-hb.done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop after writer failure")
	}
}
