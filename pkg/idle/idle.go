// Package idle reclaims the NLP capability after a period of inactivity.
//
// Model-backed capabilities hold expensive resources (loaded models, open
// connections). The monitor watches activity and calls Release once the
// configured window passes without any; the next capability call reacquires
// transparently, so reclaim is invisible to callers apart from first-call
// latency.
package idle

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orneryd/muninn/pkg/nlp"
)

// DefaultWindow is the inactivity window before reclaim.
const DefaultWindow = 5 * time.Minute

// Monitor releases a capability after a quiet period.
type Monitor struct {
	capability nlp.Capability
	window     time.Duration
	logger     *log.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewMonitor creates a monitor over the capability. It does not start
// watching until Start is called.
func NewMonitor(capability nlp.Capability, window time.Duration) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		capability: capability,
		window:     window,
		logger:     log.WithPrefix("idle"),
	}
}

// Start arms the reclaim timer. Safe to call once.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(m.window, m.expire)
}

// Stop cancels any pending reclaim. The monitor cannot be restarted.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Touch records activity, pushing the reclaim deadline out by a full
// window. Call it on every ingestion or search that may use the capability.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.timer == nil {
		return
	}
	m.timer.Reset(m.window)
}

// expire fires when the timer elapses. Activity is re-checked against the
// capability's own LastUsed clock: a capability call that raced the timer
// defers the reclaim instead of interrupting it.
func (m *Monitor) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	quiet := time.Since(m.capability.LastUsed())
	if quiet < m.window {
		m.timer.Reset(m.window - quiet)
		return
	}
	m.logger.Info("capability idle, releasing", "quiet", quiet.Round(time.Second))
	m.capability.Release()
	// Hand freed model buffers back to the OS right away rather than
	// waiting for the next GC cycle.
	debug.FreeOSMemory()
	m.timer.Reset(m.window)
}
