package console

import (
	"sync"
	"time"
)

// Control holds operator switches read by the Discord handler.
type Control struct {
	mu     sync.RWMutex
	paused bool
	since  time.Time
	reason string
}

// NewControl returns a control with the bot running.
func NewControl() *Control {
	return &Control{}
}

// IsPaused reports whether new prompts should be turned away.
func (c *Control) IsPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// Pause stops the bot from answering new prompts.
func (c *Control) Pause(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.since = time.Now().UTC()
	}
	c.paused = true
	c.reason = reason
}

// Resume lets the bot answer again.
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.reason = ""
	c.since = time.Time{}
}

// State is a snapshot of the control switches.
type State struct {
	Paused bool      `json:"paused"`
	Since  time.Time `json:"since,omitzero"`
	Reason string    `json:"reason,omitempty"`
}

// Snapshot returns the current switches.
func (c *Control) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{Paused: c.paused, Since: c.since, Reason: c.reason}
}
