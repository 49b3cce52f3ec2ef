// Package diagnostic collects the protocol debug lines of a single send.
package diagnostic

import (
	"strings"
	"sync"
)

// Capture records debug lines written by a transport client. Each send
// gets its own Capture; once detached it drops further writes.
type Capture struct {
	mu       sync.Mutex
	lines    []string
	detached bool
}

// New returns an attached, empty Capture.
func New() *Capture {
	return &Capture{}
}

// Record stores one debug line. It matches transport.DebugFunc.
func (c *Capture) Record(line string, level int) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}
	c.lines = append(c.lines, line)
}

// Last returns the most recent line, or "" if nothing was recorded.
func (c *Capture) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		return ""
	}
	return c.lines[len(c.lines)-1]
}

// Lines returns a copy of every recorded line in order.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Detach stops recording. It is safe to call more than once.
func (c *Capture) Detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

// Detached reports whether Detach has been called.
func (c *Capture) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}
