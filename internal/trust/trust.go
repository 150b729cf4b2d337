// Package trust tracks whether untrusted data has entered an agent session.
//
// A Context starts Trusted and moves to Untrusted the first time an
// untrusted datum is observed. The transition is monotonic: only an
// explicit session reset through Sessions returns a session to Trusted.
package trust

import (
	"fmt"
	"sync"
	"time"
)

// Label is attached to every datum returned into an agent's context.
type Label int

const (
	Trusted Label = iota
	Untrusted
)

func (l Label) String() string {
	switch l {
	case Trusted:
		return "trusted"
	case Untrusted:
		return "untrusted"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// ParseLabel parses "trusted" or "untrusted".
func ParseLabel(s string) (Label, error) {
	switch s {
	case "trusted":
		return Trusted, nil
	case "untrusted":
		return Untrusted, nil
	default:
		return Untrusted, fmt.Errorf("unknown trust label %q", s)
	}
}

// Observation is one labeled datum delivered back into a session.
type Observation struct {
	Label Label
	// Residual is set when a sanitizer reported untrusted content left in
	// its output. It taints the session regardless of Label.
	Residual bool
	Source   string // agent tool id, provider, ...
}

func (o Observation) taints() bool {
	return o.Label == Untrusted || o.Residual
}

// Transition records the single trusted -> untrusted change of a session.
type Transition struct {
	Seq    uint64    `json:"seq"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// Context is the per-session trust state. It is owned by one session and
// must not be shared across sessions. All mutations are serialized, so
// observations are applied in the order they are delivered.
type Context struct {
	sessionID string

	mu         sync.Mutex
	state      Label
	seq        uint64 // observations applied
	transition *Transition
}

// NewContext returns a trusted context for sessionID.
func NewContext(sessionID string) *Context {
	return &Context{sessionID: sessionID, state: Trusted}
}

// SessionID returns the owning session id.
func (c *Context) SessionID() string { return c.sessionID }

// State returns the current label of the session.
func (c *Context) State() Label {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Observe applies one delivered datum and returns the resulting state and
// whether this observation tainted the session.
func (c *Context) Observe(o Observation) (Label, bool) {
	return c.Deliver(func(Label) Observation { return o })
}

// Deliver runs fn while holding the session's serialization point and then
// applies the observation it returns. fn sees the state as of its turn, so
// labeling and taint are applied in delivery order.
func (c *Context) Deliver(fn func(current Label) Observation) (Label, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := fn(c.state)
	c.seq++
	if c.state == Untrusted || !o.taints() {
		return c.state, false
	}
	c.state = Untrusted
	c.transition = &Transition{Seq: c.seq, Source: o.Source, At: time.Now()}
	return c.state, true
}

// Snapshot describes a session for the API.
type Snapshot struct {
	SessionID    string      `json:"session_id"`
	State        string      `json:"state"`
	Observations uint64      `json:"observations"`
	TaintedBy    *Transition `json:"tainted_by,omitempty"`
}

// Snapshot returns a consistent copy of the session state.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		SessionID:    c.sessionID,
		State:        c.state.String(),
		Observations: c.seq,
	}
	if c.transition != nil {
		t := *c.transition
		s.TaintedBy = &t
	}
	return s
}
