package channel

import (
	"context"
	"sync"
	"time"
)

// persistTimeout bounds one state write.
const persistTimeout = 5 * time.Second

// PersistFunc stores the state of a channel's owning module.
type PersistFunc func(ctx context.Context, id string, state State) error

type pendingState struct {
	state State
	seq   uint64
	timer *time.Timer
}

// Coalescer debounces state persistence per channel id.
//
// Submit restarts the id's window; when the window elapses only the last
// submitted state is written, and only if it differs from the state last
// written for that id. Flush writes a pending state immediately.
//
// All methods are thread-safe.
type Coalescer struct {
	window  time.Duration
	persist PersistFunc
	logger  Logger

	mu      sync.Mutex
	pending map[string]*pendingState
	seq     uint64

	// persistMu serialises writes so persisted reflects write order.
	persistMu sync.Mutex
	persisted map[string]State
}

// NewCoalescer creates a Coalescer writing through persist.
func NewCoalescer(window time.Duration, persist PersistFunc) *Coalescer {
	return &Coalescer{
		window:    window,
		persist:   persist,
		logger:    noopLogger{},
		pending:   make(map[string]*pendingState),
		persisted: make(map[string]State),
	}
}

// SetLogger sets the logger for the coalescer.
func (c *Coalescer) SetLogger(logger Logger) {
	c.logger = logger
}

// Seed records state as already persisted for id, e.g. after loading
// module configuration at startup.
func (c *Coalescer) Seed(id string, state State) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.persisted[id] = state
}

// Submit queues state for id, replacing any pending state.
func (c *Coalescer) Submit(id string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	seq := c.seq
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		p.state = state
		p.seq = seq
		p.timer = time.AfterFunc(c.window, func() { c.fire(id, seq) })
		return
	}
	c.pending[id] = &pendingState{
		state: state,
		seq:   seq,
		timer: time.AfterFunc(c.window, func() { c.fire(id, seq) }),
	}
}

// Flush writes the pending state for id now, if there is one.
func (c *Coalescer) Flush(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		c.write(id, p.state)
	}
}

// FlushAll writes every pending state now.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Flush(id)
	}
}

// Pending returns the number of ids with an unwritten state.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coalescer) fire(id string, seq uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	c.write(id, p.state)
}

func (c *Coalescer) write(id string, state State) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if prev, ok := c.persisted[id]; ok && prev == state {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.persist(ctx, id, state); err != nil {
		c.logger.Debug("channel state not persisted", "channel", id, "state", string(state), "error", err)
		return
	}
	c.persisted[id] = state
}
