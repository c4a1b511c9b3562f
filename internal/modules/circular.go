package modules

import "sync"

// CircularDeps is a set-backed, order-preserving stack of module ids
// currently loading. System.Require's own cache lookup is what actually
// returns partial exports on a cycle (a cached-but-not-yet-loaded record
// is itself the cycle signal); this tracker exists so the in-progress
// load chain can be inspected via Stack() while a require is unwinding.
type CircularDeps struct {
	mu    sync.Mutex
	stack []string
	set   map[string]bool
}

// NewCircularDeps constructs an empty tracker.
func NewCircularDeps() *CircularDeps {
	return &CircularDeps{set: make(map[string]bool)}
}

// StartLoading pushes id onto the stack and reports whether it was already
// present (i.e. a cycle).
func (c *CircularDeps) StartLoading(id string) (alreadyPresent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set[id] {
		return true
	}
	c.set[id] = true
	c.stack = append(c.stack, id)
	return false
}

// FinishLoading removes id from the stack.
func (c *CircularDeps) FinishLoading(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.set, id)
	for i, v := range c.stack {
		if v == id {
			c.stack = append(c.stack[:i], c.stack[i+1:]...)
			return
		}
	}
}

// Stack returns a snapshot of the current load stack, in push order.
func (c *CircularDeps) Stack() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.stack))
	copy(out, c.stack)
	return out
}
