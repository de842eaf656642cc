package resolver

import (
	"sync"

	"github.com/caffeineduck/moonrun/engine"
)

// State is the load state of one cache key.
type State uint8

const (
	// Absent means the key was never requested.
	Absent State = iota
	// Pending means a load is in flight.
	Pending
	// Ready means the load finished; the outcome is final.
	Ready
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

type entry struct {
	state  State
	done   chan struct{}
	values engine.Values
	err    error

	// task and chain identify the load that moved the entry to Pending.
	task  *Task
	chain []string
}

// outcome is only meaningful once done is closed.
func (e *entry) outcome() (engine.Values, error) {
	return e.values, e.err
}

// Cache records, per resolved key, whether a module is absent, loading or
// loaded. Transitions are one-way: Absent -> Pending -> Ready.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// State reports the current state for key.
func (c *Cache) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.state
	}
	return Absent
}

// Result returns the stored outcome for key. ok is false unless the key is
// Ready.
func (c *Cache) Result(key string) (values engine.Values, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || e.state != Ready {
		return nil, false, nil
	}
	return e.values, true, e.err
}

// Len returns the number of keys that have left Absent.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// acquire returns the entry for key. When the key was Absent it is moved to
// Pending under the lock and owner is true: the caller must perform the load
// and call finish. Every other caller gets owner false and waits on done.
func (c *Cache) acquire(key string, task *Task, chain []string) (e *entry, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return e, false
	}

	e = &entry{state: Pending, done: make(chan struct{}), task: task, chain: chain}
	c.entries[key] = e
	return e, true
}

// reentrant reports whether e is still Pending on behalf of task. Such a
// requester is further up the stack of the load it would wait for.
func (c *Cache) reentrant(e *entry, task *Task) bool {
	if task == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.state == Pending && e.task == task
}

// finish moves a Pending entry to Ready and wakes all waiters.
func (c *Cache) finish(e *entry, values engine.Values, err error) {
	c.mu.Lock()
	if e.state != Pending {
		c.mu.Unlock()
		return
	}
	e.values = values
	e.err = err
	e.state = Ready
	c.mu.Unlock()

	close(e.done)
}
