package eventbus

import "sync"

// Counters tracks a per-subscription dropped-event count, incremented
// whenever a publish finds zero outstanding demand. Bus accepts any
// implementation, so the count can live in-process (the default) or in
// a shared external store for multi-instance deployments.
type Counters interface {
	Increment(subscriptionID int64)
	Get(subscriptionID int64) int64
	Remove(subscriptionID int64)
}

// inProcessCounters is the default Counters: a plain mutex-guarded map.
type inProcessCounters struct {
	mu     sync.Mutex
	counts map[int64]int64
}

// NewInProcessCounters returns the default in-process Counters.
func NewInProcessCounters() Counters {
	return &inProcessCounters{counts: make(map[int64]int64)}
}

func (c *inProcessCounters) Increment(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id]++
}

func (c *inProcessCounters) Get(id int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func (c *inProcessCounters) Remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
}
