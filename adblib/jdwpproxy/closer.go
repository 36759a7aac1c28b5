package jdwpproxy

import (
	"sync"
	"sync/atomic"
)

// closer runs close logic exactly once. The close func is called with the
// mutex held, so it must not call Close on the same closer.
type closer struct {
	mu  sync.Mutex
	ch  atomic.Value
	ok  atomic.Bool
	err error
}

// IsClosed returns true if Close has been called. It returns true while the
// close func is still running.
func (c *closer) IsClosed() bool {
	return c.ok.Load()
}

// Close calls fn if it hasn't already been called, then saves and returns the
// error.
func (c *closer) Close(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok.Load() {
		return c.err
	}
	c.ok.Store(true)
	close(c.chanLocked())
	if fn != nil {
		c.err = fn()
	}
	return c.err
}

// Closed returns a channel which is closed when Close is called (just before
// the close func is executed).
func (c *closer) Closed() <-chan struct{} {
	if x := c.ch.Load(); x != nil {
		return x.(chan struct{})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chanLocked()
}

func (c *closer) chanLocked() chan struct{} {
	x := c.ch.Load()
	if x == nil {
		x = make(chan struct{})
		c.ch.Store(x)
	}
	return x.(chan struct{})
}
