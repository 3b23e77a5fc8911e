package sender

import "sync/atomic"

// atomicCounter is a tiny wrapper so Sender's zero value needs no explicit
// initialization.
type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) add(n uint64) { c.v.Add(n) }
func (c *atomicCounter) load() uint64 { return c.v.Load() }
