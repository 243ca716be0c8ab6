package memsim

import "github.com/sarchlab/simcache/timing/cache"

// Callback adapts a Memory into a cache.NextLevel: it fetches refill
// blocks and commits writebacks/write-through stores against the flat
// store, returning a fixed per-access latency.
type Callback struct {
	memory  *Memory
	latency uint64
}

// NewCallback returns a cache.NextLevel backed by mem, charging latency
// ticks for every Read or Write access (refill and writeback alike).
func NewCallback(mem *Memory, latency uint64) *Callback {
	return &Callback{memory: mem, latency: latency}
}

// Access implements cache.NextLevel.
func (c *Callback) Access(cmd cache.Cmd, addr uint64, size int, blk *cache.Block, now uint64) uint64 {
	switch cmd {
	case cache.Read:
		data := c.memory.ReadBlock(addr, size)
		if blk.Data != nil {
			copy(blk.Data, data)
		}
	case cache.Write:
		if blk.Data != nil {
			c.memory.WriteBlock(addr, blk.Data)
		} else {
			c.memory.WriteBlock(addr, make([]byte, size))
		}
	}
	return c.latency
}
