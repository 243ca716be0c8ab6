package cache_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/simcache/timing/cache"
)

// constLatency is a next-level stub that returns a fixed latency for
// both Read and Write.
type constLatency struct {
	lat    uint64
	reads  int
	writes int
}

func (c *constLatency) Access(cmd cache.Cmd, addr uint64, size int, blk *cache.Block, now uint64) uint64 {
	if cmd == cache.Read {
		c.reads++
	} else {
		c.writes++
	}
	return c.lat
}

func newScenarioCache(write cache.WritePolicy, nl cache.NextLevel) *cache.Cache {
	c, err := cache.New(cache.Params{
		Name:          "L1",
		NSets:         4,
		BlockSize:     32,
		Associativity: 2,
		Replacement:   cache.LRU,
		Write:         write,
		HitLatency:    1,
		NextLevel:     nl,
	})
	Expect(err).NotTo(HaveOccurred())
	return c
}

var _ = Describe("Cache", func() {
	Describe("miss/hit latency and dirty tracking", func() {
		It("a cold read misses and pays the refill latency", func() {
			nl := &constLatency{lat: 10}
			c := newScenarioCache(cache.WriteBack, nl)

			lat, _, _, replaced := c.Access(cache.Read, 0x000, nil, 1, 0)
			Expect(lat).To(Equal(uint64(10)))
			Expect(replaced).To(BeFalse())
			Expect(c.Hits()).To(Equal(uint64(0)))
			Expect(c.Misses()).To(Equal(uint64(1)))
			Expect(c.Writebacks()).To(Equal(uint64(0)))
		})

		It("a repeat read hits and pays only the hit latency", func() {
			nl := &constLatency{lat: 10}
			c := newScenarioCache(cache.WriteBack, nl)

			c.Access(cache.Read, 0x000, nil, 1, 0)
			lat, _, _, _ := c.Access(cache.Read, 0x000, nil, 1, 11)
			Expect(lat).To(Equal(uint64(1)))
			Expect(c.Hits()).To(Equal(uint64(1)))
			Expect(c.Misses()).To(Equal(uint64(1)))
		})

		It("a write hit becomes dirty under write-back", func() {
			nl := &constLatency{lat: 10}
			c := newScenarioCache(cache.WriteBack, nl)

			c.Access(cache.Read, 0x000, nil, 1, 0)
			c.Access(cache.Read, 0x000, nil, 1, 11)
			lat, _, _, _ := c.Access(cache.Write, 0x000, nil, 1, 12)
			Expect(lat).To(Equal(uint64(1)))

			// Probed indirectly: flushing now must write back this block.
			flushLat := c.Flush(100)
			Expect(flushLat).To(BeNumerically(">", 0))
			Expect(c.Writebacks()).To(Equal(uint64(1)))
		})

		It("filling the set evicts the dirty block and writes it back", func() {
			nl := &constLatency{lat: 10}
			c := newScenarioCache(cache.WriteBack, nl)

			c.Access(cache.Read, 0x000, nil, 1, 0)
			c.Access(cache.Read, 0x000, nil, 1, 11)
			c.Access(cache.Write, 0x000, nil, 1, 12)

			// 0x080 and 0x100 map to the same set (index 0) as 0x000 but
			// carry distinct tags.
			c.Access(cache.Read, 0x080, nil, 1, 13) // fills the cold second way
			Expect(c.Replacements()).To(Equal(uint64(0)))

			lat := mustLatency(c.Access(cache.Read, 0x100, nil, 1, 30))
			Expect(c.Replacements()).To(Equal(uint64(1)))
			Expect(c.Writebacks()).To(Equal(uint64(1)))
			Expect(lat).To(BeNumerically(">=", nl.lat))
		})

		It("under write-through the block never becomes dirty", func() {
			nl := &constLatency{lat: 10}
			c := newScenarioCache(cache.WriteThrough, nl)

			c.Access(cache.Read, 0x000, nil, 1, 0)
			c.Access(cache.Read, 0x000, nil, 1, 11)
			writesBefore := nl.writes
			lat, _, _, _ := c.Access(cache.Write, 0x000, nil, 1, 12)
			Expect(lat).To(Equal(uint64(1)))
			Expect(nl.writes).To(Equal(writesBefore + 1))
			Expect(c.Writebacks()).To(Equal(uint64(1)))

			// Evicting this block later must not charge a writeback latency.
			c.Access(cache.Read, 0x080, nil, 1, 13)
			writesBefore = nl.writes
			c.Access(cache.Read, 0x100, nil, 1, 30)
			// Only the refill read happened on eviction, no extra write.
			Expect(nl.writes).To(Equal(writesBefore))
		})

		It("flushing an address that has already been evicted is a no-op", func() {
			nl := &constLatency{lat: 10}
			c := newScenarioCache(cache.WriteBack, nl)

			c.Access(cache.Read, 0x000, nil, 1, 0)
			c.Access(cache.Read, 0x000, nil, 1, 11)
			c.Access(cache.Write, 0x000, nil, 1, 12)
			c.Access(cache.Read, 0x080, nil, 1, 13)
			c.Access(cache.Read, 0x100, nil, 1, 30) // evicts 0x000

			before := struct{ inv, wb uint64 }{c.Invalidations(), c.Writebacks()}
			lat := c.FlushAddr(0x000, 100)
			Expect(lat).To(Equal(uint64(1))) // just the configured hit latency
			Expect(c.Invalidations()).To(Equal(before.inv))
			Expect(c.Writebacks()).To(Equal(before.wb))
		})
	})

	Describe("counter and bus invariants", func() {
		It("hits + misses equals the number of accesses", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteBack, nl)
			for i := 0; i < 20; i++ {
				c.Access(cache.Read, uint64(i%3)*32, nil, 1, uint64(i*20))
			}
			Expect(c.Hits() + c.Misses()).To(Equal(uint64(20)))
		})

		It("replacements never exceeds misses", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteBack, nl)
			for i := 0; i < 50; i++ {
				c.Access(cache.Read, uint64(i)*32, nil, 1, uint64(i*20))
			}
			Expect(c.Replacements()).To(BeNumerically("<=", c.Misses()))
		})

		It("probe is pure", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteBack, nl)
			c.Access(cache.Read, 0x40, nil, 1, 0)

			hitsBefore, missesBefore := c.Hits(), c.Misses()
			first := c.Probe(0x40)
			second := c.Probe(0x40)
			Expect(first).To(Equal(second))
			Expect(first).To(BeTrue())
			Expect(c.Hits()).To(Equal(hitsBefore))
			Expect(c.Misses()).To(Equal(missesBefore))
		})

		It("flush then flush is idempotent", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteBack, nl)
			c.Access(cache.Write, 0x00, nil, 1, 0)
			c.Access(cache.Write, 0x80, nil, 1, 10)

			c.Flush(100)
			invBefore, wbBefore := c.Invalidations(), c.Writebacks()
			c.Flush(200)
			Expect(c.Invalidations()).To(Equal(invBefore))
			Expect(c.Writebacks()).To(Equal(wbBefore))
		})

		It("write-through never sets the dirty bit, observable via flush", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteThrough, nl)
			c.Access(cache.Write, 0x00, nil, 1, 0)

			wbBefore := c.Writebacks()
			c.Flush(50)
			// No additional writeback: the block was never dirty.
			Expect(c.Writebacks()).To(Equal(wbBefore))
		})

		It("the refill bus reservation never causes a panic or a negative latency", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteBack, nl)
			var now uint64
			for i := 0; i < 40; i++ {
				lat, _, _, _ := c.Access(cache.Read, uint64(i)*32, nil, 1, now)
				now += lat
			}
			// There is no direct accessor for the bus reservation clock;
			// completing this run without a panic and with monotonically
			// advancing time stands in for the invariant here.
			Expect(now).To(BeNumerically(">", 0))
		})
	})

	Describe("validation", func() {
		It("rejects a non-power-of-two nsets", func() {
			_, err := cache.New(cache.Params{
				Name: "bad", NSets: 3, BlockSize: 32, Associativity: 2,
				HitLatency: 1, NextLevel: &constLatency{lat: 1},
			})
			Expect(err).To(HaveOccurred())
			var cacheErr *cache.Error
			Expect(As(err, &cacheErr)).To(BeTrue())
			Expect(cacheErr.Kind).To(Equal(cache.ConfigError))
		})

		It("rejects a missing next-level callback", func() {
			_, err := cache.New(cache.Params{
				Name: "bad", NSets: 4, BlockSize: 32, Associativity: 2, HitLatency: 1,
			})
			Expect(err).To(HaveOccurred())
		})

		It("panics on an unaligned access", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteBack, nl)
			Expect(func() { c.Access(cache.Read, 0x01, nil, 4, 0) }).To(Panic())
		})

		It("panics on an access crossing a block boundary", func() {
			nl := &constLatency{lat: 5}
			c := newScenarioCache(cache.WriteBack, nl)
			// nbytes (64) exceeds the 32-byte block size, so even an
			// aligned access necessarily spans two blocks.
			Expect(func() { c.Access(cache.Read, 0x00, nil, 64, 0) }).To(Panic())
		})
	})

	Describe("FIFO replacement", func() {
		It("never reorders on hit, only evicts the way-tail", func() {
			nl := &constLatency{lat: 5}
			c, err := cache.New(cache.Params{
				Name: "fifo", NSets: 1, BlockSize: 32, Associativity: 2,
				Replacement: cache.FIFO, HitLatency: 1, NextLevel: nl,
			})
			Expect(err).NotTo(HaveOccurred())

			c.Access(cache.Read, 0x00, nil, 1, 0)  // way A filled first
			c.Access(cache.Read, 0x20, nil, 1, 10) // way B filled second
			// Repeated hits on the first-filled block must not save it
			// from FIFO eviction.
			c.Access(cache.Read, 0x00, nil, 1, 20)
			c.Access(cache.Read, 0x00, nil, 1, 30)

			_, _, replAddr, replaced := c.Access(cache.Read, 0x40, nil, 1, 40)
			Expect(replaced).To(BeTrue())
			Expect(replAddr).To(Equal(uint64(0x00)))
		})
	})

	Describe("Random replacement", func() {
		It("is deterministic for a fixed seed", func() {
			build := func() *cache.Cache {
				nl := &constLatency{lat: 5}
				c, err := cache.New(cache.Params{
					Name: "rand", NSets: 1, BlockSize: 32, Associativity: 4,
					Replacement: cache.Random, HitLatency: 1, NextLevel: nl, RandSeed: 42,
				})
				Expect(err).NotTo(HaveOccurred())
				return c
			}

			run := func(c *cache.Cache) []bool {
				var out []bool
				for i := 0; i < 8; i++ {
					_, _, _, replaced := c.Access(cache.Read, uint64(i)*32, nil, 1, uint64(i*10))
					out = append(out, replaced)
				}
				return out
			}

			Expect(run(build())).To(Equal(run(build())))
		})
	})

	Describe("WriteConfig", func() {
		It("prints the cache's geometry, replacement policy, and write policy", func() {
			nl := &constLatency{lat: 5}
			c, err := cache.New(cache.Params{
				Name: "L2", NSets: 16, BlockSize: 64, Associativity: 8,
				Replacement: cache.FIFO, Write: cache.WriteThrough, HitLatency: 4,
				NextLevel: nl,
			})
			Expect(err).NotTo(HaveOccurred())

			var buf bytes.Buffer
			Expect(c.WriteConfig(&buf)).To(Succeed())

			out := buf.String()
			Expect(out).To(ContainSubstring("L2"))
			Expect(out).To(ContainSubstring("16 sets"))
			Expect(out).To(ContainSubstring("64 byte blocks"))
			Expect(out).To(ContainSubstring("8-way"))
			Expect(out).To(ContainSubstring("FIFO"))
			Expect(out).To(ContainSubstring("write-through"))
		})
	})

	Describe("write-allocate on store miss", func() {
		It("refills before applying the store, then reads back the stored value", func() {
			mem := &recordingBacking{}
			c, err := cache.New(cache.Params{
				Name: "data", NSets: 4, BlockSize: 32, Associativity: 2,
				Replacement: cache.LRU, Write: cache.WriteBack, HitLatency: 1,
				NextLevel: mem, DataAllocated: true,
			})
			Expect(err).NotTo(HaveOccurred())

			buf := []byte{0xAB}
			lat, _, _, _ := c.Access(cache.Write, 0x10, buf, 1, 0)
			Expect(lat).To(BeNumerically(">", 0))

			out := make([]byte, 1)
			c.Access(cache.Read, 0x10, out, 1, 100)
			Expect(out[0]).To(Equal(byte(0xAB)))
		})
	})
})

// recordingBacking is a data-carrying next-level stub used to exercise
// the block-copy path on a data-allocated cache end to end.
type recordingBacking struct{}

func (r *recordingBacking) Access(cmd cache.Cmd, addr uint64, size int, blk *cache.Block, now uint64) uint64 {
	// Refill leaves zeroed memory; the store applied on top is what the
	// test actually checks.
	return 10
}

func mustLatency(lat uint64, _ []byte, _ uint64, _ bool) uint64 { return lat }

// As is a tiny local shim so this file does not need to import the
// standard errors package purely for a single type assertion helper.
func As(err error, target **cache.Error) bool {
	e, ok := err.(*cache.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
