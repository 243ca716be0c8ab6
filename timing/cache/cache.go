package cache

import (
	"fmt"
	"io"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// sink is the subset of stats.Sink the cache package depends on; it is
// satisfied by any stats.Sink implementation without an import cycle
// (the stats package imports nothing from cache).
type sink interface {
	Counter(name, help string, value func() float64)
	Formula(name, help string, value func() float64)
}

// Params are the construction parameters of a Cache. Write is a
// per-instance field rather than a compile-time switch, so caches with
// different write policies can coexist in one process.
type Params struct {
	Name          string
	NSets         int
	BlockSize     int
	Associativity int
	UserSize      int
	DataAllocated bool
	Replacement   ReplacementPolicy
	Write         WritePolicy
	HitLatency    uint64
	NextLevel     NextLevel
	// RandSeed seeds the Random replacement PRNG. Zero selects a fixed
	// default seed, not a random one, so that Random-policy caches are
	// deterministic unless the caller opts into variation.
	RandSeed uint64
	// Logger receives structured diagnostics for every fatal condition.
	// A nil Logger falls back to zap.NewNop().
	Logger *zap.Logger
}

// Cache is a configurable, set-associative cache. It is created once
// with full geometry and never resized; all operations run
// synchronously on the caller's goroutine, so independent Cache
// instances may be driven concurrently without any locking between
// them.
type Cache struct {
	name string
	id   xid.ID

	nsets         int
	blockSize     int
	associativity int
	userSize      int
	dataAllocated bool

	replacement ReplacementPolicy
	write       WritePolicy
	nextLevel   NextLevel
	hitLatency  uint64

	blockMask  uint64
	setShift   uint
	setMask    uint64
	tagShift   uint
	tagMask    uint64
	tagsetMask uint64

	sets []*Set

	busFree uint64

	lastValid  bool
	lastTagset uint64
	lastSet    int
	lastWay    int

	hits, misses, replacements, writebacks, invalidations uint64

	rnd    *randSource
	logger *zap.Logger
}

// New constructs a Cache, validating its geometry and policy. It
// returns a ConfigError rather than aborting the process, so a caller
// can reject bad configuration without crashing.
func New(p Params) (*Cache, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if p.NSets <= 0 || !isPowerOfTwo(p.NSets) {
		err := newError(ConfigError, p.Name, "cache size (in sets) %d must be a non-zero power of two", p.NSets)
		logger.Error("cache construction failed", zap.Error(err))
		return nil, err
	}
	if p.BlockSize < 8 || !isPowerOfTwo(p.BlockSize) {
		err := newError(ConfigError, p.Name, "block size %d must be >= 8 and a power of two", p.BlockSize)
		logger.Error("cache construction failed", zap.Error(err))
		return nil, err
	}
	if p.Associativity <= 0 || !isPowerOfTwo(p.Associativity) {
		err := newError(ConfigError, p.Name, "associativity %d must be a non-zero power of two", p.Associativity)
		logger.Error("cache construction failed", zap.Error(err))
		return nil, err
	}
	if p.UserSize < 0 {
		err := newError(ConfigError, p.Name, "user data size %d must be non-negative", p.UserSize)
		logger.Error("cache construction failed", zap.Error(err))
		return nil, err
	}
	if p.NextLevel == nil {
		err := newError(ConfigError, p.Name, "next-level callback must be specified")
		logger.Error("cache construction failed", zap.Error(err))
		return nil, err
	}

	setShift := uint(log2(p.BlockSize))
	tagShift := setShift + uint(log2(p.NSets))

	c := &Cache{
		name:          p.Name,
		id:            xid.New(),
		nsets:         p.NSets,
		blockSize:     p.BlockSize,
		associativity: p.Associativity,
		userSize:      p.UserSize,
		dataAllocated: p.DataAllocated,
		replacement:   p.Replacement,
		write:         p.Write,
		nextLevel:     p.NextLevel,
		hitLatency:    p.HitLatency,
		blockMask:     uint64(p.BlockSize - 1),
		setShift:      setShift,
		setMask:       uint64(p.NSets - 1),
		tagShift:      tagShift,
		tagMask:       (uint64(1) << (32 - tagShift)) - 1,
		tagsetMask:    ^uint64(p.BlockSize - 1),
		sets:          make([]*Set, p.NSets),
		lastSet:       0,
		lastWay:       0,
		rnd:           newRandSource(p.RandSeed),
		logger:        logger,
	}

	for i := range c.sets {
		c.sets[i] = newSet(p.Associativity, p.BlockSize, p.DataAllocated, p.UserSize)
	}

	return c, nil
}

// ID returns the cache's globally-sortable instance identifier,
// distinguishing caches that share a human-readable Name — several
// caches with different geometry or policy may coexist in one process
// under the same Name.
func (c *Cache) ID() xid.ID { return c.id }

// Name returns the cache's human-readable name.
func (c *Cache) Name() string { return c.name }

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

func maxu64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// subSat computes max(0, a-b) for unsigned operands, matching
// BOUND_POS(a-b) in the reference implementation.
func subSat(a, b uint64) uint64 {
	if a <= b {
		return 0
	}
	return a - b
}

func (c *Cache) tagOf(addr uint64) uint64         { return addr >> c.tagShift }
func (c *Cache) setIndexOf(addr uint64) uint64    { return (addr >> c.setShift) & c.setMask }
func (c *Cache) blockOffsetOf(addr uint64) uint64 { return addr & c.blockMask }
func (c *Cache) tagsetOf(addr uint64) uint64      { return addr & c.tagsetMask }
func (c *Cache) blockAddrOf(addr uint64) uint64   { return addr &^ c.blockMask }
func (c *Cache) mkBlockAddr(tag, set uint64) uint64 {
	return (tag << c.tagShift) | (set << c.setShift)
}

func (c *Cache) panicf(kind Kind, format string, args ...interface{}) {
	err := newError(kind, c.name, format, args...)
	c.logger.Error("cache access fault", zap.Error(err))
	panic(err)
}

func bcopy(cmd Cmd, data []byte, bofs uint64, buf []byte, nbytes int) {
	if data == nil || buf == nil {
		return
	}
	if cmd == Read {
		copy(buf[:nbytes], data[bofs:bofs+uint64(nbytes)])
	} else {
		copy(data[bofs:bofs+uint64(nbytes)], buf[:nbytes])
	}
}

// Access performs a load or store. It returns the latency in simulator
// ticks, the block's user-data annotation slot (nil if the cache was
// not configured with UserSize > 0), the block-aligned address of any
// evicted block, and whether an eviction occurred.
//
// buf, when non-nil and the cache is data-allocated, is read from or
// written into the block's data payload at the address's offset,
// exactly like the reference's CACHE_BCOPY.
func (c *Cache) Access(cmd Cmd, addr uint64, buf []byte, nbytes int, now uint64) (latency uint64, userData []byte, replAddr uint64, replaced bool) {
	if nbytes <= 0 || (nbytes&(nbytes-1)) != 0 || (addr&uint64(nbytes-1)) != 0 {
		c.panicf(BadAlignment, "access error: bad size or alignment, addr 0x%x nbytes %d", addr, nbytes)
	}
	if addr+uint64(nbytes) > c.blockAddrOf(addr)+uint64(c.blockSize) {
		c.panicf(CrossesBlock, "access error: access spans block, addr 0x%x nbytes %d", addr, nbytes)
	}

	tagset := c.tagsetOf(addr)

	if c.lastValid && tagset == c.lastTagset {
		set := c.sets[c.lastSet]
		return c.hitFast(cmd, set, c.lastWay, addr, buf, nbytes, now)
	}

	tag := c.tagOf(addr)
	setIdx := c.setIndexOf(addr)
	set := c.sets[setIdx]

	var wayIdx int
	if set.hsize > 0 {
		wayIdx = set.lookupHash(tag)
	} else {
		wayIdx = set.lookupWayList(tag)
	}

	if wayIdx != none {
		return c.hitSlow(cmd, set, int(setIdx), wayIdx, addr, buf, nbytes, now)
	}

	return c.miss(cmd, set, int(setIdx), tag, addr, buf, nbytes, now)
}

// applyStoreOnHit implements the write-policy branch shared by both hit
// paths: write-back marks the block dirty and defers the write to
// eviction time; write-through issues an immediate store to the next
// level. That store's latency is deliberately not added to the
// returned hit latency — a write-through store is posted and the
// caller does not wait on it.
func (c *Cache) applyStoreOnHit(blk *Block, addr uint64, now uint64) {
	if c.write == WriteBack {
		blk.Status |= StatusDirty
		return
	}
	c.writebacks++
	c.nextLevel.Access(Write, c.blockAddrOf(addr), c.blockSize, blk, now)
}

func (c *Cache) hitSlow(cmd Cmd, set *Set, setIdx, wayIdx int, addr uint64, buf []byte, nbytes int, now uint64) (uint64, []byte, uint64, bool) {
	c.hits++
	blk := &set.blocks[wayIdx]
	bofs := c.blockOffsetOf(addr)

	if c.dataAllocated {
		bcopy(cmd, blk.Data, bofs, buf, nbytes)
	}

	if cmd == Write {
		c.applyStoreOnHit(blk, addr, now)
	}

	// Only the slow-hit path promotes on LRU reference; a fast hit is
	// always already at the way-head, since the hint is only set here,
	// after the promotion.
	if c.replacement == LRU && blk.wayPrev != none {
		set.updateWayList(wayIdx, wayHeadLoc)
	}

	c.lastTagset = c.tagsetOf(addr)
	c.lastValid = true
	c.lastSet = setIdx
	c.lastWay = wayIdx

	return maxu64(c.hitLatency, subSat(blk.Ready, now)), blk.UserData, 0, false
}

func (c *Cache) hitFast(cmd Cmd, set *Set, wayIdx int, addr uint64, buf []byte, nbytes int, now uint64) (uint64, []byte, uint64, bool) {
	c.hits++
	blk := &set.blocks[wayIdx]
	bofs := c.blockOffsetOf(addr)

	if c.dataAllocated {
		bcopy(cmd, blk.Data, bofs, buf, nbytes)
	}

	if cmd == Write {
		c.applyStoreOnHit(blk, addr, now)
	}

	c.lastTagset = c.tagsetOf(addr)
	c.lastValid = true
	c.lastWay = wayIdx

	return maxu64(c.hitLatency, subSat(blk.Ready, now)), blk.UserData, 0, false
}

func (c *Cache) miss(cmd Cmd, set *Set, setIdx int, tag uint64, addr uint64, buf []byte, nbytes int, now uint64) (uint64, []byte, uint64, bool) {
	c.misses++

	var wayIdx int
	switch c.replacement {
	case LRU, FIFO:
		wayIdx = set.wayTail
		set.updateWayList(wayIdx, wayHeadLoc)
	case Random:
		wayIdx = c.rnd.intn(c.associativity)
	default:
		c.panicf(InternalInvariant, "bogus replacement policy %v", c.replacement)
	}

	if set.hsize > 0 {
		if err := set.unlinkHash(wayIdx); err != nil {
			c.panicf(InternalInvariant, "%s", err)
		}
	}

	c.lastValid = false

	blk := &set.blocks[wayIdx]

	var lat uint64
	var replAddr uint64
	var replaced bool

	if blk.Valid() {
		c.replacements++
		replaced = true
		replAddr = c.mkBlockAddr(blk.Tag, uint64(setIdx))
		lat += subSat(blk.Ready, now)
	}

	// The refill bus is a single serialized resource: every miss waits
	// for it and reserves it, whether or not the victim way held a
	// live block, so a run of misses into never-used ways still
	// contends for it exactly like a run of misses that evict.
	lat += subSat(c.busFree, now+lat)
	c.busFree = maxu64(c.busFree, now+lat) + 1

	if blk.Dirty() {
		c.writebacks++
		lat += c.nextLevel.Access(Write, replAddr, c.blockSize, blk, now+lat)
	}

	blk.Tag = tag
	blk.Status = StatusValid

	lat += c.nextLevel.Access(Read, c.blockAddrOf(addr), c.blockSize, blk, now+lat)

	bofs := c.blockOffsetOf(addr)
	if c.dataAllocated {
		bcopy(cmd, blk.Data, bofs, buf, nbytes)
	}

	if cmd == Write {
		if c.write == WriteBack {
			blk.Status |= StatusDirty
		} else {
			c.writebacks++
			lat += c.nextLevel.Access(Write, c.blockAddrOf(addr), c.blockSize, blk, now+lat)
		}
	}

	blk.Ready = now + lat

	if set.hsize > 0 {
		set.linkHash(wayIdx)
	}

	return lat, blk.UserData, replAddr, replaced
}

// Probe reports whether a VALID block for addr exists, without
// mutating state, counters, or the fast-path hint.
func (c *Cache) Probe(addr uint64) bool {
	tag := c.tagOf(addr)
	setIdx := c.setIndexOf(addr)
	set := c.sets[setIdx]

	var wayIdx int
	if set.hsize > 0 {
		wayIdx = set.lookupHash(tag)
	} else {
		wayIdx = set.lookupWayList(tag)
	}
	return wayIdx != none
}

// Flush invalidates every VALID block, writing back dirty ones, and
// returns the accumulated latency.
func (c *Cache) Flush(now uint64) uint64 {
	lat := c.hitLatency
	c.lastValid = false

	for setIdx, set := range c.sets {
		for wi := range set.blocks {
			blk := &set.blocks[wi]
			if !blk.Valid() {
				continue
			}
			c.invalidations++
			dirty := blk.Dirty()
			blk.Status = 0 // invalidation clears both VALID and DIRTY

			if dirty {
				c.writebacks++
				addr := c.mkBlockAddr(blk.Tag, uint64(setIdx))
				lat += c.nextLevel.Access(Write, addr, c.blockSize, blk, now+lat)
			}
		}
	}
	return lat
}

// FlushAddr invalidates the block containing addr, if any, moving it
// to the way-tail so it becomes the next victim. A missing or
// already-invalid block is a no-op that still returns HitLatency.
func (c *Cache) FlushAddr(addr uint64, now uint64) uint64 {
	tag := c.tagOf(addr)
	setIdx := c.setIndexOf(addr)
	set := c.sets[setIdx]
	lat := c.hitLatency

	var wayIdx int
	if set.hsize > 0 {
		wayIdx = set.lookupHash(tag)
	} else {
		wayIdx = set.lookupWayList(tag)
	}
	if wayIdx == none {
		return lat
	}

	blk := &set.blocks[wayIdx]
	c.invalidations++
	dirty := blk.Dirty()
	blk.Status = 0
	c.lastValid = false

	if dirty {
		c.writebacks++
		wbAddr := c.mkBlockAddr(blk.Tag, uint64(setIdx))
		lat += c.nextLevel.Access(Write, wbAddr, c.blockSize, blk, now+lat)
	}

	set.updateWayList(wayIdx, wayTailLoc)

	return lat
}

// Hits, Misses, Replacements, Writebacks, and Invalidations expose the
// cache's monotonic event counters.
func (c *Cache) Hits() uint64          { return c.hits }
func (c *Cache) Misses() uint64        { return c.misses }
func (c *Cache) Replacements() uint64  { return c.replacements }
func (c *Cache) Writebacks() uint64    { return c.writebacks }
func (c *Cache) Invalidations() uint64 { return c.invalidations }
func (c *Cache) Accesses() uint64      { return c.hits + c.misses }

// RegisterStats registers the cache's counters and derived rates with
// s, each named under the prefix "<cache-name>.".
func (c *Cache) RegisterStats(s sink) {
	prefix := c.name + "."

	s.Counter(prefix+"hits", "total number of hits", func() float64 { return float64(c.Hits()) })
	s.Counter(prefix+"misses", "total number of misses", func() float64 { return float64(c.Misses()) })
	s.Counter(prefix+"replacements", "total number of replacements", func() float64 { return float64(c.Replacements()) })
	s.Counter(prefix+"writebacks", "total number of writebacks", func() float64 { return float64(c.Writebacks()) })
	s.Counter(prefix+"invalidations", "total number of invalidations", func() float64 { return float64(c.Invalidations()) })

	s.Formula(prefix+"accesses", "total number of accesses", func() float64 { return float64(c.Accesses()) })
	s.Formula(prefix+"miss_rate", "miss rate (misses/accesses)", c.rateOf(func() uint64 { return c.Misses() }))
	s.Formula(prefix+"repl_rate", "replacement rate (replacements/accesses)", c.rateOf(func() uint64 { return c.Replacements() }))
	s.Formula(prefix+"wb_rate", "writeback rate (writebacks/accesses)", c.rateOf(func() uint64 { return c.Writebacks() }))
	s.Formula(prefix+"inv_rate", "invalidation rate (invalidations/accesses)", c.rateOf(func() uint64 { return c.Invalidations() }))
}

func (c *Cache) rateOf(numerator func() uint64) func() float64 {
	return func() float64 {
		a := c.Accesses()
		if a == 0 {
			return 0
		}
		return float64(numerator()) / float64(a)
	}
}

const configTemplate = `cache: {{ .Name }} ({{ .ID }}): {{ .NSets }} sets, {{ .BlockSize }} byte blocks, {{ .UserSize }} bytes user data/block
cache: {{ .Name }}: {{ .Associativity }}-way, '{{ .Replacement }}' replacement policy, {{ .Write }}
cache: {{ .Name }}: set_shift={{ .SetShift }} tag_shift={{ .TagShift }} block_mask=0x{{ .BlockMask | printf "%x" }} set_mask=0x{{ .SetMask | printf "%x" }} tagset_mask=0x{{ .TagsetMask | printf "%x" }} tag_mask=0x{{ .TagMask | printf "%x" }}
`

// WriteConfig prints the cache's geometry, replacement policy, and
// write policy to w, rendered through a text/template enriched with
// slim-sprig helpers.
func (c *Cache) WriteConfig(w io.Writer) error {
	tmpl, err := template.New("cacheConfig").Funcs(sprig.TxtFuncMap()).Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("cache: config template: %w", err)
	}

	data := struct {
		Name          string
		ID            string
		NSets         int
		BlockSize     int
		UserSize      int
		Associativity int
		Replacement   ReplacementPolicy
		Write         WritePolicy
		SetShift      uint
		TagShift      uint
		BlockMask     uint64
		SetMask       uint64
		TagsetMask    uint64
		TagMask       uint64
	}{
		Name:          c.name,
		ID:            c.id.String(),
		NSets:         c.nsets,
		BlockSize:     c.blockSize,
		UserSize:      c.userSize,
		Associativity: c.associativity,
		Replacement:   c.replacement,
		Write:         c.write,
		SetShift:      c.setShift,
		TagShift:      c.tagShift,
		BlockMask:     c.blockMask,
		SetMask:       c.setMask,
		TagsetMask:    c.tagsetMask,
		TagMask:       c.tagMask,
	}

	return tmpl.Execute(w, data)
}
