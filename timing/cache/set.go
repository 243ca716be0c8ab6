package cache

const none = -1

// wayLoc designates where a block should land in the way order.
type wayLoc int

const (
	wayHeadLoc wayLoc = iota
	wayTailLoc
)

// Set is a fixed collection of blocks sharing the same index, plus a
// way list establishing replacement order and an optional hash index
// for fast lookup in highly-associative sets.
type Set struct {
	blocks []Block

	wayHead, wayTail int

	// hashHeads has length hsize; hashHeads[b] is the arena index of the
	// first block in bucket b, or none. hsize is 0 when this set is
	// small enough that a hash index isn't worth maintaining, and
	// lookups fall back to a linear scan of the way list.
	hashHeads []int
	hsize     int
}

// hashIndexThreshold mirrors CACHE_HIGHLY_ASSOC: sets only build a hash
// index once associativity crosses this threshold, since a linear scan
// of a small way list is cheaper than maintaining bucket chains.
const hashIndexThreshold = 4

func newSet(associativity, blockSize int, dataAllocated bool, userSize int) *Set {
	s := &Set{
		blocks: make([]Block, associativity),
	}

	hsize := 0
	if associativity > hashIndexThreshold {
		hsize = nextPowerOfTwoLE(associativity / 4)
	}
	s.hsize = hsize
	if hsize > 0 {
		s.hashHeads = make([]int, hsize)
		for i := range s.hashHeads {
			s.hashHeads[i] = none
		}
	}

	for i := range s.blocks {
		blk := &s.blocks[i]
		blk.wayIndex = i
		blk.hashNext = none
		// wayPrev points toward the head (none at the head), wayNext
		// toward the tail (none at the tail); see updateWayList.
		blk.wayPrev = i - 1
		blk.wayNext = i + 1
		if blk.wayNext >= associativity {
			blk.wayNext = none
		}
		if dataAllocated {
			blk.Data = make([]byte, blockSize)
		}
		if userSize > 0 {
			blk.UserData = make([]byte, userSize)
		}
	}
	// Initial way order: blocks[0] is way-head (most-recently "promoted"),
	// blocks[associativity-1] is way-tail (first replacement victim),
	// matching the reference's construction-time insertion-at-head loop.
	s.wayHead = 0
	s.wayTail = associativity - 1

	// Every block, valid or not, sits in the bucket for its current Tag,
	// so a miss can always unlink its victim before relinking it.
	for i := range s.blocks {
		s.linkHash(i)
	}

	return s
}

// nextPowerOfTwoLE returns the largest power of two <= n, or 0 if n < 1.
func nextPowerOfTwoLE(n int) int {
	if n < 1 {
		return 0
	}
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

func (s *Set) hashBucket(tag uint64) int {
	// XOR-fold the low 32 bits of the tag, matching CACHE_HASH.
	t := uint32(tag)
	h := (t >> 24) ^ (t >> 16) ^ (t >> 8) ^ t
	return int(h) & (s.hsize - 1)
}

func (s *Set) linkHash(idx int) {
	if s.hsize == 0 {
		return
	}
	b := s.hashBucket(s.blocks[idx].Tag)
	s.blocks[idx].hashNext = s.hashHeads[b]
	s.hashHeads[b] = idx
}

func (s *Set) unlinkHash(idx int) error {
	if s.hsize == 0 {
		return nil
	}
	b := s.hashBucket(s.blocks[idx].Tag)
	prev := none
	cur := s.hashHeads[b]
	for cur != none {
		if cur == idx {
			if prev == none {
				s.hashHeads[b] = s.blocks[cur].hashNext
			} else {
				s.blocks[prev].hashNext = s.blocks[cur].hashNext
			}
			s.blocks[cur].hashNext = none
			return nil
		}
		prev = cur
		cur = s.blocks[cur].hashNext
	}
	return newError(InternalInvariant, "", "hash entry for block %d not found during unlink", idx)
}

// lookupHash scans the hash bucket for tag, returning the block index or
// none.
func (s *Set) lookupHash(tag uint64) int {
	for cur := s.hashHeads[s.hashBucket(tag)]; cur != none; cur = s.blocks[cur].hashNext {
		if s.blocks[cur].Tag == tag && s.blocks[cur].Valid() {
			return cur
		}
	}
	return none
}

// lookupWayList scans the way list for tag, returning the block index or
// none.
func (s *Set) lookupWayList(tag uint64) int {
	for cur := s.wayHead; cur != none; cur = s.blocks[cur].wayNext {
		if s.blocks[cur].Tag == tag && s.blocks[cur].Valid() {
			return cur
		}
	}
	return none
}

// updateWayList moves the block at idx to the given location, a no-op
// if it is already there. This mirrors update_way_list from the
// reference implementation, expressed over arena indices.
func (s *Set) updateWayList(idx int, where wayLoc) {
	blk := &s.blocks[idx]

	if blk.wayPrev == none && blk.wayNext == none {
		// Sole block in the set: already both head and tail.
		return
	} else if blk.wayPrev == none {
		// Already the head.
		if where == wayHeadLoc {
			return
		}
		s.wayHead = blk.wayNext
		s.blocks[blk.wayNext].wayPrev = none
	} else if blk.wayNext == none {
		// Already the tail.
		if where == wayTailLoc {
			return
		}
		s.wayTail = blk.wayPrev
		s.blocks[blk.wayPrev].wayNext = none
	} else {
		s.blocks[blk.wayPrev].wayNext = blk.wayNext
		s.blocks[blk.wayNext].wayPrev = blk.wayPrev
	}

	switch where {
	case wayHeadLoc:
		blk.wayNext = s.wayHead
		blk.wayPrev = none
		s.blocks[s.wayHead].wayPrev = idx
		s.wayHead = idx
	case wayTailLoc:
		blk.wayPrev = s.wayTail
		blk.wayNext = none
		s.blocks[s.wayTail].wayNext = idx
		s.wayTail = idx
	}
}
