package cache

// Status is a bitset of per-block flags.
type Status uint8

const (
	// StatusValid marks a block as holding a live line.
	StatusValid Status = 1 << iota
	// StatusDirty marks a block as holding a store not yet written back.
	// StatusDirty implies StatusValid.
	StatusDirty
)

// Block is the unit of allocation and transfer between the cache and
// the next level. A Block lives in exactly one Set for its entire
// lifetime; it is reused in place across refills rather than
// reallocated.
type Block struct {
	// Tag is addr >> tag_shift for the line currently held, valid only
	// while Status&StatusValid is set.
	Tag uint64
	// Status holds the VALID/DIRTY flags.
	Status Status
	// Ready is the scheduler time at which this block's content is
	// first usable. It is monotonic per block: a later refill always
	// sets it to the current time plus that refill's latency.
	Ready uint64
	// Data is the block's contents, present iff the owning Cache was
	// constructed with DataAllocated true. It has length BlockSize.
	Data []byte
	// UserData is an opaque annotation slot for the caller, present iff
	// the owning Cache was constructed with a non-zero UserSize. It has
	// length UserSize.
	UserData []byte

	// way ordering and hash-bucket membership, expressed as arena
	// indices into the owning Set's blocks slice rather than pointers
	// (see DESIGN.md, "ownership-graph pattern").
	wayPrev, wayNext int
	hashNext         int
	setIndex         int
	wayIndex         int
}

// Valid reports whether the block currently holds a live line.
func (b *Block) Valid() bool { return b.Status&StatusValid != 0 }

// Dirty reports whether the block holds a store not yet written back.
// Dirty implies Valid; the cache never sets StatusDirty without
// StatusValid.
func (b *Block) Dirty() bool { return b.Status&StatusDirty != 0 }
