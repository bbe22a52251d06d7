package btreeindex

// PageAllocator hands out fresh PageIds to a WriteTransaction.
//
// Two implementations coexist: SequentialAllocator (primary tree,
// monotonic, no recycling) and RecyclingAllocator (multitree, backed by
// a free-id set) — recycling is only enabled for the multitree variant.
type PageAllocator interface {
	// NewID either pops a recycled id or post-increments the monotonic
	// counter.
	NewID() PageId
	// NextID peeks at the counter without consuming it; used to populate
	// a commit Delta's NextPageID.
	NextID() PageId
}

// SequentialAllocator is a monotonic PageId counter with no recycling.
// This is what the primary Store uses: freed pages accumulate in the
// metadata's free-id list but are never handed back out by this
// allocator. See DESIGN.md's open question about recycling.
type SequentialAllocator struct {
	next PageId
}

// NewSequentialAllocator starts counting from firstFreeID (typically the
// committed metadata's NextPageID).
func NewSequentialAllocator(firstFreeID PageId) *SequentialAllocator {
	return &SequentialAllocator{next: firstFreeID}
}

func (a *SequentialAllocator) NewID() PageId {
	id := a.next
	a.next++
	return id
}

func (a *SequentialAllocator) NextID() PageId { return a.next }

// RecyclingAllocator pops previously-freed ids before growing the
// monotonic counter, used by the multitree façade (multitree.go). The
// caller is responsible for only ever recycling ids that are no longer
// reachable from any live reader's root.
type RecyclingAllocator struct {
	next PageId
	free []PageId
}

// NewRecyclingAllocator starts counting from firstFreeID and recycles ids
// in freed (typically reloaded from a persisted free-id list).
func NewRecyclingAllocator(firstFreeID PageId, freed []PageId) *RecyclingAllocator {
	free := make([]PageId, len(freed))
	copy(free, freed)
	return &RecyclingAllocator{next: firstFreeID, free: free}
}

func (a *RecyclingAllocator) NewID() PageId {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := a.next
	a.next++
	return id
}

func (a *RecyclingAllocator) NextID() PageId { return a.next }

// Recycle marks ids as available for reuse by a future NewID call. The
// caller must only do this once no live reader can still observe them.
func (a *RecyclingAllocator) Recycle(ids []PageId) {
	a.free = append(a.free, ids...)
}

// FreeIDs returns the currently recyclable ids, for persisting at
// checkpoint time.
func (a *RecyclingAllocator) FreeIDs() []PageId {
	out := make([]PageId, len(a.free))
	copy(out, a.free)
	return out
}
