package btreeindex

import (
	"container/heap"
	"sync"
)

// Delta is the record produced by committing a WriteTransaction: which
// generation it belongs to, the root before and after, the pages it
// freed, and the next-available PageId. Pending deltas accumulate until
// no live reader could possibly still observe the pages they freed.
type Delta struct {
	Generation uint64
	OldRoot    PageId
	NewRoot    PageId
	Freed      []PageId
	NextPageID PageId
}

// genHeap is a min-heap of reader generations, used to find the oldest
// live reader cheaply. Entries whose refcount has dropped to zero are
// removed lazily, on the next query.
type genHeap []uint64

func (h genHeap) Len() int            { return len(h) }
func (h genHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h genHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *genHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *genHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// TransactionManager is the single point of coordination between the one
// writer and any number of concurrent readers: it publishes committed
// roots, tracks which generations are still being read, and decides
// when a write transaction's freed pages are safe to recycle.
type TransactionManager struct {
	writerMu sync.Mutex // held for the whole lifetime of the single in-flight WriteTransaction

	readersMu  sync.Mutex
	root       PageId
	generation uint64
	refcount   map[uint64]int
	live       genHeap

	pending []Delta
}

func NewTransactionManager(root PageId) *TransactionManager {
	return &TransactionManager{root: root, refcount: make(map[uint64]int)}
}

// Root returns the latest committed root visible to a new reader.
func (tm *TransactionManager) Root() PageId {
	tm.readersMu.Lock()
	defer tm.readersMu.Unlock()
	return tm.root
}

// ReadTransaction pins the currently committed root and registers the
// read so its generation is not reclaimed out from under it.
func (tm *TransactionManager) ReadTransaction(storage *Storage) *ReadTransaction {
	tm.readersMu.Lock()
	defer tm.readersMu.Unlock()

	gen := tm.generation
	tm.refcount[gen]++
	if tm.refcount[gen] == 1 {
		heap.Push(&tm.live, gen)
	}

	return &ReadTransaction{storage: storage, root: tm.root, manager: tm, generation: gen}
}

func (tm *TransactionManager) releaseReader(gen uint64) {
	tm.readersMu.Lock()
	defer tm.readersMu.Unlock()

	tm.refcount[gen]--
	if tm.refcount[gen] <= 0 {
		delete(tm.refcount, gen)
	}
}

// oldestLiveGeneration returns the lowest generation with at least one
// pinned reader, if any.
func (tm *TransactionManager) oldestLiveGeneration() (uint64, bool) {
	tm.readersMu.Lock()
	defer tm.readersMu.Unlock()

	for tm.live.Len() > 0 {
		top := tm.live[0]
		if tm.refcount[top] > 0 {
			return top, true
		}
		heap.Pop(&tm.live)
	}
	return 0, false
}

// WithWriteTransaction serializes against any other writer, runs f
// against a fresh WriteTransaction rooted at the latest committed root,
// and on success publishes the resulting root and records a pending
// Delta. On error, the transaction's shadow table and newly allocated
// pages are simply discarded — nothing is published.
func (tm *TransactionManager) WithWriteTransaction(storage *Storage, allocator PageAllocator, f func(tx *WriteTransaction) error) error {
	tm.writerMu.Lock()
	defer tm.writerMu.Unlock()

	tx := NewWriteTransaction(storage, allocator, tm.Root())
	if err := f(tx); err != nil {
		return err
	}

	result := tx.Commit()

	tm.readersMu.Lock()
	tm.generation++
	gen := tm.generation
	tm.root = result.Root
	tm.readersMu.Unlock()

	tm.pending = append(tm.pending, Delta{
		Generation: gen,
		OldRoot:    result.OldRoot,
		NewRoot:    result.Root,
		Freed:      result.Freed,
		NextPageID: result.NextPageID,
	})
	return nil
}

// CollectPending folds every pending delta older than the oldest live
// reader into one checkpoint-ready Metadata snapshot, returning the
// pages that became reclaimable. Returns ok=false if no delta could be
// folded yet (either nothing pending, or the oldest reader still
// predates all of them).
func (tm *TransactionManager) CollectPending() (meta Metadata, reclaimed []PageId, ok bool) {
	oldest, anyReaders := tm.oldestLiveGeneration()

	i := 0
	for i < len(tm.pending) {
		d := tm.pending[i]
		if anyReaders && d.Generation >= oldest {
			break
		}
		reclaimed = append(reclaimed, d.Freed...)
		meta.Root = d.NewRoot
		meta.NextPageID = d.NextPageID
		ok = true
		i++
	}
	tm.pending = tm.pending[i:]
	return meta, reclaimed, ok
}
