package btreeindex

// ReadTransaction is a snapshot of the tree as of the moment it was handed
// out: a root PageId plus shared access to Storage. It never mutates
// anything and never blocks a concurrent WriteTransaction or other
// readers.
//
// generation/manager pin this read's place in the TransactionManager's
// reader registry so pages reachable from root are not reclaimed while
// this handle is alive. Close releases that pin; a ReadTransaction must
// not be used afterward.
type ReadTransaction struct {
	storage    *Storage
	root       PageId
	manager    *TransactionManager
	generation uint64
	closed     bool
}

func (rt *ReadTransaction) Root() PageId { return rt.root }

func (rt *ReadTransaction) GetPage(id PageId) (PageRef, error) { return rt.storage.GetPage(id) }

// Close releases this read's pin on its generation.
func (rt *ReadTransaction) Close() {
	if rt.closed {
		return
	}
	rt.closed = true
	if rt.manager != nil {
		rt.manager.releaseReader(rt.generation)
	}
}

// WriteTransaction is the single in-flight writer. It owns the
// copy-on-write bookkeeping: which old pages have already been shadowed in
// this transaction (so a second mutation of the same page reuses the
// shadow instead of shadowing twice), and which pages were freed by this
// transaction's edits (reachable only from the pre-transaction root, and
// so eligible for reclamation once no reader can still see that root,
// via the generation-guarded garbage collection in txmanager.go).
type WriteTransaction struct {
	storage   *Storage
	allocator PageAllocator

	oldRoot     PageId
	currentRoot PageId

	shadows      map[PageId]PageId // committed-tree id -> this tx's shadow id
	shadowImages map[PageId]bool   // ids that are already this tx's own (shadow targets or brand-new pages)
	freed        []PageId
}

func NewWriteTransaction(storage *Storage, allocator PageAllocator, root PageId) *WriteTransaction {
	return &WriteTransaction{
		storage:      storage,
		allocator:    allocator,
		oldRoot:      root,
		currentRoot:  root,
		shadows:      make(map[PageId]PageId),
		shadowImages: make(map[PageId]bool),
	}
}

func (tx *WriteTransaction) Root() PageId { return tx.currentRoot }

func (tx *WriteTransaction) SetRoot(id PageId) { tx.currentRoot = id }

func (tx *WriteTransaction) GetPage(id PageId) (PageRef, error) { return tx.storage.GetPage(id) }

// Mutate returns an exclusively-owned, mutable view of id, shadowing it
// into a freshly allocated page the first time this transaction touches
// it. Subsequent calls for the same old id (or for an id this transaction
// already created) reuse that page directly. The returned PageId is the
// id the caller must use from now on to refer to this (sub)tree node —
// any parent pointer that used to say `id` must be redirected to it.
func (tx *WriteTransaction) Mutate(id PageId) (PageRefMut, PageId, error) {
	if tx.shadowImages[id] {
		pr, err := tx.storage.MutPage(id)
		return pr, id, err
	}
	if newID, ok := tx.shadows[id]; ok {
		pr, err := tx.storage.MutPage(newID)
		return pr, newID, err
	}

	newID := tx.allocator.NewID()
	if err := tx.storage.MakeShadow(id, newID); err != nil {
		return PageRefMut{}, 0, err
	}
	tx.shadows[id] = newID
	tx.shadowImages[newID] = true
	tx.freed = append(tx.freed, id)

	pr, err := tx.storage.MutPage(newID)
	return pr, newID, err
}

// AllocateNode hands out a brand-new page that shadows nothing, used when
// a split or tree-growth step needs an additional node.
func (tx *WriteTransaction) AllocateNode() (PageId, PageRefMut, error) {
	id := tx.allocator.NewID()
	pr, err := tx.storage.MutPage(id)
	if err != nil {
		return 0, PageRefMut{}, err
	}
	tx.shadowImages[id] = true
	return id, pr, nil
}

// NewNode allocates a page and copies data into it, used to register a
// split's overflow buffer (produced off to the side by node.go's
// allocate() callback) as a real, addressable page.
func (tx *WriteTransaction) NewNode(data []byte) (PageId, error) {
	id, pr, err := tx.AllocateNode()
	if err != nil {
		return 0, err
	}
	copy(pr.Bytes(), data)
	return id, nil
}

// DeleteNode marks id as unreachable from the new root. It is not actually
// recyclable until the TransactionManager confirms no live reader's root
// still references it.
func (tx *WriteTransaction) DeleteNode(id PageId) {
	tx.freed = append(tx.freed, id)
}

// CommitResult is what a WriteTransaction hands back to the
// TransactionManager to fold into a pending Delta.
type CommitResult struct {
	OldRoot    PageId
	Root       PageId
	Freed      []PageId
	NextPageID PageId
}

// Commit finalizes bookkeeping. It does not itself make the new root
// visible to readers — that publication step is the TransactionManager's
// job, done under its own lock.
func (tx *WriteTransaction) Commit() CommitResult {
	return CommitResult{
		OldRoot:    tx.oldRoot,
		Root:       tx.currentRoot,
		Freed:      tx.freed,
		NextPageID: tx.allocator.NextID(),
	}
}
