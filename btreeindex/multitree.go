package btreeindex

import (
	"fmt"
	"os"
	"sync"
)

// MultiTree is a façade over several independently-rooted trees that
// share one page arena and one recycling allocator. Unlike Store, it
// enables page recycling, because a tag's pages are never shared with
// any other tag and this façade does not expose Store's
// generation-guarded reader registry — a tag's pages are recycled as
// soon as its own write transaction frees them, or immediately on
// DropTagged. This is a deliberate simplification relative to a
// shared, multi-reader page generator; see DESIGN.md.
type MultiTree[Tag comparable, K, V any] struct {
	mu sync.Mutex

	treeFile *os.File
	storage  *Storage

	allocator *RecyclingAllocator
	tree      *Tree[K, V]

	roots map[Tag]PageId
}

// NewMultiTree opens a façade backed by a fresh, empty tree file; tags
// are created individually via CreateTagged. Nothing is reloaded from an
// existing file: no tags exist at first and page ids are handed out
// from 1 upward.
func NewMultiTree[Tag comparable, K, V any](treeFile *os.File, pageSize uint16, kc KeyCodec[K], vc ValueCodec[V]) (*MultiTree[Tag, K, V], error) {
	storage, err := NewStorage(treeFile, pageSize)
	if err != nil {
		return nil, err
	}
	layout, err := NewLayout(pageSize, uint32(kc.Size()), uint32(vc.Size()))
	if err != nil {
		return nil, err
	}
	return &MultiTree[Tag, K, V]{
		treeFile:  treeFile,
		storage:   storage,
		allocator: NewRecyclingAllocator(1, nil),
		tree:      NewTree(layout, kc, vc),
		roots:     make(map[Tag]PageId),
	}, nil
}

// CreateTagged allocates a brand-new, empty root under tag.
func (m *MultiTree[Tag, K, V]) CreateTagged(tag Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.roots[tag]; exists {
		return fmt.Errorf("btreeindex: tag %v already exists", tag)
	}

	id := m.allocator.NewID()
	pr, err := m.storage.MutPage(id)
	if err != nil {
		return err
	}
	m.tree.InitEmptyRoot(pr.Bytes())
	m.roots[tag] = id
	return nil
}

// DropTagged walks every page reachable from tag's root, recycles them
// all, and forgets the tag.
func (m *MultiTree[Tag, K, V]) DropTagged(tag Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, exists := m.roots[tag]
	if !exists {
		return fmt.Errorf("btreeindex: tag %v does not exist", tag)
	}

	ids, err := m.reachablePages(root)
	if err != nil {
		return err
	}
	m.allocator.Recycle(ids)
	delete(m.roots, tag)
	return nil
}

func (m *MultiTree[Tag, K, V]) reachablePages(root PageId) ([]PageId, error) {
	var ids []PageId
	var walk func(id PageId) error
	walk = func(id PageId) error {
		ids = append(ids, id)
		pr, err := m.storage.GetPage(id)
		if err != nil {
			return err
		}
		nv := NewNodeView(pr.Bytes(), m.tree.Layout())
		if nv.Tag() != TagInternal {
			return nil
		}
		for i := 0; i <= nv.N(); i++ {
			if err := walk(nv.childSlot(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return ids, nil
}

// Get reads key from tag's current tree.
func (m *MultiTree[Tag, K, V]) Get(tag Tag, key K) (V, bool, error) {
	m.mu.Lock()
	root, exists := m.roots[tag]
	m.mu.Unlock()

	var zero V
	if !exists {
		return zero, false, fmt.Errorf("btreeindex: tag %v does not exist", tag)
	}

	rtx := &ReadTransaction{storage: m.storage, root: root}
	return m.tree.Get(rtx, key)
}

// Insert adds (key, value) under tag.
func (m *MultiTree[Tag, K, V]) Insert(tag Tag, key K, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, exists := m.roots[tag]
	if !exists {
		return fmt.Errorf("btreeindex: tag %v does not exist", tag)
	}

	tx := NewWriteTransaction(m.storage, m.allocator, root)
	if err := m.tree.Insert(tx, key, value); err != nil {
		return err
	}
	result := tx.Commit()
	m.allocator.Recycle(result.Freed)
	m.roots[tag] = result.Root
	return nil
}

// Delete removes key from tag's tree.
func (m *MultiTree[Tag, K, V]) Delete(tag Tag, key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, exists := m.roots[tag]
	if !exists {
		return fmt.Errorf("btreeindex: tag %v does not exist", tag)
	}

	tx := NewWriteTransaction(m.storage, m.allocator, root)
	if err := m.tree.Delete(tx, key); err != nil {
		return err
	}
	result := tx.Commit()
	m.allocator.Recycle(result.Freed)
	m.roots[tag] = result.Root
	return nil
}

// Close unmaps the shared tree file.
func (m *MultiTree[Tag, K, V]) Close() error {
	return m.storage.Close()
}
