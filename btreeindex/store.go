package btreeindex

import (
	"fmt"
	"os"
)

// Store is the public entry point: it owns the three on-disk
// files/regions (static settings, tree/page arena, metadata), the
// transaction manager, and the typed tree algorithms layered over them.
// A Store is safe for concurrent use by multiple goroutines — reads run
// concurrently with each other and with the single writer.
type Store[K, V any] struct {
	settingsFile *os.File
	treeFile     *os.File
	metaFile     *os.File

	storage   *Storage
	allocator *SequentialAllocator
	manager   *TransactionManager
	tree      *Tree[K, V]

	settings StaticSettings

	// freeIDs accumulates pages reclaimed at checkpoint time. The
	// primary tree's SequentialAllocator never recycles them — see
	// DESIGN.md's open question on recycling — they are persisted for
	// bookkeeping/inspection only.
	freeIDs []PageId
}

// CreateStore initializes a brand-new, empty store across three
// freshly created, empty file handles: static settings, the page
// arena ("tree file"), and metadata.
func CreateStore[K, V any](settingsFile, treeFile, metaFile *os.File, pageSize uint16, kc KeyCodec[K], vc ValueCodec[V]) (*Store[K, V], error) {
	settings := StaticSettings{
		PageSize:      pageSize,
		KeySize:       uint32(kc.Size()),
		ValueSize:     uint32(vc.Size()),
		KeyBufferSize: uint32(kc.Size()),
	}
	if err := WriteStaticSettings(settingsFile, settings); err != nil {
		return nil, err
	}

	layout, err := NewLayout(pageSize, settings.KeySize, settings.ValueSize)
	if err != nil {
		return nil, err
	}

	storage, err := NewStorage(treeFile, pageSize)
	if err != nil {
		return nil, err
	}

	tree := NewTree(layout, kc, vc)

	rootPage, err := storage.MutPage(1)
	if err != nil {
		return nil, err
	}
	tree.InitEmptyRoot(rootPage.Bytes())

	meta := Metadata{Root: 1, NextPageID: 2}
	if err := WriteMetadata(metaFile, meta); err != nil {
		return nil, err
	}

	return &Store[K, V]{
		settingsFile: settingsFile,
		treeFile:     treeFile,
		metaFile:     metaFile,
		storage:      storage,
		allocator:    NewSequentialAllocator(meta.NextPageID),
		manager:      NewTransactionManager(meta.Root),
		tree:         tree,
		settings:     settings,
	}, nil
}

// OpenStore reopens a previously created store from its three existing
// file handles.
func OpenStore[K, V any](settingsFile, treeFile, metaFile *os.File, kc KeyCodec[K], vc ValueCodec[V]) (*Store[K, V], error) {
	settings, err := ReadStaticSettings(settingsFile)
	if err != nil {
		return nil, err
	}
	if settings.PageSize == 0 {
		return nil, ErrInvalidPageSize
	}

	layout, err := NewLayout(settings.PageSize, settings.KeySize, settings.ValueSize)
	if err != nil {
		return nil, err
	}

	storage, err := OpenStorage(treeFile, settings.PageSize)
	if err != nil {
		return nil, err
	}

	meta, err := ReadMetadata(metaFile)
	if err != nil {
		return nil, err
	}

	return &Store[K, V]{
		settingsFile: settingsFile,
		treeFile:     treeFile,
		metaFile:     metaFile,
		storage:      storage,
		allocator:    NewSequentialAllocator(meta.NextPageID),
		manager:      NewTransactionManager(meta.Root),
		tree:         NewTree(layout, kc, vc),
		settings:     settings,
		freeIDs:      meta.FreeIDs,
	}, nil
}

// Get looks up key against the latest committed root at call time.
func (s *Store[K, V]) Get(key K) (V, bool, error) {
	rtx := s.manager.ReadTransaction(s.storage)
	defer rtx.Close()
	return s.tree.Get(rtx, key)
}

// RangeResult couples a RangeIterator with the ReadTransaction that
// backs it. Callers must Close it promptly: the pinned generation
// blocks page reclamation for as long as it is open.
type RangeResult[K, V any] struct {
	it  *RangeIterator[K, V]
	rtx *ReadTransaction
}

// Range returns an iterator over keys in the half-open interval
// [start, end) (nil bounds are open-ended).
func (s *Store[K, V]) Range(start, end *K) (*RangeResult[K, V], error) {
	rtx := s.manager.ReadTransaction(s.storage)
	it, err := s.tree.Range(rtx, start, end)
	if err != nil {
		rtx.Close()
		return nil, err
	}
	return &RangeResult[K, V]{it: it, rtx: rtx}, nil
}

func (r *RangeResult[K, V]) Next() (K, V, bool, error) { return r.it.Next() }

func (r *RangeResult[K, V]) Close() { r.rtx.Close() }

// InsertOne inserts (key, value) via InsertAsync and then checkpoints,
// failing with ErrDuplicateKey if key is already present.
func (s *Store[K, V]) InsertOne(key K, value V) error {
	if err := s.InsertAsync(key, value); err != nil {
		return err
	}
	return s.Checkpoint()
}

// InsertMany inserts every pair within a single write transaction; any
// failure aborts the whole batch rather than committing a prefix (spec
// section 7's stated choice for insert_many). A successful batch is
// followed by a checkpoint.
func (s *Store[K, V]) InsertMany(keys []K, values []V) error {
	if len(keys) != len(values) {
		return fmt.Errorf("btreeindex: InsertMany: %d keys but %d values", len(keys), len(values))
	}
	err := s.manager.WithWriteTransaction(s.storage, s.allocator, func(tx *WriteTransaction) error {
		for i := range keys {
			if err := s.tree.Insert(tx, keys[i], values[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Checkpoint()
}

// InsertAsync commits (key, value) in its own write transaction without
// checkpointing: the insert is visible to new readers but not yet
// persisted in the metadata file.
func (s *Store[K, V]) InsertAsync(key K, value V) error {
	return s.manager.WithWriteTransaction(s.storage, s.allocator, func(tx *WriteTransaction) error {
		return s.tree.Insert(tx, key, value)
	})
}

// Update overwrites an existing key's value, failing with
// ErrKeyNotFound if key is absent.
func (s *Store[K, V]) Update(key K, value V) error {
	return s.manager.WithWriteTransaction(s.storage, s.allocator, func(tx *WriteTransaction) error {
		return s.tree.Update(tx, key, value)
	})
}

// Delete removes key, failing with ErrKeyNotFound if absent.
func (s *Store[K, V]) Delete(key K) error {
	return s.manager.WithWriteTransaction(s.storage, s.allocator, func(tx *WriteTransaction) error {
		return s.tree.Delete(tx, key)
	})
}

// Checkpoint flushes the mapped tree file, folds every pending delta
// that no live reader can still need into a metadata snapshot, and
// fsyncs the metadata file in place.
func (s *Store[K, V]) Checkpoint() error {
	if err := s.storage.Sync(); err != nil {
		return err
	}

	meta, reclaimed, ok := s.manager.CollectPending()
	if !ok {
		return nil
	}

	s.freeIDs = append(s.freeIDs, reclaimed...)
	meta.FreeIDs = s.freeIDs
	return WriteMetadata(s.metaFile, meta)
}

// Close unmaps the tree file. The caller owns closing the underlying
// *os.File handles for all three files/regions.
func (s *Store[K, V]) Close() error {
	return s.storage.Close()
}
