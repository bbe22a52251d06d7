package btreeindex

import (
	"fmt"
	"os"
)

// PageId identifies a page within the tree file. It is 1-based; 0 is
// reserved and never handed out by a PageAllocator.
type PageId = uint32

const (
	// allocationUnitPages is the number of pages by which the tree file
	// grows at a time, sizing the initial mmap region generously enough
	// to avoid remapping on every small insert burst.
	allocationUnitPages = 2000
)

// PageRef is an immutable view of a page's bytes, valid for as long as the
// transaction that produced it is alive. Go has no borrow checker, so this
// is a documentation-level contract enforced by the single-writer
// discipline in transaction.go/txmanager.go, not by the compiler.
type PageRef struct {
	id   PageId
	data []byte
}

func (p PageRef) ID() PageId  { return p.id }
func (p PageRef) Bytes() []byte { return p.data }

// PageRefMut is an exclusive, mutable view of a page's bytes. Only ever
// handed out for pages owned by the single in-flight WriteTransaction.
type PageRefMut struct {
	id   PageId
	data []byte
}

func (p PageRefMut) ID() PageId    { return p.id }
func (p PageRefMut) Bytes() []byte { return p.data }

// Storage is a memory-mapped, fixed-page-size paged file. It owns growth
// (remapping in allocationUnitPages-sized steps) and the byte-copy
// shadowing primitive that the write transaction layer builds on.
type Storage struct {
	file     *os.File
	pageSize uint32

	// mmap'd regions backing the logical, contiguous page arena. Growth
	// appends a new chunk rather than remapping the whole file, to keep
	// already-handed-out PageRef slices valid.
	chunks      [][]byte
	chunkPages  []uint32 // page count carried by each chunk
	filePages   uint32   // pages currently backed by the file (fallocate/truncate extent)
	mappedPages uint32   // pages currently covered by chunks (>= filePages)
}

// NewStorage creates the initial mapping for a brand-new tree file. The
// file must be empty (offset 0, size 0).
func NewStorage(file *os.File, pageSize uint16) (*Storage, error) {
	s := &Storage{file: file, pageSize: uint32(pageSize)}
	if err := s.extend(1); err != nil {
		return nil, fmt.Errorf("btreeindex: initial mmap: %w", err)
	}
	return s, nil
}

// OpenStorage re-maps an existing tree file, sized pageSize per the static
// settings file.
func OpenStorage(file *os.File, pageSize uint16) (*Storage, error) {
	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("btreeindex: stat tree file: %w", err)
	}

	s := &Storage{file: file, pageSize: uint32(pageSize)}

	existingPages := uint32(0)
	if fi.Size() > 0 {
		if fi.Size()%int64(pageSize) != 0 {
			return nil, fmt.Errorf("%w: tree file size is not a multiple of page size", ErrCorruptedMetadata)
		}
		existingPages = uint32(fi.Size() / int64(pageSize))
		s.filePages = existingPages
	}

	target := existingPages
	if target == 0 {
		target = 1
	}
	if err := s.extend(target); err != nil {
		return nil, fmt.Errorf("btreeindex: mmap existing tree file: %w", err)
	}
	return s, nil
}

// extend grows the file (if needed) and the mmap'd region (if needed) so
// that at least untilPage pages are addressable.
func (s *Storage) extend(untilPage uint32) error {
	if err := s.extendFile(untilPage); err != nil {
		return err
	}
	return s.extendMmap()
}

func (s *Storage) extendFile(untilPage uint32) error {
	if s.filePages >= untilPage {
		return nil
	}

	pages := s.filePages
	if pages == 0 {
		pages = allocationUnitPages
	}
	for pages < untilPage {
		pages += allocationUnitPages
	}

	size := int64(pages) * int64(s.pageSize)
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate tree file: %w", err)
	}
	s.filePages = pages
	return nil
}

func (s *Storage) extendMmap() error {
	if s.mappedPages >= s.filePages {
		return nil
	}

	offsetPages := s.mappedPages
	newPages := s.filePages - s.mappedPages

	offset := int64(offsetPages) * int64(s.pageSize)
	length := int(newPages) * int(s.pageSize)

	// mmap offsets must be OS-page aligned: map from the aligned offset
	// below and let locate skip the leading bytes.
	skip := offset % int64(os.Getpagesize())
	chunk, err := mmapFile(s.file.Fd(), offset-skip, length+int(skip), prwProt, mapShared)
	if err != nil {
		return fmt.Errorf("mmap tree file: %w", err)
	}

	s.chunks = append(s.chunks, chunk)
	s.chunkPages = append(s.chunkPages, newPages)
	s.mappedPages = s.filePages
	return nil
}

// locate returns the chunk and byte offset within that chunk for a page id.
func (s *Storage) locate(id PageId) ([]byte, int, error) {
	if id == 0 {
		return nil, 0, fmt.Errorf("%w: page id 0 is reserved", ErrCorruptedMetadata)
	}

	start := uint32(0)
	for i, chunk := range s.chunks {
		end := start + s.chunkPages[i]
		if id < end {
			skip := int(int64(start) * int64(s.pageSize) % int64(os.Getpagesize()))
			offset := skip + int(id-start)*int(s.pageSize)
			return chunk, offset, nil
		}
		start = end
	}
	return nil, 0, fmt.Errorf("btreeindex: page %d not mapped (have %d pages)", id, s.mappedPages)
}

// GetPage returns an immutable view of page id. Concurrent GetPage calls
// from multiple readers (and the single writer) are always safe.
func (s *Storage) GetPage(id PageId) (PageRef, error) {
	chunk, offset, err := s.locate(id)
	if err != nil {
		return PageRef{}, err
	}
	return PageRef{id: id, data: chunk[offset : offset+int(s.pageSize)]}, nil
}

// MutPage returns a mutable view of page id. The caller must hold whatever
// discipline is required to be the only writer touching this page (in
// practice: only the single live WriteTransaction calls this, and only for
// pages it has just allocated or already shadowed).
func (s *Storage) MutPage(id PageId) (PageRefMut, error) {
	if err := s.extend(id + 1); err != nil {
		return PageRefMut{}, err
	}
	chunk, offset, err := s.locate(id)
	if err != nil {
		return PageRefMut{}, err
	}
	return PageRefMut{id: id, data: chunk[offset : offset+int(s.pageSize)]}, nil
}

// MakeShadow byte-copies page old into page new, growing the mapping if
// new falls beyond the current extent. new must not yet hold live data
// referenced by any committed root.
func (s *Storage) MakeShadow(old, newID PageId) error {
	oldChunk, oldOffset, err := s.locate(old)
	if err != nil {
		return err
	}
	// snapshot source bytes before growth, since growth can invalidate the
	// chunk slice header (though never its backing array) by appending a
	// new chunk rather than reallocating — copy regardless, defensively.
	src := make([]byte, s.pageSize)
	copy(src, oldChunk[oldOffset:oldOffset+int(s.pageSize)])

	if err := s.extend(newID + 1); err != nil {
		return err
	}
	newChunk, newOffset, err := s.locate(newID)
	if err != nil {
		return err
	}
	copy(newChunk[newOffset:newOffset+int(s.pageSize)], src)
	return nil
}

// Sync flushes dirty pages to disk. Because the mapping is MAP_SHARED,
// writes are already visible to the kernel's page cache; Sync's job is
// to force them to stable storage via fsync, the durability barrier
// that must happen before the metadata file is rewritten.
func (s *Storage) Sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("btreeindex: fsync tree file: %w", err)
	}
	return nil
}

// Close unmaps all chunks. The underlying file is left open/closed at the
// caller's discretion.
func (s *Storage) Close() error {
	var firstErr error
	for _, chunk := range s.chunks {
		if err := unmapFile(chunk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.chunks = nil
	s.chunkPages = nil
	return firstErr
}

// PageSize returns the fixed page size this storage was created/opened
// with.
func (s *Storage) PageSize() uint16 { return uint16(s.pageSize) }
