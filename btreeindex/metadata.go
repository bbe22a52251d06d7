package btreeindex

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// staticSettingsSize covers page size plus key and value size: the node
// codec cannot compute per-page capacity without all three, so all three
// are persisted rather than just the page size and a key buffer size.
// See DESIGN.md.
const staticSettingsSize = 16

// StaticSettings is written once, at tree-creation time, and never
// revisited afterward.
type StaticSettings struct {
	PageSize      uint16
	KeySize       uint32
	ValueSize     uint32
	KeyBufferSize uint32
}

func WriteStaticSettings(file *os.File, s StaticSettings) error {
	buf := make([]byte, staticSettingsSize)
	binary.LittleEndian.PutUint16(buf[0:2], s.PageSize)
	binary.LittleEndian.PutUint32(buf[2:6], s.KeySize)
	binary.LittleEndian.PutUint32(buf[6:10], s.ValueSize)
	binary.LittleEndian.PutUint32(buf[10:14], s.KeyBufferSize)
	// buf[14:16] reserved, left zero.

	if _, err := file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("btreeindex: write static settings: %w", err)
	}
	return file.Sync()
}

func ReadStaticSettings(file *os.File) (StaticSettings, error) {
	buf := make([]byte, staticSettingsSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return StaticSettings{}, fmt.Errorf("btreeindex: read static settings: %w", err)
	}
	return StaticSettings{
		PageSize:      binary.LittleEndian.Uint16(buf[0:2]),
		KeySize:       binary.LittleEndian.Uint32(buf[2:6]),
		ValueSize:     binary.LittleEndian.Uint32(buf[6:10]),
		KeyBufferSize: binary.LittleEndian.Uint32(buf[10:14]),
	}, nil
}

// Metadata is the mutable, checkpoint-rewritten counterpart: the
// currently committed root, the next free PageId, and the free-id list
// (the pages Store reclaimed at checkpoints; its SequentialAllocator
// never hands them back out — see pager.go and DESIGN.md's open question
// on primary-tree recycling).
type Metadata struct {
	Root       PageId
	NextPageID PageId
	FreeIDs    []PageId
}

const metadataHeaderSize = 12

// WriteMetadata overwrites the metadata file in place: seek to 0,
// write, truncate to the new (possibly shorter) length, fsync. No
// double-buffering is used; a single write+fsync is treated as atomic
// enough for this store's durability goal of surviving a clean restart,
// not a crash mid-write.
func WriteMetadata(file *os.File, m Metadata) error {
	buf := make([]byte, metadataHeaderSize+4*len(m.FreeIDs))
	binary.LittleEndian.PutUint32(buf[0:4], m.Root)
	binary.LittleEndian.PutUint32(buf[4:8], m.NextPageID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.FreeIDs)))
	for i, id := range m.FreeIDs {
		off := metadataHeaderSize + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], id)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("btreeindex: seek metadata file: %w", err)
	}
	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("btreeindex: write metadata: %w", err)
	}
	if err := file.Truncate(int64(len(buf))); err != nil {
		return fmt.Errorf("btreeindex: truncate metadata file: %w", err)
	}
	return file.Sync()
}

func ReadMetadata(file *os.File) (Metadata, error) {
	fi, err := file.Stat()
	if err != nil {
		return Metadata{}, fmt.Errorf("btreeindex: stat metadata file: %w", err)
	}
	if fi.Size() < metadataHeaderSize {
		return Metadata{}, fmt.Errorf("%w: metadata file too small", ErrCorruptedMetadata)
	}

	buf := make([]byte, fi.Size())
	if _, err := file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return Metadata{}, fmt.Errorf("btreeindex: read metadata: %w", err)
	}

	count := binary.LittleEndian.Uint32(buf[8:12])
	if metadataHeaderSize+int(count)*4 != len(buf) {
		return Metadata{}, fmt.Errorf("%w: free-id list length mismatch", ErrCorruptedMetadata)
	}

	ids := make([]PageId, count)
	for i := range ids {
		off := metadataHeaderSize + i*4
		ids[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}

	return Metadata{
		Root:       binary.LittleEndian.Uint32(buf[0:4]),
		NextPageID: binary.LittleEndian.Uint32(buf[4:8]),
		FreeIDs:    ids,
	}, nil
}
