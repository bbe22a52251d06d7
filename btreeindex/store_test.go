package btreeindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type storeFiles struct {
	settingsPath string
	treePath     string
	metaPath     string
}

func newStoreFiles(t *testing.T) storeFiles {
	t.Helper()
	dir := t.TempDir()
	return storeFiles{
		settingsPath: filepath.Join(dir, "settings"),
		treePath:     filepath.Join(dir, "tree"),
		metaPath:     filepath.Join(dir, "meta"),
	}
}

func (sf storeFiles) open(t *testing.T) (settings, tree, meta *os.File) {
	t.Helper()
	open := func(path string) *os.File {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		t.Cleanup(func() { f.Close() })
		return f
	}
	return open(sf.settingsPath), open(sf.treePath), open(sf.metaPath)
}

func createTestStore(t *testing.T) (*Store[uint64, uint64], storeFiles) {
	t.Helper()
	sf := newStoreFiles(t)
	settings, tree, meta := sf.open(t)
	store, err := CreateStore[uint64, uint64](settings, tree, meta, 88, Uint64Codec{}, Uint64ValueCodec{})
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, sf
}

func TestStoreInsertOneAndGet(t *testing.T) {
	store, _ := createTestStore(t)

	for i := uint64(0); i < 2000; i++ {
		if err := store.InsertOne(i, i*3); err != nil {
			t.Fatalf("InsertOne(%d): %v", i, err)
		}
	}

	for i := uint64(0); i < 2000; i++ {
		v, ok, err := store.Get(i)
		if err != nil || !ok || v != i*3 {
			t.Fatalf("Get(%d) = (%d, %v, %v), want (%d, true, nil)", i, v, ok, err, i*3)
		}
	}
}

func TestStoreInsertManyIsAllOrNothing(t *testing.T) {
	store, _ := createTestStore(t)

	if err := store.InsertMany([]uint64{1, 2, 3}, []uint64{1, 2}); err == nil {
		t.Fatalf("expected an error for mismatched key/value slice lengths")
	}
	if _, ok, _ := store.Get(1); ok {
		t.Fatalf("a rejected InsertMany call must not have inserted anything")
	}

	if err := store.InsertMany([]uint64{1, 2, 3}, []uint64{10, 20, 30}); err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	for i, want := range map[uint64]uint64{1: 10, 2: 20, 3: 30} {
		v, ok, err := store.Get(i)
		if err != nil || !ok || v != want {
			t.Fatalf("Get(%d) = (%d, %v, %v), want (%d, true, nil)", i, v, ok, err, want)
		}
	}
}

func TestStoreDeleteThenGet(t *testing.T) {
	store, _ := createTestStore(t)
	for i := uint64(0); i < 100; i++ {
		if err := store.InsertOne(i, i); err != nil {
			t.Fatalf("InsertOne(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < 100; i += 2 {
		if err := store.Delete(i); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < 100; i++ {
		_, ok, err := store.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if ok == (i%2 == 0) {
			t.Fatalf("Get(%d) found=%v, want %v", i, ok, i%2 != 0)
		}
	}
}

func TestStoreRangeScan(t *testing.T) {
	store, _ := createTestStore(t)
	for i := uint64(0); i < 300; i++ {
		if err := store.InsertOne(i, i); err != nil {
			t.Fatalf("InsertOne(%d): %v", i, err)
		}
	}

	start, end := uint64(100), uint64(150)
	result, err := store.Range(&start, &end)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	defer result.Close()

	count := 0
	for {
		k, _, ok, err := result.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if k < start || k >= end {
			t.Fatalf("Next() returned out-of-range key %d", k)
		}
		count++
	}
	if want := int(end - start); count != want {
		t.Fatalf("scanned %d keys, want %d", count, want)
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	store, _ := createTestStore(t)
	for i := uint64(0); i < 500; i++ {
		if err := store.InsertOne(i, i*7); err != nil {
			t.Fatalf("InsertOne(%d): %v", i, err)
		}
	}

	const readers = 10
	var wg sync.WaitGroup
	var barrier sync.WaitGroup
	barrier.Add(1)
	errs := make(chan error, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			barrier.Wait()
			for i := uint64(0); i < 500; i++ {
				v, ok, err := store.Get(i)
				if err != nil {
					errs <- err
					return
				}
				if !ok || v != i*7 {
					errs <- fmt.Errorf("Get(%d) = (%d, %v), want (%d, true)", i, v, ok, i*7)
					return
				}
			}
		}()
	}
	barrier.Done()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent reader error: %v", err)
		}
	}
}

func TestStoreCheckpointPersistsAcrossReopen(t *testing.T) {
	sf := newStoreFiles(t)
	settings, treeFile, meta := sf.open(t)
	store, err := CreateStore[uint64, uint64](settings, treeFile, meta, 88, Uint64Codec{}, Uint64ValueCodec{})
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	for i := uint64(0); i < 500; i++ {
		if err := store.InsertOne(i, i+1); err != nil {
			t.Fatalf("InsertOne(%d): %v", i, err)
		}
	}
	if err := store.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	settings.Close()
	treeFile.Close()
	meta.Close()

	settings2, treeFile2, meta2 := sf.open(t)
	reopened, err := OpenStore[uint64, uint64](settings2, treeFile2, meta2, Uint64Codec{}, Uint64ValueCodec{})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer reopened.Close()

	for i := uint64(0); i < 500; i++ {
		v, ok, err := reopened.Get(i)
		if err != nil || !ok || v != i+1 {
			t.Fatalf("Get(%d) after reopen = (%d, %v, %v), want (%d, true, nil)", i, v, ok, err, i+1)
		}
	}
}

func TestStoreUpdateAndDeleteMissingKeyErrors(t *testing.T) {
	store, _ := createTestStore(t)

	if err := store.Update(1, 1); err != ErrKeyNotFound {
		t.Fatalf("Update on missing key: err = %v, want ErrKeyNotFound", err)
	}
	if err := store.Delete(1); err != ErrKeyNotFound {
		t.Fatalf("Delete on missing key: err = %v, want ErrKeyNotFound", err)
	}
}
