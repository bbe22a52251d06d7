package btreeindex

import "testing"

func TestStaticSettingsRoundTrip(t *testing.T) {
	f := newTestFile(t)
	want := StaticSettings{PageSize: 4096, KeySize: 8, ValueSize: 16, KeyBufferSize: 8}

	if err := WriteStaticSettings(f, want); err != nil {
		t.Fatalf("WriteStaticSettings: %v", err)
	}
	got, err := ReadStaticSettings(f)
	if err != nil {
		t.Fatalf("ReadStaticSettings: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMetadataRoundTripWithFreeIDs(t *testing.T) {
	f := newTestFile(t)
	want := Metadata{Root: 7, NextPageID: 42, FreeIDs: []PageId{3, 9, 15}}

	if err := WriteMetadata(f, want); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	got, err := ReadMetadata(f)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.Root != want.Root || got.NextPageID != want.NextPageID || len(got.FreeIDs) != len(want.FreeIDs) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want.FreeIDs {
		if got.FreeIDs[i] != want.FreeIDs[i] {
			t.Fatalf("FreeIDs[%d] = %d, want %d", i, got.FreeIDs[i], want.FreeIDs[i])
		}
	}
}

func TestMetadataOverwriteShrinksFreeList(t *testing.T) {
	f := newTestFile(t)
	big := Metadata{Root: 1, NextPageID: 2, FreeIDs: []PageId{1, 2, 3, 4, 5}}
	if err := WriteMetadata(f, big); err != nil {
		t.Fatalf("WriteMetadata(big): %v", err)
	}

	small := Metadata{Root: 1, NextPageID: 2, FreeIDs: []PageId{9}}
	if err := WriteMetadata(f, small); err != nil {
		t.Fatalf("WriteMetadata(small): %v", err)
	}

	got, err := ReadMetadata(f)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if len(got.FreeIDs) != 1 || got.FreeIDs[0] != 9 {
		t.Fatalf("FreeIDs = %v, want [9] (stale trailing bytes from the larger write must be truncated away)", got.FreeIDs)
	}
}

func TestReadMetadataRejectsTooSmallFile(t *testing.T) {
	f := newTestFile(t)
	if err := f.Truncate(4); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := ReadMetadata(f); err == nil {
		t.Fatalf("expected ErrCorruptedMetadata for a too-small metadata file")
	}
}
