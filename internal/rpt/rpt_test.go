package rpt

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/rptdb/rptdb/internal/pager"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:  filepath.Join(dir, "test.db"),
		WALPath: filepath.Join(dir, "test.wal"),
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCursor_InsertThenReadRoundTrips(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}

	root, err := CreateEmpty(p, tx)
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	c := NewCursor(p, tx, root, 0)

	if err := c.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	want := []byte("hello, rptdb")
	if err := c.Insert(want); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if c.TotalSize() != uint64(len(want)) {
		t.Fatalf("expected total size %d, got %d", len(want), c.TotalSize())
	}

	if err := c.Seek(0); err != nil {
		t.Fatalf("Seek back to 0: %v", err)
	}
	got, err := c.Read(len(want), 1, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, want)
	}
}

func TestCursor_ManySmallInsertsForceLeafSplit(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}

	root, err := CreateEmpty(p, tx)
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	c := NewCursor(p, tx, root, 0)

	const n = 5000
	elem := make([]byte, 4)
	for i := 0; i < n; i++ {
		elem[0], elem[1], elem[2], elem[3] = byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)
		if err := c.Seek(c.TotalSize()); err != nil {
			t.Fatalf("Seek at %d: %v", i, err)
		}
		if err := c.Insert(elem); err != nil {
			t.Fatalf("Insert at %d: %v", i, err)
		}
	}
	if c.TotalSize() != n*4 {
		t.Fatalf("expected total size %d, got %d", n*4, c.TotalSize())
	}

	if err := c.Seek(0); err != nil {
		t.Fatalf("final seek: %v", err)
	}
	all, err := c.Read(n*4, 1, 1)
	if err != nil {
		t.Fatalf("final read: %v", err)
	}
	for i := 0; i < n; i++ {
		off := i * 4
		got := uint32(all[off]) | uint32(all[off+1])<<8 | uint32(all[off+2])<<16 | uint32(all[off+3])<<24
		if got != uint32(i) {
			t.Fatalf("element %d: got %d, want %d", i, got, i)
		}
	}
}

func TestCursor_RemoveShrinksTotalSize(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}

	root, err := CreateEmpty(p, tx)
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	c := NewCursor(p, tx, root, 0)

	if err := c.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := c.Insert([]byte("0123456789")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := c.Seek(2); err != nil {
		t.Fatalf("Seek to 2: %v", err)
	}
	if _, err := c.Remove(3, 1, 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.TotalSize() != 7 {
		t.Fatalf("expected 7 bytes remaining, got %d", c.TotalSize())
	}

	if err := c.Seek(0); err != nil {
		t.Fatalf("Seek back to 0: %v", err)
	}
	got, err := c.Read(7, 1, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("0156789")) {
		t.Fatalf("unexpected contents after remove: %q", got)
	}
}
