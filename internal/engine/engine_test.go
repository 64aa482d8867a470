package engine

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/rptdb/rptdb/internal/lockmgr"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "test.db"))
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// TestEngine_StridedReadSkipsEveryOtherElement implements spec.md §8
// scenario E2: write integers 0..999 into a 4-byte-element variable, then
// read with stride=2, expecting every other element (0, 2, 4, ..., 998).
func TestEngine_StridedReadSkipsEveryOtherElement(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.CreateVariable(ctx, tx, "v", 4, 0); err != nil {
		t.Fatalf("CreateVariable: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cur, err := e.OpenCursor(ctx, tx, "v", lockmgr.X)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := cur.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 4)
	for i := uint32(0); i < 1000; i++ {
		binary.LittleEndian.PutUint32(buf, i)
		if err := cur.Insert(buf); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cur, err = e.OpenCursor(ctx, tx, "v", lockmgr.S)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := cur.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := cur.Read(500*4, 4, 2)
	if err != nil {
		t.Fatalf("strided Read: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(got) != 500*4 {
		t.Fatalf("expected 2000 bytes, got %d", len(got))
	}
	for i := 0; i < 500; i++ {
		want := uint32(i * 2)
		gotVal := binary.LittleEndian.Uint32(got[i*4 : i*4+4])
		if gotVal != want {
			t.Fatalf("element %d: got %d, want %d", i, gotVal, want)
		}
	}
}

// TestEngine_StridedRemoveDeletesEveryOtherElement exercises the Remove
// side of the same striding state machine: removing every other 4-byte
// element should leave the untouched elements behind, compacted.
func TestEngine_StridedRemoveDeletesEveryOtherElement(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.CreateVariable(ctx, tx, "v", 4, 0); err != nil {
		t.Fatalf("CreateVariable: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cur, err := e.OpenCursor(ctx, tx, "v", lockmgr.X)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := cur.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 4)
	for i := uint32(0); i < 10; i++ {
		binary.LittleEndian.PutUint32(buf, i)
		if err := cur.Insert(buf); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cur, err = e.OpenCursor(ctx, tx, "v", lockmgr.X)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := cur.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	removed, err := cur.Remove(5*4, 4, 2)
	if err != nil {
		t.Fatalf("strided Remove: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for i := 0; i < 5; i++ {
		want := uint32(i * 2)
		got := binary.LittleEndian.Uint32(removed[i*4 : i*4+4])
		if got != want {
			t.Fatalf("removed element %d: got %d, want %d", i, got, want)
		}
	}

	tx, err = e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cur, err = e.OpenCursor(ctx, tx, "v", lockmgr.S)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := cur.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	remaining, err := cur.Read(5*4, 4, 1)
	if err != nil {
		t.Fatalf("Read remaining: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for i := 0; i < 5; i++ {
		want := uint32(i*2 + 1)
		got := binary.LittleEndian.Uint32(remaining[i*4 : i*4+4])
		if got != want {
			t.Fatalf("remaining element %d: got %d, want %d", i, got, want)
		}
	}
}
