// Package rpt implements the rope-plus-tree: a B+-like index whose inner
// node keys are cumulative byte counts of their subtrees rather than
// ordered application keys. This gives O(log N) positional seek to any
// byte offset in a variable's stored byte stream, plus streamable
// insert/remove/read once seeked, with leaf splits and empty-leaf
// collapses propagated one ancestor at a time back up the tree.
package rpt

import (
	"encoding/binary"
	"fmt"

	"github.com/rptdb/rptdb/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Inner node — PageTypeRPTInner
// ───────────────────────────────────────────────────────────────────────────
//
//   [0:32]                  Common PageHeader
//   [32:36]                 ChildCount (uint32 LE)
//   [36:36+12*ChildCount]    Entries: { ChildByteLen uint64, ChildPID uint32 }
//
// ChildByteLen is the total byte length of the subtree rooted at ChildPID —
// not a running sum. A seek sums these left-to-right as it scans for the
// child containing the target offset.

const (
	innerChildCountOff = 32
	innerEntriesOff    = 36
	innerEntrySize     = 12 // uint64 + uint32
)

func innerCapacity(pageSize int) int { return (pageSize - innerEntriesOff) / innerEntrySize }

type innerEntry struct {
	ByteLen uint64
	Child   pager.PageID
}

func wrapInner(buf []byte) []innerEntry {
	n := int(binary.LittleEndian.Uint32(buf[innerChildCountOff:]))
	out := make([]innerEntry, n)
	for i := 0; i < n; i++ {
		off := innerEntriesOff + i*innerEntrySize
		out[i] = innerEntry{
			ByteLen: binary.LittleEndian.Uint64(buf[off:]),
			Child:   pager.PageID(binary.LittleEndian.Uint32(buf[off+8:])),
		}
	}
	return out
}

func writeInner(buf []byte, entries []innerEntry) error {
	if len(entries) > innerCapacity(len(buf)) {
		return fmt.Errorf("inner node overflow: %d entries, capacity %d", len(entries), innerCapacity(len(buf)))
	}
	binary.LittleEndian.PutUint32(buf[innerChildCountOff:], uint32(len(entries)))
	for i, e := range entries {
		off := innerEntriesOff + i*innerEntrySize
		binary.LittleEndian.PutUint64(buf[off:], e.ByteLen)
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(e.Child))
	}
	return nil
}

func initInner(buf []byte, id pager.PageID, entries []innerEntry) error {
	h := &pager.PageHeader{Type: pager.PageTypeRPTInner, ID: id}
	pager.MarshalHeader(h, buf)
	return writeInner(buf, entries)
}

func innerTotalLen(entries []innerEntry) uint64 {
	var total uint64
	for _, e := range entries {
		total += e.ByteLen
	}
	return total
}

// ───────────────────────────────────────────────────────────────────────────
// Leaf node — PageTypeRPTLeaf
// ───────────────────────────────────────────────────────────────────────────
//
//   [0:32]   Common PageHeader
//   [32:36]  DataLen   (uint32 LE) — live byte count
//   [36:40]  PrevLeaf  (uint32 LE PageID, InvalidPageID = none)
//   [40:44]  NextLeaf  (uint32 LE PageID, InvalidPageID = none)
//   [44:44+DataLen]  raw bytes

const (
	leafDataLenOff = 32
	leafPrevOff    = 36
	leafNextOff    = 40
	leafDataOff    = 44
)

func leafCapacity(pageSize int) int { return pageSize - leafDataOff }

func leafDataLen(buf []byte) int {
	return int(binary.LittleEndian.Uint32(buf[leafDataLenOff:]))
}

func setLeafDataLen(buf []byte, n int) {
	binary.LittleEndian.PutUint32(buf[leafDataLenOff:], uint32(n))
}

func leafPrev(buf []byte) pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(buf[leafPrevOff:]))
}

func setLeafPrev(buf []byte, pid pager.PageID) {
	binary.LittleEndian.PutUint32(buf[leafPrevOff:], uint32(pid))
}

func leafNext(buf []byte) pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(buf[leafNextOff:]))
}

func setLeafNext(buf []byte, pid pager.PageID) {
	binary.LittleEndian.PutUint32(buf[leafNextOff:], uint32(pid))
}

func leafData(buf []byte) []byte {
	n := leafDataLen(buf)
	return buf[leafDataOff : leafDataOff+n]
}

func initLeaf(buf []byte, id pager.PageID) {
	h := &pager.PageHeader{Type: pager.PageTypeRPTLeaf, ID: id}
	pager.MarshalHeader(h, buf)
	setLeafDataLen(buf, 0)
	setLeafPrev(buf, pager.InvalidPageID)
	setLeafNext(buf, pager.InvalidPageID)
}

// leafInsertAt inserts data into the leaf's byte buffer at local offset off.
// Returns false if it would not fit.
func leafInsertAt(buf []byte, off int, data []byte) bool {
	n := leafDataLen(buf)
	if n+len(data) > leafCapacity(len(buf)) {
		return false
	}
	body := buf[leafDataOff : leafDataOff+n]
	// Shift the tail right to make room, then copy data in.
	newBody := buf[leafDataOff : leafDataOff+n+len(data)]
	copy(newBody[off+len(data):], body[off:])
	copy(newBody[off:], data)
	setLeafDataLen(buf, n+len(data))
	return true
}

// leafRemoveAt deletes ln bytes starting at local offset off.
func leafRemoveAt(buf []byte, off, ln int) {
	n := leafDataLen(buf)
	body := buf[leafDataOff : leafDataOff+n]
	copy(body[off:], body[off+ln:])
	setLeafDataLen(buf, n-ln)
}
