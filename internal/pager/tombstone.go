package pager

import (
	"encoding/binary"
)

// ───────────────────────────────────────────────────────────────────────────
// Tombstone pages
// ───────────────────────────────────────────────────────────────────────────
//
// Freed pages are threaded into a singly-linked tombstone chain rooted at
// the superblock's FirstTombstone field. Each tombstone page stores an array
// of reclaimed page IDs available for reuse by future allocations.
//
// Layout:
//   [0:32]   Common PageHeader (Type=Tombstone)
//   [32:36]  NextTombstone (uint32 LE) — next tombstone page, 0 = end
//   [36:40]  EntryCount    (uint32 LE) — number of PageID entries
//   [40:40+4*EntryCount]   PageID entries (uint32 LE each)
//
// Capacity per page: (PageSize - 40) / 4 entries.

const (
	tmbstNextOff  = PageHeaderSize    // 32
	tmbstCountOff = tmbstNextOff + 4  // 36
	tmbstDataOff  = tmbstCountOff + 4 // 40
	tmbstEntryLen = 4                 // uint32
)

// TombstoneCapacity returns how many page IDs fit in one tombstone page.
func TombstoneCapacity(pageSize int) int {
	return (pageSize - tmbstDataOff) / tmbstEntryLen
}

// TombstonePage wraps a page buffer as a tombstone-chain page.
type TombstonePage struct {
	buf      []byte
	pageSize int
}

// WrapTombstonePage wraps an existing tombstone-page buffer.
func WrapTombstonePage(buf []byte) *TombstonePage {
	return &TombstonePage{buf: buf, pageSize: len(buf)}
}

// InitTombstonePage creates a new empty tombstone page.
func InitTombstonePage(buf []byte, id PageID) *TombstonePage {
	h := &PageHeader{Type: PageTypeTombstone, ID: id}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[tmbstNextOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[tmbstCountOff:], 0)
	return &TombstonePage{buf: buf, pageSize: len(buf)}
}

// NextTombstone returns the next tombstone page in the chain.
func (tp *TombstonePage) NextTombstone() PageID {
	return PageID(binary.LittleEndian.Uint32(tp.buf[tmbstNextOff:]))
}

// SetNextTombstone sets the next page pointer.
func (tp *TombstonePage) SetNextTombstone(pid PageID) {
	binary.LittleEndian.PutUint32(tp.buf[tmbstNextOff:], uint32(pid))
}

// EntryCount returns the number of free page IDs stored.
func (tp *TombstonePage) EntryCount() int {
	return int(binary.LittleEndian.Uint32(tp.buf[tmbstCountOff:]))
}

// GetEntry returns the i-th free page ID.
func (tp *TombstonePage) GetEntry(i int) PageID {
	off := tmbstDataOff + i*tmbstEntryLen
	return PageID(binary.LittleEndian.Uint32(tp.buf[off:]))
}

// AddEntry appends a free page ID. Returns false if the page is full.
func (tp *TombstonePage) AddEntry(pid PageID) bool {
	ec := tp.EntryCount()
	if ec >= TombstoneCapacity(tp.pageSize) {
		return false
	}
	off := tmbstDataOff + ec*tmbstEntryLen
	binary.LittleEndian.PutUint32(tp.buf[off:], uint32(pid))
	binary.LittleEndian.PutUint32(tp.buf[tmbstCountOff:], uint32(ec+1))
	return true
}

// PopEntry removes and returns the last entry. Returns InvalidPageID if empty.
func (tp *TombstonePage) PopEntry() PageID {
	ec := tp.EntryCount()
	if ec == 0 {
		return InvalidPageID
	}
	pid := tp.GetEntry(ec - 1)
	binary.LittleEndian.PutUint32(tp.buf[tmbstCountOff:], uint32(ec-1))
	return pid
}

// AllEntries returns all stored free page IDs.
func (tp *TombstonePage) AllEntries() []PageID {
	ec := tp.EntryCount()
	ids := make([]PageID, ec)
	for i := 0; i < ec; i++ {
		ids[i] = tp.GetEntry(i)
	}
	return ids
}

// Bytes returns the underlying page buffer.
func (tp *TombstonePage) Bytes() []byte { return tp.buf }

// ───────────────────────────────────────────────────────────────────────────
// TombstoneManager — coordinates tombstone pages via the pager
// ───────────────────────────────────────────────────────────────────────────

// TombstoneManager tracks free pages using an in-memory set backed by
// tombstone-chain pages on disk. The pager calls its methods during
// allocation and deallocation.
type TombstoneManager struct {
	free map[PageID]struct{} // set of all free page IDs
	head PageID              // head of the tombstone chain on disk (superblock)
}

// NewTombstoneManager creates an empty TombstoneManager. Call LoadFromDisk
// to populate it from an existing chain.
func NewTombstoneManager() *TombstoneManager {
	return &TombstoneManager{free: map[PageID]struct{}{}}
}

// LoadFromDisk walks the tombstone chain starting at head and populates
// the in-memory set. readPage is a callback that reads a page by ID.
func (tm *TombstoneManager) LoadFromDisk(head PageID, readPage func(PageID) ([]byte, error)) error {
	tm.head = head
	pid := head
	for pid != InvalidPageID {
		buf, err := readPage(pid)
		if err != nil {
			return err
		}
		tp := WrapTombstonePage(buf)
		for _, freeID := range tp.AllEntries() {
			tm.free[freeID] = struct{}{}
		}
		pid = tp.NextTombstone()
	}
	return nil
}

// Alloc returns a free page ID (popped from the set) or InvalidPageID if empty.
func (tm *TombstoneManager) Alloc() PageID {
	for pid := range tm.free {
		delete(tm.free, pid)
		return pid
	}
	return InvalidPageID
}

// Free marks a page ID as available for reuse.
func (tm *TombstoneManager) Free(pid PageID) {
	tm.free[pid] = struct{}{}
}

// Count returns the number of free pages.
func (tm *TombstoneManager) Count() int { return len(tm.free) }

// AllFree returns all free page IDs (unsorted).
func (tm *TombstoneManager) AllFree() []PageID {
	ids := make([]PageID, 0, len(tm.free))
	for pid := range tm.free {
		ids = append(ids, pid)
	}
	return ids
}

// FlushToDisk writes the in-memory free set into tombstone pages. It returns
// the head PageID of the new chain and the list of page buffers to write.
// allocPage is a callback that returns a new, zeroed page buffer with a fresh ID.
func (tm *TombstoneManager) FlushToDisk(pageSize int, allocPage func() (PageID, []byte)) (PageID, [][]byte) {
	ids := tm.AllFree()
	if len(ids) == 0 {
		return InvalidPageID, nil
	}

	capacity := TombstoneCapacity(pageSize)
	var pages [][]byte
	var head PageID
	var prev *TombstonePage

	for i := 0; i < len(ids); i += capacity {
		end := i + capacity
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		pid, buf := allocPage()
		tp := InitTombstonePage(buf, pid)
		for _, fid := range chunk {
			tp.AddEntry(fid)
		}
		SetPageCRC(buf)
		pages = append(pages, buf)

		if prev != nil {
			prev.SetNextTombstone(pid)
			SetPageCRC(prev.Bytes()) // update CRC after linking
		} else {
			head = pid
		}
		prev = tp
	}

	tm.head = head
	return head, pages
}
