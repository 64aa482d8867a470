package rpt

import (
	"fmt"

	"github.com/rptdb/rptdb/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Cursor state machine
// ───────────────────────────────────────────────────────────────────────────
//
// UNSEEKED -> SEEKING -> SEEKED -> {DL_READING|DL_INSERTING|DL_REMOVING} ->
// IN_REBALANCING. Read never rebalances (no structural change), so it
// returns straight to SEEKED. Insert passes through IN_REBALANCING when a
// leaf split (possibly growing a new root) was needed, then re-seeks and
// ends SEEKED after the inserted bytes. Remove passes through
// IN_REBALANCING when a fully emptied leaf is collapsed (possibly
// collapsing the root) and always ends UNSEEKED. There is no borrowing
// from or merging with siblings.

// State is the cursor's current position in the seek/mutate/rebalance
// state machine.
type State uint8

const (
	Unseeked State = iota
	Seeking
	Seeked
	Reading
	Inserting
	Removing
	Rebalancing
)

func (s State) String() string {
	switch s {
	case Unseeked:
		return "UNSEEKED"
	case Seeking:
		return "SEEKING"
	case Seeked:
		return "SEEKED"
	case Reading:
		return "DL_READING"
	case Inserting:
		return "DL_INSERTING"
	case Removing:
		return "DL_REMOVING"
	case Rebalancing:
		return "IN_REBALANCING"
	default:
		return "?"
	}
}

// maxSeekStack bounds how many inner-node ancestors a seek may traverse.
const maxSeekStack = 20

// pathEntry is one ancestor frame recorded while descending to a leaf.
type pathEntry struct {
	pgno     pager.PageID
	childIdx int
}

// Cursor is a stateful, single-transaction handle onto one variable's
// rope-plus-tree.
type Cursor struct {
	p         *pager.Pager
	txID      pager.TxID
	root      pager.PageID
	totalSize uint64

	State State
	gidx  uint64
	leaf  pager.PageID
	lidx  int
}

// NewCursor opens a cursor over the tree rooted at root (totalSize is the
// variable's current byte length, tracked by its catalog entry).
func NewCursor(p *pager.Pager, txID pager.TxID, root pager.PageID, totalSize uint64) *Cursor {
	return &Cursor{p: p, txID: txID, root: root, totalSize: totalSize, State: Unseeked}
}

// Root returns the tree's current root page — callers must persist this
// back into the variable's catalog entry after any mutation since splits
// and collapses can change it.
func (c *Cursor) Root() pager.PageID { return c.root }

// TotalSize returns the tree's current byte length.
func (c *Cursor) TotalSize() uint64 { return c.totalSize }

// CreateEmpty allocates a fresh, empty single-leaf tree and returns its root.
func CreateEmpty(p *pager.Pager, txID pager.TxID) (pager.PageID, error) {
	pid, buf, err := p.New(txID)
	if err != nil {
		return pager.InvalidPageID, err
	}
	initLeaf(buf, pid)
	if err := p.Save(txID, pid, buf); err != nil {
		return pager.InvalidPageID, err
	}
	return pid, nil
}

// Seek positions the cursor at global byte offset gidx.
func (c *Cursor) Seek(gidx uint64) error {
	c.State = Seeking
	if gidx > c.totalSize {
		return fmt.Errorf("seek offset %d beyond total size %d", gidx, c.totalSize)
	}
	_, leafPID, localOff, err := c.seekPath(gidx)
	if err != nil {
		return err
	}
	c.gidx = gidx
	c.leaf = leafPID
	c.lidx = localOff
	c.State = Seeked
	return nil
}

// seekPath descends from the root to the leaf containing byte offset gidx,
// recording each ancestor's (page, child index) frame.
func (c *Cursor) seekPath(gidx uint64) ([]pathEntry, pager.PageID, int, error) {
	var path []pathEntry
	cur := c.root
	offset := gidx

	for depth := 0; ; depth++ {
		if depth > maxSeekStack {
			return nil, 0, 0, fmt.Errorf("seek stack overflow beyond depth %d", maxSeekStack)
		}
		buf, err := c.p.Get(cur)
		if err != nil {
			return nil, 0, 0, err
		}
		h := pager.UnmarshalHeader(buf)
		if h.Type == pager.PageTypeRPTLeaf {
			c.p.Release(cur)
			return path, cur, int(offset), nil
		}

		entries := wrapInner(buf)
		c.p.Release(cur)
		if len(entries) == 0 {
			return nil, 0, 0, fmt.Errorf("empty inner node %d", cur)
		}

		var running uint64
		idx := -1
		for i, e := range entries {
			if offset < running+e.ByteLen {
				idx = i
				break
			}
			running += e.ByteLen
		}
		if idx < 0 {
			// offset is the subtree's end: land at the end of the last child.
			idx = len(entries) - 1
			running -= entries[idx].ByteLen
		}
		path = append(path, pathEntry{pgno: cur, childIdx: idx})
		offset -= running
		cur = entries[idx].Child
	}
}

// stridePhase is the ACTIVE/SKIPPING alternation driving strided
// read/remove per spec.md §4.6.3-4.6.4.
type stridePhase uint8

const (
	phaseActive stridePhase = iota
	phaseSkipping
)

// Read copies up to maxNread bytes into the returned slice, starting at
// the cursor's current position, per spec.md §4.6.3's ACTIVE/SKIPPING
// state machine: bsize is the byte size of one strided element and stride
// is the element spacing between consecutive copied elements (stride=1
// copies every byte contiguously; stride=2 copies every other element,
// leaving the skipped elements untouched in the tree). Spans leaves via
// their sibling links as necessary, and advances the cursor past the last
// byte touched, whether copied or skipped.
func (c *Cursor) Read(maxNread, bsize, stride int) ([]byte, error) {
	if c.State != Seeked {
		return nil, fmt.Errorf("Read requires a seeked cursor, got %s", c.State)
	}
	if bsize <= 0 {
		return nil, fmt.Errorf("Read: bsize must be positive, got %d", bsize)
	}
	if stride <= 0 {
		stride = 1
	}
	c.State = Reading

	phase := phaseActive
	bnext := bsize
	out := make([]byte, 0, maxNread)

	leaf, off := c.leaf, c.lidx
	totalBread := 0
	var totalAdvanced uint64

	for totalBread < maxNread {
		buf, err := c.p.Get(leaf)
		if err != nil {
			return nil, err
		}
		data := leafData(buf)
		avail := len(data) - off
		if avail <= 0 {
			next := leafNext(buf)
			c.p.Release(leaf)
			if next == pager.InvalidPageID {
				break // fewer than maxNread bytes remain in the tree
			}
			leaf, off = next, 0
			continue
		}

		take := bnext
		if take > avail {
			take = avail
		}
		if phase == phaseActive && take > maxNread-totalBread {
			take = maxNread - totalBread
		}

		if phase == phaseActive {
			out = append(out, data[off:off+take]...)
			totalBread += take
		}
		off += take
		bnext -= take
		totalAdvanced += uint64(take)
		c.p.Release(leaf)

		if bnext == 0 {
			if phase == phaseActive {
				if stride == 1 {
					bnext = bsize
				} else {
					phase = phaseSkipping
					bnext = (stride - 1) * bsize
				}
			} else {
				phase = phaseActive
				bnext = bsize
			}
		}
	}

	if totalBread%bsize != 0 {
		c.State = Seeked
		return nil, fmt.Errorf("CORRUPT: read %d bytes is not a multiple of bsize %d", totalBread, bsize)
	}

	c.gidx += totalAdvanced
	c.leaf = leaf
	c.lidx = off
	c.State = Seeked
	return out, nil
}
