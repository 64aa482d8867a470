package rpt

import (
	"fmt"

	"github.com/rptdb/rptdb/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Insert
// ───────────────────────────────────────────────────────────────────────────

// Insert writes data at the cursor's current position, splitting the leaf
// (and propagating the split up through ancestors, possibly growing a new
// root) if it does not fit in place. The cursor ends SEEKED, immediately
// after the inserted bytes.
func (c *Cursor) Insert(data []byte) error {
	if c.State != Seeked {
		return fmt.Errorf("Insert requires a seeked cursor, got %s", c.State)
	}
	c.State = Inserting

	path, leafPID, off, err := c.seekPath(c.gidx)
	if err != nil {
		return err
	}

	leafBuf, err := c.p.GetWritable(c.txID, leafPID)
	if err != nil {
		return err
	}
	if leafInsertAt(leafBuf, off, data) {
		if err := c.p.Save(c.txID, leafPID, leafBuf); err != nil {
			return err
		}
		if err := c.propagateLenDelta(path, int64(len(data))); err != nil {
			return err
		}
		c.totalSize += uint64(len(data))
		c.gidx += uint64(len(data))
		c.lidx = off + len(data)
		c.State = Seeked
		return nil
	}

	c.State = Rebalancing
	if err := c.splitLeafAndInsert(path, leafPID, leafBuf, off, data); err != nil {
		return err
	}
	c.totalSize += uint64(len(data))
	c.gidx += uint64(len(data))
	if err := c.Seek(c.gidx); err != nil {
		return err
	}
	return nil
}

// splitLeafAndInsert builds the logical post-insert byte stream for the
// leaf and chunks it across the original page and as many freshly
// allocated sibling leaves as it takes to hold it — usually just one, but
// per spec.md §4.6.2 an insert whose data plus the existing leaf content
// spans more than two leaves' worth of bytes pumps it through a chain of
// intermediate new pages instead of failing. Relinks the leaf chain and
// inserts the new siblings into the parent (recursively splitting
// ancestors as needed).
func (c *Cursor) splitLeafAndInsert(path []pathEntry, leafPID pager.PageID, leafBuf []byte, off int, data []byte) error {
	old := leafData(leafBuf)
	combined := make([]byte, 0, len(old)+len(data))
	combined = append(combined, old[:off]...)
	combined = append(combined, data...)
	combined = append(combined, old[off:]...)

	capacity := leafCapacity(len(leafBuf))
	var chunks [][]byte
	for rest := combined; len(rest) > 0; {
		n := len(rest)
		if n > capacity {
			n = capacity
		}
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}

	type leafSibling struct {
		pid pager.PageID
		buf []byte
		n   int
	}
	siblings := make([]leafSibling, len(chunks))

	oldNext, oldPrev := leafNext(leafBuf), leafPrev(leafBuf)
	initLeaf(leafBuf, leafPID)
	setLeafPrev(leafBuf, oldPrev)
	if !leafInsertAt(leafBuf, 0, chunks[0]) {
		return fmt.Errorf("split leaf: first chunk of %d bytes does not fit a fresh leaf of capacity %d", len(chunks[0]), capacity)
	}
	siblings[0] = leafSibling{pid: leafPID, buf: leafBuf, n: len(chunks[0])}

	for i := 1; i < len(chunks); i++ {
		pid, buf, err := c.p.New(c.txID)
		if err != nil {
			return err
		}
		initLeaf(buf, pid)
		if !leafInsertAt(buf, 0, chunks[i]) {
			return fmt.Errorf("split leaf: pumped chunk %d of %d bytes does not fit a fresh leaf of capacity %d", i, len(chunks[i]), capacity)
		}
		siblings[i] = leafSibling{pid: pid, buf: buf, n: len(chunks[i])}
	}

	for i, s := range siblings {
		if i+1 < len(siblings) {
			setLeafNext(s.buf, siblings[i+1].pid)
		} else {
			setLeafNext(s.buf, oldNext)
		}
		if i > 0 {
			setLeafPrev(s.buf, siblings[i-1].pid)
		}
	}
	if oldNext != pager.InvalidPageID {
		nextBuf, err := c.p.GetWritable(c.txID, oldNext)
		if err != nil {
			return err
		}
		setLeafPrev(nextBuf, siblings[len(siblings)-1].pid)
		if err := c.p.Save(c.txID, oldNext, nextBuf); err != nil {
			return err
		}
	}

	for _, s := range siblings {
		if err := c.p.Save(c.txID, s.pid, s.buf); err != nil {
			return err
		}
	}

	newEntries := make([]innerEntry, 0, len(siblings)-1)
	for i := 1; i < len(siblings); i++ {
		newEntries = append(newEntries, innerEntry{ByteLen: uint64(siblings[i].n), Child: siblings[i].pid})
	}
	return c.insertChildrenIntoParent(path, uint64(siblings[0].n), newEntries)
}

// insertChildrenIntoParent updates the deepest ancestor's entry for the
// original (now-shrunk) child and inserts one or more new entries for its
// new siblings immediately after it, splitting that ancestor in turn if it
// overflows (recursing once per overflow, so a long pumped chain can grow
// several levels of new inner nodes, not just one).
func (c *Cursor) insertChildrenIntoParent(path []pathEntry, leftLen uint64, newEntries []innerEntry) error {
	if len(path) == 0 {
		return c.growNewRootChain(leftLen, newEntries)
	}

	last := path[len(path)-1]
	parentBuf, err := c.p.GetWritable(c.txID, last.pgno)
	if err != nil {
		return err
	}
	entries := wrapInner(parentBuf)
	entries[last.childIdx].ByteLen = leftLen
	inserted := make([]innerEntry, 0, len(entries)+len(newEntries))
	inserted = append(inserted, entries[:last.childIdx+1]...)
	inserted = append(inserted, newEntries...)
	inserted = append(inserted, entries[last.childIdx+1:]...)
	entries = inserted

	if len(entries) <= innerCapacity(len(parentBuf)) {
		if err := writeInner(parentBuf, entries); err != nil {
			return err
		}
		return c.p.Save(c.txID, last.pgno, parentBuf)
	}

	// Parent overflows — split it too.
	mid := len(entries) / 2
	leftEntries, rightEntries := entries[:mid], entries[mid:]

	rightPID, rightRawBuf, err := c.p.New(c.txID)
	if err != nil {
		return err
	}
	if err := initInner(rightRawBuf, rightPID, rightEntries); err != nil {
		return err
	}
	if err := initInner(parentBuf, last.pgno, leftEntries); err != nil {
		return err
	}
	if err := c.p.Save(c.txID, last.pgno, parentBuf); err != nil {
		return err
	}
	if err := c.p.Save(c.txID, rightPID, rightRawBuf); err != nil {
		return err
	}

	return c.insertChildrenIntoParent(path[:len(path)-1], innerTotalLen(leftEntries),
		[]innerEntry{{ByteLen: innerTotalLen(rightEntries), Child: rightPID}})
}

// growNewRootChain builds one or more levels of new inner nodes above the
// tree's existing root to hold leftLen/c.root followed by newEntries,
// recursing upward (same chunk-and-chain shape as a leaf-split pump) for as
// many levels as a long chain of pumped siblings needs before it fits under
// a single new root.
func (c *Cursor) growNewRootChain(leftLen uint64, newEntries []innerEntry) error {
	entries := make([]innerEntry, 0, 1+len(newEntries))
	entries = append(entries, innerEntry{ByteLen: leftLen, Child: c.root})
	entries = append(entries, newEntries...)
	return c.buildRootFromEntries(entries)
}

// buildRootFromEntries installs entries as the new root if they fit in a
// single inner page, or else chunks them across a level of freshly
// allocated inner pages and recurses to build the root above that level.
func (c *Cursor) buildRootFromEntries(entries []innerEntry) error {
	capacity := innerCapacity(c.p.PageSize())
	if len(entries) <= capacity {
		newRootPID, newRootBuf, err := c.p.New(c.txID)
		if err != nil {
			return err
		}
		if err := initInner(newRootBuf, newRootPID, entries); err != nil {
			return err
		}
		if err := c.p.Save(c.txID, newRootPID, newRootBuf); err != nil {
			return err
		}
		c.root = newRootPID
		return nil
	}

	levelUp := make([]innerEntry, 0, (len(entries)+capacity-1)/capacity)
	for len(entries) > 0 {
		n := len(entries)
		if n > capacity {
			n = capacity
		}
		chunk := entries[:n]
		entries = entries[n:]

		pid, buf, err := c.p.New(c.txID)
		if err != nil {
			return err
		}
		if err := initInner(buf, pid, chunk); err != nil {
			return err
		}
		if err := c.p.Save(c.txID, pid, buf); err != nil {
			return err
		}
		levelUp = append(levelUp, innerEntry{ByteLen: innerTotalLen(chunk), Child: pid})
	}
	return c.buildRootFromEntries(levelUp)
}

// propagateLenDelta applies a byte-length delta to every ancestor frame in
// path, deepest first, without any structural change.
func (c *Cursor) propagateLenDelta(path []pathEntry, delta int64) error {
	for i := len(path) - 1; i >= 0; i-- {
		frame := path[i]
		buf, err := c.p.GetWritable(c.txID, frame.pgno)
		if err != nil {
			return err
		}
		entries := wrapInner(buf)
		nl := int64(entries[frame.childIdx].ByteLen) + delta
		if nl < 0 {
			nl = 0
		}
		entries[frame.childIdx].ByteLen = uint64(nl)
		if err := writeInner(buf, entries); err != nil {
			return err
		}
		if err := c.p.Save(c.txID, frame.pgno, buf); err != nil {
			return err
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Remove
// ───────────────────────────────────────────────────────────────────────────

// removeSpan deletes n bytes starting at the cursor's current position,
// looping across leaf boundaries as needed (re-seeking at the same gidx
// between leaves, since each removal shifts later bytes left into the
// gap), and returns the removed bytes in order. If a leaf empties
// completely it is unlinked from its siblings and its entry is removed
// from the parent, collapsing ancestors (and the root) as needed. The
// cursor is left UNSEEKED; callers needing further operations must re-seek.
func (c *Cursor) removeSpan(n int) ([]byte, error) {
	removed := make([]byte, 0, n)
	for n > 0 {
		if c.State != Seeked {
			if err := c.Seek(c.gidx); err != nil {
				return nil, err
			}
		}
		c.State = Removing

		path, leafPID, off, err := c.seekPath(c.gidx)
		if err != nil {
			return nil, err
		}
		leafBuf, err := c.p.GetWritable(c.txID, leafPID)
		if err != nil {
			return nil, err
		}
		dataLen := leafDataLen(leafBuf)
		take := n
		if off+take > dataLen {
			take = dataLen - off
		}
		if take <= 0 {
			return nil, fmt.Errorf("remove past end of tree at offset %d", c.gidx)
		}

		chunk := append([]byte(nil), leafData(leafBuf)[off:off+take]...)
		leafRemoveAt(leafBuf, off, take)
		remaining := leafDataLen(leafBuf)

		if remaining > 0 || len(path) == 0 {
			if err := c.p.Save(c.txID, leafPID, leafBuf); err != nil {
				return nil, err
			}
			if err := c.propagateLenDelta(path, -int64(take)); err != nil {
				return nil, err
			}
		} else {
			c.State = Rebalancing
			if err := c.collapseEmptyLeaf(path, leafPID, leafBuf); err != nil {
				return nil, err
			}
		}

		removed = append(removed, chunk...)
		c.totalSize -= uint64(take)
		n -= take
		c.State = Unseeked
	}
	return removed, nil
}

// Remove deletes striding bsize-byte elements starting at the cursor's
// current position per spec.md §4.6.4: REMOVING and SKIPPING phases
// alternate exactly as in Read, except REMOVING deletes its bytes from the
// tree instead of merely skipping over them. At most maxRemove bytes are
// removed (REMOVING-phase bytes only; the (stride-1)*bsize SKIPPING-phase
// bytes between each removed element are left in place). Returns the
// removed bytes in order. The cursor ends UNSEEKED.
func (c *Cursor) Remove(maxRemove, bsize, stride int) ([]byte, error) {
	if c.State != Seeked {
		return nil, fmt.Errorf("Remove requires a seeked cursor, got %s", c.State)
	}
	if bsize <= 0 {
		return nil, fmt.Errorf("Remove: bsize must be positive, got %d", bsize)
	}
	if stride <= 0 {
		stride = 1
	}
	if maxRemove%bsize != 0 {
		return nil, fmt.Errorf("CORRUPT: max_remove %d is not a multiple of bsize %d", maxRemove, bsize)
	}

	dest := make([]byte, 0, maxRemove)
	skip := uint64(stride-1) * uint64(bsize)

	for len(dest) < maxRemove && c.gidx < c.totalSize {
		chunk, err := c.removeSpan(bsize)
		if err != nil {
			return nil, err
		}
		dest = append(dest, chunk...)

		if len(dest) >= maxRemove || c.gidx >= c.totalSize {
			break
		}
		if skip > 0 {
			newPos := c.gidx + skip
			if newPos > c.totalSize {
				newPos = c.totalSize
			}
			if err := c.Seek(newPos); err != nil {
				return nil, err
			}
		} else if err := c.Seek(c.gidx); err != nil {
			return nil, err
		}
	}

	c.State = Unseeked
	return dest, nil
}

// collapseEmptyLeaf removes a fully-emptied leaf from its sibling chain
// and its entry from the parent, propagating the removal upward and
// collapsing the root if it is left with a single child.
func (c *Cursor) collapseEmptyLeaf(path []pathEntry, leafPID pager.PageID, leafBuf []byte) error {
	prev, next := leafPrev(leafBuf), leafNext(leafBuf)
	if prev != pager.InvalidPageID {
		prevBuf, err := c.p.GetWritable(c.txID, prev)
		if err != nil {
			return err
		}
		setLeafNext(prevBuf, next)
		if err := c.p.Save(c.txID, prev, prevBuf); err != nil {
			return err
		}
	}
	if next != pager.InvalidPageID {
		nextBuf, err := c.p.GetWritable(c.txID, next)
		if err != nil {
			return err
		}
		setLeafPrev(nextBuf, prev)
		if err := c.p.Save(c.txID, next, nextBuf); err != nil {
			return err
		}
	}
	if err := c.p.DeleteAndRelease(c.txID, leafPID); err != nil {
		return err
	}

	return c.removeChildFromParent(path)
}

// removeChildFromParent deletes one entry from the deepest ancestor frame
// and recurses upward if that empties the ancestor too, collapsing the
// root once only one child remains anywhere on the path.
func (c *Cursor) removeChildFromParent(path []pathEntry) error {
	if len(path) == 0 {
		return nil // tree is already a bare (now-empty) leaf; nothing above it
	}

	last := path[len(path)-1]
	buf, err := c.p.GetWritable(c.txID, last.pgno)
	if err != nil {
		return err
	}
	entries := wrapInner(buf)
	entries = append(entries[:last.childIdx], entries[last.childIdx+1:]...)

	if len(entries) == 0 {
		if err := c.p.DeleteAndRelease(c.txID, last.pgno); err != nil {
			return err
		}
		return c.removeChildFromParent(path[:len(path)-1])
	}

	if err := writeInner(buf, entries); err != nil {
		return err
	}
	if err := c.p.Save(c.txID, last.pgno, buf); err != nil {
		return err
	}

	// Root collapse: once the root inner node is down to a single child,
	// that child becomes the new root.
	if len(path) == 1 && len(entries) == 1 {
		c.root = entries[0].Child
		return c.p.DeleteAndRelease(c.txID, last.pgno)
	}
	return nil
}

// Write overwrites striding bsize-byte elements at the cursor's current
// position with successive bsize-byte chunks of data, leaving (stride-1)
// elements untouched between each write. Each element write is a
// same-sized remove immediately followed by an insert at the same
// offset. Writes at most maxWrite bytes (clamped to len(data)) from data.
// The cursor ends SEEKED, just past the last element written.
func (c *Cursor) Write(data []byte, maxWrite, bsize, stride int) error {
	if bsize <= 0 {
		return fmt.Errorf("Write: bsize must be positive, got %d", bsize)
	}
	if stride <= 0 {
		stride = 1
	}
	if maxWrite > len(data) {
		maxWrite = len(data)
	}
	if maxWrite%bsize != 0 {
		return fmt.Errorf("CORRUPT: max_write %d is not a multiple of bsize %d", maxWrite, bsize)
	}

	skip := uint64(stride-1) * uint64(bsize)
	written := 0
	for written < maxWrite {
		gidx := c.gidx
		chunk := data[written : written+bsize]

		if _, err := c.Remove(bsize, bsize, 1); err != nil {
			return err
		}
		if err := c.Seek(gidx); err != nil {
			return err
		}
		if err := c.Insert(chunk); err != nil {
			return err
		}
		written += bsize

		if written >= maxWrite {
			break
		}
		if skip > 0 {
			newPos := c.gidx + skip
			if newPos > c.totalSize {
				newPos = c.totalSize
			}
			if err := c.Seek(newPos); err != nil {
				return err
			}
		}
	}
	return nil
}
