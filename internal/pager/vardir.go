package pager

import (
	"encoding/binary"
	"hash/fnv"
)

// ───────────────────────────────────────────────────────────────────────────
// Variable-hash directory
// ───────────────────────────────────────────────────────────────────────────
//
// Variables (name -> rope-plus-tree root + type metadata) are indexed by an
// on-disk hash table rather than a second B+Tree, so the rpt tree remains
// the only indexed structure in the system. The directory page holds an
// array of bucket-page pointers plus linear-hashing split state
// (bucketCount/nextSplit); each bucket is a single slotted page of VarEntry
// records keyed by name. Buckets split one at a time — the classic linear
// hashing incremental-rehash discipline — instead of growing an overflow
// chain, so a lookup is always exactly one directory read (in cache, after
// the first access) plus one bucket read.
//
// Directory page layout (PageTypeVarHashDir):
//   [0:32]              Common PageHeader
//   [32:36]              BucketCount  (uint32 LE)
//   [36:40]              NextSplit    (uint32 LE)
//   [40:44]              VarCount     (uint32 LE) — live variable count, informational
//   [44:44+4*MaxBuckets]  Bucket head PageIDs (uint32 LE each), InvalidPageID = unallocated
//
// Bucket pages (PageTypeVarHashLeaf) are plain slotted pages; each record is
// a marshaled VarEntry.

const (
	dirBucketCountOff = PageHeaderSize    // 32
	dirNextSplitOff   = dirBucketCountOff + 4 // 36
	dirVarCountOff    = dirNextSplitOff + 4   // 40
	dirBucketsOff     = dirVarCountOff + 4    // 44

	initialBucketCount = 8
)

func maxBuckets(pageSize int) int { return (pageSize - dirBucketsOff) / 4 }

// VarEntry is one variable's catalog row: name, element layout, and the
// root of its rope-plus-tree.
type VarEntry struct {
	Name     string
	ElemSize uint32
	TypeTag  uint8
	RPTRoot  PageID
	TotalLen uint64
}

func marshalVarEntry(e VarEntry) []byte {
	nameBytes := []byte(e.Name)
	buf := make([]byte, 2+len(nameBytes)+4+1+4+8)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
	off += 2
	copy(buf[off:], nameBytes)
	off += len(nameBytes)
	binary.LittleEndian.PutUint32(buf[off:], e.ElemSize)
	off += 4
	buf[off] = e.TypeTag
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(e.RPTRoot))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], e.TotalLen)
	return buf
}

func unmarshalVarEntry(buf []byte) VarEntry {
	off := 0
	nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	name := string(buf[off : off+nameLen])
	off += nameLen
	elemSize := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	typeTag := buf[off]
	off++
	root := PageID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	total := binary.LittleEndian.Uint64(buf[off:])
	return VarEntry{Name: name, ElemSize: elemSize, TypeTag: typeTag, RPTRoot: root, TotalLen: total}
}

func hashName(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// bucketIndex applies linear hashing's split rule: buckets below nextSplit
// have already been split this round and use the doubled modulus.
func bucketIndex(h uint32, bucketCount, nextSplit uint32) uint32 {
	idx := h % bucketCount
	if idx < nextSplit {
		idx = h % (bucketCount * 2)
	}
	return idx
}

func readDirHeader(buf []byte) (bucketCount, nextSplit, varCount uint32) {
	bucketCount = binary.LittleEndian.Uint32(buf[dirBucketCountOff:])
	nextSplit = binary.LittleEndian.Uint32(buf[dirNextSplitOff:])
	varCount = binary.LittleEndian.Uint32(buf[dirVarCountOff:])
	return
}

func writeDirHeader(buf []byte, bucketCount, nextSplit, varCount uint32) {
	binary.LittleEndian.PutUint32(buf[dirBucketCountOff:], bucketCount)
	binary.LittleEndian.PutUint32(buf[dirNextSplitOff:], nextSplit)
	binary.LittleEndian.PutUint32(buf[dirVarCountOff:], varCount)
}

func dirBucket(buf []byte, idx uint32) PageID {
	off := dirBucketsOff + int(idx)*4
	return PageID(binary.LittleEndian.Uint32(buf[off:]))
}

func setDirBucket(buf []byte, idx uint32, pid PageID) {
	off := dirBucketsOff + int(idx)*4
	binary.LittleEndian.PutUint32(buf[off:], uint32(pid))
}

// ensureVarDir lazily creates the variable-hash directory's root page.
func (p *Pager) ensureVarDir(txID TxID) (PageID, error) {
	sb := p.Superblock()
	if sb.VarDirRoot != InvalidPageID {
		return sb.VarDirRoot, nil
	}

	pid, buf, err := p.New(txID)
	if err != nil {
		return InvalidPageID, err
	}
	h := &PageHeader{Type: PageTypeVarHashDir, ID: pid}
	MarshalHeader(h, buf)
	writeDirHeader(buf, initialBucketCount, 0, 0)
	for i := uint32(0); i < initialBucketCount; i++ {
		setDirBucket(buf, i, InvalidPageID)
	}
	if err := p.Save(txID, pid, buf); err != nil {
		return InvalidPageID, err
	}
	p.UpdateSuperblock(func(sb *Superblock) { sb.VarDirRoot = pid })
	return pid, nil
}

// LookupVariable returns the named variable's catalog entry.
func (p *Pager) LookupVariable(name string) (VarEntry, bool, error) {
	sb := p.Superblock()
	if sb.VarDirRoot == InvalidPageID {
		return VarEntry{}, false, nil
	}
	dirBuf, err := p.Get(sb.VarDirRoot)
	if err != nil {
		return VarEntry{}, false, err
	}
	defer p.Release(sb.VarDirRoot)

	bucketCount, nextSplit, _ := readDirHeader(dirBuf)
	idx := bucketIndex(hashName(name), bucketCount, nextSplit)
	bucketPID := dirBucket(dirBuf, idx)
	if bucketPID == InvalidPageID {
		return VarEntry{}, false, nil
	}

	bucketBuf, err := p.Get(bucketPID)
	if err != nil {
		return VarEntry{}, false, err
	}
	defer p.Release(bucketPID)

	sp := WrapSlottedPage(bucketBuf)
	for i := 0; i < sp.SlotCount(); i++ {
		if sp.IsDeleted(i) {
			continue
		}
		e := unmarshalVarEntry(sp.GetRecord(i))
		if e.Name == name {
			return e, true, nil
		}
	}
	return VarEntry{}, false, nil
}

// CreateVariable inserts a new variable entry, splitting a bucket first if
// the target bucket has no room.
func (p *Pager) CreateVariable(txID TxID, entry VarEntry) error {
	if _, found, err := p.LookupVariable(entry.Name); err != nil {
		return err
	} else if found {
		return newErr(CodeInvalidArgument, "variable already exists: "+entry.Name)
	}

	dirPID, err := p.ensureVarDir(txID)
	if err != nil {
		return err
	}
	rec := marshalVarEntry(entry)

	for attempt := 0; attempt < 8; attempt++ {
		dirBuf, err := p.GetWritable(txID, dirPID)
		if err != nil {
			return err
		}
		bucketCount, nextSplit, varCount := readDirHeader(dirBuf)
		idx := bucketIndex(hashName(entry.Name), bucketCount, nextSplit)
		bucketPID := dirBucket(dirBuf, idx)

		if bucketPID == InvalidPageID {
			newPID, newBuf, err := p.New(txID)
			if err != nil {
				return err
			}
			InitSlottedPage(newBuf, PageTypeVarHashLeaf, newPID)
			bucketPID = newPID
			setDirBucket(dirBuf, idx, bucketPID)
			if err := p.Save(txID, dirPID, dirBuf); err != nil {
				return err
			}
			if err := p.Save(txID, bucketPID, newBuf); err != nil {
				return err
			}
		}

		bucketBuf, err := p.GetWritable(txID, bucketPID)
		if err != nil {
			return err
		}
		sp := WrapSlottedPage(bucketBuf)
		if _, ierr := sp.InsertRecord(rec); ierr == nil {
			if err := p.Save(txID, bucketPID, sp.Bytes()); err != nil {
				return err
			}
			dirBuf2, err := p.GetWritable(txID, dirPID)
			if err != nil {
				return err
			}
			bc, ns, vc := readDirHeader(dirBuf2)
			writeDirHeader(dirBuf2, bc, ns, vc+1)
			return p.Save(txID, dirPID, dirBuf2)
		}

		// Bucket full — perform one linear-hashing split step and retry.
		if err := p.splitBucket(txID, dirPID); err != nil {
			return err
		}
		_ = varCount
	}
	return newErr(CodePagerFull, "variable directory: could not place entry after repeated splits")
}

// splitBucket performs one linear-hashing split: the bucket at nextSplit is
// divided between itself and a freshly allocated bucket at nextSplit+bucketCount.
func (p *Pager) splitBucket(txID TxID, dirPID PageID) error {
	dirBuf, err := p.GetWritable(txID, dirPID)
	if err != nil {
		return err
	}
	bucketCount, nextSplit, varCount := readDirHeader(dirBuf)
	if int(nextSplit+bucketCount) >= maxBuckets(p.pageSize) {
		return newErr(CodePagerFull, "variable directory: bucket capacity exhausted")
	}

	oldIdx := nextSplit
	newIdx := nextSplit + bucketCount
	oldPID := dirBucket(dirBuf, oldIdx)
	if oldPID == InvalidPageID {
		// Nothing to split — just advance the pointer.
		advanceSplit(dirBuf, bucketCount, nextSplit, varCount)
		return p.Save(txID, dirPID, dirBuf)
	}

	oldBuf, err := p.GetWritable(txID, oldPID)
	if err != nil {
		return err
	}
	oldSP := WrapSlottedPage(oldBuf)

	newPID, newRawBuf, err := p.New(txID)
	if err != nil {
		return err
	}
	InitSlottedPage(newRawBuf, PageTypeVarHashLeaf, newPID)
	newSP := WrapSlottedPage(newRawBuf)

	var kept [][]byte
	for i := 0; i < oldSP.SlotCount(); i++ {
		if oldSP.IsDeleted(i) {
			continue
		}
		rec := oldSP.GetRecord(i)
		e := unmarshalVarEntry(rec)
		idx := bucketIndex(hashName(e.Name), bucketCount*2, 0)
		if idx == newIdx {
			if _, err := newSP.InsertRecord(append([]byte{}, rec...)); err != nil {
				return err
			}
		} else {
			kept = append(kept, append([]byte{}, rec...))
		}
	}
	rebuilt := InitSlottedPage(oldBuf, PageTypeVarHashLeaf, oldPID)
	for _, rec := range kept {
		if _, err := rebuilt.InsertRecord(rec); err != nil {
			return err
		}
	}

	if err := p.Save(txID, oldPID, oldBuf); err != nil {
		return err
	}
	if err := p.Save(txID, newPID, newRawBuf); err != nil {
		return err
	}

	setDirBucket(dirBuf, newIdx, newPID)
	advanceSplit(dirBuf, bucketCount, nextSplit, varCount)
	return p.Save(txID, dirPID, dirBuf)
}

func advanceSplit(dirBuf []byte, bucketCount, nextSplit, varCount uint32) {
	nextSplit++
	if nextSplit == bucketCount {
		nextSplit = 0
		bucketCount *= 2
	}
	writeDirHeader(dirBuf, bucketCount, nextSplit, varCount)
}

// DeleteVariable removes a variable's catalog entry. It does not free the
// variable's rope-plus-tree pages — the caller is expected to drop the rpt
// root's own pages first.
func (p *Pager) DeleteVariable(txID TxID, name string) error {
	sb := p.Superblock()
	if sb.VarDirRoot == InvalidPageID {
		return newErr(CodeInvalidArgument, "no such variable: "+name)
	}

	dirBuf, err := p.GetWritable(txID, sb.VarDirRoot)
	if err != nil {
		return err
	}
	bucketCount, nextSplit, varCount := readDirHeader(dirBuf)
	idx := bucketIndex(hashName(name), bucketCount, nextSplit)
	bucketPID := dirBucket(dirBuf, idx)
	if bucketPID == InvalidPageID {
		return newErr(CodeInvalidArgument, "no such variable: "+name)
	}

	bucketBuf, err := p.GetWritable(txID, bucketPID)
	if err != nil {
		return err
	}
	sp := WrapSlottedPage(bucketBuf)
	for i := 0; i < sp.SlotCount(); i++ {
		if sp.IsDeleted(i) {
			continue
		}
		e := unmarshalVarEntry(sp.GetRecord(i))
		if e.Name == name {
			if err := sp.DeleteRecord(i); err != nil {
				return err
			}
			if err := p.Save(txID, bucketPID, sp.Bytes()); err != nil {
				return err
			}
			writeDirHeader(dirBuf, bucketCount, nextSplit, varCount-1)
			return p.Save(txID, sb.VarDirRoot, dirBuf)
		}
	}
	return newErr(CodeInvalidArgument, "no such variable: "+name)
}

// UpdateVariableRoot rewrites a variable's rpt root pointer and total byte
// length after an insert/remove/write mutates its tree.
func (p *Pager) UpdateVariableRoot(txID TxID, name string, newRoot PageID, newTotalLen uint64) error {
	sb := p.Superblock()
	if sb.VarDirRoot == InvalidPageID {
		return newErr(CodeInvalidArgument, "no such variable: "+name)
	}
	dirBuf, err := p.Get(sb.VarDirRoot)
	if err != nil {
		return err
	}
	bucketCount, nextSplit, _ := readDirHeader(dirBuf)
	idx := bucketIndex(hashName(name), bucketCount, nextSplit)
	bucketPID := dirBucket(dirBuf, idx)
	p.Release(sb.VarDirRoot)
	if bucketPID == InvalidPageID {
		return newErr(CodeInvalidArgument, "no such variable: "+name)
	}

	bucketBuf, err := p.GetWritable(txID, bucketPID)
	if err != nil {
		return err
	}
	sp := WrapSlottedPage(bucketBuf)
	for i := 0; i < sp.SlotCount(); i++ {
		if sp.IsDeleted(i) {
			continue
		}
		e := unmarshalVarEntry(sp.GetRecord(i))
		if e.Name == name {
			e.RPTRoot = newRoot
			e.TotalLen = newTotalLen
			if err := sp.UpdateRecord(i, marshalVarEntry(e)); err != nil {
				return err
			}
			return p.Save(txID, bucketPID, sp.Bytes())
		}
	}
	return newErr(CodeInvalidArgument, "no such variable: "+name)
}

// ListVariables returns every variable entry currently in the directory.
// Intended for inspection tooling, not the hot path.
func (p *Pager) ListVariables() ([]VarEntry, error) {
	sb := p.Superblock()
	if sb.VarDirRoot == InvalidPageID {
		return nil, nil
	}
	dirBuf, err := p.Get(sb.VarDirRoot)
	if err != nil {
		return nil, err
	}
	defer p.Release(sb.VarDirRoot)

	bucketCount, nextSplit, _ := readDirHeader(dirBuf)
	total := bucketCount
	if nextSplit > 0 {
		total += nextSplit
	}

	var out []VarEntry
	for idx := uint32(0); idx < total && idx < uint32(maxBuckets(p.pageSize)); idx++ {
		pid := dirBucket(dirBuf, idx)
		if pid == InvalidPageID {
			continue
		}
		buf, err := p.Get(pid)
		if err != nil {
			return nil, err
		}
		sp := WrapSlottedPage(buf)
		for i := 0; i < sp.SlotCount(); i++ {
			if sp.IsDeleted(i) {
				continue
			}
			out = append(out, unmarshalVarEntry(sp.GetRecord(i)))
		}
		p.Release(pid)
	}
	return out, nil
}
