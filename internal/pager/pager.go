package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Pager façade
// ───────────────────────────────────────────────────────────────────────────
//
// The Pager is the central I/O layer: database file, WAL, buffer pool,
// tombstone chain, superblock, dirty page table, and active transaction
// table. Every page access goes through it so CRC validation and WAL
// logging happen uniformly. Callers mutate pages via a shadow buffer
// (GetWritable returns a private copy; Save commits the diff) so a crash
// mid-mutation never corrupts the cached page image.

// PagerConfig configures a Pager.
type PagerConfig struct {
	DBPath        string
	WALPath       string
	PageSize      int
	MaxCachePages int // buffer pool capacity (0 = default 1024)
	MaxActiveTxns int // ATT capacity (0 = unbounded)
	MaxDirtyPages int // DPT capacity (0 = unbounded)
}

// Pager manages page-level I/O, WAL, buffer pool, and the tombstone chain.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	wal      *WALFile
	pool     *PageBufferPool
	sb       *Superblock
	tmbst    *TombstoneManager
	dpt      *DirtyPageTable
	att      *ActiveTransactionTable
	pageSize int
	path     string
	walPath  string
	closed   bool
}

// OpenPager opens or creates a page-based database, running crash recovery
// automatically if the WAL holds unflushed records.
func OpenPager(cfg PagerConfig) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, wrapErr(CodeInvalidArgument, fmt.Errorf("page size %d", ps), "invalid page size")
	}

	isNew := false
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.DBPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, wrapErr(CodeIO, err, "open db file")
	}

	p := &Pager{
		file:     f,
		pageSize: ps,
		path:     cfg.DBPath,
		pool:     newPageBufferPool(cfg.MaxCachePages),
		tmbst:    NewTombstoneManager(),
		dpt:      NewDirtyPageTable(cfg.MaxDirtyPages),
		att:      NewActiveTransactionTable(cfg.MaxActiveTxns),
	}

	if isNew {
		sb := NewSuperblock(uint32(ps))
		buf := MarshalSuperblock(sb, ps)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, wrapErr(CodeIO, err, "write superblock")
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, wrapErr(CodeIO, err, "sync new db file")
		}
		p.sb = sb
	} else {
		sb, err := p.readSuperblock()
		if err != nil {
			f.Close()
			return nil, wrapErr(CodeCorrupt, err, "read superblock")
		}
		p.sb = sb
		p.pageSize = int(sb.PageSize) // honour on-disk page size

		if sb.FirstTombstone != InvalidPageID {
			if err := p.tmbst.LoadFromDisk(sb.FirstTombstone, p.readPageRaw); err != nil {
				f.Close()
				return nil, wrapErr(CodeCorrupt, err, "load tombstone chain")
			}
		}
	}

	walPath := cfg.WALPath
	if walPath == "" {
		walPath = cfg.DBPath + ".wal"
	}
	p.walPath = walPath
	wf, err := OpenWALFile(walPath, p.pageSize)
	if err != nil {
		f.Close()
		return nil, wrapErr(CodeIO, err, "open WAL file")
	}
	p.wal = wf
	p.pool.evictDirty = p.flushEvictedPage

	if !isNew {
		if err := p.CrashRecover(); err != nil {
			wf.Close()
			f.Close()
			return nil, wrapErr(CodeCorrupt, err, "WAL recovery")
		}
	}

	return p, nil
}

func (p *Pager) readSuperblock() (*Superblock, error) {
	// The on-disk page size may differ from the configured default, so
	// peek it from the header before reading the full (CRC-checked) page.
	probe := make([]byte, MinPageSize)
	if _, err := p.file.ReadAt(probe, 0); err != nil {
		return nil, fmt.Errorf("read superblock probe: %w", err)
	}
	onDiskSize := int(binary.LittleEndian.Uint32(probe[sbPageSizeOff:]))
	size := p.pageSize
	if onDiskSize >= MinPageSize && onDiskSize <= MaxPageSize {
		size = onDiskSize
	}

	buf := make([]byte, size)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	return UnmarshalSuperblock(buf)
}

// readPageRaw reads a page directly from the database file (no cache).
func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, wrapErr(CodeIO, err, fmt.Sprintf("read page %d", id))
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, wrapErr(CodeCorrupt, err, fmt.Sprintf("page %d checksum", id))
	}
	return buf, nil
}

// writePageRaw writes a page directly to the database file (no cache).
func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	SetPageCRC(buf)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return wrapErr(CodeIO, err, fmt.Sprintf("write page %d", id))
	}
	return nil
}

// flushEvictedPage is the buffer pool's evictDirty hook (see bufpool.go):
// per spec.md §4.2, a dirty frame cannot be evicted until the WAL has been
// flushed up to its page-LSN, so a crash right after can never leave the
// data file ahead of the log. Mirrors the write half of Checkpoint's
// flush-then-write sequence for a single page.
func (p *Pager) flushEvictedPage(id PageID, buf []byte, lsn LSN) error {
	if err := p.wal.Sync(); err != nil {
		return wrapErr(CodeIO, err, fmt.Sprintf("flush WAL before evicting page %d", id))
	}
	if err := p.writePageRaw(id, append([]byte{}, buf...)); err != nil {
		return err
	}
	p.dpt.Clear(id)
	return nil
}

// ── Page reads ────────────────────────────────────────────────────────────

// Get returns a read-only page by ID, using the buffer pool cache. The
// page is pinned; call Release when done.
func (p *Pager) Get(id PageID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageCached(id)
}

func (p *Pager) readPageCached(id PageID) ([]byte, error) {
	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		f.pinned++
		p.pool.mu.Unlock()
		return f.buf, nil
	}
	p.pool.mu.Unlock()

	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	f := &PageFrame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	_, err = p.pool.put(f)
	p.pool.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Release decrements a page's pin count.
func (p *Pager) Release(id PageID) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// GetWritable returns a private shadow copy of a page for txID to mutate
// off to the side. Call Save with the mutated copy to commit the change.
func (p *Pager) GetWritable(txID TxID, id PageID) ([]byte, error) {
	if _, ok := p.att.Get(txID); !ok {
		return nil, ErrNoTxn
	}
	cur, err := p.Get(id)
	if err != nil {
		return nil, err
	}
	shadow := make([]byte, len(cur))
	copy(shadow, cur)
	p.Release(id)
	return shadow, nil
}

// Save logs an UPDATE record (undo = the page's current cached image, redo
// = shadow) and installs shadow as the page's new cached image.
func (p *Pager) Save(txID TxID, id PageID, shadow []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	att, ok := p.att.Get(txID)
	if !ok {
		return ErrNoTxn
	}

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	var undo []byte
	if ok {
		undo = append([]byte{}, f.buf...)
	} else {
		raw, err := p.readPageRaw(id)
		if err != nil {
			p.pool.mu.Unlock()
			return err
		}
		undo = raw
	}
	p.pool.mu.Unlock()

	rec := &WALRecord{
		Type:      WALRecordUpdate,
		TxID:      txID,
		PrevLSN:   att.LastLSN,
		PageID:    id,
		UndoImage: undo,
		RedoImage: append([]byte{}, shadow...),
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return wrapErr(CodeIO, err, "WAL append UPDATE")
	}
	p.att.RecordLSN(txID, lsn)
	if err := p.dpt.MarkDirty(id, lsn); err != nil {
		return err
	}

	p.pool.mu.Lock()
	nf := &PageFrame{id: id, buf: append([]byte{}, shadow...), dirty: true, lsn: lsn}
	ok, err := p.pool.put(nf)
	p.pool.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return newErr(CodePagerFull, "buffer pool full, every frame pinned")
	}
	return nil
}

// ── Page allocation ───────────────────────────────────────────────────────

// New allocates a fresh page for txID from the tombstone chain (or by
// extending the file) and logs its creation as an UPDATE with an empty
// undo image — undoing it frees the page back to the tombstone chain.
func (p *Pager) New(txID TxID) (PageID, []byte, error) {
	p.mu.Lock()
	att, ok := p.att.Get(txID)
	if !ok {
		p.mu.Unlock()
		return InvalidPageID, nil, ErrNoTxn
	}

	pid := p.tmbst.Alloc()
	if pid == InvalidPageID {
		if p.sb.NextPageID == ^PageID(0) {
			p.mu.Unlock()
			return InvalidPageID, nil, ErrPagerFull
		}
		pid = p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
	}
	buf := make([]byte, p.pageSize)

	rec := &WALRecord{
		Type:      WALRecordUpdate,
		TxID:      txID,
		PrevLSN:   att.LastLSN,
		PageID:    pid,
		UndoImage: nil, // absence of the page
		RedoImage: append([]byte{}, buf...),
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		p.mu.Unlock()
		return InvalidPageID, nil, wrapErr(CodeIO, err, "WAL append new-page UPDATE")
	}
	p.att.RecordLSN(txID, lsn)
	if err := p.dpt.MarkDirty(pid, lsn); err != nil {
		p.mu.Unlock()
		return InvalidPageID, nil, err
	}

	p.pool.mu.Lock()
	f := &PageFrame{id: pid, buf: buf, dirty: true, lsn: lsn, pinned: 1}
	_, putErr := p.pool.put(f)
	p.pool.mu.Unlock()
	p.mu.Unlock()
	if putErr != nil {
		return InvalidPageID, nil, putErr
	}
	return pid, buf, nil
}

// DeleteAndRelease frees pid back to the tombstone chain for txID, logging
// the deletion as an UPDATE with an empty redo image — undoing it restores
// the page from the undo image.
func (p *Pager) DeleteAndRelease(txID TxID, pid PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	att, ok := p.att.Get(txID)
	if !ok {
		return ErrNoTxn
	}

	cur, err := p.readPageCached(pid)
	if err != nil {
		return err
	}
	undo := append([]byte{}, cur...)
	p.Release(pid)

	rec := &WALRecord{
		Type:      WALRecordUpdate,
		TxID:      txID,
		PrevLSN:   att.LastLSN,
		PageID:    pid,
		UndoImage: undo,
		RedoImage: nil, // absence of the page
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return wrapErr(CodeIO, err, "WAL append delete UPDATE")
	}
	p.att.RecordLSN(txID, lsn)
	if err := p.dpt.MarkDirty(pid, lsn); err != nil {
		return err
	}

	p.tmbst.Free(pid)
	p.pool.mu.Lock()
	p.pool.remove(pid)
	p.pool.mu.Unlock()
	return nil
}

// ── Transaction management ────────────────────────────────────────────────

// BeginTxn starts a new transaction and writes its BEGIN record.
func (p *Pager) BeginTxn() (TxID, error) {
	p.mu.Lock()
	txID := p.sb.NextTxID
	p.sb.NextTxID++
	p.mu.Unlock()

	if err := p.att.Begin(txID); err != nil {
		return 0, err
	}

	rec := &WALRecord{Type: WALRecordBegin, TxID: txID}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return 0, wrapErr(CodeIO, err, "WAL append BEGIN")
	}
	p.att.RecordLSN(txID, lsn)
	return txID, nil
}

// Commit writes the COMMIT record and force-syncs the WAL (the durability
// point), invokes releaseLocks (if non-nil) now that the transaction's
// effects are durable, and then writes the closing END record.
//
// releaseLocks exists so the lock manager can drop this transaction's
// locks strictly after COMMIT is durable but before END — matching strict
// two-phase locking's "release at end of transaction" rule without forcing
// the pager package to import the lock manager.
func (p *Pager) Commit(txID TxID, releaseLocks func() error) error {
	att, ok := p.att.Get(txID)
	if !ok {
		return ErrNoTxn
	}

	p.att.SetCommitting(txID)
	rec := &WALRecord{Type: WALRecordCommit, TxID: txID, PrevLSN: att.LastLSN}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return wrapErr(CodeIO, err, "WAL append COMMIT")
	}
	p.att.RecordLSN(txID, lsn)
	if err := p.wal.Sync(); err != nil {
		return wrapErr(CodeIO, err, "sync WAL at commit")
	}

	if releaseLocks != nil {
		if err := releaseLocks(); err != nil {
			return err
		}
	}

	att, _ = p.att.Get(txID)
	endRec := &WALRecord{Type: WALRecordEnd, TxID: txID, PrevLSN: att.LastLSN}
	if _, err := p.wal.AppendRecord(endRec); err != nil {
		return wrapErr(CodeIO, err, "WAL append END")
	}
	p.att.Remove(txID)
	return nil
}

// Rollback walks txID's undo chain backwards, restoring each page's undo
// image (writing a CLR per step), then writes the closing END record.
func (p *Pager) Rollback(txID TxID) error {
	att, ok := p.att.Get(txID)
	if !ok {
		return ErrNoTxn
	}

	next := att.LastLSN
	for next != 0 {
		rec, err := p.wal.ReadRecordAt(next)
		if err != nil {
			return wrapErr(CodeCorrupt, err, "read undo record")
		}
		if rec.TxID != txID {
			break
		}

		switch rec.Type {
		case WALRecordUpdate:
			if len(rec.UndoImage) == 0 {
				// This record created the page — undo frees it.
				p.mu.Lock()
				p.tmbst.Free(rec.PageID)
				p.pool.mu.Lock()
				p.pool.remove(rec.PageID)
				p.pool.mu.Unlock()
				p.mu.Unlock()
			} else {
				if err := p.applyImage(rec.PageID, rec.UndoImage); err != nil {
					return err
				}
			}
			clr := &WALRecord{
				Type:        WALRecordCLR,
				TxID:        txID,
				PageID:      rec.PageID,
				RedoImage:   rec.UndoImage,
				UndoNextLSN: rec.PrevLSN,
			}
			clrLSN, err := p.wal.AppendRecord(clr)
			if err != nil {
				return wrapErr(CodeIO, err, "WAL append CLR")
			}
			p.att.RecordLSN(txID, clrLSN)
			next = rec.PrevLSN
		case WALRecordBegin:
			next = 0
		default:
			next = rec.PrevLSN
		}
	}

	att, _ = p.att.Get(txID)
	endRec := &WALRecord{Type: WALRecordEnd, TxID: txID, PrevLSN: att.LastLSN}
	if _, err := p.wal.AppendRecord(endRec); err != nil {
		return wrapErr(CodeIO, err, "WAL append END")
	}
	p.att.Remove(txID)
	return nil
}

// applyImage installs image as pid's cached (dirty) page content, bypassing
// WAL logging — used while undoing, where the CLR already records the redo.
func (p *Pager) applyImage(pid PageID, image []byte) error {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	f := &PageFrame{id: pid, buf: append([]byte{}, image...), dirty: true}
	ok, err := p.pool.put(f)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(CodePagerFull, "buffer pool full during undo")
	}
	if err := p.dpt.MarkDirty(pid, 0); err != nil {
		return err
	}
	return nil
}

// ── Checkpoint ────────────────────────────────────────────────────────────

// Checkpoint performs a fuzzy checkpoint: it records CKPT_BEGIN, snapshots
// the ATT/DPT into CKPT_END, flushes dirty pages and the tombstone chain,
// rewrites the superblock, and truncates the WAL once every dirty page
// that predates the checkpoint is safely on disk.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	beginRec := &WALRecord{Type: WALRecordCkptBegin}
	beginLSN, err := p.wal.AppendRecord(beginRec)
	if err != nil {
		return wrapErr(CodeIO, err, "WAL append CKPT_BEGIN")
	}

	payload := marshalCkptPayload(p.att.Snapshot(), p.dpt.Snapshot())
	endRec := &WALRecord{Type: WALRecordCkptEnd, CkptPayload: payload}
	endLSN, err := p.wal.AppendRecord(endRec)
	if err != nil {
		return wrapErr(CodeIO, err, "WAL append CKPT_END")
	}
	if err := p.wal.Sync(); err != nil {
		return wrapErr(CodeIO, err, "sync WAL at checkpoint")
	}

	p.pool.mu.Lock()
	dirty := p.pool.dirtyPages()
	for _, f := range dirty {
		SetPageCRC(f.buf)
		if err := p.writePageRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return wrapErr(CodeIO, err, fmt.Sprintf("checkpoint flush page %d", f.id))
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()
	p.dpt.ClearAll()

	oldHead := p.sb.FirstTombstone
	if oldHead != InvalidPageID {
		p.freeOldTombstoneChain(oldHead)
	}

	tmHead, tmPages := p.tmbst.FlushToDisk(p.pageSize, func() (PageID, []byte) {
		pid := p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
		return pid, make([]byte, p.pageSize)
	})
	for _, buf := range tmPages {
		h := UnmarshalHeader(buf)
		if err := p.writePageRaw(h.ID, buf); err != nil {
			return wrapErr(CodeIO, err, "checkpoint tombstone page")
		}
	}

	p.sb.FirstTombstone = tmHead
	p.sb.CheckpointLSN = endLSN
	p.sb.MasterLSN = beginLSN
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return wrapErr(CodeIO, err, "checkpoint superblock")
	}

	if err := p.file.Sync(); err != nil {
		return wrapErr(CodeIO, err, "sync db file at checkpoint")
	}

	// Only truncate the WAL once nothing active still needs it: an empty
	// ATT means every in-flight transaction has ended.
	if p.att.Len() == 0 {
		return p.wal.Truncate()
	}
	return nil
}

// freeOldTombstoneChain walks the old tombstone chain and adds those pages
// to the TombstoneManager so they can be reused. Must be called with p.mu held.
func (p *Pager) freeOldTombstoneChain(head PageID) {
	pid := head
	for pid != InvalidPageID {
		buf, err := p.readPageRaw(pid)
		if err != nil {
			break
		}
		tp := WrapTombstonePage(buf)
		next := tp.NextTombstone()
		p.tmbst.Free(pid)
		pid = next
	}
}

// FlushWAL fsyncs the WAL file, guaranteeing durability of every record
// appended so far.
func (p *Pager) FlushWAL() error {
	return p.wal.Sync()
}

// ── Superblock access ─────────────────────────────────────────────────────

// Superblock returns a copy of the current superblock.
func (p *Pager) Superblock() Superblock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.sb
}

// UpdateSuperblock updates the in-memory superblock fields. It does NOT
// write to disk. Use Checkpoint for that.
func (p *Pager) UpdateSuperblock(fn func(sb *Superblock)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.sb)
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// ── Close ─────────────────────────────────────────────────────────────────

// Close performs a final checkpoint and closes all files.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		_ = p.wal.Close()
		_ = p.file.Close()
		return err
	}
	if err := p.wal.Close(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// WALPath returns the WAL file path.
func (p *Pager) WALPath() string { return p.walPath }
