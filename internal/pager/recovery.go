package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Crash Recovery — ARIES analysis / redo / undo
// ───────────────────────────────────────────────────────────────────────────
//
// CrashRecover runs the classic three passes over the WAL:
//
//  1. Analysis: the whole WAL is read and its last CKPT_END (if any) is
//     located; that record's payload seeds the Active Transaction Table
//     and Dirty Page Table, and every later BEGIN/UPDATE/CLR/COMMIT/END
//     record updates them exactly as the live pager would. With no
//     CKPT_END, analysis replays from the start of the log. sb.MasterLSN
//     is not read here.
//
//  2. Redo: starting from the DPT's minimum recLSN, reapply every UPDATE's
//     redo image and every CLR's compensating image, unconditionally —
//     "redo history", not just committed work. Idempotent because images
//     are physical page copies.
//
//  3. Undo: for every transaction still ACTIVE in the reconstructed ATT
//     (never reached COMMIT), walk its chain backwards from UndoNextLSN —
//     following PrevLSN past each UPDATE and jumping to a CLR's
//     UndoNextLSN — applying each UPDATE's undo image and writing a CLR,
//     until the chain reaches a BEGIN record (PrevLSN 0), then write an END
//     record.
//
// CKPT_BEGIN/CKPT_END bound how far back analysis must look; they do NOT
// mean every page is flushed (this is a fuzzy checkpoint).

// CrashRecover performs ARIES recovery against the WAL, leaving the pager
// in a state as if every committed transaction completed and every
// in-flight transaction at crash time was rolled back.
func (p *Pager) CrashRecover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recovery read WAL: %w", err)
	}
	// Append after the last record that decoded cleanly, overwriting any
	// torn tail, so records written below are reachable by a later scan.
	end := LSN(WALFileHdrSize)
	if n := len(records); n > 0 {
		end = records[n-1].LSN + LSN(len(marshalWALRecord(records[n-1])))
	}
	p.wal.SetNextLSN(end)
	if len(records) == 0 {
		return nil
	}

	byLSN := make(map[LSN]*WALRecord, len(records))
	for _, rec := range records {
		byLSN[rec.LSN] = rec
	}

	// ── Pass 1: Analysis ────────────────────────────────────────────────
	att := NewActiveTransactionTable(0)
	dpt := NewDirtyPageTable(0)

	startIdx := 0
	for i, rec := range records {
		if rec.Type == WALRecordCkptEnd {
			attSnap, dptSnap := unmarshalCkptPayload(rec.CkptPayload)
			att.Restore(attSnap)
			dpt.Restore(dptSnap)
			startIdx = i + 1
		}
	}

	var maxTxID TxID
	var maxPageID PageID
	for _, rec := range records[startIdx:] {
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		switch rec.Type {
		case WALRecordBegin:
			_ = att.Begin(rec.TxID)
			att.RecordLSN(rec.TxID, rec.LSN)
		case WALRecordUpdate:
			att.RecordLSN(rec.TxID, rec.LSN)
			_ = dpt.MarkDirty(rec.PageID, rec.LSN)
			if rec.PageID > maxPageID {
				maxPageID = rec.PageID
			}
		case WALRecordCLR:
			att.RecordLSN(rec.TxID, rec.LSN)
			_ = dpt.MarkDirty(rec.PageID, rec.LSN)
		case WALRecordCommit:
			att.SetCommitting(rec.TxID)
			att.RecordLSN(rec.TxID, rec.LSN)
		case WALRecordEnd:
			att.Remove(rec.TxID)
		}
	}

	// ── Pass 2: Redo ─────────────────────────────────────────────────────
	redoStart := dpt.MinRecLSN()
	for _, rec := range records {
		if rec.LSN < redoStart {
			continue
		}
		switch rec.Type {
		case WALRecordUpdate:
			if err := p.writePageRaw(rec.PageID, rec.RedoImage); err != nil {
				return fmt.Errorf("redo page %d: %w", rec.PageID, err)
			}
		case WALRecordCLR:
			if err := p.writePageRaw(rec.PageID, rec.RedoImage); err != nil {
				return fmt.Errorf("redo CLR page %d: %w", rec.PageID, err)
			}
		}
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync after redo: %w", err)
	}

	// ── Pass 3: Undo ─────────────────────────────────────────────────────
	// Every transaction the reconstructed ATT still calls ACTIVE never
	// committed before the crash and must be rolled back. TxCommitting
	// entries already forced their COMMIT record — finish them forward
	// with an END instead of undoing.
	// The WAL write cursor was set above to the end of the last valid
	// record, so CLR/END records appended below follow it with no gap.
	for _, txID := range att.Active() {
		entry, _ := att.Get(txID)
		if entry.Status == TxCommitting {
			endRec := &WALRecord{Type: WALRecordEnd, TxID: txID, PrevLSN: entry.LastLSN}
			if _, err := p.wal.AppendRecord(endRec); err != nil {
				return fmt.Errorf("recovery finish commit %d: %w", txID, err)
			}
			att.Remove(txID)
			continue
		}

		next := entry.UndoNextLSN
		for next != 0 {
			rec, ok := byLSN[next]
			if !ok {
				break
			}
			if rec.Type == WALRecordCLR {
				next = rec.UndoNextLSN
				continue
			}
			if rec.Type == WALRecordUpdate {
				if len(rec.UndoImage) == 0 {
					p.tmbst.Free(rec.PageID)
				} else if err := p.writePageRaw(rec.PageID, rec.UndoImage); err != nil {
					return fmt.Errorf("undo page %d: %w", rec.PageID, err)
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
					return fmt.Errorf("recovery append CLR: %w", err)
				}
				att.RecordLSN(txID, clrLSN)
			}
			if rec.Type == WALRecordBegin {
				break
			}
			next = rec.PrevLSN
		}

		entry, _ = att.Get(txID)
		endRec := &WALRecord{Type: WALRecordEnd, TxID: txID, PrevLSN: entry.LastLSN}
		if _, err := p.wal.AppendRecord(endRec); err != nil {
			return fmt.Errorf("recovery append END for %d: %w", txID, err)
		}
		att.Remove(txID)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync after undo: %w", err)
	}

	if maxTxID+1 > p.sb.NextTxID {
		p.sb.NextTxID = maxTxID + 1
	}
	if maxPageID+1 > p.sb.NextPageID {
		p.sb.NextPageID = maxPageID + 1
		p.sb.PageCount = uint64(p.sb.NextPageID)
	}
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("recovery write superblock: %w", err)
	}
	return p.file.Sync()
}

// ───────────────────────────────────────────────────────────────────────────
// Checkpoint payload codec
// ───────────────────────────────────────────────────────────────────────────
//
// CKPT_END carries a flat encoding of the ATT followed by the DPT:
//   [0:4]  attCount uint32 LE
//   attCount * { TxID uint64, Status uint8, LastLSN uint64, UndoNextLSN uint64 }
//   [..:4] dptCount uint32 LE
//   dptCount * { PageID uint32, RecLSN uint64 }

func marshalCkptPayload(att []ATTEntry, dpt []DPTEntry) []byte {
	size := 4 + len(att)*25 + 4 + len(dpt)*12
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(att)))
	off += 4
	for _, e := range att {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.TxID))
		off += 8
		buf[off] = byte(e.Status)
		off++
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.LastLSN))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.UndoNextLSN))
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(dpt)))
	off += 4
	for _, d := range dpt {
		binary.LittleEndian.PutUint32(buf[off:], uint32(d.PageID))
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], uint64(d.RecLSN))
		off += 8
	}
	return buf
}

func unmarshalCkptPayload(buf []byte) ([]ATTEntry, []DPTEntry) {
	if len(buf) < 4 {
		return nil, nil
	}
	off := 0
	attCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	att := make([]ATTEntry, 0, attCount)
	for i := 0; i < attCount; i++ {
		e := ATTEntry{
			TxID:    TxID(binary.LittleEndian.Uint64(buf[off:])),
			Status:  TxStatus(buf[off+8]),
			LastLSN: LSN(binary.LittleEndian.Uint64(buf[off+9:])),
		}
		e.UndoNextLSN = LSN(binary.LittleEndian.Uint64(buf[off+17:]))
		off += 25
		att = append(att, e)
	}
	dptCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	dpt := make([]DPTEntry, 0, dptCount)
	for i := 0; i < dptCount; i++ {
		d := DPTEntry{
			PageID: PageID(binary.LittleEndian.Uint32(buf[off:])),
			RecLSN: LSN(binary.LittleEndian.Uint64(buf[off+4:])),
		}
		off += 12
		dpt = append(dpt, d)
	}
	return att, dpt
}
