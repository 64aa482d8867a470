package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL is an append-only file of ARIES-style records: BEGIN, COMMIT, END,
// UPDATE (carrying both an undo and a redo page image), CLR (compensation
// log record, written while undoing), CKPT_BEGIN, and CKPT_END (carrying a
// serialized Active Transaction Table + Dirty Page Table snapshot).
//
// WAL file header (first 32 bytes):
//   [0:8]   Magic       "RPTDBWAL"
//   [8:12]  Version     uint32 LE (currently 1)
//   [12:16] PageSize    uint32 LE
//   [16:24] Reserved    8 bytes
//   [24:28] HeaderCRC   uint32 LE (CRC of bytes 0:24)
//   [28:32] Padding     4 bytes
//
// WAL record (variable-length, follows header):
//   [0]     RecordType  (1 byte)
//   [1:5]   Reserved    (4 bytes)
//   [5:13]  LSN         (uint64 LE) — assigned on append, equals byte offset of the record
//   [13:21] TxID        (uint64 LE)
//   [21:29] PrevLSN     (uint64 LE) — this transaction's previous log record (0 if none)
//   [29:37] UndoNextLSN (uint64 LE) — CLR only: next record to undo after this one
//   [37:41] PageID      (uint32 LE) — UPDATE/CLR only
//   [41:45] Len1        (uint32 LE) — length of first payload segment (undo image / ckpt blob)
//   [45:49] Len2        (uint32 LE) — length of second payload segment (redo image)
//   [49:53] RecordCRC   (uint32 LE) — CRC of header + both payload segments
//   [53:53+Len1]          Seg1
//   [53+Len1:53+Len1+Len2] Seg2

const (
	WALMagic       = "RPTDBWAL"
	WALVersion     = uint32(1)
	WALFileHdrSize = 32
	WALRecHdrSize  = 53
)

// WALRecordType identifies the kind of WAL record.
type WALRecordType uint8

const (
	WALRecordBegin     WALRecordType = 0x01
	WALRecordCommit    WALRecordType = 0x02
	WALRecordEnd       WALRecordType = 0x03
	WALRecordUpdate    WALRecordType = 0x04 // Seg1=undo image, Seg2=redo image
	WALRecordCLR       WALRecordType = 0x05 // Seg1=redo (compensating) image, UndoNextLSN set
	WALRecordCkptBegin WALRecordType = 0x06
	WALRecordCkptEnd   WALRecordType = 0x07 // Seg1=serialized ATT+DPT snapshot
)

func (rt WALRecordType) String() string {
	switch rt {
	case WALRecordBegin:
		return "BEGIN"
	case WALRecordCommit:
		return "COMMIT"
	case WALRecordEnd:
		return "END"
	case WALRecordUpdate:
		return "UPDATE"
	case WALRecordCLR:
		return "CLR"
	case WALRecordCkptBegin:
		return "CKPT_BEGIN"
	case WALRecordCkptEnd:
		return "CKPT_END"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(rt))
	}
}

// WALRecord is an in-memory representation of a WAL record.
type WALRecord struct {
	Type        WALRecordType
	LSN         LSN
	TxID        TxID
	PrevLSN     LSN    // this transaction's previous record, chains the undo list
	UndoNextLSN LSN    // CLR only: where the undo pass should resume after this CLR
	PageID      PageID // UPDATE/CLR only
	UndoImage   []byte // UPDATE: the page's pre-image
	RedoImage   []byte // UPDATE/CLR: the page's post-image (the compensating image for a CLR)
	CkptPayload []byte // CKPT_END only: serialized ATT+DPT
}

// ───────────────────────────────────────────────────────────────────────────
// WAL writer/reader
// ───────────────────────────────────────────────────────────────────────────

// WALFile manages the append-only WAL file.
type WALFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextLSN  LSN
	writePos int64 // current write offset — avoids Seek syscall
}

// OpenWALFile opens or creates a WAL file. If the file exists, it validates
// the header. If it does not exist, it writes a new header.
func OpenWALFile(path string, pageSize int) (*WALFile, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	wf := &WALFile{f: f, path: path, pageSize: pageSize, nextLSN: WALFileHdrSize}

	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := wf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}

	endPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL end: %w", err)
	}
	wf.writePos = endPos
	if endPos > WALFileHdrSize {
		wf.nextLSN = LSN(endPos)
	}

	return wf, nil
}

func (wf *WALFile) writeHeader() error {
	var hdr [WALFileHdrSize]byte
	copy(hdr[0:8], WALMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], WALVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(wf.pageSize))
	c := crc32.Checksum(hdr[:24], crcTable)
	binary.LittleEndian.PutUint32(hdr[24:28], c)
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return wf.f.Sync()
}

func (wf *WALFile) validateHeader() error {
	var hdr [WALFileHdrSize]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read WAL header: %w", err)
	}
	if n < WALFileHdrSize {
		return fmt.Errorf("WAL header too short: %d bytes", n)
	}
	if string(hdr[0:8]) != WALMagic {
		return fmt.Errorf("bad WAL magic")
	}
	ver := binary.LittleEndian.Uint32(hdr[8:12])
	if ver != WALVersion {
		return fmt.Errorf("unsupported WAL version %d", ver)
	}
	ps := binary.LittleEndian.Uint32(hdr[12:16])
	if int(ps) != wf.pageSize {
		return fmt.Errorf("WAL page size %d != expected %d", ps, wf.pageSize)
	}
	stored := binary.LittleEndian.Uint32(hdr[24:28])
	computed := crc32.Checksum(hdr[:24], crcTable)
	if stored != computed {
		return fmt.Errorf("WAL header CRC mismatch")
	}
	return nil
}

// AppendRecord writes a WAL record and assigns it a monotonic LSN equal to
// its byte offset in the file.
func (wf *WALFile) AppendRecord(rec *WALRecord) (LSN, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := LSN(wf.writePos)
	rec.LSN = lsn

	data := marshalWALRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, fmt.Errorf("WAL append: %w", err)
	}
	wf.writePos += int64(n)
	wf.nextLSN = LSN(wf.writePos)
	return lsn, nil
}

// Sync fsyncs the WAL file to guarantee durability up to (at least) the
// highest LSN appended so far.
func (wf *WALFile) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Sync()
}

// Close closes the WAL file.
func (wf *WALFile) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// Truncate resets the WAL file to just the header (after a checkpoint has
// made every record before it redundant).
func (wf *WALFile) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(WALFileHdrSize); err != nil {
		return err
	}
	wf.writePos = WALFileHdrSize
	wf.nextLSN = WALFileHdrSize
	return wf.f.Sync()
}

// ReadRecordAt reads a single WAL record starting at byte offset lsn — used
// by rollback to walk a transaction's PrevLSN chain without replaying the
// whole log.
func (wf *WALFile) ReadRecordAt(lsn LSN) (*WALRecord, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return unmarshalWALRecord(io.NewSectionReader(wf.f, int64(lsn), 1<<32))
}

// NextLSN returns the LSN that will be assigned to the next appended record.
func (wf *WALFile) NextLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.nextLSN
}

// SetNextLSN allows recovery to set the LSN counter (and write cursor).
func (wf *WALFile) SetNextLSN(lsn LSN) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
	wf.writePos = int64(lsn)
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization
// ───────────────────────────────────────────────────────────────────────────

func marshalWALRecord(rec *WALRecord) []byte {
	var seg1, seg2 []byte
	switch rec.Type {
	case WALRecordUpdate:
		seg1, seg2 = rec.UndoImage, rec.RedoImage
	case WALRecordCLR:
		seg1 = rec.RedoImage
	case WALRecordCkptEnd:
		seg1 = rec.CkptPayload
	}

	buf := make([]byte, WALRecHdrSize+len(seg1)+len(seg2))
	buf[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(rec.TxID))
	binary.LittleEndian.PutUint64(buf[21:29], uint64(rec.PrevLSN))
	binary.LittleEndian.PutUint64(buf[29:37], uint64(rec.UndoNextLSN))
	binary.LittleEndian.PutUint32(buf[37:41], uint32(rec.PageID))
	binary.LittleEndian.PutUint32(buf[41:45], uint32(len(seg1)))
	binary.LittleEndian.PutUint32(buf[45:49], uint32(len(seg2)))
	copy(buf[WALRecHdrSize:], seg1)
	copy(buf[WALRecHdrSize+len(seg1):], seg2)

	h := crc32.New(crcTable)
	h.Write(buf[:49])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[WALRecHdrSize:])
	binary.LittleEndian.PutUint32(buf[49:53], h.Sum32())
	return buf
}

func unmarshalWALRecord(r io.Reader) (*WALRecord, error) {
	var hdr [WALRecHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	rec := &WALRecord{
		Type:        WALRecordType(hdr[0]),
		LSN:         LSN(binary.LittleEndian.Uint64(hdr[5:13])),
		TxID:        TxID(binary.LittleEndian.Uint64(hdr[13:21])),
		PrevLSN:     LSN(binary.LittleEndian.Uint64(hdr[21:29])),
		UndoNextLSN: LSN(binary.LittleEndian.Uint64(hdr[29:37])),
		PageID:      PageID(binary.LittleEndian.Uint32(hdr[37:41])),
	}
	len1 := int(binary.LittleEndian.Uint32(hdr[41:45]))
	len2 := int(binary.LittleEndian.Uint32(hdr[45:49]))
	storedCRC := binary.LittleEndian.Uint32(hdr[49:53])

	var seg1, seg2 []byte
	if len1 > 0 {
		seg1 = make([]byte, len1)
		if _, err := io.ReadFull(r, seg1); err != nil {
			return nil, fmt.Errorf("WAL record seg1: %w", err)
		}
	}
	if len2 > 0 {
		seg2 = make([]byte, len2)
		if _, err := io.ReadFull(r, seg2); err != nil {
			return nil, fmt.Errorf("WAL record seg2: %w", err)
		}
	}

	h := crc32.New(crcTable)
	h.Write(hdr[:49])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(seg1)
	h.Write(seg2)
	if h.Sum32() != storedCRC {
		return nil, fmt.Errorf("WAL record CRC mismatch at LSN %d", rec.LSN)
	}

	switch rec.Type {
	case WALRecordUpdate:
		rec.UndoImage, rec.RedoImage = seg1, seg2
	case WALRecordCLR:
		rec.RedoImage = seg1
	case WALRecordCkptEnd:
		rec.CkptPayload = seg1
	}

	return rec, nil
}

// ReadAllRecords reads all WAL records from the file (after the header).
// Partial/corrupt records at the tail are silently ignored (crash truncation).
func ReadAllRecords(path string) ([]*WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(WALFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*WALRecord
	for {
		rec, err := unmarshalWALRecord(f)
		if err != nil {
			break // EOF or corrupt tail — stop.
		}
		records = append(records, rec)
	}
	return records, nil
}
