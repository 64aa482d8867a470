package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Superblock – Page 0
// ───────────────────────────────────────────────────────────────────────────
//
// Layout (fits in one page, minimum 4 KiB):
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       32    Common PageHeader (Type=Superblock, ID=0)
//  32      8     Magic            [8]byte "RPTDB001"
//  40      4     FormatVersion    uint32 LE
//  44      4     PageSize         uint32 LE
//  48      8     PageCount        uint64 LE  (total pages in file)
//  56      8     FeatureFlags     uint64 LE  (bitmask)
//  64      4     VarDirRoot       uint32 LE  (PageID of the variable-hash directory root)
//  68      4     FirstTombstone   uint32 LE  (PageID of the first free/tombstone page)
//  72      8     CheckpointLSN    uint64 LE  (LSN recorded by the last completed checkpoint)
//  80      8     NextTxID         uint64 LE
//  88      4     NextPageID       uint32 LE
//  92      8     MasterLSN        uint64 LE  (LSN of the most recent CKPT_BEGIN record)
//  100     —     Reserved         rest of the page (zero-filled)
//
// The CRC in the common header covers the entire page.

const (
	// SuperblockMagic identifies a valid rptdb database file.
	SuperblockMagic = "RPTDB001"

	// CurrentFormatVersion is the on-disk format version.
	CurrentFormatVersion uint32 = 1

	// Superblock field offsets (relative to page start).
	sbMagicOff         = PageHeaderSize         // 32
	sbFormatVersionOff = sbMagicOff + 8         // 40
	sbPageSizeOff      = sbFormatVersionOff + 4 // 44
	sbPageCountOff     = sbPageSizeOff + 4      // 48
	sbFeatureFlagsOff  = sbPageCountOff + 8     // 56
	sbVarDirRootOff    = sbFeatureFlagsOff + 8  // 64
	sbFirstTmbstOff    = sbVarDirRootOff + 4    // 68
	sbCheckpointLSNOff = sbFirstTmbstOff + 4    // 72
	sbNextTxIDOff      = sbCheckpointLSNOff + 8 // 80
	sbNextPageIDOff    = sbNextTxIDOff + 8      // 88
	sbMasterLSNOff     = sbNextPageIDOff + 4    // 92 (8 bytes)
	// Remaining bytes up to end of page are reserved.
)

// FeatureFlag bits (bitmask). Version 1 has no flags set.
const (
	FeatureCompression FeatureFlag = 1 << iota // reserved: page-level compression
	FeatureEncryption                          // reserved: page-level encryption
	FeatureMVCC                                // reserved: multi-version concurrency — not implemented, strict 2PL only
	FeaturePartitions                          // reserved: range partitioning
)

// FeatureFlag is a bitmask of optional format features.
type FeatureFlag uint64

// SupportedFeatures is the set of features understood by this build.
// Any flag outside of this set causes the file to be rejected.
const SupportedFeatures FeatureFlag = 0 // v1: none

// Superblock holds the parsed contents of page 0.
type Superblock struct {
	FormatVersion  uint32
	PageSize       uint32
	PageCount      uint64
	FeatureFlags   FeatureFlag
	VarDirRoot     PageID // root of the variable-hash directory (§4.7)
	FirstTombstone PageID // head of the tombstone/free-page chain
	CheckpointLSN  LSN    // LSN recorded by the last *completed* checkpoint (CKPT_END)
	NextTxID       TxID
	NextPageID     PageID
	MasterLSN      LSN // LSN of the most recent CKPT_BEGIN; recovery locates the last CKPT_END by scanning the WAL and does not read it
}

// MarshalSuperblock serializes a Superblock into a full page buffer.
// The buffer must be at least PageSize bytes. The common PageHeader is set
// (Type=Superblock, ID=0) and the CRC computed.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := NewPage(pageSize, PageTypeSuperblock, 0)

	copy(buf[sbMagicOff:sbMagicOff+8], SuperblockMagic)

	binary.LittleEndian.PutUint32(buf[sbFormatVersionOff:], sb.FormatVersion)
	binary.LittleEndian.PutUint32(buf[sbPageSizeOff:], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[sbPageCountOff:], sb.PageCount)
	binary.LittleEndian.PutUint64(buf[sbFeatureFlagsOff:], uint64(sb.FeatureFlags))
	binary.LittleEndian.PutUint32(buf[sbVarDirRootOff:], uint32(sb.VarDirRoot))
	binary.LittleEndian.PutUint32(buf[sbFirstTmbstOff:], uint32(sb.FirstTombstone))
	binary.LittleEndian.PutUint64(buf[sbCheckpointLSNOff:], uint64(sb.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[sbNextTxIDOff:], uint64(sb.NextTxID))
	binary.LittleEndian.PutUint32(buf[sbNextPageIDOff:], uint32(sb.NextPageID))
	binary.LittleEndian.PutUint64(buf[sbMasterLSNOff:], uint64(sb.MasterLSN))

	SetPageCRC(buf)
	return buf
}

// UnmarshalSuperblock decodes page 0 from buf. It validates magic bytes,
// format version, feature flags, and CRC. Returns an error on any mismatch.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < MinPageSize {
		return nil, fmt.Errorf("superblock too small: %d bytes", len(buf))
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, fmt.Errorf("superblock CRC: %w", err)
	}
	magic := string(buf[sbMagicOff : sbMagicOff+8])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("bad magic %q, expected %q", magic, SuperblockMagic)
	}
	sb := &Superblock{
		FormatVersion:  binary.LittleEndian.Uint32(buf[sbFormatVersionOff:]),
		PageSize:       binary.LittleEndian.Uint32(buf[sbPageSizeOff:]),
		PageCount:      binary.LittleEndian.Uint64(buf[sbPageCountOff:]),
		FeatureFlags:   FeatureFlag(binary.LittleEndian.Uint64(buf[sbFeatureFlagsOff:])),
		VarDirRoot:     PageID(binary.LittleEndian.Uint32(buf[sbVarDirRootOff:])),
		FirstTombstone: PageID(binary.LittleEndian.Uint32(buf[sbFirstTmbstOff:])),
		CheckpointLSN:  LSN(binary.LittleEndian.Uint64(buf[sbCheckpointLSNOff:])),
		NextTxID:       TxID(binary.LittleEndian.Uint64(buf[sbNextTxIDOff:])),
		NextPageID:     PageID(binary.LittleEndian.Uint32(buf[sbNextPageIDOff:])),
		MasterLSN:      LSN(binary.LittleEndian.Uint64(buf[sbMasterLSNOff:])),
	}

	if sb.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d (this build supports %d)",
			sb.FormatVersion, CurrentFormatVersion)
	}
	if sb.PageSize < MinPageSize || sb.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page size %d out of range [%d..%d]",
			sb.PageSize, MinPageSize, MaxPageSize)
	}
	if sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", sb.PageSize)
	}
	if sb.FeatureFlags & ^SupportedFeatures != 0 {
		return nil, fmt.Errorf("unsupported feature flags: %016x", sb.FeatureFlags)
	}

	return sb, nil
}

// NewSuperblock creates a default Superblock for a new database.
func NewSuperblock(pageSize uint32) *Superblock {
	return &Superblock{
		FormatVersion:  CurrentFormatVersion,
		PageSize:       pageSize,
		PageCount:      1, // only superblock so far
		FeatureFlags:   0,
		VarDirRoot:     InvalidPageID,
		FirstTombstone: InvalidPageID,
		CheckpointLSN:  0,
		NextTxID:       1,
		NextPageID:     1, // page 0 is superblock
		MasterLSN:      0,
	}
}
