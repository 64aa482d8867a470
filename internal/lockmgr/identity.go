package lockmgr

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/rptdb/rptdb/internal/pager"
)

// Type selects a lock identity's hash flavor and its place in the
// acquisition hierarchy.
type Type uint8

const (
	// DB is the hierarchy root — every other lock implicitly acquires DB
	// in the appropriate intent mode first.
	DB Type = iota
	// ROOT guards the superblock's root-of-everything bookkeeping.
	ROOT
	// FSTMBST guards the head of the tombstone free-page chain.
	FSTMBST
	// MSLSN guards the checkpoint master LSN field.
	MSLSN
	// VHP guards one variable-hash-directory page.
	VHP
	// VHPOS guards one bucket slot within the directory.
	VHPOS
	// VAR guards one named variable's catalog entry (root pgno, length).
	VAR
	// VARNEXT guards the variable-count / next-slot allocation counter.
	VARNEXT
	// RPTREE guards one variable's rope-plus-tree contents; its parent is
	// that variable's VAR lock, not DB directly.
	RPTREE
	// TMBST guards one tombstone page's free-list contents.
	TMBST
)

func (t Type) String() string {
	switch t {
	case DB:
		return "DB"
	case ROOT:
		return "ROOT"
	case FSTMBST:
		return "FSTMBST"
	case MSLSN:
		return "MSLSN"
	case VHP:
		return "VHP"
	case VHPOS:
		return "VHPOS"
	case VAR:
		return "VAR"
	case VARNEXT:
		return "VAR_NEXT"
	case RPTREE:
		return "RPTREE"
	case TMBST:
		return "TMBST"
	default:
		return "?"
	}
}

// ID is a lock identity: a type tag plus a typed payload. Page-scoped
// types (ROOT, FSTMBST, MSLSN, VHP, VHPOS, TMBST) carry a page number in
// Page; name-scoped types (VAR) carry the variable's name; RPTREE carries
// both its root page and its owning variable's name. DB and VARNEXT carry
// neither — there is exactly one of each in a database.
type ID struct {
	Type Type
	Page pager.PageID
	Name string
}

// DBLock is the single well-known identity for the whole-database lock.
var DBLock = ID{Type: DB}

// VarNextLock is the single well-known identity for the variable-count
// allocation counter.
var VarNextLock = ID{Type: VARNEXT}

// Var builds the identity for a named variable's catalog entry.
func Var(name string) ID { return ID{Type: VAR, Name: name} }

// RPTree builds the identity for a variable's rope-plus-tree, scoped by
// its root page so distinct variables never collide even if the caller
// forgets the name.
func RPTree(name string, root pager.PageID) ID { return ID{Type: RPTREE, Page: root, Name: name} }

// Page builds the identity for a page-scoped lock type (FSTMBST, MSLSN,
// VHP, VHPOS, TMBST, ROOT).
func Page(t Type, pgno pager.PageID) ID { return ID{Type: t, Page: pgno} }

// parent returns the identity this one's intent lock must be obtained
// under first, and whether one exists. Every type's parent is DB except
// RPTREE, whose parent is the owning variable's VAR lock — a tree can't
// be touched without first declaring intent on the variable that owns it.
func (id ID) parent() (ID, bool) {
	switch id.Type {
	case DB:
		return ID{}, false
	case RPTREE:
		return Var(id.Name), true
	default:
		return DBLock, true
	}
}

// hash computes the FNV-1a hash of the identity's (type, payload) byte
// encoding, matching the spec's "hash is FNV-1a over (type, payload
// bytes)" contract.
func (id ID) hash() uint32 {
	h := fnv.New32a()
	var buf [9]byte
	buf[0] = byte(id.Type)
	binary.LittleEndian.PutUint32(buf[1:], uint32(id.Page))
	h.Write(buf[:5])
	if id.Name != "" {
		h.Write([]byte(id.Name))
	}
	return h.Sum32()
}
