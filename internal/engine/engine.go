package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/rptdb/rptdb/internal/lockmgr"
	"github.com/rptdb/rptdb/internal/pager"
	"github.com/rptdb/rptdb/internal/rpt"
)

// Engine is the top-level façade a caller drives: it owns the pager, the
// lock manager, and the scheduler, and exposes variable CRUD plus seeked
// read/insert/remove/write under transactional, lock-protected cursors.
type Engine struct {
	cfg Config
	p   *pager.Pager
	lm  *lockmgr.Manager
	sch *Scheduler
}

// Open opens (or creates) the database and WAL files named in cfg, runs
// crash recovery if needed, and starts the maintenance scheduler.
func Open(cfg Config) (*Engine, error) {
	p, err := pager.OpenPager(cfg.pagerConfig())
	if err != nil {
		return nil, fmt.Errorf("open pager: %w", err)
	}
	e := &Engine{
		cfg: cfg,
		p:   p,
		lm:  lockmgr.New(cfg.LockWaitTimeout),
	}
	e.sch = NewScheduler(e)
	e.sch.Start()
	return e, nil
}

// Close stops the scheduler and closes the pager, checkpointing first.
func (e *Engine) Close() error {
	e.sch.Stop()
	return e.p.Close()
}

// Txn is a handle bundling a pager transaction ID with a trace UUID for
// log correlation across a request's lifetime.
type Txn struct {
	ID    pager.TxID
	Trace uuid.UUID
}

// Begin starts a new transaction and stamps it with a trace UUID.
func (e *Engine) Begin() (*Txn, error) {
	txID, err := e.p.BeginTxn()
	if err != nil {
		return nil, err
	}
	tx := &Txn{ID: txID, Trace: uuid.New()}
	log.Printf("trace=%s txn=%d begin", tx.Trace, tx.ID)
	return tx, nil
}

// Commit durably commits tx, then releases every lock it holds — strict
// 2PL requires the release to happen only after the commit record is
// forced to the WAL, which is exactly the order pager.Commit enforces by
// calling releaseLocks between its COMMIT and END records.
func (e *Engine) Commit(tx *Txn) error {
	err := e.p.Commit(tx.ID, func() error {
		e.lm.UnlockAll(tx.ID)
		return nil
	})
	log.Printf("trace=%s txn=%d commit err=%v", tx.Trace, tx.ID, err)
	return err
}

// Abort rolls tx back and releases its locks.
func (e *Engine) Abort(tx *Txn) error {
	err := e.p.Rollback(tx.ID)
	e.lm.UnlockAll(tx.ID)
	log.Printf("trace=%s txn=%d abort err=%v", tx.Trace, tx.ID, err)
	return err
}

// ───────────────────────────────────────────────────────────────────────
// Variable CRUD
// ───────────────────────────────────────────────────────────────────────

// CreateVariable declares a new named variable of elemSize-byte elements
// tagged typeTag, backed by a fresh empty rope-plus-tree.
func (e *Engine) CreateVariable(ctx context.Context, tx *Txn, name string, elemSize uint32, typeTag uint8) error {
	if err := e.lm.Lock(ctx, tx.ID, lockmgr.VarNextLock, lockmgr.X); err != nil {
		return err
	}
	if err := e.lm.Lock(ctx, tx.ID, lockmgr.Var(name), lockmgr.X); err != nil {
		return err
	}
	root, err := rpt.CreateEmpty(e.p, tx.ID)
	if err != nil {
		return err
	}
	return e.p.CreateVariable(tx.ID, pager.VarEntry{
		Name:     name,
		ElemSize: elemSize,
		TypeTag:  typeTag,
		RPTRoot:  root,
		TotalLen: 0,
	})
}

// DeleteVariable removes a named variable's catalog entry. The backing
// tree's leaf and inner pages are not freed: nothing adds them to the
// tombstone free list, so they stay allocated in the file.
func (e *Engine) DeleteVariable(ctx context.Context, tx *Txn, name string) error {
	if err := e.lm.Lock(ctx, tx.ID, lockmgr.Var(name), lockmgr.X); err != nil {
		return err
	}
	return e.p.DeleteVariable(tx.ID, name)
}

// ListVariables returns every currently-registered variable's catalog
// entry, for inspection tooling.
func (e *Engine) ListVariables() ([]pager.VarEntry, error) {
	return e.p.ListVariables()
}

// ───────────────────────────────────────────────────────────────────────
// Cursor operations
// ───────────────────────────────────────────────────────────────────────

// Cursor is a lock-protected handle onto one variable's byte stream,
// scoped to a single transaction.
type Cursor struct {
	e      *Engine
	tx     *Txn
	entry  pager.VarEntry
	cursor *rpt.Cursor
}

// OpenCursor acquires the intent lock matching mode (IS or IX) on name's
// VAR lock and mode itself on its RPTREE lock, and returns a cursor
// seeked nowhere yet.
func (e *Engine) OpenCursor(ctx context.Context, tx *Txn, name string, mode lockmgr.Mode) (*Cursor, error) {
	if err := e.lm.Lock(ctx, tx.ID, lockmgr.Var(name), intentFor(mode)); err != nil {
		return nil, err
	}
	entry, ok, err := e.p.LookupVariable(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("variable %q does not exist", name)
	}
	if err := e.lm.Lock(ctx, tx.ID, lockmgr.RPTree(name, entry.RPTRoot), mode); err != nil {
		return nil, err
	}
	return &Cursor{e: e, tx: tx, entry: entry, cursor: rpt.NewCursor(e.p, tx.ID, entry.RPTRoot, entry.TotalLen)}, nil
}

// intentFor returns the intent mode a caller must hold on the parent VAR
// identity before taking mode directly on its RPTREE child.
func intentFor(mode lockmgr.Mode) lockmgr.Mode {
	switch mode {
	case lockmgr.S:
		return lockmgr.IS
	default:
		return lockmgr.IX
	}
}

// Seek positions the cursor at byte offset gidx within the variable.
func (c *Cursor) Seek(gidx uint64) error { return c.cursor.Seek(gidx) }

// Read returns up to maxNread bytes from the cursor's current position,
// striding by bsize-byte elements spaced stride elements apart (stride=1
// reads contiguously) per spec.md §4.6.3.
func (c *Cursor) Read(maxNread, bsize, stride int) ([]byte, error) {
	return c.cursor.Read(maxNread, bsize, stride)
}

// Insert writes data at the cursor's current position and persists the
// variable's new root/length back to the catalog.
func (c *Cursor) Insert(data []byte) error {
	if err := c.cursor.Insert(data); err != nil {
		return err
	}
	return c.sync()
}

// Remove deletes striding bsize-byte elements at the cursor's current
// position (up to maxRemove bytes, spaced stride elements apart) and
// persists the variable's new root/length back to the catalog. Returns
// the removed bytes in order.
func (c *Cursor) Remove(maxRemove, bsize, stride int) ([]byte, error) {
	removed, err := c.cursor.Remove(maxRemove, bsize, stride)
	if err != nil {
		return nil, err
	}
	if err := c.sync(); err != nil {
		return nil, err
	}
	return removed, nil
}

// Write overwrites striding bsize-byte elements at the cursor's current
// position (up to maxWrite bytes, spaced stride elements apart) with data,
// and persists the variable's new root/length back to the catalog.
func (c *Cursor) Write(data []byte, maxWrite, bsize, stride int) error {
	if err := c.cursor.Write(data, maxWrite, bsize, stride); err != nil {
		return err
	}
	return c.sync()
}

func (c *Cursor) sync() error {
	return c.e.p.UpdateVariableRoot(c.tx.ID, c.entry.Name, c.cursor.Root(), c.cursor.TotalSize())
}

// Pager exposes the underlying pager for tooling (inspect, checkpoint
// commands) that needs superblock/page-level detail beyond variable CRUD.
func (e *Engine) Pager() *pager.Pager { return e.p }

// Locks exposes the underlying lock manager for tests and tooling.
func (e *Engine) Locks() *lockmgr.Manager { return e.lm }
