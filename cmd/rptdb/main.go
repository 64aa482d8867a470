// Command rptdb is an administrative CLI for the embedded numeric-data
// store: create and inspect variables, seek/read/insert/remove their raw
// byte contents, and force a checkpoint. It talks to the engine directly
// — there is no query language here, just one subcommand per operation.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/rptdb/rptdb/internal/engine"
	"github.com/rptdb/rptdb/internal/lockmgr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create-var":
		err = runCreateVar(os.Args[2:])
	case "insert":
		err = runInsert(os.Args[2:])
	case "read":
		err = runRead(os.Args[2:])
	case "remove":
		err = runRemove(os.Args[2:])
	case "checkpoint":
		err = runCheckpoint(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "rptdb:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rptdb <command> [flags]

commands:
  create-var   declare a new variable
  insert       insert bytes at a byte offset
  read         read bytes from a byte offset
  remove       remove bytes at a byte offset
  checkpoint   force a checkpoint
  inspect      list variables and database size`)
}

func openEngine(dbPath string) (*engine.Engine, error) {
	cfg := engine.DefaultConfig(dbPath)
	return engine.Open(cfg)
}

func runCreateVar(args []string) error {
	fs := flag.NewFlagSet("create-var", flag.ExitOnError)
	db := fs.String("db", "", "database file path")
	name := fs.String("name", "", "variable name")
	elemSize := fs.Uint("elem-size", 4, "element size in bytes")
	typeTag := fs.Uint("type", 0, "type tag byte")
	fs.Parse(args)
	if *db == "" || *name == "" {
		return fmt.Errorf("create-var: -db and -name are required")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	tx, err := e.Begin()
	if err != nil {
		return err
	}
	if err := e.CreateVariable(ctx, tx, *name, uint32(*elemSize), uint8(*typeTag)); err != nil {
		e.Abort(tx)
		return err
	}
	if err := e.Commit(tx); err != nil {
		return err
	}
	fmt.Printf("created variable %q (elem size %d)\n", *name, *elemSize)
	return nil
}

func runInsert(args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	db := fs.String("db", "", "database file path")
	name := fs.String("var", "", "variable name")
	offset := fs.Uint64("offset", 0, "byte offset")
	hexData := fs.String("hex", "", "hex-encoded bytes to insert")
	fs.Parse(args)
	if *db == "" || *name == "" || *hexData == "" {
		return fmt.Errorf("insert: -db, -var, and -hex are required")
	}
	data, err := hex.DecodeString(*hexData)
	if err != nil {
		return fmt.Errorf("insert: decoding -hex: %w", err)
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	tx, err := e.Begin()
	if err != nil {
		return err
	}
	cur, err := e.OpenCursor(ctx, tx, *name, lockmgr.X)
	if err != nil {
		e.Abort(tx)
		return err
	}
	if err := cur.Seek(*offset); err != nil {
		e.Abort(tx)
		return err
	}
	if err := cur.Insert(data); err != nil {
		e.Abort(tx)
		return err
	}
	if err := e.Commit(tx); err != nil {
		return err
	}
	fmt.Printf("inserted %s at offset %d\n", humanize.Bytes(uint64(len(data))), *offset)
	return nil
}

func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	db := fs.String("db", "", "database file path")
	name := fs.String("var", "", "variable name")
	offset := fs.Uint64("offset", 0, "byte offset")
	length := fs.Int("len", 0, "max number of bytes to read")
	bsize := fs.Int("bsize", 1, "element size in bytes for striding")
	stride := fs.Int("stride", 1, "element spacing (1 = contiguous)")
	fs.Parse(args)
	if *db == "" || *name == "" || *length <= 0 {
		return fmt.Errorf("read: -db, -var, and -len are required")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	tx, err := e.Begin()
	if err != nil {
		return err
	}
	cur, err := e.OpenCursor(ctx, tx, *name, lockmgr.S)
	if err != nil {
		e.Abort(tx)
		return err
	}
	if err := cur.Seek(*offset); err != nil {
		e.Abort(tx)
		return err
	}
	data, err := cur.Read(*length, *bsize, *stride)
	if err != nil {
		e.Abort(tx)
		return err
	}
	if err := e.Commit(tx); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(data))
	return nil
}

func runRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	db := fs.String("db", "", "database file path")
	name := fs.String("var", "", "variable name")
	offset := fs.Uint64("offset", 0, "byte offset")
	length := fs.Int("len", 0, "max number of bytes to remove")
	bsize := fs.Int("bsize", 1, "element size in bytes for striding")
	stride := fs.Int("stride", 1, "element spacing (1 = contiguous)")
	fs.Parse(args)
	if *db == "" || *name == "" || *length <= 0 {
		return fmt.Errorf("remove: -db, -var, and -len are required")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	tx, err := e.Begin()
	if err != nil {
		return err
	}
	cur, err := e.OpenCursor(ctx, tx, *name, lockmgr.X)
	if err != nil {
		e.Abort(tx)
		return err
	}
	if err := cur.Seek(*offset); err != nil {
		e.Abort(tx)
		return err
	}
	removed, err := cur.Remove(*length, *bsize, *stride)
	if err != nil {
		e.Abort(tx)
		return err
	}
	if err := e.Commit(tx); err != nil {
		return err
	}
	fmt.Printf("removed %s at offset %d\n", humanize.Bytes(uint64(len(removed))), *offset)
	return nil
}

func runCheckpoint(args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	db := fs.String("db", "", "database file path")
	fs.Parse(args)
	if *db == "" {
		return fmt.Errorf("checkpoint: -db is required")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Pager().Checkpoint(); err != nil {
		return err
	}
	fmt.Println("checkpoint complete")
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	db := fs.String("db", "", "database file path")
	fs.Parse(args)
	if *db == "" {
		return fmt.Errorf("inspect: -db is required")
	}

	e, err := openEngine(*db)
	if err != nil {
		return err
	}
	defer e.Close()

	vars, err := e.ListVariables()
	if err != nil {
		return err
	}

	sb := e.Pager().Superblock()
	fmt.Printf("page size: %s\n", humanize.Bytes(uint64(e.Pager().PageSize())))
	fmt.Printf("page count: %s\n", humanize.Comma(int64(sb.PageCount)))
	fmt.Printf("variables (%d):\n", len(vars))
	for _, v := range vars {
		fmt.Printf("  %-20s elem=%d bytes=%s root=%d\n", v.Name, v.ElemSize, humanize.Bytes(v.TotalLen), v.RPTRoot)
	}
	return nil
}
