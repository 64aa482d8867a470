package pager

import (
	"github.com/pkg/errors"
)

// Code is a stable error discriminator a caller can switch on. Errors built
// by wrapErr/newErr carry a Code that ErrCode extracts; other errors from
// this package (plain fmt errors) yield CodeNone.
type Code uint8

const (
	CodeNone Code = iota
	CodeIO
	CodeCorrupt
	CodeNoMem
	CodePagerFull
	CodeTxnFull
	CodeDPTFull
	CodePageOutOfRange
	CodeNoTxn
	CodeInvalidArgument
	CodeArith
)

func (c Code) String() string {
	switch c {
	case CodeIO:
		return "IO"
	case CodeCorrupt:
		return "CORRUPT"
	case CodeNoMem:
		return "NOMEM"
	case CodePagerFull:
		return "PAGER_FULL"
	case CodeTxnFull:
		return "TXN_FULL"
	case CodeDPTFull:
		return "DPGT_FULL"
	case CodePageOutOfRange:
		return "PG_OUT_OF_RANGE"
	case CodeNoTxn:
		return "NO_TXN"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeArith:
		return "ARITH"
	default:
		return "NONE"
	}
}

// codedError pairs a discriminator with a pkg/errors-wrapped trail so debug
// builds keep a location-annotated stack while release callers only ever
// need to compare the Code.
type codedError struct {
	code Code
	err  error
}

func (e *codedError) Error() string { return e.code.String() + ": " + e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }
func (e *codedError) Code() Code    { return e.code }

// wrapErr annotates err with a Code and a pkg/errors stack trail.
func wrapErr(code Code, err error, msg string) error {
	return &codedError{code: code, err: errors.WithMessage(errors.WithStack(err), msg)}
}

// newErr builds a fresh coded error without an underlying cause.
func newErr(code Code, msg string) error {
	return &codedError{code: code, err: errors.New(msg)}
}

// ErrCode extracts the Code from an error produced by this package, or
// CodeNone if err does not carry one.
func ErrCode(err error) Code {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return CodeNone
}

var (
	// ErrNoTxn is returned when an operation requiring an active transaction
	// is invoked with none bound.
	ErrNoTxn = newErr(CodeNoTxn, "no active transaction")
	// ErrPagerFull is returned when NextPageID would overflow PageID's range.
	ErrPagerFull = newErr(CodePagerFull, "pager out of page IDs")
	// ErrTxnTableFull is returned when the active transaction table has no
	// room for a new transaction.
	ErrTxnTableFull = newErr(CodeTxnFull, "active transaction table full")
	// ErrDirtyTableFull is returned when the dirty page table has no room
	// for a new entry.
	ErrDirtyTableFull = newErr(CodeDPTFull, "dirty page table full")
	// ErrPageOutOfRange carries CodePageOutOfRange. No function in this
	// package returns it: reading a PageID beyond NextPageID surfaces as an
	// IO error from the file read instead.
	ErrPageOutOfRange = newErr(CodePageOutOfRange, "page id out of range")
)
