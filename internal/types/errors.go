package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures by the component that produced them.
type ErrorKind string

const (
	KindConfig      ErrorKind = "config"
	KindSelection   ErrorKind = "selection"
	KindArchive     ErrorKind = "archive"
	KindCompression ErrorKind = "compression"
	KindCrypto      ErrorKind = "crypto"
	KindTransfer    ErrorKind = "transfer"
	KindLedger      ErrorKind = "ledger"
)

// Error carries the component kind and the context of a failed operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Job  string
	Path string
	Err  error
}

// NewError builds an Error for op, wrapping err.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithJob sets the job name and returns the receiver.
func (e *Error) WithJob(job string) *Error {
	e.Job = job
	return e
}

// WithPath sets the path and returns the receiver.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Job != "" {
		fmt.Fprintf(&b, " [%s]", e.Job)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err (or anything it wraps) is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}
