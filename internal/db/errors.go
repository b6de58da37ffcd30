package db

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by this package is an *Error whose Kind is
// one of these, so errors.Is(err, ErrTimeout) identifies a timeout. The
// engine cause stays reachable too: errors.Is(err, engine.ErrConstraint).
var (
	ErrOpen        = errors.New("open error")
	ErrBlocked     = errors.New("upgrade blocked")
	ErrUpgrade     = errors.New("upgrade error")
	ErrOperation   = errors.New("operation error")
	ErrTransaction = errors.New("transaction error")
	ErrTimeout     = errors.New("timeout")
)

// Error describes a failed open, upgrade, operation or transaction.
type Error struct {
	Kind   error
	Op     string
	Stores []string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if len(e.Stores) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Stores, ","))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
