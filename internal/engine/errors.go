package engine

import "errors"

var (
	ErrConstraint          = errors.New("constraint error")
	ErrData                = errors.New("data error")
	ErrNotFound            = errors.New("not found")
	ErrVersion             = errors.New("version error")
	ErrInvalidState        = errors.New("invalid state")
	ErrTransactionInactive = errors.New("transaction inactive")
	ErrReadOnly            = errors.New("transaction is read-only")
	ErrAborted             = errors.New("transaction aborted")
	ErrClosed              = errors.New("connection closed")
	ErrBlocked             = errors.New("open blocked by another connection")
)
