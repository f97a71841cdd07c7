package txn

import "errors"

var (
	ErrNoSpace   = errors.New("txn: not enough space reserved")
	ErrFinished  = errors.New("txn: transaction already committed or dropped")
	ErrEmptyLock = errors.New("txn: transaction needs at least one txn lock")
)
