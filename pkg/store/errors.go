package store

import "errors"

var (
	ErrNotFound            = errors.New("store: not found")
	ErrAlreadyExists       = errors.New("store: already exists")
	ErrNoSpace             = errors.New("store: no space left")
	ErrNotAllocated        = errors.New("store: range is not allocated")
	ErrAllocatorLockNeeded = errors.New("store: allocating needs the root volume txn lock")
	ErrUnderflow           = errors.New("store: allocated bytes would go negative")
	ErrClosed              = errors.New("store: closed")
	ErrInvalidLength       = errors.New("store: invalid length")
)
