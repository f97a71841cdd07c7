package wal

import "errors"

var (
	ErrClosed       = errors.New("wal: journal closed")
	ErrCorrupted    = errors.New("wal: corrupted record")
	ErrRecordTooBig = errors.New("wal: record too large")
)
