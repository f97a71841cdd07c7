package tree

import "errors"

var (
	ErrAlreadyExists = errors.New("tree: item already exists")
)
