package state

import (
	"errors"
	"fmt"
)

// ErrStateIO matches every failure to read or write the persisted mapping.
var ErrStateIO = errors.New("state: I/O failure")

// IOError wraps a persistence failure with the operation and file involved.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("state: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrStateIO, e.Err}
}
