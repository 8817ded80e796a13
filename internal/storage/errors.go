package storage

import "fmt"

// StorageError reports a failed filesystem operation on the lake. The sink
// treats it as fatal; the compactor fails the affected partition.
type StorageError struct {
	Op   string // open, write, flush, sync, rename, mkdir, remove
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise a *StorageError.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}
