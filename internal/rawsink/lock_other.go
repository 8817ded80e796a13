//go:build !unix

package rawsink

import "os"

// Advisory locks are unavailable; a single sink per raw root is assumed.
func tryLock(_ *os.File) (bool, error) { return true, nil }

func unlock(_ *os.File) error { return nil }
