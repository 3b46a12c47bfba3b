//go:build !unix

package audit

import (
	"fmt"
	"os"
)

// lockFile creates the lock file but cannot lock it on this platform;
// single-writer discipline is up to the caller.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	return f.Close()
}
