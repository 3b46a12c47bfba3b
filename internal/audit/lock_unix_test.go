//go:build unix

package audit

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpen_SecondWriterIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.jsonl")
	l, err := Open(Options{LogPath: path})
	if err != nil {
		t.Fatal(err)
	}
	logN(t, l, 1)

	if _, err := Open(Options{LogPath: path}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open error = %v, want ErrLocked", err)
	}

	// Readers are not locked out.
	r, err := OpenReadOnly(Options{LogPath: path})
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	r.Close()

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	l2, err := Open(Options{LogPath: path})
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	l2.Close()
}

func TestOpen_FailureReleasesLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.jsonl")
	writeFile(t, path, "{\"not\":\"an entry\"}\n")
	if _, err := Open(Options{LogPath: path}); !errors.Is(err, ErrMalformedEntry) {
		t.Fatalf("Open error = %v, want ErrMalformedEntry", err)
	}

	lock, err := lockFile(path + ".lock")
	if err != nil {
		t.Fatalf("lock still held after failed Open: %v", err)
	}
	unlockFile(lock)
}
