package archive

// package archive copies the files of each finished batch into a blob store

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrInvalidName = errors.New("Invalid blob name")
var ErrIncomplete = errors.New("Archived blob is incomplete")

// Store is a blob store that batches are archived into (a directory, or a GCS bucket).
// Blob names use forward slashes.
type Store interface {
	// Create opens the named blob for writing, replacing any existing blob.
	// The blob is only complete once the writer has been closed without error.
	Create(name string) (io.WriteCloser, error)

	// Size returns the size of a stored blob
	Size(name string) (int64, error)

	Remove(name string) error
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w '%v'", ErrInvalidName, name)
	}
	return nil
}

// Put copies content into the named blob, and checks that the store holds exactly
// the number of bytes that were written. An incomplete blob is removed.
func Put(s Store, name string, content io.Reader) (int64, error) {
	w, err := s.Create(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, content)
	if errClose := w.Close(); err == nil {
		err = errClose
	}
	if err == nil {
		var stored int64
		stored, err = s.Size(name)
		if err == nil && stored != n {
			err = fmt.Errorf("%w: wrote %v bytes, but %v are stored", ErrIncomplete, n, stored)
		}
	}
	if err != nil {
		s.Remove(name)
		return n, err
	}
	return n, nil
}
