package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
)

// StoreFS archives into a local directory
type StoreFS struct {
	Root string
	log  logs.Log
}

func NewStoreFS(log logs.Log, root string) (*StoreFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create archive directory %v (relative path %v): %w", absRoot, root, err)
	}
	return &StoreFS{
		Root: absRoot,
		log:  log,
	}, nil
}

func (s *StoreFS) path(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, filepath.FromSlash(name)), nil
}

func (s *StoreFS) Create(name string) (io.WriteCloser, error) {
	fn, err := s.path(name)
	if err != nil {
		return nil, err
	}
	s.log.Debugf("Archiving %v", fn)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return nil, err
	}
	return os.Create(fn)
}

func (s *StoreFS) Size(name string) (int64, error) {
	fn, err := s.path(name)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(fn)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (s *StoreFS) Remove(name string) error {
	fn, err := s.path(name)
	if err != nil {
		return err
	}
	s.log.Warnf("Removing archived file %v", fn)
	return os.Remove(fn)
}
