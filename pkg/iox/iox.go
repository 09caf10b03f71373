package iox

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func WriteStreamToFile(dstFilename string, src io.Reader) error {
	dstFile, err := os.Create(dstFilename)
	if err != nil {
		return err
	}
	defer dstFile.Close()
	_, err = io.Copy(dstFile, src)
	if err != nil {
		dstFile.Close()
		os.Remove(dstFilename)
		return err
	}
	return dstFile.Close()
}

// MoveFile renames src to dst. If they live on different filesystems, then src is
// copied to a temporary file next to dst, which is renamed into place before src is
// deleted. dst therefore never exists in a partially written state.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	if err := WriteStreamToFile(tmp, in); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
