package archive

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/kibi"
)

// Archiver copies the files of each batch into a Store, under <prefix>/batch_<n>/
type Archiver struct {
	log    logs.Log
	store  Store
	prefix string
}

func NewArchiver(log logs.Log, store Store, prefix string) *Archiver {
	return &Archiver{
		log:    log,
		store:  store,
		prefix: prefix,
	}
}

// BatchName returns the blob name of a file in the given batch
func (a *Archiver) BatchName(batch int64, filename string) string {
	return path.Join(a.prefix, fmt.Sprintf("batch_%v", batch), filepath.Base(filename))
}

// ArchiveBatch copies every file to storage. A failure on one file does not stop the others.
// Returns the number of files archived, and all of the errors encountered.
func (a *Archiver) ArchiveBatch(batch int64, files []string) (int, error) {
	var errs []error
	n := 0
	total := int64(0)
	for _, fn := range files {
		size, err := a.archiveFile(batch, fn)
		if err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", fn, err))
			continue
		}
		total += size
		n++
	}
	a.log.Infof("Archived %v/%v files of batch %v (%v)", n, len(files), batch, kibi.FormatBytes(total))
	return n, errors.Join(errs...)
}

func (a *Archiver) archiveFile(batch int64, filename string) (int64, error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Put(a.store, a.BatchName(batch, filename), f)
}
