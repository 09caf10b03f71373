package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/imgio"
	"github.com/cyclopcam/nnserver/pkg/iox"
	"github.com/cyclopcam/nnserver/pkg/roi"
	"github.com/fsnotify/fsnotify"
)

const DefaultPollInterval = time.Second

type DirectoryOptions struct {
	Input        string        // Inbox
	Output       string        // Outbox. Images are moved here before they are decoded.
	MoveROI      bool          // Move the .roi file along with its image
	PollInterval time.Duration // How long Wait sleeps if there are no filesystem notifications
	DisableWatch bool          // Don't use fsnotify. Wait always sleeps for PollInterval.

	// Files modified more recently than this are still being written, and are left
	// in the inbox for a later poll. Zero means PollInterval.
	SettleTime time.Duration
}

// Directory takes images out of an inbox directory.
// Every image is renamed into the outbox before it is decoded, so that no image
// is ever processed twice, even if we crash while processing it.
type Directory struct {
	Now func() time.Time // Overridable for tests

	log     logs.Log
	options DirectoryOptions
	watcher *fsnotify.Watcher

	// Cursor over the inbox. Rebuilt whenever it is exhausted.
	entries []string
	pos     int

	// Files that we failed to move out of the inbox. We don't try them again.
	stuck map[string]bool
}

func NewDirectory(log logs.Log, options DirectoryOptions) (*Directory, error) {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.SettleTime <= 0 {
		options.SettleTime = options.PollInterval
	}
	st, err := os.Stat(options.Input)
	if err != nil {
		return nil, fmt.Errorf("Input directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("Input '%v' is not a directory", options.Input)
	}
	if err := os.MkdirAll(options.Output, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create output directory: %w", err)
	}
	d := &Directory{
		Now:     time.Now,
		log:     log,
		options: options,
		stuck:   map[string]bool{},
	}
	if !options.DisableWatch {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			err = watcher.Add(options.Input)
			if err != nil {
				watcher.Close()
			}
		}
		if err != nil {
			log.Warnf("Unable to watch %v (%v). Falling back to polling every %v", options.Input, err, options.PollInterval)
		} else {
			d.watcher = watcher
		}
	}
	return d, nil
}

func (d *Directory) Close() error {
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *Directory) rebuild() error {
	entries, err := os.ReadDir(d.options.Input)
	if err != nil {
		return fmt.Errorf("Failed to read input directory: %w", err)
	}
	d.entries = d.entries[:0]
	for _, e := range entries {
		d.entries = append(d.entries, e.Name())
	}
	d.pos = 0
	return nil
}

func (d *Directory) Next() (*Frame, error) {
	settled := d.Now().Add(-d.options.SettleTime)
	rebuilt := false
	for {
		if d.pos >= len(d.entries) {
			if rebuilt {
				return nil, nil
			}
			if err := d.rebuild(); err != nil {
				return nil, err
			}
			rebuilt = true
			continue
		}
		name := d.entries[d.pos]
		d.pos++

		// ROI files are only consumed alongside their image
		if strings.HasPrefix(name, ".") || roi.IsSidecar(name) || d.stuck[name] {
			continue
		}

		src := filepath.Join(d.options.Input, name)
		// Stat follows symbolic links
		st, err := os.Stat(src)
		if errors.Is(err, fs.ErrNotExist) {
			d.log.Debugf("%v disappeared before we could claim it", src)
			continue
		} else if errors.Is(err, fs.ErrPermission) {
			continue
		} else if err != nil {
			d.log.Warnf("Skipping %v: %v", src, err)
			continue
		}
		if !st.Mode().IsRegular() {
			continue
		}
		if st.ModTime().After(settled) {
			d.log.Debugf("%v is still being written", src)
			continue
		}

		frame, err := d.claim(name)
		if errors.Is(err, fs.ErrNotExist) {
			d.log.Debugf("%v disappeared before we could claim it", src)
			continue
		} else if err != nil {
			d.log.Errorf("Failed to move %v to %v: %v", src, d.options.Output, err)
			d.stuck[name] = true
			continue
		}
		return frame, nil
	}
}

// Move the file into the outbox, and then decode it
func (d *Directory) claim(name string) (*Frame, error) {
	src := filepath.Join(d.options.Input, name)
	dst := filepath.Join(d.options.Output, name)
	if err := iox.MoveFile(src, dst); err != nil {
		return nil, err
	}
	frame := &Frame{
		Stem: strings.TrimSuffix(name, filepath.Ext(name)),
		Path: dst,
	}

	if d.options.MoveROI {
		srcROI := roi.SidecarPath(src)
		dstROI := roi.SidecarPath(dst)
		if err := iox.MoveFile(srcROI, dstROI); err == nil {
			frame.ROIPath = dstROI
		} else if !errors.Is(err, fs.ErrNotExist) {
			d.log.Warnf("Failed to move %v: %v", srcROI, err)
		}
	}

	img, err := imgio.ReadFile(dst)
	if err != nil {
		d.log.Warnf("Skipping %v: %v", dst, err)
		return frame, nil
	}
	frame.Image = img
	return frame, nil
}

// Wait until the poll interval expires, or something changes inside the inbox
func (d *Directory) Wait(ctx context.Context) {
	timer := time.NewTimer(d.options.PollInterval)
	defer timer.Stop()
	if d.watcher == nil {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			// Our own claims show up as Rename, so we ignore those
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				return
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warnf("Inbox watcher: %v", err)
		}
	}
}
