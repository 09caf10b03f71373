package source

// package source produces the images that the server processes

import (
	"context"

	"github.com/bmharper/cimg/v2"
)

// Frame is one image pulled from a Source
type Frame struct {
	Image   *cimg.Image // nil if the image could not be decoded
	Stem    string      // Base name for the output files
	Path    string      // Where the image now lives on disk, or empty if it never touched the disk
	ROIPath string      // The ROI file that accompanied the image, if any
}

// Usable returns true if the frame holds pixels
func (f *Frame) Usable() bool {
	return f != nil && f.Image != nil && f.Image.Width != 0 && f.Image.Height != 0
}

// Source is a directory or a camera.
// Sources are not safe for concurrent use.
type Source interface {
	// Next returns the next frame, or nil if there is nothing available right now.
	// Errors are fatal. Transient problems such as a file that can't be decoded
	// are reported through Frame.
	Next() (*Frame, error)

	// Wait is called after Next has returned nil, to avoid spinning.
	// It returns early if ctx is done.
	Wait(ctx context.Context)

	Close() error
}
