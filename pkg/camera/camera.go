package camera

// package camera pulls frames from a local capture device or a video stream, through OpenCV

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/imgio"
	"github.com/cyclopcam/nnserver/pkg/source"
	"gocv.io/x/gocv"
)

// How long to wait after an empty frame
const DefaultBackoff = time.Second

// JPEG quality of saved raw frames
const OriginalQuality = 95

type Options struct {
	Name            string // Device path (eg /dev/video0), device index (eg "0"), or stream URL
	Width           int
	Height          int
	FPS             int
	BufferSize      int
	SaveOriginal    bool   // Write every frame to OutputDirectory/frame_<n>.jpg
	OutputDirectory string // Required if SaveOriginal is true
	Backoff         time.Duration
}

var _ source.Source = (*Camera)(nil)

// The part of gocv.VideoCapture that we read frames from
type capture interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Camera is a source.Source that reads from an OpenCV VideoCapture
type Camera struct {
	log     logs.Log
	options Options
	capture capture
	bgr     gocv.Mat
	rgb     gocv.Mat
	nFrames int64 // Number of non-empty frames returned so far
}

// Open the capture device, and apply the requested settings.
// The device may not honor our requests exactly, so we log what it actually chose.
func Open(log logs.Log, options Options) (*Camera, error) {
	var capture *gocv.VideoCapture
	var err error
	if index, e := strconv.Atoi(options.Name); e == nil {
		capture, err = gocv.VideoCaptureDevice(index)
	} else {
		capture, err = gocv.OpenVideoCapture(options.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to open camera '%v': %w", options.Name, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("Failed to open camera '%v'", options.Name)
	}

	if options.BufferSize > 0 {
		capture.Set(gocv.VideoCaptureBufferSize, float64(options.BufferSize))
	}
	if options.Width > 0 && options.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(options.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(options.Height))
	}
	if options.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(options.FPS))
	}

	c := newCamera(log, options, capture)

	log.Infof("Camera %v: requested %v x %v @ %v fps (buffer %v), device reports %v x %v @ %v fps (buffer %v)",
		options.Name,
		options.Width, options.Height, options.FPS, options.BufferSize,
		capture.Get(gocv.VideoCaptureFrameWidth), capture.Get(gocv.VideoCaptureFrameHeight),
		capture.Get(gocv.VideoCaptureFPS), capture.Get(gocv.VideoCaptureBufferSize))

	// The first frame tells us the true resolution
	if capture.Read(&c.bgr) && !c.bgr.Empty() {
		log.Infof("Camera %v: frame size is %v x %v", options.Name, c.bgr.Cols(), c.bgr.Rows())
	} else {
		log.Warnf("Camera %v: unable to read a frame", options.Name)
	}

	return c, nil
}

func newCamera(log logs.Log, options Options, vc capture) *Camera {
	if options.Backoff <= 0 {
		options.Backoff = DefaultBackoff
	}
	return &Camera{
		log:     log,
		options: options,
		capture: vc,
		bgr:     gocv.NewMat(),
		rgb:     gocv.NewMat(),
	}
}

func (c *Camera) Close() error {
	c.bgr.Close()
	c.rgb.Close()
	return c.capture.Close()
}

func (c *Camera) Next() (*source.Frame, error) {
	if !c.capture.Read(&c.bgr) || c.bgr.Empty() {
		return nil, nil
	}
	img := c.toImage()
	if img == nil {
		return nil, nil
	}
	frame := &source.Frame{
		Image: img,
		Stem:  fmt.Sprintf("frame_%v", c.nFrames),
	}
	c.nFrames++
	if c.options.SaveOriginal {
		fn := filepath.Join(c.options.OutputDirectory, frame.Stem+".jpg")
		if err := imgio.WriteJPEG(fn, img, OriginalQuality); err != nil {
			c.log.Errorf("Failed to save %v: %v", fn, err)
		} else {
			frame.Path = fn
		}
	}
	return frame, nil
}

// Convert the OpenCV BGR frame into an RGB image that we own
func (c *Camera) toImage() *cimg.Image {
	switch c.bgr.Channels() {
	case 3:
		gocv.CvtColor(c.bgr, &c.rgb, gocv.ColorBGRToRGB)
	case 4:
		gocv.CvtColor(c.bgr, &c.rgb, gocv.ColorBGRAToRGB)
	case 1:
		// Gray to BGR is the same as gray to RGB
		gocv.CvtColor(c.bgr, &c.rgb, gocv.ColorGrayToBGR)
	default:
		c.log.Warnf("Camera %v: unsupported frame with %v channels", c.options.Name, c.bgr.Channels())
		return nil
	}
	width, height := c.rgb.Cols(), c.rgb.Rows()
	// ToBytes returns a copy of the pixels
	pixels := c.rgb.ToBytes()
	if len(pixels) != width*height*3 {
		c.log.Warnf("Camera %v: unexpected frame layout", c.options.Name)
		return nil
	}
	return cimg.WrapImage(width, height, cimg.PixelFormatRGB, pixels)
}

// Wait backs off after an empty frame, to give the device a chance to recover
func (c *Camera) Wait(ctx context.Context) {
	timer := time.NewTimer(c.options.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
