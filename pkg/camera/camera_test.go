package camera

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// fakeCapture plays back a fixed list of frames. A nil entry is a failed read.
type fakeCapture struct {
	frames []*gocv.Mat
	closed bool
}

func (f *fakeCapture) Read(m *gocv.Mat) bool {
	if len(f.frames) == 0 {
		return false
	}
	next := f.frames[0]
	f.frames = f.frames[1:]
	if next == nil {
		return false
	}
	next.CopyTo(m)
	return true
}

func (f *fakeCapture) Close() error {
	f.closed = true
	return nil
}

// A solid BGR frame
func solidFrame(t *testing.T, width, height int, b, g, r byte) *gocv.Mat {
	pix := make([]byte, width*height*3)
	for i := 0; i < len(pix); i += 3 {
		pix[i], pix[i+1], pix[i+2] = b, g, r
	}
	m, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, pix)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &m
}

func TestNextNumbersFrames(t *testing.T) {
	fake := &fakeCapture{
		frames: []*gocv.Mat{
			solidFrame(t, 32, 24, 0, 0, 255),
			nil,
			solidFrame(t, 32, 24, 255, 0, 0),
		},
	}
	cam := newCamera(logs.NewTestingLog(t), Options{Name: "fake"}, fake)

	f, err := cam.Next()
	require.NoError(t, err)
	require.True(t, f.Usable())
	require.Equal(t, "frame_0", f.Stem)
	require.Equal(t, "", f.Path)
	require.Equal(t, 32, f.Image.Width)
	require.Equal(t, 24, f.Image.Height)
	// BGR red comes out as RGB red
	require.Equal(t, []byte{255, 0, 0}, f.Image.Pixels[0:3])

	// A failed read is not a frame, and does not consume a number
	f, err = cam.Next()
	require.NoError(t, err)
	require.Nil(t, f)

	f, err = cam.Next()
	require.NoError(t, err)
	require.Equal(t, "frame_1", f.Stem)
	require.Equal(t, []byte{0, 0, 255}, f.Image.Pixels[0:3])

	f, err = cam.Next()
	require.NoError(t, err)
	require.Nil(t, f)

	require.NoError(t, cam.Close())
	require.True(t, fake.closed)
}

func TestSaveOriginal(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeCapture{frames: []*gocv.Mat{solidFrame(t, 16, 16, 10, 20, 30)}}
	cam := newCamera(logs.NewTestingLog(t), Options{Name: "fake", SaveOriginal: true, OutputDirectory: dir}, fake)
	defer cam.Close()

	f, err := cam.Next()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "frame_0.jpg"), f.Path)
	require.FileExists(t, f.Path)
}

func TestSaveOriginalFailure(t *testing.T) {
	// The output "directory" is a regular file, so the JPEG can't be written
	notDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0644))
	fake := &fakeCapture{frames: []*gocv.Mat{solidFrame(t, 16, 16, 10, 20, 30)}}
	cam := newCamera(logs.NewTestingLog(t), Options{Name: "fake", SaveOriginal: true, OutputDirectory: notDir}, fake)
	defer cam.Close()

	// The frame is still delivered, it just never touched the disk
	f, err := cam.Next()
	require.NoError(t, err)
	require.True(t, f.Usable())
	require.Equal(t, "", f.Path)
}

func TestWaitBacksOff(t *testing.T) {
	cam := newCamera(logs.NewTestingLog(t), Options{Name: "fake", Backoff: 20 * time.Millisecond}, &fakeCapture{})
	defer cam.Close()

	start := time.Now()
	cam.Wait(context.Background())
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cam = newCamera(logs.NewTestingLog(t), Options{Name: "fake", Backoff: time.Hour}, &fakeCapture{})
	defer cam.Close()
	start = time.Now()
	cam.Wait(ctx)
	require.Less(t, time.Since(start), time.Second)
}
