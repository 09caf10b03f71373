package annotate

import (
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/nnserver/pkg/nn"
	"github.com/stretchr/testify/require"
)

func pixel(img *cimg.Image, x, y int) (r, g, b byte) {
	p := img.Pixels[y*img.Stride+x*3:]
	return p[0], p[1], p[2]
}

func TestROIOverlay(t *testing.T) {
	img := cimg.NewImage(100, 80, cimg.PixelFormatRGB)
	rois := []nn.Rect{{X: 20, Y: 20, Width: 40, Height: 30}}
	out := Annotate(img, nil, rois, time.Now(), Options{})
	require.Equal(t, img.Width, out.Width)
	require.Equal(t, img.Height, out.Height)

	// Source is untouched
	r, g, b := pixel(img, 20, 35)
	require.Equal(t, [3]byte{0, 0, 0}, [3]byte{r, g, b})

	// Green on the ROI edge
	r, g, _ = pixel(out, 20, 35)
	require.Greater(t, g, byte(200))
	require.Less(t, r, byte(60))

	// Red one pixel outside
	r, g, _ = pixel(out, 19, 35)
	require.Greater(t, r, byte(200))
	require.Less(t, g, byte(60))

	// Interior untouched
	r, g, b = pixel(out, 40, 35)
	require.Equal(t, [3]byte{0, 0, 0}, [3]byte{r, g, b})
}

func TestDetectionBox(t *testing.T) {
	img := cimg.NewImage(200, 200, cimg.PixelFormatRGB)
	pred := &nn.Prediction{
		Detections: []nn.Detection{
			{Class: 0, Name: "person 91%", Confidence: 0.91, Box: nn.Rect{X: 50, Y: 50, Width: 60, Height: 80}},
		},
		Duration: 12 * time.Millisecond,
	}
	options := DefaultOptions()
	options.Shade = 0
	out := Annotate(img, pred, nil, time.Now(), options)

	// Somewhere on the left edge of the box, we expect the class color
	c := ClassColor(0)
	r, _, _ := pixel(out, 50, 100)
	require.InDelta(t, int(c.R), int(r), 40)

	// Far away from everything
	r, g, b := pixel(out, 190, 190)
	require.Equal(t, [3]byte{0, 0, 0}, [3]byte{r, g, b})
}
