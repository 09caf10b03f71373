package annotate

// package annotate draws detections and regions of interest onto a copy of an image.

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/nnserver/pkg/imgio"
	"github.com/cyclopcam/nnserver/pkg/nn"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Colors of the region of interest overlay
var (
	ROIColor        = color.RGBA{0, 255, 0, 255}
	ROIOutlineColor = color.RGBA{255, 0, 0, 255}
)

// Box colors, cycled by class index
var palette = []color.RGBA{
	{255, 64, 64, 255},
	{64, 160, 255, 255},
	{255, 200, 0, 255},
	{200, 64, 255, 255},
	{0, 220, 200, 255},
	{255, 128, 0, 255},
	{128, 255, 64, 255},
	{255, 64, 200, 255},
}

func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

type Options struct {
	LineThickness   int     // Width of the box outlines, in pixels
	Shade           float64 // Opacity of the box fill, from 0 (none) to 1
	AutoHideLabels  bool    // Omit labels that don't fit inside their box
	IncludeDuration bool    // Print the inference time in the top left corner
	TimestampFormat string  // If not empty, print the timestamp in the top left corner
}

func DefaultOptions() Options {
	return Options{
		LineThickness:   2,
		Shade:           0.25,
		AutoHideLabels:  true,
		IncludeDuration: true,
	}
}

// Annotate returns a new RGB image with the detections and ROIs drawn onto it.
// img is not modified.
func Annotate(img *cimg.Image, pred *nn.Prediction, rois []nn.Rect, timestamp time.Time, options Options) *cimg.Image {
	dc := gg.NewContextForRGBA(imgio.ToRGBA(img))
	fontSize := max(10, float64(img.Height)/50)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))
	lineWidth := float64(max(1, options.LineThickness))

	if pred != nil {
		for _, det := range pred.Detections {
			drawDetection(dc, det, lineWidth, options)
		}
	}

	for _, r := range rois {
		dc.SetColor(ROIColor)
		dc.SetLineWidth(1)
		dc.DrawRectangle(float64(r.X)+0.5, float64(r.Y)+0.5, float64(r.Width-1), float64(r.Height-1))
		dc.Stroke()
		// One pixel outside the ROI
		dc.SetColor(ROIOutlineColor)
		dc.DrawRectangle(float64(r.X)-0.5, float64(r.Y)-0.5, float64(r.Width+1), float64(r.Height+1))
		dc.Stroke()
	}

	header := ""
	if options.IncludeDuration && pred != nil {
		header = fmt.Sprintf("%v ms", pred.Duration.Milliseconds())
	}
	if options.TimestampFormat != "" {
		if header != "" {
			header += "  "
		}
		header += timestamp.Format(options.TimestampFormat)
	}
	if header != "" {
		drawLabel(dc, header, 0, 0, color.RGBA{0, 0, 0, 255})
	}

	return imgio.FromRGBA(dc.Image().(*image.RGBA))
}

func drawDetection(dc *gg.Context, det nn.Detection, lineWidth float64, options Options) {
	c := ClassColor(det.Class)
	x := float64(det.Box.X)
	y := float64(det.Box.Y)
	w := float64(det.Box.Width)
	h := float64(det.Box.Height)

	if options.Shade > 0 {
		dc.SetRGBA255(int(c.R), int(c.G), int(c.B), int(min(1, options.Shade)*255))
		dc.DrawRectangle(x, y, w, h)
		dc.Fill()
	}
	dc.SetColor(c)
	dc.SetLineWidth(lineWidth)
	dc.DrawRectangle(x, y, w, h)
	dc.Stroke()

	tw, th := dc.MeasureString(det.Name)
	if options.AutoHideLabels && (tw+4 > w || th+4 > h) {
		return
	}
	// Above the box if there's room, otherwise inside it
	ly := y - th - 4
	if ly < 0 {
		ly = y
	}
	drawLabel(dc, det.Name, x, ly, c)
}

// Draw text on a solid background, with the top left corner at (x, y)
func drawLabel(dc *gg.Context, text string, x, y float64, bg color.RGBA) {
	tw, th := dc.MeasureString(text)
	dc.SetColor(bg)
	dc.DrawRectangle(x, y, tw+4, th+4)
	dc.Fill()
	if int(bg.R)+int(bg.G)+int(bg.B) > 384 {
		dc.SetRGB(0, 0, 0)
	} else {
		dc.SetRGB(1, 1, 1)
	}
	dc.DrawStringAnchored(text, x+2, y+2, 0, 1)
}
