package nn

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
)

// SortOrder controls the order of the detections returned by Predictor
type SortOrder int

const (
	SortUnsorted   SortOrder = iota // Whatever order the model produced
	SortAscending                   // Lowest confidence first (so that the best boxes are drawn on top)
	SortDescending                  // Highest confidence first
	SortPageOrder                   // Top to bottom, then left to right, like reading a page
)

// PredictorOptions controls everything about a prediction except the model itself
type PredictorOptions struct {
	Params                 DetectionParams
	EnableTiles            bool
	Tiling                 TilingOptions
	FixOutOfBounds         bool // Clip boxes to the image
	Sort                   SortOrder
	NamesIncludePercentage bool // eg "dog 91%"
	IncludeAllNames        bool // eg "dog 91%, cat 55%"
}

func DefaultPredictorOptions() PredictorOptions {
	return PredictorOptions{
		Params:                 *NewDetectionParams(),
		Tiling:                 TilingOptions{MinPadding: 32, CombineTiles: true},
		FixOutOfBounds:         true,
		NamesIncludePercentage: true,
		IncludeAllNames:        true,
	}
}

// Predictor is the inference adapter that the rest of the server consumes.
// It wraps an ObjectDetector, takes care of tiling, clipping, sorting and naming,
// and measures how long each prediction took.
// A Predictor may be called repeatedly, but not concurrently.
type Predictor struct {
	model   ObjectDetector
	options PredictorOptions
}

func NewPredictor(model ObjectDetector, options PredictorOptions) *Predictor {
	return &Predictor{
		model:   model,
		options: options,
	}
}

func (p *Predictor) Config() *ModelConfig {
	return p.model.Config()
}

// Predict runs the model on img. The image is not retained after Predict returns.
// If nothing crosses the thresholds, the result has zero detections and no error.
func (p *Predictor) Predict(img *cimg.Image) (*Prediction, error) {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return nil, errors.New("Empty image")
	}
	rgb := img
	if rgb.NChan() != 3 {
		rgb = rgb.ToRGB()
	}
	pixels := packedPixels(rgb)

	start := time.Now()
	whole := WholeImage(3, pixels, rgb.Width, rgb.Height)

	var objects []TiledDetection
	var grid TileGrid
	var err error
	if p.options.EnableTiles {
		tiling := p.options.Tiling
		tiling.Clip = p.options.FixOutOfBounds
		objects, grid, err = TiledInference(p.model, whole, &p.options.Params, tiling)
	} else {
		objects, err = p.detectWhole(whole)
		grid = TileGrid{Horizontal: 1, Vertical: 1, Width: rgb.Width, Height: rgb.Height}
	}
	if err != nil {
		return nil, fmt.Errorf("Object detection failed: %w", err)
	}

	result := &Prediction{
		Detections:  make([]Detection, 0, len(objects)),
		Tiles:       grid,
		ImageWidth:  rgb.Width,
		ImageHeight: rgb.Height,
	}
	for _, obj := range objects {
		if obj.Box.Empty() {
			continue
		}
		result.Detections = append(result.Detections, p.makeDetection(obj))
	}
	p.sort(result.Detections, rgb.Width, rgb.Height)
	result.Duration = time.Since(start)
	return result, nil
}

func (p *Predictor) detectWhole(whole ImageCrop) ([]TiledDetection, error) {
	params := p.options.Params
	params.Unclipped = !p.options.FixOutOfBounds
	objects, err := p.model.DetectObjects(whole, &params)
	if err != nil {
		return nil, err
	}
	out := make([]TiledDetection, len(objects))
	for i, obj := range objects {
		out[i] = TiledDetection{
			ObjectDetection: obj,
			TileBox:         obj.Box,
			Tile:            0,
		}
	}
	return out, nil
}

func (p *Predictor) makeDetection(obj TiledDetection) Detection {
	config := p.model.Config()
	probs := slices.Clone(obj.Probabilities)
	if len(probs) == 0 {
		probs = []ClassProbability{{Class: obj.Class, Probability: obj.Confidence}}
	}
	slices.SortFunc(probs, func(a, b ClassProbability) int {
		return cmp.Compare(a.Class, b.Class)
	})
	for i := range probs {
		probs[i].Name = config.ClassName(probs[i].Class)
	}

	name := config.ClassName(obj.Class)
	if p.options.NamesIncludePercentage {
		name += fmt.Sprintf(" %v%%", percent(obj.Confidence))
	}
	if p.options.IncludeAllNames && len(probs) > 1 {
		for _, prob := range probs {
			if prob.Class == obj.Class {
				continue
			}
			name += ", " + prob.Name
			if p.options.NamesIncludePercentage {
				name += fmt.Sprintf(" %v%%", percent(prob.Probability))
			}
		}
	}

	return Detection{
		Class:         obj.Class,
		Name:          name,
		Confidence:    obj.Confidence,
		Box:           obj.Box,
		TileBox:       obj.TileBox,
		Tile:          obj.Tile,
		Probabilities: probs,
	}
}

func (p *Predictor) sort(dets []Detection, width, height int) {
	switch p.options.Sort {
	case SortAscending:
		slices.SortStableFunc(dets, func(a, b Detection) int {
			return cmp.Compare(a.Confidence, b.Confidence)
		})
	case SortDescending:
		slices.SortStableFunc(dets, func(a, b Detection) int {
			return cmp.Compare(b.Confidence, a.Confidence)
		})
	case SortPageOrder:
		// Rows are quantized to tenths of the image, so that objects on roughly
		// the same line are ordered left to right.
		row := func(d Detection) int {
			return int(math32.Round(10 * float32(d.Box.Center().Y) / float32(height)))
		}
		col := func(d Detection) int {
			return int(math32.Round(10 * float32(d.Box.Center().X) / float32(width)))
		}
		slices.SortStableFunc(dets, func(a, b Detection) int {
			if c := cmp.Compare(row(a), row(b)); c != 0 {
				return c
			}
			if c := cmp.Compare(col(a), col(b)); c != 0 {
				return c
			}
			return cmp.Compare(a.Confidence, b.Confidence)
		})
	}
}

func percent(p float32) int {
	return int(math32.Round(100 * p))
}

// Returns the pixels of an RGB image with no padding between rows
func packedPixels(img *cimg.Image) []byte {
	rowBytes := img.Width * 3
	if img.Stride == rowBytes {
		return img.Pixels
	}
	out := make([]byte, rowBytes*img.Height)
	for y := 0; y < img.Height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], img.Pixels[y*img.Stride:y*img.Stride+rowBytes])
	}
	return out
}
