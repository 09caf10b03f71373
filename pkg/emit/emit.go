package emit

// package emit runs inference on one image, and writes the results to disk.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/annotate"
	"github.com/cyclopcam/nnserver/pkg/imgio"
	"github.com/cyclopcam/nnserver/pkg/nn"
	"github.com/cyclopcam/nnserver/pkg/perfstats"
	"github.com/cyclopcam/nnserver/pkg/roi"
)

// Predictor is the part of nn.Predictor that we need
type Predictor interface {
	Predict(img *cimg.Image) (*nn.Prediction, error)
}

type Options struct {
	OutputDirectory string
	SaveAnnotated   bool
	SaveTxt         bool
	SaveJSON        bool
	SaveCrops       bool
	Annotation      annotate.Options
	Quality         int // JPEG quality of annotated images and crops. Zero means imgio.DefaultQuality.
}

// Job is one image to process
type Job struct {
	Image            *cimg.Image
	Stem             string    // Output files are named after this, eg "a" produces "a.json"
	Index            int64     // Global processing index, starting at 1
	Timestamp        time.Time // When processing started
	ROIs             *roi.Set  // nil if ROI gating is disabled
	OriginalFilename string    // Where the source image lives, if it is a file
}

// Result describes everything that was produced for one image
type Result struct {
	Prediction *nn.Prediction
	Timestamp  time.Time
	Index      int64
	Files      []string // Every file that was written, in the order it was written
}

type Emitter struct {
	log       logs.Log
	predictor Predictor
	options   Options

	// Inference time statistics, since the last call to ResetStats
	durations perfstats.TimeAccumulator
}

func NewEmitter(log logs.Log, predictor Predictor, options Options) *Emitter {
	if options.Quality <= 0 {
		options.Quality = imgio.DefaultQuality
	}
	return &Emitter{
		log:       log,
		predictor: predictor,
		options:   options,
	}
}

func (e *Emitter) Options() Options {
	return e.options
}

// Returns the average inference time, and the number of samples, and resets the statistics
func (e *Emitter) ResetStats() (time.Duration, int64) {
	avg, n := e.durations.Average(), e.durations.Samples
	e.durations.Reset()
	return avg, n
}

func (e *Emitter) path(name string) string {
	return filepath.Join(e.options.OutputDirectory, name)
}

// CropFilename returns the name of the crop file of the idx'th detection
func CropFilename(stem string, idx, class int) string {
	return fmt.Sprintf("%v_idx_%v_class_%v.jpg", stem, idx, class)
}

// Emit runs inference on the image, and writes all of the enabled outputs.
// If the image is empty, Emit does nothing, and returns a nil result and a nil error.
func (e *Emitter) Emit(job Job) (*Result, error) {
	img := job.Image
	if img == nil || img.Width == 0 || img.Height == 0 {
		return nil, nil
	}

	pred, err := e.predictor.Predict(img)
	if err != nil {
		return nil, err
	}
	e.durations.AddSample(pred.Duration)
	e.log.Debugf("%v: %v objects in %v", job.Stem, len(pred.Detections), pred.Duration)

	result := &Result{
		Prediction: pred,
		Timestamp:  job.Timestamp,
		Index:      job.Index,
	}

	annotatedFilename := ""
	if e.options.SaveAnnotated {
		annotatedFilename = e.path(job.Stem + "_annotated.jpg")
		var rois []nn.Rect
		if job.ROIs != nil {
			rois = job.ROIs.Rects
		}
		annotated := annotate.Annotate(img, pred, rois, job.Timestamp, e.options.Annotation)
		if err := imgio.WriteJPEG(annotatedFilename, annotated, e.options.Quality); err != nil {
			return result, fmt.Errorf("Failed to write %v: %w", annotatedFilename, err)
		}
		result.Files = append(result.Files, annotatedFilename)
	}

	txtFilename := ""
	if e.options.SaveTxt {
		txtFilename = e.path(job.Stem + ".txt")
		if err := os.WriteFile(txtFilename, formatTxt(pred), 0644); err != nil {
			return result, fmt.Errorf("Failed to write %v: %w", txtFilename, err)
		}
		result.Files = append(result.Files, txtFilename)
	}

	if e.options.SaveJSON {
		doc := e.makeDocument(job, pred, annotatedFilename, txtFilename)
		jsonFilename := e.path(job.Stem + ".json")
		raw, err := json.MarshalIndent(doc, "", "    ")
		if err != nil {
			return result, err
		}
		raw = append(raw, '\n')
		if err := os.WriteFile(jsonFilename, raw, 0644); err != nil {
			return result, fmt.Errorf("Failed to write %v: %w", jsonFilename, err)
		}
		result.Files = append(result.Files, jsonFilename)
	}

	if e.options.SaveCrops {
		for idx, det := range pred.Detections {
			box := det.Box.Clip(img.Width, img.Height)
			if box.Empty() {
				continue
			}
			fn := e.path(CropFilename(job.Stem, idx, det.Class))
			crop, err := imgio.Crop(img, box.X, box.Y, box.Width, box.Height)
			if err != nil {
				return result, fmt.Errorf("Failed to crop %v: %w", fn, err)
			}
			if err := imgio.WriteJPEG(fn, crop, e.options.Quality); err != nil {
				return result, fmt.Errorf("Failed to write %v: %w", fn, err)
			}
			result.Files = append(result.Files, fn)
		}
	}

	return result, nil
}

func formatTxt(pred *nn.Prediction) []byte {
	buf := bytes.Buffer{}
	for _, det := range pred.Detections {
		fmt.Fprintf(&buf, "%d %.10f %.10f %.10f %.10f\n", det.Class, float64(det.Box.X), float64(det.Box.Y), float64(det.Box.Width), float64(det.Box.Height))
	}
	return buf.Bytes()
}

func (e *Emitter) makeDocument(job Job, pred *nn.Prediction, annotatedFilename, txtFilename string) *Document {
	doc := &Document{
		Timestamp:           MakeTimestamp(job.Timestamp),
		Index:               job.Index,
		Duration:            pred.Duration.String(),
		DurationNanoseconds: pred.Duration.Nanoseconds(),
		Tiles:               pred.Tiles,
		AnnotatedFilename:   annotatedFilename,
		TxtFilename:         txtFilename,
		OriginalFilename:    job.OriginalFilename,
		Prediction:          make([]Prediction, 0, len(pred.Detections)),
	}
	for idx, det := range pred.Detections {
		p := Prediction{
			PredictionIndex:  idx,
			Name:             det.Name,
			BestClass:        det.Class,
			BestProbability:  det.Confidence,
			OriginalPoint:    nn.Point{X: float64(det.Box.X), Y: float64(det.Box.Y)},
			OriginalSize:     nn.Size{Width: float64(det.Box.Width), Height: float64(det.Box.Height)},
			Rect:             det.TileBox,
			Tile:             det.Tile,
			AllProbabilities: det.Probabilities,
		}
		if e.options.SaveCrops && !det.Box.Clip(job.Image.Width, job.Image.Height).Empty() {
			p.CropFilename = e.path(CropFilename(job.Stem, idx, det.Class))
		}
		if job.ROIs != nil {
			r, _, found := job.ROIs.FirstIntersecting(det.Box)
			if found {
				p.ROI = &r
			}
			p.InROI = &found
		}
		doc.Prediction = append(doc.Prediction, p)
	}
	return doc
}
