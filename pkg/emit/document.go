package emit

import (
	"time"

	"github.com/cyclopcam/nnserver/pkg/nn"
)

// TimestampLayout is the layout of Timestamp.Text
const TimestampLayout = "2006-01-02 15:04:05 -0700"

// Document is the JSON result file that we write for every image
type Document struct {
	Timestamp           Timestamp    `json:"timestamp"`
	Index               int64        `json:"index"`
	Duration            string       `json:"duration"`
	DurationNanoseconds int64        `json:"duration_nanoseconds"`
	Tiles               nn.TileGrid  `json:"tiles"`
	AnnotatedFilename   string       `json:"annotated_filename,omitempty"`
	TxtFilename         string       `json:"txt_filename,omitempty"`
	OriginalFilename    string       `json:"original_filename,omitempty"`
	Prediction          []Prediction `json:"prediction"`
}

type Timestamp struct {
	Nanoseconds int64  `json:"nanoseconds"`
	Epoch       int64  `json:"epoch"`
	Text        string `json:"text"`
}

func MakeTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Nanoseconds: t.UnixNano(),
		Epoch:       t.Unix(),
		Text:        t.Format(TimestampLayout),
	}
}

// Prediction is one detected object inside Document
type Prediction struct {
	CropFilename     string                `json:"crop_filename,omitempty"`
	PredictionIndex  int                   `json:"prediction_index"`
	Name             string                `json:"name"`
	BestClass        int                   `json:"best_class"`
	BestProbability  float32               `json:"best_probability"`
	OriginalPoint    nn.Point              `json:"original_point"` // Top left corner in the original image
	OriginalSize     nn.Size               `json:"original_size"`
	Rect             nn.Rect               `json:"rect"` // Relative to the tile
	Tile             int                   `json:"tile"`
	AllProbabilities []nn.ClassProbability `json:"all_probabilities"`
	ROI              *nn.Rect              `json:"roi,omitempty"`
	InROI            *bool                 `json:"detection_is_in_roi,omitempty"`
}

// OriginalBox returns the box in original image coordinates
func (p *Prediction) OriginalBox() nn.Rect {
	return nn.Rect{
		X:      int(p.OriginalPoint.X),
		Y:      int(p.OriginalPoint.Y),
		Width:  int(p.OriginalSize.Width),
		Height: int(p.OriginalSize.Height),
	}
}
