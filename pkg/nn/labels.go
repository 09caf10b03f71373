package nn

import "time"

// ClassProbability is one entry in the per-class probability distribution of a detection
type ClassProbability struct {
	Class       int     `json:"class"`
	Name        string  `json:"name,omitempty"`
	Probability float32 `json:"probability"`
}

// ObjectDetection is an object that a neural network has found in an image.
// Box is relative to the image crop that was given to the detector.
type ObjectDetection struct {
	Class         int                `json:"class"`
	Confidence    float32            `json:"confidence"`
	Box           Rect               `json:"box"`
	Probabilities []ClassProbability `json:"probabilities,omitempty"` // Every class that crossed the threshold, ordered by class index
}

// Detection is one predicted object, after tiling has been resolved.
// Detections are immutable once Predictor.Predict has returned them.
type Detection struct {
	Class         int                // Best class
	Name          string             // Display name, possibly decorated with percentages
	Confidence    float32            // Probability of the best class
	Box           Rect               // Position in the original (untiled) image
	TileBox       Rect               // Position inside the tile that produced the detection
	Tile          int                // Index of the tile that produced the detection
	Probabilities []ClassProbability // Full distribution, with names filled in
}

// TileGrid describes how an image was split up for inference.
// An untiled image is a 1x1 grid whose tile size equals the image size.
type TileGrid struct {
	Horizontal int `json:"horizontal"`
	Vertical   int `json:"vertical"`
	Width      int `json:"width"`
	Height     int `json:"height"`
}

// Prediction is the result of running the inference adapter on one image
type Prediction struct {
	Detections  []Detection
	Duration    time.Duration
	Tiles       TileGrid
	ImageWidth  int
	ImageHeight int
}
