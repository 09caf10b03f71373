package nnhttp

// package nnhttp is an object detector that delegates inference to a remote service.
// Each crop is sent as a JPEG in a multipart form (field "file"), and the service
// replies with a JSON document of detections in crop pixel coordinates.

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/nnserver/pkg/nn"
	"github.com/cyclopcam/nnserver/pkg/requests"
)

const DefaultTimeout = 30 * time.Second

// Wire format of the remote service's reply
type response struct {
	Detections []remoteDetection `json:"detections"`
}

type remoteDetection struct {
	Class         int                `json:"class"`
	Confidence    float32            `json:"confidence"`
	X             int                `json:"x"`
	Y             int                `json:"y"`
	Width         int                `json:"width"`
	Height        int                `json:"height"`
	Probabilities map[string]float32 `json:"probabilities,omitempty"` // class index (as a string) -> probability
}

type Detector struct {
	url    string
	client *http.Client
	config nn.ModelConfig
}

// NewDetector creates a remote detector. width and height are the input size of the
// remote model, which we need for tiling.
func NewDetector(url string, classes []string, width, height int) (*Detector, error) {
	if url == "" {
		return nil, fmt.Errorf("The http driver needs a URL")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Invalid network size %v x %v", width, height)
	}
	return &Detector{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
		config: nn.ModelConfig{
			Architecture: "remote",
			Width:        width,
			Height:       height,
			Classes:      classes,
		},
	}, nil
}

func (d *Detector) Close() {
	d.client.CloseIdleConnections()
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if img.CropWidth == 0 || img.CropHeight == 0 {
		return nil, nil
	}
	format := cimg.PixelFormatRGB
	if img.NChan != 3 {
		return nil, fmt.Errorf("http detector requires an RGB image")
	}
	crop := cimg.WrapImage(img.CropWidth, img.CropHeight, format, img.CopyPixels())
	jpg, err := cimg.Compress(crop, cimg.MakeCompressParams(cimg.Sampling444, 95, 0))
	if err != nil {
		return nil, fmt.Errorf("Failed to encode image: %w", err)
	}

	fields := map[string]string{
		"threshold":     strconv.FormatFloat(float64(params.Threshold()), 'f', -1, 32),
		"nms_threshold": strconv.FormatFloat(float64(params.NmsThreshold()), 'f', -1, 32),
	}
	r, err := requests.PostMultipart[response](d.client, d.url, []requests.FormFile{{Field: "file", Filename: "image.jpg", Content: jpg}}, fields)
	if err != nil {
		return nil, fmt.Errorf("Inference request failed: %w", err)
	}
	return d.convert(*r, img.CropWidth, img.CropHeight, params), nil
}

func (d *Detector) convert(r response, cropWidth, cropHeight int, params *nn.DetectionParams) []nn.ObjectDetection {
	threshold := params.Threshold()
	out := make([]nn.ObjectDetection, 0, len(r.Detections))
	for _, det := range r.Detections {
		if det.Confidence < threshold {
			continue
		}
		obj := nn.ObjectDetection{
			Class:      det.Class,
			Confidence: det.Confidence,
			Box:        nn.Rect{X: det.X, Y: det.Y, Width: det.Width, Height: det.Height},
		}
		if !params.Unclipped {
			obj.Box = obj.Box.Clip(cropWidth, cropHeight)
		}
		for key, p := range det.Probabilities {
			class, err := strconv.Atoi(key)
			if err != nil || p < threshold {
				continue
			}
			obj.Probabilities = append(obj.Probabilities, nn.ClassProbability{Class: class, Probability: p})
		}
		out = append(out, obj)
	}
	return out
}
