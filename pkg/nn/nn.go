package nn

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Package nn is a Neural Network interface layer.
// To load a model, use the nnload package.

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	Unclipped            bool    // If true, don't clip boxes to the neural network boundaries
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		Unclipped:            false,
	}
}

// Returns the probability threshold, substituting the default for zero
func (p *DetectionParams) Threshold() float32 {
	if p.ProbabilityThreshold <= 0 {
		return DefaultProbabilityThreshold
	}
	return p.ProbabilityThreshold
}

// Returns the NMS IoU threshold, substituting the default for zero
func (p *DetectionParams) NmsThreshold() float32 {
	if p.NmsIouThreshold <= 0 {
		return DefaultNmsIouThreshold
	}
	return p.NmsIouThreshold
}

// ImageCrop is a crop of an image.
// In C we would represent this as a pointer and a stride, but since that's not memory safe,
// we must resort to this kind of thing.
// To create an ImageCrop, start with WholeImage(), and then use Crop() to get a sub-crop.
type ImageCrop struct {
	NChan       int    // Number of channels (eg 3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

func (c ImageCrop) Stride() int {
	return c.ImageWidth * c.NChan
}

// Return a crop of the crop (new crop is relative to existing).
// If any parameter is out of bounds, we panic
func (c ImageCrop) Crop(x1, y1, x2, y2 int) ImageCrop {
	nc := ImageCrop{
		NChan:       c.NChan,
		Pixels:      c.Pixels,
		ImageWidth:  c.ImageWidth,
		ImageHeight: c.ImageHeight,
		CropX:       c.CropX + x1,
		CropY:       c.CropY + y1,
		CropWidth:   x2 - x1,
		CropHeight:  y2 - y1,
	}
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// Copy the crop into a new tightly packed buffer
func (c ImageCrop) CopyPixels() []byte {
	rowBytes := c.CropWidth * c.NChan
	out := make([]byte, rowBytes*c.CropHeight)
	stride := c.Stride()
	for y := 0; y < c.CropHeight; y++ {
		src := (c.CropY+y)*stride + c.CropX*c.NChan
		copy(out[y*rowBytes:(y+1)*rowBytes], c.Pixels[src:src+rowBytes])
	}
	return out
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close closes the detector and releases any native resources
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// nchan is expected to be 3, and image is a 24-bit RGB image.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig describes the input size and the classes of a model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Returns the name of the class, or its number if the class is unknown
func (c *ModelConfig) ClassName(class int) string {
	if class >= 0 && class < len(c.Classes) {
		return c.Classes[class]
	}
	return strconv.Itoa(class)
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
