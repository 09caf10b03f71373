package onnx

// package onnx runs YOLOv8-style object detection models through onnxruntime.
// The onnxruntime shared library is loaded at runtime, so it only needs to be
// present on machines that actually select the "onnx" driver.

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/nnserver/pkg/nn"
	ort "github.com/yalue/onnxruntime_go"
)

// Used when the model has a dynamic input size
const DefaultInputSize = 640

var initOnce sync.Once
var initErr error

// Initialize loads the onnxruntime shared library. If sharedLibrary is empty, then
// onnxruntime's default search path is used. Only the first call has any effect.
func Initialize(sharedLibrary string) error {
	initOnce.Do(func() {
		if sharedLibrary != "" {
			ort.SetSharedLibraryPath(sharedLibrary)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// session is the part of ort.AdvancedSession that we use
type session interface {
	Run() error
	Destroy() error
}

type Detector struct {
	session    session
	tensors    []ort.Value // Destroyed by Close
	input      []float32   // Backing data of the input tensor, planar RGB
	output     []float32   // Backing data of the output tensor
	config     nn.ModelConfig
	nFeatures  int  // 4 box values + number of classes
	nBoxes     int  // number of candidate boxes emitted by the model
	transposed bool // output is [1, boxes, features] instead of [1, features, boxes]
}

// NewDetector loads an ONNX model. If classes is empty, we use COCO names when the
// model has 80 classes, or numbers otherwise.
func NewDetector(modelFile string, classes []string, threads int) (*Detector, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelFile)
	if err != nil {
		return nil, fmt.Errorf("Failed to inspect ONNX model '%v': %w", modelFile, err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("ONNX model '%v' must have one input and at least one output (has %v, %v)", modelFile, len(inputs), len(outputs))
	}
	in := inputs[0]
	out := outputs[0]
	if len(in.Dimensions) != 4 || len(out.Dimensions) != 3 {
		return nil, fmt.Errorf("ONNX model '%v' has unexpected tensor shapes %v -> %v", modelFile, in.Dimensions, out.Dimensions)
	}

	width := int(in.Dimensions[3])
	height := int(in.Dimensions[2])
	if width <= 0 || height <= 0 {
		width = DefaultInputSize
		height = DefaultInputSize
	}

	d1 := int(out.Dimensions[1])
	d2 := int(out.Dimensions[2])
	if d1 <= 0 || d2 <= 0 {
		return nil, fmt.Errorf("ONNX model '%v' has a dynamic output shape %v, which is not supported", modelFile, out.Dimensions)
	}
	// YOLOv8 emits [1, 4+C, N]. Some exports transpose that to [1, N, 4+C].
	// N is always much larger than 4+C.
	nFeatures, nBoxes, transposed := d1, d2, false
	if d1 > d2 {
		nFeatures, nBoxes, transposed = d2, d1, true
	}
	if nFeatures <= 4 {
		return nil, fmt.Errorf("ONNX model '%v' output has no class scores (%v)", modelFile, out.Dimensions)
	}
	nClasses := nFeatures - 4
	if len(classes) == 0 {
		classes = nn.ClassNamesFor(nClasses)
	} else if len(classes) != nClasses {
		return nil, fmt.Errorf("ONNX model '%v' has %v classes, but %v names were given", modelFile, nClasses, len(classes))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(height), int64(width)), make([]float32, 3*width*height))
	if err != nil {
		return nil, err
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(d1), int64(d2)))
	if err != nil {
		inputTensor.Destroy()
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer options.Destroy()
	if threads > 0 {
		options.SetIntraOpNumThreads(threads)
	}
	options.SetInterOpNumThreads(1)

	sess, err := ort.NewAdvancedSession(modelFile,
		[]string{in.Name}, []string{out.Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("Failed to create ONNX session for '%v': %w", modelFile, err)
	}

	return &Detector{
		session:    sess,
		tensors:    []ort.Value{inputTensor, outputTensor},
		input:      inputTensor.GetData(),
		output:     outputTensor.GetData(),
		nFeatures:  nFeatures,
		nBoxes:     nBoxes,
		transposed: transposed,
		config: nn.ModelConfig{
			Architecture: "yolov8",
			Width:        width,
			Height:       height,
			Classes:      classes,
		},
	}, nil
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	for _, t := range d.tensors {
		t.Destroy()
	}
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if img.NChan != 3 {
		return nil, errors.New("ONNX detector requires an RGB image")
	}
	if img.CropWidth == 0 || img.CropHeight == 0 {
		return nil, nil
	}

	src := cimg.WrapImage(img.CropWidth, img.CropHeight, cimg.PixelFormatRGB, img.CopyPixels())
	if src.Width != d.config.Width || src.Height != d.config.Height {
		src = cimg.ResizeNew(src, d.config.Width, d.config.Height, nil)
	}
	d.fillInput(src)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}

	scaleX := float32(img.CropWidth) / float32(d.config.Width)
	scaleY := float32(img.CropHeight) / float32(d.config.Height)
	return d.decode(d.output, scaleX, scaleY, img.CropWidth, img.CropHeight, params), nil
}

// Planar, normalized RGB
func (d *Detector) fillInput(src *cimg.Image) {
	data := d.input
	plane := d.config.Width * d.config.Height
	for y := 0; y < src.Height; y++ {
		line := src.Pixels[y*src.Stride:]
		for x := 0; x < src.Width; x++ {
			i := y*src.Width + x
			data[i] = float32(line[x*3]) / 255
			data[plane+i] = float32(line[x*3+1]) / 255
			data[2*plane+i] = float32(line[x*3+2]) / 255
		}
	}
}

func (d *Detector) decode(out []float32, scaleX, scaleY float32, cropWidth, cropHeight int, params *nn.DetectionParams) []nn.ObjectDetection {
	at := func(feature, box int) float32 {
		if d.transposed {
			return out[box*d.nFeatures+feature]
		}
		return out[feature*d.nBoxes+box]
	}

	threshold := params.Threshold()
	nClasses := d.nFeatures - 4
	candidates := []nn.ObjectDetection{}
	for i := 0; i < d.nBoxes; i++ {
		bestClass := -1
		bestProb := float32(0)
		var probs []nn.ClassProbability
		for c := 0; c < nClasses; c++ {
			p := at(4+c, i)
			if p >= threshold {
				probs = append(probs, nn.ClassProbability{Class: c, Probability: p})
			}
			if p > bestProb {
				bestProb = p
				bestClass = c
			}
		}
		if bestClass < 0 || bestProb < threshold {
			continue
		}
		cx := at(0, i) * scaleX
		cy := at(1, i) * scaleY
		w := math32.Abs(at(2, i) * scaleX)
		h := math32.Abs(at(3, i) * scaleY)
		box := nn.RectFromCenter(cx, cy, w, h)
		if !params.Unclipped {
			box = box.Clip(cropWidth, cropHeight)
		}
		if box.Empty() {
			continue
		}
		candidates = append(candidates, nn.ObjectDetection{
			Class:         bestClass,
			Confidence:    bestProb,
			Box:           box,
			Probabilities: probs,
		})
	}
	return nn.NonMaxSuppression(candidates, params.NmsThreshold())
}
