package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network drivers (onnx, http), so that you can just call one function to
// load a model, and not need to know about the implementation details.

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/buildinfo"
	"github.com/cyclopcam/nnserver/pkg/nn"
	"github.com/cyclopcam/nnserver/pkg/nnhttp"
	"github.com/cyclopcam/nnserver/pkg/onnx"
)

var ErrInvalidDriver = errors.New("Invalid neural network driver")

const (
	DriverONNX = "onnx"
	DriverHTTP = "http"
)

// ModelSettings selects and configures a neural network driver
type ModelSettings struct {
	Driver      string // "onnx" or "http"
	Model       string // Path to the .onnx file (onnx driver)
	Names       string // Optional file with one class name per line
	ONNXRuntime string // Path to the onnxruntime shared library. Empty means the system default.
	URL         string // Inference endpoint (http driver)
	Width       int    // Network input size (http driver). The onnx driver reads this from the model.
	Height      int
	Threads     int
}

// Returns the class names from the names file, or nil if there is no names file.
// A configured names file that does not exist is not an error, so that the
// default configuration can run against models whose classes we can infer.
func loadNames(log logs.Log, filename string) ([]string, error) {
	if filename == "" {
		return nil, nil
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		log.Warnf("Class names file '%v' not found. Using default names", filename)
		return nil, nil
	}
	names, err := nn.LoadClassFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to load class names from '%v': %w", filename, err)
	}
	return names, nil
}

// LoadModel opens the neural network described by settings.
func LoadModel(log logs.Log, settings ModelSettings) (nn.ObjectDetector, error) {
	names, err := loadNames(log, settings.Names)
	if err != nil {
		return nil, err
	}

	var model nn.ObjectDetector
	switch settings.Driver {
	case DriverONNX:
		runtime := settings.ONNXRuntime
		if runtime == "" {
			runtime = buildinfo.ONNXRuntimeLibrary()
		}
		if err := onnx.Initialize(runtime); err != nil {
			return nil, fmt.Errorf("Failed to initialize onnxruntime: %w", err)
		}
		model, err = onnx.NewDetector(settings.Model, names, settings.Threads)
	case DriverHTTP:
		if len(names) == 0 {
			names = nn.COCOClasses
		}
		model, err = nnhttp.NewDetector(settings.URL, names, settings.Width, settings.Height)
	default:
		return nil, fmt.Errorf("%w '%v' (must be one of %v, %v)", ErrInvalidDriver, settings.Driver, DriverONNX, DriverHTTP)
	}
	if err != nil {
		return nil, err
	}

	config := model.Config()
	log.Infof("Loaded %v model (%v driver): network dimensions %v x %v, %v classes", config.Architecture, settings.Driver, config.Width, config.Height, len(config.Classes))
	log.Debugf("Classes: %v", strings.Join(config.Classes, ", "))
	return model, nil
}
