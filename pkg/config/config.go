package config

// package config loads the server's JSON configuration file.
// The file is merged over the defaults, and any key that is not part of the
// defaults is an error.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrUnknownKey = errors.New("Unknown configuration key")

// Config is the whole configuration document
type Config struct {
	NNServer Root `json:"nnserver"`
}

type Root struct {
	Lib    Lib    `json:"lib"`
	Server Server `json:"server"`
}

type Lib struct {
	Network  Network     `json:"network"`
	Settings LibSettings `json:"settings"`
}

type Network struct {
	Driver      string `json:"driver"`      // "onnx" or "http"
	Model       string `json:"model"`       // ONNX file
	Names       string `json:"names"`       // Class names, one per line
	ONNXRuntime string `json:"onnxruntime"` // Path to libonnxruntime.so. Empty for the system default.
	URL         string `json:"url"`         // Inference endpoint of the http driver
	Width       int    `json:"width"`       // Network size of the http driver
	Height      int    `json:"height"`
}

type LibSettings struct {
	General    General    `json:"general"`
	Annotation Annotation `json:"annotation"`
	Tiling     Tiling     `json:"tiling"`
}

type General struct {
	Debug                  bool    `json:"debug"`
	Threshold              float32 `json:"threshold"`
	NMSThreshold           float32 `json:"non_maximal_suppression_threshold"`
	NamesIncludePercentage bool    `json:"names_include_percentage"`
	FixOutOfBoundValues    bool    `json:"fix_out_of_bound_values"`
	SortPredictions        int     `json:"sort_predictions"` // 0 unsorted, 1 ascending, 2 descending, 3 page order
	Threads                int     `json:"threads"`
}

type Annotation struct {
	AutoHideLabels   bool    `json:"auto_hide_labels"`
	ShadePredictions float64 `json:"shade_predictions"`
	IncludeAllNames  bool    `json:"include_all_names"`
	LineThickness    int     `json:"line_thickness"`
	IncludeDuration  bool    `json:"include_duration"`
	IncludeTimestamp bool    `json:"include_timestamp"`
}

type Tiling struct {
	EnableTiles            bool `json:"enable_tiles"`
	CombineTilePredictions bool `json:"combine_tile_predictions"`
	TilePadding            int  `json:"tile_padding"`
}

type Server struct {
	Settings ServerSettings `json:"settings"`
}

type ServerSettings struct {
	InputDirectory                string  `json:"input_directory"`
	OutputDirectory               string  `json:"output_directory"`
	ClearOutputDirectoryOnStartup bool    `json:"clear_output_directory_on_startup"`
	SaveAnnotatedImage            bool    `json:"save_annotated_image"`
	SaveTxtAnnotations            bool    `json:"save_txt_annotations"`
	SaveJSONResults               bool    `json:"save_json_results"`
	CropAndSaveDetectedObjects    bool    `json:"crop_and_save_detected_objects"`
	ExitIfIdle                    bool    `json:"exit_if_idle"`
	IdleTimeInSeconds             float64 `json:"idle_time_in_seconds"`
	MaxImagesToProcessAtOnce      int     `json:"max_images_to_process_at_once"` // 0 or negative means unlimited
	RunCmdAfterProcessingImages   string  `json:"run_cmd_after_processing_images"`
	RunCmdTimeoutInSeconds        float64 `json:"run_cmd_timeout_in_seconds"` // 0 means no timeout
	PurgeFilesAfterCmdCompletes   bool    `json:"purge_files_after_cmd_completes"`
	UseCameraForInput             bool    `json:"use_camera_for_input"`
	ApplyROI                      bool    `json:"apply_roi"`
	PollIntervalInMilliseconds    int     `json:"poll_interval_in_milliseconds"`
	Camera                        Camera  `json:"camera"`
	Archive                       Archive `json:"archive"`
}

type Camera struct {
	SaveOriginalImage bool   `json:"save_original_image"`
	Name              string `json:"name"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`
	FPS               int    `json:"fps"`
	BufferSize        int    `json:"buffersize"`
}

// Archive copies the files of every batch to a directory or a GCS bucket
type Archive struct {
	Directory string `json:"directory"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
}

// DefaultConfig returns the configuration that is used when the user specifies nothing
func DefaultConfig() *Config {
	tmp := filepath.Join(os.TempDir(), "nnserver")
	return &Config{
		NNServer: Root{
			Lib: Lib{
				Network: Network{
					Driver: "onnx",
					Model:  "example.onnx",
					Names:  "example.names",
					Width:  640,
					Height: 640,
				},
				Settings: LibSettings{
					General: General{
						Threshold:              0.5,
						NMSThreshold:           0.45,
						NamesIncludePercentage: true,
						FixOutOfBoundValues:    true,
						Threads:                1,
					},
					Annotation: Annotation{
						AutoHideLabels:   true,
						ShadePredictions: 0.25,
						IncludeAllNames:  true,
						LineThickness:    2,
						IncludeDuration:  true,
					},
					Tiling: Tiling{
						CombineTilePredictions: true,
						TilePadding:            32,
					},
				},
			},
			Server: Server{
				Settings: ServerSettings{
					InputDirectory:                filepath.Join(tmp, "input"),
					OutputDirectory:               filepath.Join(tmp, "output"),
					ClearOutputDirectoryOnStartup: true,
					SaveJSONResults:               true,
					IdleTimeInSeconds:             60,
					MaxImagesToProcessAtOnce:      1,
					PurgeFilesAfterCmdCompletes:   true,
					PollIntervalInMilliseconds:    1000,
					Camera: Camera{
						SaveOriginalImage: true,
						Name:              "/dev/video0",
						Width:             640,
						Height:            480,
						FPS:               30,
						BufferSize:        2,
					},
				},
			},
		},
	}
}

// Defaults returns the default configuration as a generic JSON document
func Defaults() map[string]any {
	m, err := toMap(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return m
}

// DefaultJSON returns the default configuration, formatted for humans
func DefaultJSON() string {
	return Format(Defaults())
}

// Format a document with four space indentation
func Format(doc map[string]any) string {
	b, _ := json.MarshalIndent(doc, "", "    ")
	return string(b)
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	return m, json.Unmarshal(raw, &m)
}

// Parse merges the JSON document raw over the defaults.
// The merged document and the merge warnings are returned even when there is an error,
// so that the caller can show them.
func Parse(raw []byte) (*Config, map[string]any, []string, error) {
	user := map[string]any{}
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, nil, fmt.Errorf("Invalid JSON: %w", err)
	}
	merged, warnings := Merge(Defaults(), user)
	if len(warnings) != 0 {
		return nil, merged, warnings, fmt.Errorf("%w: %v", ErrUnknownKey, warnings[0])
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, merged, warnings, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, merged, warnings, fmt.Errorf("Invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, merged, warnings, err
	}
	return cfg, merged, warnings, nil
}

// Load reads the configuration file, and merges it over the defaults
func Load(filename string) (*Config, map[string]any, []string, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, merged, warnings, err := Parse(raw)
	if err != nil {
		return cfg, merged, warnings, fmt.Errorf("%v: %w", filename, err)
	}
	return cfg, merged, warnings, nil
}

func (c *Config) Validate() error {
	g := c.NNServer.Lib.Settings.General
	if g.Threshold < 0 || g.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1")
	}
	if g.NMSThreshold < 0 || g.NMSThreshold > 1 {
		return fmt.Errorf("non_maximal_suppression_threshold must be between 0 and 1")
	}
	if g.SortPredictions < 0 || g.SortPredictions > 3 {
		return fmt.Errorf("sort_predictions must be 0, 1, 2 or 3")
	}
	a := c.NNServer.Lib.Settings.Annotation
	if a.ShadePredictions < 0 || a.ShadePredictions > 1 {
		return fmt.Errorf("shade_predictions must be between 0 and 1")
	}
	if c.NNServer.Lib.Settings.Tiling.TilePadding < 0 {
		return fmt.Errorf("tile_padding may not be negative")
	}
	s := c.NNServer.Server.Settings
	if s.OutputDirectory == "" {
		return fmt.Errorf("output_directory is required")
	}
	if !s.UseCameraForInput {
		if s.InputDirectory == "" {
			return fmt.Errorf("input_directory is required")
		}
		// Clearing or purging the outbox would destroy the inbox, and vice versa
		if overlaps(s.InputDirectory, s.OutputDirectory) {
			return fmt.Errorf("input_directory and output_directory may not be the same, or inside each other")
		}
	}
	if s.ExitIfIdle && s.IdleTimeInSeconds <= 0 {
		return fmt.Errorf("idle_time_in_seconds must be positive")
	}
	if s.RunCmdTimeoutInSeconds < 0 {
		return fmt.Errorf("run_cmd_timeout_in_seconds may not be negative")
	}
	if s.PollIntervalInMilliseconds < 0 {
		return fmt.Errorf("poll_interval_in_milliseconds may not be negative")
	}
	if s.Archive.Directory != "" && s.Archive.Bucket != "" {
		return fmt.Errorf("archive: specify either directory or bucket, not both")
	}
	if s.Archive.Directory != "" && overlaps(s.Archive.Directory, s.OutputDirectory) {
		return fmt.Errorf("archive directory may not be the same as output_directory, or inside it")
	}
	return nil
}

// Returns true if a and b are the same directory, or one is inside the other
func overlaps(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		absA, absB = filepath.Clean(a), filepath.Clean(b)
	}
	return inside(absA, absB) || inside(absB, absA)
}

func inside(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (s *ServerSettings) IdleTime() time.Duration {
	return time.Duration(s.IdleTimeInSeconds * float64(time.Second))
}

func (s *ServerSettings) CommandTimeout() time.Duration {
	return time.Duration(s.RunCmdTimeoutInSeconds * float64(time.Second))
}

func (s *ServerSettings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalInMilliseconds) * time.Millisecond
}
