package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	defaults := map[string]any{
		"a": 1.0,
		"obj": map[string]any{
			"x": "hello",
			"y": true,
		},
	}
	overrides := map[string]any{
		"a": 2.0,
		"obj": map[string]any{
			"y": false,
		},
	}
	merged, warnings := Merge(defaults, overrides)
	require.Empty(t, warnings)
	require.Equal(t, 2.0, merged["a"])
	require.Equal(t, map[string]any{"x": "hello", "y": false}, merged["obj"])

	// Inputs are not modified
	require.Equal(t, 1.0, defaults["a"])
	require.Equal(t, true, defaults["obj"].(map[string]any)["y"])
}

func TestMergeUnknown(t *testing.T) {
	defaults := map[string]any{
		"obj": map[string]any{"x": 1.0},
	}
	overrides := map[string]any{
		"obj":    map[string]any{"typo": 5.0},
		"newobj": map[string]any{"z": 1.0},
	}
	merged, warnings := Merge(defaults, overrides)
	require.Len(t, warnings, 2)
	// Keys are visited in sorted order
	require.True(t, strings.HasPrefix(warnings[0], `The object "newobj" seems to be unknown: `), warnings[0])
	require.True(t, strings.HasPrefix(warnings[1], `The key "typo" seems to be unknown: {"typo":5}`), warnings[1])

	// Unknown keys are still carried over
	require.Equal(t, 5.0, merged["obj"].(map[string]any)["typo"])
	require.Equal(t, map[string]any{"z": 1.0}, merged["newobj"])
}

func TestParseDefaults(t *testing.T) {
	cfg, merged, warnings, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, DefaultConfig(), cfg)
	require.Equal(t, Defaults(), merged)
}

func TestParseOverrides(t *testing.T) {
	raw := `{
		"nnserver": {
			"lib": {
				"network": {"driver": "http", "url": "http://localhost:8000/detect"},
				"settings": {"general": {"threshold": 0.3}}
			},
			"server": {
				"settings": {
					"max_images_to_process_at_once": 10,
					"run_cmd_after_processing_images": "echo done",
					"camera": {"name": "0"}
				}
			}
		}
	}`
	cfg, _, _, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "http", cfg.NNServer.Lib.Network.Driver)
	require.Equal(t, "http://localhost:8000/detect", cfg.NNServer.Lib.Network.URL)
	require.Equal(t, float32(0.3), cfg.NNServer.Lib.Settings.General.Threshold)
	// Untouched siblings keep their defaults
	require.Equal(t, float32(0.45), cfg.NNServer.Lib.Settings.General.NMSThreshold)
	s := cfg.NNServer.Server.Settings
	require.Equal(t, 10, s.MaxImagesToProcessAtOnce)
	require.Equal(t, "echo done", s.RunCmdAfterProcessingImages)
	require.Equal(t, "0", s.Camera.Name)
	require.Equal(t, 640, s.Camera.Width)
	require.True(t, s.SaveJSONResults)
}

func TestParseUnknownKey(t *testing.T) {
	raw := `{"nnserver": {"server": {"settings": {"save_json_resluts": false}}}}`
	cfg, merged, warnings, err := Parse([]byte(raw))
	require.ErrorIs(t, err, ErrUnknownKey)
	require.Nil(t, cfg)
	require.NotNil(t, merged)
	require.Len(t, warnings, 1)
	require.Contains(t, err.Error(), `The key "save_json_resluts" seems to be unknown`)

	_, _, _, err = Parse([]byte(`{"darkness": {}}`))
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestParseInvalid(t *testing.T) {
	_, _, _, err := Parse([]byte(`{not json`))
	require.Error(t, err)

	// Wrong type
	_, _, _, err = Parse([]byte(`{"nnserver": {"server": {"settings": {"exit_if_idle": "yes"}}}}`))
	require.Error(t, err)

	// Fails validation
	_, _, _, err = Parse([]byte(`{"nnserver": {"lib": {"settings": {"general": {"threshold": 2}}}}}`))
	require.Error(t, err)

	_, _, _, err = Parse([]byte(`{"nnserver": {"server": {"settings": {"input_directory": "/x", "output_directory": "/x/"}}}}`))
	require.Error(t, err)
}

func TestValidateDirectoryNesting(t *testing.T) {
	cases := []struct {
		input   string
		output  string
		archive string
		valid   bool
	}{
		{"/srv/in", "/srv/out", "", true},
		{"/srv/in", "/srv/inbox", "", true},
		{"/srv/in", "/srv/in/out", "", false},
		{"/srv/in/../out/in", "/srv/out", "", false},
		{"/srv/in", "/srv", "", false},
		{"/srv/in", "/srv/out", "/srv/archive", true},
		{"/srv/in", "/srv/out", "/srv/out/archive", false},
		{"/srv/in", "/srv/out", "/srv", false},
		{"..foo", ".", "", false},
	}
	for _, c := range cases {
		cfg := DefaultConfig()
		s := &cfg.NNServer.Server.Settings
		s.InputDirectory = c.input
		s.OutputDirectory = c.output
		s.Archive.Directory = c.archive
		err := cfg.Validate()
		if c.valid {
			require.NoError(t, err, "%+v", c)
		} else {
			require.Error(t, err, "%+v", c)
		}
	}

	// A camera has no inbox
	cfg := DefaultConfig()
	cfg.NNServer.Server.Settings.UseCameraForInput = true
	cfg.NNServer.Server.Settings.InputDirectory = cfg.NNServer.Server.Settings.OutputDirectory
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"nnserver": {"server": {"settings": {"exit_if_idle": true, "idle_time_in_seconds": 2.5}}}}`), 0644))
	cfg, _, _, err := Load(fn)
	require.NoError(t, err)
	require.True(t, cfg.NNServer.Server.Settings.ExitIfIdle)
	require.Equal(t, 2500.0, float64(cfg.NNServer.Server.Settings.IdleTime().Milliseconds()))

	_, _, _, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestDefaultJSON(t *testing.T) {
	s := DefaultJSON()
	require.Contains(t, s, `"nnserver"`)
	require.Contains(t, s, `    "`)
	require.Contains(t, s, `"max_images_to_process_at_once": 1`)
}
