package buildinfo

import (
	"os"
	"path/filepath"
)

// Multiarch is filled in by the Debian build system.
// It's the directory you see in /usr/lib/XXX, such as /usr/lib/x86_64-linux-gnu, or /usr/lib/aarch64-linux-gnu.
// If the value of Multiarch is "unknown", then we ignore this path.
var Multiarch = "unknown"

// Version is set with -ldflags "-X github.com/cyclopcam/nnserver/pkg/buildinfo.Version=..."
var Version = "dev"

// ONNXRuntimeLibrary returns the packaged onnxruntime shared library, or an empty string
// if there is no packaged copy, in which case the loader's default search path is used.
func ONNXRuntimeLibrary() string {
	if Multiarch == "unknown" || Multiarch == "" {
		return ""
	}
	candidate := filepath.Join("/usr/lib", Multiarch, "libonnxruntime.so")
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
