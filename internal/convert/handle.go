package convert

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/go-opparity/internal/config"
)

// ArtifactHandle names every file a scenario produces inside its working
// directory. All paths are derived from WorkDir and Name.
type ArtifactHandle struct {
	WorkDir string
	Name    string
	// Target selects which converted files must exist after conversion.
	Target string
}

func NewHandle(workDir, name, target string) ArtifactHandle {
	return ArtifactHandle{WorkDir: workDir, Name: name, Target: target}
}

func (h ArtifactHandle) path(suffix string) string {
	return filepath.Join(h.WorkDir, h.Name+suffix)
}

// TraceFile is the file name (relative to WorkDir) handed to the converter.
func (h ArtifactHandle) TraceFile() string { return h.Name + ".pt" }

func (h ArtifactHandle) TracePath() string     { return h.path(".pt") }
func (h ArtifactHandle) PNNXParamPath() string { return h.path(".pnnx.param") }
func (h ArtifactHandle) PNNXBinPath() string   { return h.path(".pnnx.bin") }
func (h ArtifactHandle) PNNXPyPath() string    { return h.path("_pnnx.py") }
func (h ArtifactHandle) NCNNParamPath() string { return h.path(".ncnn.param") }
func (h ArtifactHandle) NCNNBinPath() string   { return h.path(".ncnn.bin") }
func (h ArtifactHandle) NCNNPyPath() string    { return h.path("_ncnn.py") }
func (h ArtifactHandle) ONNXPath() string      { return h.path(".pnnx.onnx") }

// ExpectedFiles lists the converted files the target engine loads.
func (h ArtifactHandle) ExpectedFiles() ([]string, error) {
	switch h.Target {
	case config.TargetPNNX:
		return []string{h.PNNXParamPath(), h.PNNXBinPath(), h.PNNXPyPath()}, nil
	case config.TargetNCNN:
		return []string{h.NCNNParamPath(), h.NCNNBinPath(), h.NCNNPyPath()}, nil
	case config.TargetONNX:
		return []string{h.ONNXPath()}, nil
	default:
		return nil, fmt.Errorf("convert: unknown target %q", h.Target)
	}
}

// Missing returns the expected files that do not exist.
func (h ArtifactHandle) Missing() ([]string, error) {
	files, err := h.ExpectedFiles()
	if err != nil {
		return nil, err
	}

	var missing []string

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			missing = append(missing, filepath.Base(f))
		}
	}

	return missing, nil
}
