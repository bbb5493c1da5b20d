package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Session describes one ONNX model file and its graph interface in
// declaration order.
type Session struct {
	Name string
	Path string

	Inputs  []ValueInfo
	Outputs []ValueInfo
}

// OpenSession reads the graph interface of the model at path. The session
// name defaults to the file's base name without extension.
func OpenSession(path string) (Session, error) {
	if path == "" {
		return Session{}, errors.New("model path is required")
	}

	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return Session{}, fmt.Errorf("onnx model: %w", err)
	}

	inputs, outputs, err := ReadModelIO(path)
	if err != nil {
		return Session{}, err
	}

	if len(outputs) == 0 {
		return Session{}, fmt.Errorf("onnx model %s declares no outputs", path)
	}

	s := Session{
		Name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:    path,
		Inputs:  inputs,
		Outputs: outputs,
	}

	slog.Debug(
		"loaded ONNX session",
		"name", s.Name,
		"path", s.Path,
		"inputs", valueNames(s.Inputs),
		"outputs", valueNames(s.Outputs),
	)

	return s, nil
}

// InputNames returns the graph input names in declaration order.
func (s Session) InputNames() []string {
	return names(s.Inputs)
}

// OutputNames returns the graph output names in declaration order.
func (s Session) OutputNames() []string {
	return names(s.Outputs)
}

func names(vals []ValueInfo) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.Name)
	}

	return out
}

func valueNames(vals []ValueInfo) string {
	return strings.Join(names(vals), ",")
}
