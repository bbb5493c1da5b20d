//go:build windows

package onnx

import (
	"context"
	"errors"
	"fmt"
)

var errNoRunner = errors.New("native onnx runner is unavailable on windows")

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner only carries its graph interface on windows; every Run fails.
type Runner struct {
	meta Session
}

func NewRunner(meta Session, _ RunnerConfig) (*Runner, error) {
	return nil, fmt.Errorf("graph %q: %w", meta.Name, errNoRunner)
}

func (r *Runner) Run(_ context.Context, _ map[string]*Tensor) (map[string]*Tensor, error) {
	return nil, fmt.Errorf("graph %q: %w", r.meta.Name, errNoRunner)
}

func (r *Runner) Close() {}

func (r *Runner) Name() string { return r.meta.Name }

func (r *Runner) Session() Session { return r.meta }

func releaseShared() error { return nil }
