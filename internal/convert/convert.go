// Package convert drives the external model converter. The converter is a
// black box: it is handed the exported trace and input shapes on its
// command line and must leave the target engine's files in the working
// directory.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/example/go-opparity/internal/stage"
)

// Result describes a successful conversion.
type Result struct {
	Handle ArtifactHandle
	// Files are the converted files the target engine will load.
	Files []string
	// Stdout and Stderr hold the converter's captured output, when any.
	Stdout string
	Stderr string
}

// Converter turns <name>.pt in the handle's working directory into the
// target engine's files.
type Converter interface {
	Convert(ctx context.Context, h ArtifactHandle, shapes [][]int64) (Result, error)
}

// ToolError carries the details of a failed converter process.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}

	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}

	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

const stderrTailLines = 20

// ToolConverter runs an external converter executable:
//
//	tool [Prefix...] <name>.pt inputshape=[..],[..] [fp16=1] [Args...]
//
// with the working directory set to the handle's WorkDir. It blocks until
// the process exits and never retries.
type ToolConverter struct {
	Tool   string
	Prefix []string
	Args   []string
	FP16   bool
	// Timeout bounds the process; zero waits indefinitely.
	Timeout time.Duration
}

// CommandLine returns the argument vector (without the tool) for h.
func (c ToolConverter) CommandLine(h ArtifactHandle, shapes [][]int64) []string {
	args := append([]string(nil), c.Prefix...)
	args = append(args, h.TraceFile(), "inputshape="+FormatShapes(shapes))

	if c.FP16 {
		args = append(args, "fp16=1")
	}

	return append(args, c.Args...)
}

func (c ToolConverter) Convert(ctx context.Context, h ArtifactHandle, shapes [][]int64) (Result, error) {
	if c.Tool == "" {
		return Result{}, stage.Errorf(stage.Convert, stage.ErrConfiguration, "no converter tool configured")
	}

	if _, err := h.ExpectedFiles(); err != nil {
		return Result{}, stage.Wrap(stage.Convert, stage.ErrConfiguration, err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)

		defer cancel()
	}

	args := c.CommandLine(h, shapes)

	cmd := exec.CommandContext(ctx, c.Tool, args...)
	cmd.Dir = h.WorkDir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Info("running converter", "scenario", h.Name, "tool", c.Tool, "args", strings.Join(args, " "), "dir", h.WorkDir)

	start := time.Now()
	err := cmd.Run()

	res := Result{Handle: h, Stdout: stdout.String(), Stderr: stderr.String()}

	slog.Debug("converter finished",
		"scenario", h.Name,
		"elapsed", time.Since(start),
		"exit_code", cmd.ProcessState.ExitCode(),
		"stdout", tailLines(res.Stdout, stderrTailLines),
		"stderr", tailLines(res.Stderr, stderrTailLines),
	)

	if err != nil {
		return res, stage.Wrap(stage.Convert, stage.ErrConversion, c.toolError(ctx, err, res.Stderr))
	}

	missing, err := h.Missing()
	if err != nil {
		return res, stage.Wrap(stage.Convert, stage.ErrConversion, err)
	}

	if len(missing) > 0 {
		return res, stage.Errorf(stage.Convert, stage.ErrConversion,
			"%s exited 0 but did not produce %s", c.Tool, strings.Join(missing, ", "))
	}

	res.Files, _ = h.ExpectedFiles()

	return res, nil
}

func (c ToolConverter) toolError(ctx context.Context, err error, stderr string) *ToolError {
	te := &ToolError{Tool: c.Tool, ExitCode: -1, Stderr: tailLines(stderr, stderrTailLines), Err: err}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		te.ExitCode = -1
		te.Err = fmt.Errorf("converter did not finish: %w", ctxErr)
	}

	return te
}

// tailLines returns the last n non-empty lines of s.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
