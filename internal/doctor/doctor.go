// Package doctor provides environment preflight checks for opparity.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// RuntimeFunc returns the ONNX Runtime library path and version.
type RuntimeFunc func() (path, version string, err error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// ConverterPath resolves the converter executable.
	ConverterPath VersionFunc
	// SkipConverter skips the converter check (in-process converter).
	SkipConverter bool
	// WorkDir must be creatable and writable.
	WorkDir string
	// Scenarios loads the scenario catalog and returns its size.
	Scenarios func() (int, error)
	// Runtime detects ONNX Runtime; it is only required for the onnx target.
	Runtime RuntimeFunc
	// SkipRuntime skips the ONNX Runtime check.
	SkipRuntime bool
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- converter tool ---------------------------------------------------
	if cfg.SkipConverter || cfg.ConverterPath == nil {
		fmt.Fprintf(w, "%s converter: builtin\n", PassMark)
	} else {
		path, err := cfg.ConverterPath()
		if err != nil {
			res.fail(fmt.Sprintf("converter: %v", err))
			fmt.Fprintf(w, "%s converter: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s converter: %s\n", PassMark, path)
		}
	}

	// ---- work dir ---------------------------------------------------------
	if err := checkWritable(cfg.WorkDir); err != nil {
		res.fail(fmt.Sprintf("work dir %q: %v", cfg.WorkDir, err))
		fmt.Fprintf(w, "%s work dir %s: %v\n", FailMark, cfg.WorkDir, err)
	} else {
		fmt.Fprintf(w, "%s work dir: %s\n", PassMark, cfg.WorkDir)
	}

	// ---- scenarios --------------------------------------------------------
	if cfg.Scenarios != nil {
		n, err := cfg.Scenarios()
		if err != nil {
			res.fail(fmt.Sprintf("scenarios: %v", err))
			fmt.Fprintf(w, "%s scenarios: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s scenarios: %d loaded\n", PassMark, n)
		}
	}

	// ---- ONNX Runtime -----------------------------------------------------
	switch {
	case cfg.SkipRuntime || cfg.Runtime == nil:
		fmt.Fprintf(w, "%s onnx runtime: skipped (target does not use it)\n", PassMark)
	default:
		path, ver, err := cfg.Runtime()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if verErr := checkORTVersion(ver); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s (%s)\n", PassMark, path, ver)
		}
	}

	return res
}

func checkWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("not configured")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}

	name := f.Name()
	f.Close()

	return os.Remove(name)
}

// minORTMinor is the oldest 1.x release whose C API the runner binds.
const minORTMinor = 17

// checkORTVersion returns an error if ver is a known version older than
// 1.17. An unknown version passes; the library is still probed on first
// use.
func checkORTVersion(ver string) error {
	if ver == "" || ver == "unknown" {
		return nil
	}

	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}
	if minor < minORTMinor {
		return fmt.Errorf("requires ONNX Runtime >=1.%d, got 1.%d", minORTMinor, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
