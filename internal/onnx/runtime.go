package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"sync"

	"github.com/example/go-opparity/internal/config"
)

// LibraryEnv names the variable Bootstrap exports so converter child
// processes load the same ONNX Runtime build as the harness.
const LibraryEnv = "OPPARITY_ORT_LIB"

// RuntimeInfo describes the ONNX Runtime shared library in use.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
	// Source names where the library path came from.
	Source      string
	Initialized bool
}

var versionPattern = regexp.MustCompile(`(\d+\.\d+\.\d+)`)

type librarySource struct {
	name string
	path func(config.RuntimeConfig) string
}

// librarySources are consulted in order; the first non-empty path wins
// even when it does not exist, so a bad explicit setting is reported
// instead of silently replaced by a system library.
var librarySources = []librarySource{
	{"config", func(c config.RuntimeConfig) string { return c.ORTLibraryPath }},
	{LibraryEnv, func(config.RuntimeConfig) string { return os.Getenv(LibraryEnv) }},
	{"ORT_LIBRARY_PATH", func(config.RuntimeConfig) string { return os.Getenv("ORT_LIBRARY_PATH") }},
	{"system", func(config.RuntimeConfig) string { return findSystemLibrary(runtime.GOOS) }},
}

var process struct {
	mu       sync.Mutex
	resolved bool
	info     RuntimeInfo
	err      error
}

// Bootstrap resolves the runtime library once per process. Later calls
// return the first result regardless of cfg until Shutdown.
func Bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	process.mu.Lock()
	defer process.mu.Unlock()

	if !process.resolved {
		process.info, process.err = bootstrap(cfg)
		process.resolved = true
	}

	return process.info, process.err
}

func bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	info, err := DetectRuntime(cfg)
	if err != nil {
		return RuntimeInfo{}, err
	}

	if err := os.Setenv(LibraryEnv, info.LibraryPath); err != nil {
		return RuntimeInfo{}, fmt.Errorf("set %s: %w", LibraryEnv, err)
	}

	info.Initialized = true

	return info, nil
}

// Shutdown releases the process-wide runtime. It fails while runners are
// still open. A later Bootstrap resolves the library again.
func Shutdown() error {
	process.mu.Lock()
	defer process.mu.Unlock()

	if !process.resolved {
		return nil
	}

	if err := releaseShared(); err != nil {
		return err
	}

	process.resolved = false
	process.info = RuntimeInfo{}
	process.err = nil

	return nil
}

// DetectRuntime locates the ONNX Runtime library and its version without
// loading it.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	var info RuntimeInfo

	for _, src := range librarySources {
		if p := src.path(cfg); p != "" {
			info.LibraryPath, info.Source = p, src.name
			break
		}
	}

	if info.LibraryPath == "" {
		return RuntimeInfo{LibraryPath: "not found", Version: "unknown"}, errors.New("unable to detect ONNX Runtime library path")
	}

	if _, err := os.Stat(info.LibraryPath); err != nil {
		info.Version = "unknown"
		return info, fmt.Errorf("onnx runtime library (%s): %w", info.Source, err)
	}

	info.Version = firstNonEmpty(cfg.ORTVersion, os.Getenv("ORT_VERSION"), inferVersion(info.LibraryPath), "unknown")

	return info, nil
}

// inferVersion reads a semantic version from the library file name,
// following a symlink such as libonnxruntime.so -> libonnxruntime.so.1.22.0.
func inferVersion(path string) string {
	if m := versionPattern.FindStringSubmatch(filepath.Base(path)); m != nil {
		return m[1]
	}

	target, err := filepath.EvalSymlinks(path)
	if err != nil || target == path {
		return ""
	}

	if m := versionPattern.FindStringSubmatch(filepath.Base(target)); m != nil {
		return m[1]
	}

	return ""
}

type systemLayout struct {
	dirs     []string
	names    []string
	versions string
}

var systemLayouts = map[string]systemLayout{
	"linux": {
		dirs:     []string{"/usr/lib", "/usr/local/lib", "/usr/lib/x86_64-linux-gnu", "/usr/lib/aarch64-linux-gnu"},
		names:    []string{"libonnxruntime.so"},
		versions: "libonnxruntime.so.*",
	},
	"darwin": {
		dirs:     []string{"/opt/homebrew/lib", "/usr/local/lib"},
		names:    []string{"libonnxruntime.dylib"},
		versions: "libonnxruntime.*.dylib",
	},
	"windows": {
		dirs:  []string{"C:/onnxruntime/lib"},
		names: []string{"onnxruntime.dll"},
	},
}

// findSystemLibrary returns the first unversioned library in the usual
// install directories, then the highest versioned one.
func findSystemLibrary(goos string) string {
	layout, ok := systemLayouts[goos]
	if !ok {
		return ""
	}

	for _, dir := range layout.dirs {
		for _, name := range layout.names {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}

	if layout.versions == "" {
		return ""
	}

	var versioned []string

	for _, dir := range layout.dirs {
		matches, _ := filepath.Glob(filepath.Join(dir, layout.versions))
		versioned = append(versioned, matches...)
	}

	if len(versioned) == 0 {
		return ""
	}

	slices.Sort(versioned)

	return versioned[len(versioned)-1]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
