// Package testutil provides shared skip helpers and fixtures for tests.
//
// Each Require helper calls Skip with a clear human-readable reason when the
// named prerequisite is absent, so integration tests remain runnable in
// partial environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    lib := testutil.RequireONNXRuntime(t)
//	    tool := testutil.RequireConverter(t)
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// RequireConverter skips the test unless an external converter is on PATH.
// OPPARITY_CONVERTER overrides the default opparity-pnnx. It returns the
// resolved executable.
func RequireConverter(tb testing.TB) string {
	tb.Helper()

	exe := os.Getenv("OPPARITY_CONVERTER")
	if exe == "" {
		exe = "opparity-pnnx"
	}

	path, err := exec.LookPath(exe)
	if err != nil {
		tb.Skipf("converter not available (%q not in PATH); set OPPARITY_CONVERTER to override", exe)
		return ""
	}

	return path
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located and returns its path otherwise. It checks (in order): the
// OPPARITY_ORT_LIB env var, then ORT_LIBRARY_PATH, then common system
// library paths.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"OPPARITY_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)

			return ""
		}
	}

	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set OPPARITY_ORT_LIB or ORT_LIBRARY_PATH")

	return ""
}

// WriteScript writes an executable /bin/sh script with body into a fresh
// temp dir and returns its path. Used to stand in for the converter tool.
func WriteScript(tb testing.TB, body string) string {
	tb.Helper()

	if runtime.GOOS == "windows" {
		tb.Skip("shell scripts are not runnable on windows")
		return ""
	}

	p := filepath.Join(tb.TempDir(), "fake-pnnx")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		tb.Fatalf("write script: %v", err)
	}

	return p
}
