//go:build integration

package target

import (
	"testing"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/onnx"
)

func TestONNXMatchesReference(t *testing.T) {
	if _, err := onnx.DetectRuntime(config.RuntimeConfig{}); err != nil {
		t.Skipf("ONNX Runtime library not detected: %v", err)
	}

	for _, name := range builtinNames {
		t.Run(name, func(t *testing.T) {
			c := convertBuiltin(t, name, config.TargetONNX, false)

			got := runEngine(t, c)
			requireParity(t, reference(t, c.trace, c.inputs), got, compare.DefaultTolerance)
		})
	}
}
