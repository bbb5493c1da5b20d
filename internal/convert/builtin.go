package convert

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/example/go-opparity/internal/pnnx"
	"github.com/example/go-opparity/internal/stage"
	"github.com/example/go-opparity/internal/trace"
)

// Builtin converts in process with the same writers the opparity-pnnx
// tool uses. It is selected with converter tool "builtin".
type Builtin struct {
	FP16 bool
}

func (b Builtin) Convert(ctx context.Context, h ArtifactHandle, shapes [][]int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, stage.Wrap(stage.Convert, stage.ErrConversion, err)
	}

	if _, err := h.ExpectedFiles(); err != nil {
		return Result{}, stage.Wrap(stage.Convert, stage.ErrConfiguration, err)
	}

	tr, err := trace.Load(h.TracePath())
	if err != nil {
		return Result{}, stage.Wrap(stage.Convert, stage.ErrConversion, err)
	}

	if len(shapes) > 0 {
		tr, err = tr.Reshape(shapes)
		if err != nil {
			return Result{}, stage.Wrap(stage.Convert, stage.ErrConversion, err)
		}
	}

	opts := pnnx.OptionsFor(h.TracePath())
	opts.FP16 = b.FP16

	slog.Info("converting in process", "scenario", h.Name, "inputshape", FormatShapes(tr.InputShapes()), "fp16", b.FP16)

	if err := pnnx.Write(tr, opts); err != nil {
		return Result{}, stage.Wrap(stage.Convert, stage.ErrConversion, err)
	}

	missing, err := h.Missing()
	if err != nil {
		return Result{}, stage.Wrap(stage.Convert, stage.ErrConversion, err)
	}

	if len(missing) > 0 {
		return Result{}, stage.Errorf(stage.Convert, stage.ErrConversion, "builtin converter did not produce %s", strings.Join(missing, ", "))
	}

	files, _ := h.ExpectedFiles()

	return Result{Handle: h, Files: files}, nil
}

// New returns the converter selected by tool: Builtin for "builtin",
// otherwise a ToolConverter. A tool string containing spaces is split
// into the executable and leading arguments.
func New(tool string, args []string, fp16 bool, opts ...Option) Converter {
	if strings.TrimSpace(tool) == "builtin" {
		return Builtin{FP16: fp16}
	}

	fields := strings.Fields(tool)

	c := ToolConverter{Args: args, FP16: fp16}
	if len(fields) > 0 {
		c.Tool = fields[0]
		c.Prefix = fields[1:]
	}

	for _, o := range opts {
		o(&c)
	}

	return c
}

// Option adjusts a ToolConverter built by New.
type Option func(*ToolConverter)

func WithTimeout(d time.Duration) Option {
	return func(c *ToolConverter) { c.Timeout = d }
}
