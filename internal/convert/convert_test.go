package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-opparity/internal/scenario"
	"github.com/example/go-opparity/internal/stage"
	"github.com/example/go-opparity/internal/testutil"
	"github.com/example/go-opparity/internal/trace"
)

// producesAll writes every ncnn file next to the .pt argument, wherever it
// appears on the command line, and records the command line.
const producesAll = `for arg in "$@"; do
  case "$arg" in *.pt) name=$(basename "$arg" .pt) ;; esac
done
echo "$@" > args.txt
pwd > cwd.txt
: > "$name.ncnn.param"
: > "$name.ncnn.bin"
: > "${name}_ncnn.py"
`

func TestHandlePaths(t *testing.T) {
	h := NewHandle("/w", "F_silu", "ncnn")

	assert.Equal(t, "F_silu.pt", h.TraceFile())
	assert.Equal(t, "/w/F_silu.pt", h.TracePath())
	assert.Equal(t, "/w/F_silu.pnnx.param", h.PNNXParamPath())
	assert.Equal(t, "/w/F_silu_pnnx.py", h.PNNXPyPath())
	assert.Equal(t, "/w/F_silu.ncnn.bin", h.NCNNBinPath())
	assert.Equal(t, "/w/F_silu.pnnx.onnx", h.ONNXPath())

	files, err := h.ExpectedFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"/w/F_silu.ncnn.param", "/w/F_silu.ncnn.bin", "/w/F_silu_ncnn.py"}, files)

	_, err = NewHandle("/w", "x", "tflite").ExpectedFiles()
	assert.Error(t, err)
}

func TestShapeDescriptors(t *testing.T) {
	shapes := [][]int64{{1, 16}, {1, 2, 16}, {1, 3, 12, 16}}
	s := FormatShapes(shapes)
	assert.Equal(t, "[1,16],[1,2,16],[1,3,12,16]", s)

	got, err := ParseShapes(s)
	require.NoError(t, err)
	assert.Equal(t, shapes, got)

	got, err = ParseShapes("[1,12,128]f32,[2]i64")
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 12, 128}, {2}}, got)

	for _, bad := range []string{"1,2", "[1,2", "[]", "[1,0]", "[1,a]", "[1]x[2]", "[1],"} {
		_, err := ParseShapes(bad)
		assert.Error(t, err, bad)
	}
}

func TestToolConverterSuccess(t *testing.T) {
	tool := testutil.WriteScript(t, producesAll)
	dir := t.TempDir()
	h := NewHandle(dir, "F_silu", "ncnn")

	c := New(tool+" --flag", []string{"optlevel=2"}, true)

	res, err := c.Convert(context.Background(), h, [][]int64{{1, 16}, {1, 2, 16}})
	require.NoError(t, err)
	assert.Len(t, res.Files, 3)

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--flag F_silu.pt inputshape=[1,16],[1,2,16] fp16=1 optlevel=2", strings.TrimSpace(string(args)))

	cwd, err := os.ReadFile(filepath.Join(dir, "cwd.txt"))
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	got, err := filepath.EvalSymlinks(strings.TrimSpace(string(cwd)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestToolConverterNonZeroExit(t *testing.T) {
	tool := testutil.WriteScript(t, "echo 'line one' >&2\necho 'unsupported operator' >&2\nexit 3\n")
	h := NewHandle(t.TempDir(), "F_silu", "ncnn")

	_, err := ToolConverter{Tool: tool}.Convert(context.Background(), h, [][]int64{{1, 16}})
	require.Error(t, err)

	assert.ErrorIs(t, err, stage.ErrConversion)
	assert.NotErrorIs(t, err, stage.ErrMismatch)
	assert.Equal(t, stage.Convert, stage.StageOf(err))

	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.ExitCode)
	assert.Contains(t, te.Stderr, "unsupported operator")
	assert.Contains(t, err.Error(), "exited with code 3")
}

func TestToolConverterMissingFiles(t *testing.T) {
	tool := testutil.WriteScript(t, `name=$(basename "$1" .pt)
: > "$name.ncnn.param"
`)
	h := NewHandle(t.TempDir(), "F_silu", "ncnn")

	_, err := ToolConverter{Tool: tool}.Convert(context.Background(), h, [][]int64{{1, 16}})
	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrConversion)
	assert.Contains(t, err.Error(), "F_silu.ncnn.bin")
	assert.Contains(t, err.Error(), "F_silu_ncnn.py")
}

func TestToolConverterNotFound(t *testing.T) {
	h := NewHandle(t.TempDir(), "F_silu", "pnnx")

	_, err := ToolConverter{Tool: filepath.Join(t.TempDir(), "no-such-tool")}.Convert(context.Background(), h, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrConversion)
}

func TestToolConverterTimeout(t *testing.T) {
	tool := testutil.WriteScript(t, "exec sleep 10\n")
	h := NewHandle(t.TempDir(), "F_silu", "ncnn")

	start := time.Now()
	_, err := New(tool, nil, false, WithTimeout(100*time.Millisecond)).Convert(context.Background(), h, [][]int64{{1, 16}})
	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrConversion)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestToolConverterRequiresTool(t *testing.T) {
	_, err := ToolConverter{}.Convert(context.Background(), NewHandle(t.TempDir(), "x", "ncnn"), nil)
	assert.ErrorIs(t, err, stage.ErrConfiguration)
}

func TestBuiltinProducesTargetFiles(t *testing.T) {
	all, err := scenario.Builtins()
	require.NoError(t, err)

	sel, err := scenario.Select(all, []string{"F_silu"})
	require.NoError(t, err)

	b, err := sel[0].Bind()
	require.NoError(t, err)

	tr, err := trace.Capture(sel[0], b)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, trace.Save(filepath.Join(dir, "F_silu.pt"), tr))

	for _, target := range []string{"pnnx", "ncnn", "onnx"} {
		h := NewHandle(dir, "F_silu", target)

		res, err := New("builtin", nil, false).Convert(context.Background(), h, tr.InputShapes())
		require.NoError(t, err, target)

		for _, f := range res.Files {
			assert.FileExists(t, f)
		}
	}

	_, err = Builtin{}.Convert(context.Background(), NewHandle(dir, "F_silu", "ncnn"), [][]int64{{1, 16}})
	assert.ErrorIs(t, err, stage.ErrConversion)
}

func TestTailLines(t *testing.T) {
	var sb strings.Builder
	for i := range 30 {
		sb.WriteString(strings.Repeat("x", i%3+1))
		sb.WriteByte('\n')
	}

	assert.Len(t, strings.Split(tailLines(sb.String(), 5), "\n"), 5)
	assert.Equal(t, "", tailLines("", 5))
}
