package pnnx

import (
	"bytes"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/example/go-opparity/internal/trace"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

type pyAttr struct {
	Field string
	Key   string
	Shape string
}

type pyInput struct {
	Var   string
	Shape string
}

// pnnxPy renders the torch stub that rebuilds the graph from pnnx.bin.
func pnnxPy(t *trace.Trace, bin string) ([]byte, error) {
	data := struct {
		Bin     string
		Attrs   []pyAttr
		Args    string
		Lines   []string
		Returns string
		Inputs  []pyInput
	}{Bin: bin}

	args := make([]string, len(t.Inputs))
	for i, in := range t.Inputs {
		args[i] = pyVar(in.Name)
		data.Inputs = append(data.Inputs, pyInput{Var: args[i], Shape: pyShape(in.Shape)})
	}

	data.Args = strings.Join(args, ", ")

	for _, n := range t.Nodes {
		for _, attr := range n.Attrs {
			key := trace.AttrKey(n.Name, attr)
			data.Attrs = append(data.Attrs, pyAttr{
				Field: pyField(key),
				Key:   key,
				Shape: pyTuple(t.Attributes[key].Shape()),
			})
		}

		data.Lines = append(data.Lines, pyCall(n))
	}

	rets := make([]string, len(t.Outputs))
	for i, name := range t.Outputs {
		rets[i] = pyVar(name)
	}

	data.Returns = strings.Join(rets, ", ")

	return render("pnnx_py.tmpl", data)
}

// ncnnPy renders the ncnn python stub that feeds in0.. and extracts out0..
func ncnnPy(t *trace.Trace, param, bin string) ([]byte, error) {
	data := struct {
		Param   string
		Bin     string
		Inputs  []pyInput
		Outputs []string
	}{Param: param, Bin: bin}

	for i, in := range t.Inputs {
		data.Inputs = append(data.Inputs, pyInput{Var: fmt.Sprintf("in%d", i), Shape: pyShape(in.Shape)})
	}

	for i := range t.Outputs {
		data.Outputs = append(data.Outputs, fmt.Sprintf("out%d", i))
	}

	return render("ncnn_py.tmpl", data)
}

func render(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("pnnx: render %s: %w", name, err)
	}

	return buf.Bytes(), nil
}

func pyCall(n trace.Node) string {
	outs := make([]string, len(n.Outputs))
	for i, v := range n.Outputs {
		outs[i] = pyVar(v.Name)
	}

	var args []string

	for i, ref := range n.Inputs {
		key := "input"
		if i == 1 {
			key = "other"
		}

		args = append(args, key+"="+pyVar(ref))
	}

	for _, attr := range n.Attrs {
		args = append(args, attr+"=self."+pyField(trace.AttrKey(n.Name, attr)))
	}

	p := nodeParams(n)
	for _, key := range sortedParams(p) {
		args = append(args, key+"="+pyValue(p[key]))
	}

	return fmt.Sprintf("%s = %s(%s)", strings.Join(outs, ", "), n.Op, strings.Join(args, ", "))
}

func pyVar(name string) string { return "v_" + pyField(name) }

func pyField(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '-' {
			return '_'
		}

		return r
	}, name)
}

// pyShape renders torch.rand positional size arguments.
func pyShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}

	return strings.Join(parts, ", ")
}

// pyTuple renders a tuple literal the way pnnx does: no spaces, and a
// trailing comma for a single element.
func pyTuple(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}

	if len(shape) == 1 {
		return "(" + parts[0] + ",)"
	}

	return "(" + strings.Join(parts, ",") + ")"
}

func pyValue(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "True"
		}

		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []int64:
		return pyTuple(x)
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}
