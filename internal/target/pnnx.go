package target

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/example/go-opparity/internal/inputs"
	"github.com/example/go-opparity/internal/opset"
	"github.com/example/go-opparity/internal/pnnx"
	"github.com/example/go-opparity/internal/runtime/tensor"
)

// annotation is a "#name=(shape)dtype" or "@attr=(shape)f32" entry.
type annotation struct {
	Shape []int64
	Kind  tensor.Kind
}

type pnnxNode struct {
	Type    string
	Name    string
	Op      *opset.Op
	Inputs  []string
	Outputs []string
	Params  opset.Params
	Weights map[string]*tensor.Tensor
}

type pnnxEngine struct {
	inputs   []string
	nodes    []pnnxNode
	outputs  []string
	operands map[string]annotation
}

func openPNNX(paramPath, binPath string) (*pnnxEngine, error) {
	param, err := readFile(paramPath)
	if err != nil {
		return nil, err
	}

	bin, err := readFile(binPath)
	if err != nil {
		return nil, err
	}

	attrs, err := readPNNXBin(bin)
	if err != nil {
		return nil, loadf("pnnx: %s: %w", binPath, err)
	}

	e, err := parsePNNX(param, attrs)
	if err != nil {
		return nil, loadf("pnnx: %s: %w", paramPath, err)
	}

	return e, nil
}

// readPNNXBin returns the raw bytes of every stored attribute entry.
func readPNNXBin(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open attribute archive: %w", err)
	}

	out := make(map[string][]byte, len(zr.File))

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}

		b, err := io.ReadAll(rc)
		_ = rc.Close()

		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}

		out[f.Name] = b
	}

	return out, nil
}

func parsePNNX(param []byte, attrs map[string][]byte) (*pnnxEngine, error) {
	sc := bufio.NewScanner(bytes.NewReader(param))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lines []string

	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(lines) < 2 {
		return nil, fmt.Errorf("truncated header")
	}

	if lines[0] != strconv.Itoa(pnnx.Magic) {
		return nil, fmt.Errorf("bad magic %q", lines[0])
	}

	var opCount, operandCount int
	if _, err := fmt.Sscanf(lines[1], "%d %d", &opCount, &operandCount); err != nil {
		return nil, fmt.Errorf("bad counts line %q: %w", lines[1], err)
	}

	if len(lines)-2 != opCount {
		return nil, fmt.Errorf("header declares %d ops, found %d", opCount, len(lines)-2)
	}

	e := &pnnxEngine{operands: map[string]annotation{}}

	for i, line := range lines[2:] {
		if err := e.parseLine(line, attrs); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+3, err)
		}
	}

	if len(e.operands) != operandCount {
		return nil, fmt.Errorf("header declares %d operands, annotated %d", operandCount, len(e.operands))
	}

	if len(e.outputs) == 0 {
		return nil, fmt.Errorf("graph has no %s", pnnx.OutputOp)
	}

	return e, nil
}

func (e *pnnxEngine) parseLine(line string, attrs map[string][]byte) error {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return fmt.Errorf("malformed op line %q", line)
	}

	typ, name := fields[0], fields[1]

	nIn, err1 := strconv.Atoi(fields[2])
	nOut, err2 := strconv.Atoi(fields[3])

	if err1 != nil || err2 != nil || nIn < 0 || nOut < 0 || len(fields) < 4+nIn+nOut {
		return fmt.Errorf("op %s: malformed operand counts", name)
	}

	ins := fields[4 : 4+nIn]
	outs := fields[4+nIn : 4+nIn+nOut]
	raw := map[string]any{}
	attrShapes := map[string][]int64{}

	var op *opset.Op

	if typ != pnnx.InputOp && typ != pnnx.OutputOp {
		var ok bool

		op, ok = opset.Lookup(typ)
		if !ok {
			return fmt.Errorf("op %s: unsupported operator %q", name, typ)
		}
	}

	for _, tok := range fields[4+nIn+nOut:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			return fmt.Errorf("op %s: malformed token %q", name, tok)
		}

		switch {
		case strings.HasPrefix(key, "#"):
			a, err := parseAnnotation(value)
			if err != nil {
				return fmt.Errorf("op %s: operand %s: %w", name, key[1:], err)
			}

			if prev, seen := e.operands[key[1:]]; seen && (!tensor.ShapeEqual(prev.Shape, a.Shape) || prev.Kind != a.Kind) {
				return fmt.Errorf("op %s: operand %s annotated inconsistently", name, key[1:])
			}

			e.operands[key[1:]] = a
		case strings.HasPrefix(key, "@"):
			a, err := parseAnnotation(value)
			if err != nil || a.Kind != tensor.Continuous {
				return fmt.Errorf("op %s: attribute %s has unsupported annotation %q", name, key[1:], value)
			}

			attrShapes[key[1:]] = a.Shape
		default:
			if op == nil {
				return fmt.Errorf("op %s: %s takes no parameters", name, typ)
			}

			v, err := parseParam(op, key, value)
			if err != nil {
				return fmt.Errorf("op %s: %w", name, err)
			}

			raw[key] = v
		}
	}

	switch typ {
	case pnnx.InputOp:
		if nIn != 0 || nOut != 1 {
			return fmt.Errorf("op %s: %s must have 0 inputs and 1 output", name, typ)
		}

		e.inputs = append(e.inputs, outs[0])

		return nil
	case pnnx.OutputOp:
		if nIn != 1 || nOut != 0 {
			return fmt.Errorf("op %s: %s must have 1 input and 0 outputs", name, typ)
		}

		e.outputs = append(e.outputs, ins[0])

		return nil
	}

	params, err := opset.Normalize(op.Params, raw)
	if err != nil {
		return fmt.Errorf("op %s: %w", name, err)
	}

	weights := make(map[string]*tensor.Tensor, len(attrShapes))

	for attr, shape := range attrShapes {
		w, err := attrTensor(attrs, name+"."+attr, shape)
		if err != nil {
			return fmt.Errorf("op %s: %w", name, err)
		}

		weights[attr] = w
	}

	if err := e.check(name, op, ins, outs, attrShapes, params); err != nil {
		return err
	}

	e.nodes = append(e.nodes, pnnxNode{
		Type:    typ,
		Name:    name,
		Op:      op,
		Inputs:  append([]string(nil), ins...),
		Outputs: append([]string(nil), outs...),
		Params:  params,
		Weights: weights,
	})

	return nil
}

// check validates a node against its operand annotations by re-running the
// operator's shape inference.
func (e *pnnxEngine) check(name string, op *opset.Op, ins, outs []string, attrShapes map[string][]int64, p opset.Params) error {
	operands := make([]opset.Operand, len(ins))

	for i, ref := range ins {
		a, ok := e.operands[ref]
		if !ok {
			return fmt.Errorf("op %s: operand %s is not annotated", name, ref)
		}

		operands[i] = opset.Operand{Shape: a.Shape, Kind: a.Kind}
	}

	inferred, err := op.Check(operands, attrShapes, p)
	if err != nil {
		return fmt.Errorf("op %s: %w", name, err)
	}

	if len(inferred) != len(outs) {
		return fmt.Errorf("op %s: %d outputs, operator produces %d", name, len(outs), len(inferred))
	}

	for i, ref := range outs {
		a, ok := e.operands[ref]
		if !ok {
			return fmt.Errorf("op %s: operand %s is not annotated", name, ref)
		}

		if !tensor.ShapeEqual(a.Shape, inferred[i].Shape) || a.Kind != inferred[i].Kind {
			return fmt.Errorf("op %s: operand %s annotated %s %s, operator produces %s %s", name, ref,
				a.Kind, tensor.FormatShape(a.Shape), inferred[i].Kind, tensor.FormatShape(inferred[i].Shape))
		}
	}

	return nil
}

func parseParam(op *opset.Op, key, value string) (any, error) {
	for _, spec := range op.Params {
		if spec.Name == key {
			v, err := opset.ParseValue(spec.Kind, value)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", key, err)
			}

			return v, nil
		}
	}

	return nil, fmt.Errorf("%s has no parameter %q", op.Name, key)
}

// parseAnnotation reads "(1,12,128)f32".
func parseAnnotation(s string) (annotation, error) {
	if !strings.HasPrefix(s, "(") {
		return annotation{}, fmt.Errorf("malformed annotation %q", s)
	}

	end := strings.IndexByte(s, ')')
	if end < 0 {
		return annotation{}, fmt.Errorf("malformed annotation %q", s)
	}

	v, err := opset.ParseValue(opset.Ints, s[:end+1])
	if err != nil {
		return annotation{}, err
	}

	shape, _ := v.([]int64)
	for _, d := range shape {
		if d <= 0 {
			return annotation{}, fmt.Errorf("annotation %q has a non-positive dimension", s)
		}
	}

	var a annotation

	a.Shape = shape

	switch dtype := s[end+1:]; dtype {
	case "f32":
		a.Kind = tensor.Continuous
	case "i64":
		a.Kind = tensor.Discrete
	default:
		return annotation{}, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return a, nil
}

func attrTensor(attrs map[string][]byte, key string, shape []int64) (*tensor.Tensor, error) {
	raw, ok := attrs[key]
	if !ok {
		return nil, fmt.Errorf("attribute %s missing from bin", key)
	}

	n, err := tensor.ElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(raw) != 4*n {
		return nil, fmt.Errorf("attribute %s holds %d bytes, shape %s needs %d", key, len(raw), tensor.FormatShape(shape), 4*n)
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}

	return tensor.New(data, shape)
}

func (e *pnnxEngine) Run(ctx context.Context, in *inputs.Set) ([]tensor.Output, error) {
	if err := checkArity(in, len(e.inputs)); err != nil {
		return nil, err
	}

	env := make(map[string]tensor.Output, len(e.operands))

	for i, name := range e.inputs {
		v := in.At(i).Value
		want := e.operands[name]

		if v.Kind != want.Kind || !tensor.ShapeEqual(v.Shape(), want.Shape) {
			return nil, execf("pnnx: input %d is %s, model expects %s %s", i, describe(v), want.Kind, tensor.FormatShape(want.Shape))
		}

		env[name] = v
	}

	for _, n := range e.nodes {
		if err := ctx.Err(); err != nil {
			return nil, execf("pnnx: %w", err)
		}

		args := make([]tensor.Output, len(n.Inputs))
		for i, ref := range n.Inputs {
			v, ok := env[ref]
			if !ok {
				return nil, execf("pnnx: op %s reads %s before it is produced", n.Name, ref)
			}

			args[i] = v
		}

		res, err := n.Op.Eval(args, n.Weights, n.Params)
		if err != nil {
			return nil, execf("pnnx: op %s: %w", n.Name, err)
		}

		if len(res) != len(n.Outputs) {
			return nil, execf("pnnx: op %s produced %d outputs, want %d", n.Name, len(res), len(n.Outputs))
		}

		for i, ref := range n.Outputs {
			env[ref] = res[i]
		}
	}

	out := make([]tensor.Output, len(e.outputs))

	for i, ref := range e.outputs {
		v, ok := env[ref]
		if !ok {
			return nil, execf("pnnx: output %s was never produced", ref)
		}

		if want := e.operands[ref].Kind; v.Kind != want {
			return nil, execf("pnnx: output %s is %s, annotated %s", ref, v.Kind, want)
		}

		out[i] = v
	}

	return out, nil
}

func (e *pnnxEngine) Close() error { return nil }
