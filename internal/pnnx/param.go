package pnnx

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-opparity/internal/opset"
	"github.com/example/go-opparity/internal/trace"
)

const (
	InputOp  = "pnnx.Input"
	OutputOp = "pnnx.Output"
)

var binTime = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// EncodeParam renders the pnnx.param graph text.
func EncodeParam(t *trace.Trace) ([]byte, error) {
	values := t.Values()

	var sb strings.Builder

	opCount := len(t.Inputs) + len(t.Nodes) + len(t.Outputs)
	fmt.Fprintf(&sb, "%d\n%d %d\n", Magic, opCount, len(values))

	for i, in := range t.Inputs {
		writeOpLine(&sb, InputOp, fmt.Sprintf("pnnx_input_%d", i), nil, []string{in.Name})
		writeOperand(&sb, in)
		sb.WriteByte('\n')
	}

	for _, n := range t.Nodes {
		outs := make([]string, len(n.Outputs))
		for i, v := range n.Outputs {
			outs[i] = v.Name
		}

		writeOpLine(&sb, n.Op, n.Name, n.Inputs, outs)

		p := nodeParams(n)
		for _, key := range sortedParams(p) {
			fmt.Fprintf(&sb, " %s=%s", key, opset.FormatValue(p[key]))
		}

		for _, attr := range n.Attrs {
			w := t.Attributes[trace.AttrKey(n.Name, attr)]
			if w == nil {
				return nil, fmt.Errorf("pnnx: node %s: attribute %s missing", n.Name, attr)
			}

			fmt.Fprintf(&sb, " @%s=%sf32", attr, FormatShape(w.Shape()))
		}

		for _, ref := range n.Inputs {
			writeOperand(&sb, values[ref])
		}

		for _, v := range n.Outputs {
			writeOperand(&sb, v)
		}

		sb.WriteByte('\n')
	}

	for i, name := range t.Outputs {
		writeOpLine(&sb, OutputOp, fmt.Sprintf("pnnx_output_%d", i), []string{name}, nil)
		writeOperand(&sb, values[name])
		sb.WriteByte('\n')
	}

	return []byte(sb.String()), nil
}

func writeOpLine(sb *strings.Builder, typ, name string, inputs, outputs []string) {
	fmt.Fprintf(sb, "%-24s %-24s %d %d", typ, name, len(inputs), len(outputs))

	for _, s := range inputs {
		sb.WriteString(" " + s)
	}

	for _, s := range outputs {
		sb.WriteString(" " + s)
	}
}

func writeOperand(sb *strings.Builder, v trace.Value) {
	fmt.Fprintf(sb, " #%s=%s%s", v.Name, FormatShape(v.Shape), v.DType)
}

// FormatShape renders a shape in the pnnx annotation form (1,12,128).
func FormatShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}

	return "(" + strings.Join(parts, ",") + ")"
}

// EncodeBin stores every attribute as raw little-endian float32 in an
// uncompressed zip, one entry per "<node>.<attr>".
func EncodeBin(t *trace.Trace) ([]byte, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, n := range t.Nodes {
		for _, attr := range n.Attrs {
			key := trace.AttrKey(n.Name, attr)

			w := t.Attributes[key]
			if w == nil {
				return nil, fmt.Errorf("pnnx: attribute %s missing", key)
			}

			fw, err := zw.CreateHeader(&zip.FileHeader{Name: key, Method: zip.Store, Modified: binTime})
			if err != nil {
				return nil, fmt.Errorf("pnnx: create %s: %w", key, err)
			}

			if _, err := fw.Write(float32Bytes(w.RawData())); err != nil {
				return nil, fmt.Errorf("pnnx: write %s: %w", key, err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pnnx: finish bin: %w", err)
	}

	return buf.Bytes(), nil
}

func float32Bytes(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}

	return out
}
