package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX tensor element types.
const (
	ElemFloat int32 = 1
	ElemInt64 int32 = 7
)

const (
	attrFloat = 1
	attrInt   = 2
	attrInts  = 7
)

// ValueInfo is a typed graph input or output.
type ValueInfo struct {
	Name     string
	ElemType int32
	Shape    []int64
}

// DType maps the element type to the runner's tensor dtype.
func (v ValueInfo) DType() TensorDType {
	if v.ElemType == ElemInt64 {
		return DTypeInt64
	}

	return DTypeFloat32
}

type Attribute struct {
	Name string
	typ  int
	i    int64
	f    float32
	ints []int64
}

func IntAttr(name string, v int64) Attribute { return Attribute{Name: name, typ: attrInt, i: v} }

func FloatAttr(name string, v float32) Attribute { return Attribute{Name: name, typ: attrFloat, f: v} }

func IntsAttr(name string, v ...int64) Attribute {
	return Attribute{Name: name, typ: attrInts, ints: append([]int64(nil), v...)}
}

type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []Attribute
}

// Initializer is a constant tensor. Exactly one of Floats and Int64s is
// used; a nil Shape makes a scalar.
type Initializer struct {
	Name   string
	Shape  []int64
	Floats []float32
	Int64s []int64
}

type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Initializer
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

// Model is a single-graph ONNX model in the default operator domain.
type Model struct {
	Producer string
	Opset    int64
	Graph    Graph
}

const irVersion = 8

// Marshal encodes the model as an ONNX ModelProto.
func (m Model) Marshal() []byte {
	var b []byte

	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, irVersion)

	if m.Producer != "" {
		b = appendString(b, 2, m.Producer)
	}

	b = appendMessage(b, 7, m.Graph.marshal())

	var opset []byte
	opset = appendString(opset, 1, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, uint64(m.Opset))

	return appendMessage(b, 8, opset)
}

func (g Graph) marshal() []byte {
	var b []byte

	for _, n := range g.Nodes {
		b = appendMessage(b, 1, n.marshal())
	}

	b = appendString(b, 2, g.Name)

	for _, t := range g.Initializers {
		b = appendMessage(b, 5, t.marshal())
	}

	for _, v := range g.Inputs {
		b = appendMessage(b, 11, v.marshal())
	}

	for _, v := range g.Outputs {
		b = appendMessage(b, 12, v.marshal())
	}

	return b
}

func (n Node) marshal() []byte {
	var b []byte

	for _, s := range n.Inputs {
		b = appendString(b, 1, s)
	}

	for _, s := range n.Outputs {
		b = appendString(b, 2, s)
	}

	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)

	for _, a := range n.Attrs {
		b = appendMessage(b, 5, a.marshal())
	}

	return b
}

func (a Attribute) marshal() []byte {
	var b []byte

	b = appendString(b, 1, a.Name)

	switch a.typ {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.i))
	case attrInts:
		for _, v := range a.ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}

	b = protowire.AppendTag(b, 20, protowire.VarintType)

	return protowire.AppendVarint(b, uint64(a.typ))
}

func (t Initializer) marshal() []byte {
	var b []byte

	for _, d := range t.Shape {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}

	elem := ElemFloat

	var raw []byte

	if t.Int64s != nil {
		elem = ElemInt64
		raw = make([]byte, 8*len(t.Int64s))

		for i, v := range t.Int64s {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
		}
	} else {
		raw = make([]byte, 4*len(t.Floats))

		for i, v := range t.Floats {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	}

	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(elem))
	b = appendString(b, 8, t.Name)
	b = protowire.AppendTag(b, 9, protowire.BytesType)

	return protowire.AppendBytes(b, raw)
}

func (v ValueInfo) marshal() []byte {
	var shape []byte

	for _, d := range v.Shape {
		var dim []byte
		dim = protowire.AppendTag(dim, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		shape = appendMessage(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, uint64(v.ElemType))
	tensorType = appendMessage(tensorType, 2, shape)

	var b []byte
	b = appendString(b, 1, v.Name)

	return appendMessage(b, 2, appendMessage(nil, 1, tensorType))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ReadModelIO returns the graph inputs and outputs of an ONNX model file.
func ReadModelIO(path string) (inputs, outputs []ValueInfo, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read onnx model: %w", err)
	}

	return DecodeModelIO(data)
}

// DecodeModelIO extracts the graph inputs and outputs from ModelProto
// bytes. Initializers listed as graph inputs are not filtered.
func DecodeModelIO(data []byte) (inputs, outputs []ValueInfo, err error) {
	var graph []byte

	err = walk(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 7 && typ == protowire.BytesType {
			graph = v
		}

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decode onnx model: %w", err)
	}

	if graph == nil {
		return nil, nil, errors.New("decode onnx model: no graph")
	}

	err = walk(graph, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType || (num != 11 && num != 12) {
			return nil
		}

		info, err := decodeValueInfo(v)
		if err != nil {
			return err
		}

		if num == 11 {
			inputs = append(inputs, info)
		} else {
			outputs = append(outputs, info)
		}

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decode onnx graph: %w", err)
	}

	return inputs, outputs, nil
}

func decodeValueInfo(data []byte) (ValueInfo, error) {
	var info ValueInfo

	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			info.Name = string(v)
		case num == 2 && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num != 1 || typ != protowire.BytesType {
					return nil
				}

				return decodeTensorType(v, &info)
			})
		}

		return nil
	})

	return info, err
}

func decodeTensorType(data []byte, info *ValueInfo) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			info.ElemType = int32(varintValue(v))
		case num == 2 && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num != 1 || typ != protowire.BytesType {
					return nil
				}

				dim := int64(-1)

				err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
					if num == 1 && typ == protowire.VarintType {
						dim = int64(varintValue(v))
					}

					return nil
				})

				info.Shape = append(info.Shape, dim)

				return err
			})
		}

		return nil
	})
}

// walk calls fn for every field of a message. Varint fields are passed as
// their encoded bytes; length-delimited fields as their payload.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}

		data = data[n:]

		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return protowire.ParseError(m)
		}

		v := data[:m]
		if typ == protowire.BytesType {
			payload, k := protowire.ConsumeBytes(v)
			if k < 0 {
				return protowire.ParseError(k)
			}

			v = payload
		}

		if err := fn(num, typ, v); err != nil {
			return err
		}

		data = data[m:]
	}

	return nil
}

func varintValue(b []byte) uint64 {
	v, _ := protowire.ConsumeVarint(b)
	return v
}
