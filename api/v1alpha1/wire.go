package v1alpha1

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary encoding. The layout is a plain protobuf message tree:
//
//	message Graph           { string name = 1; string dtype = 2; repeated Tensor tensors = 3;
//	                          int32 output = 4; map<string,string> metadata = 5; }
//	message Tensor          { int32 id = 1; string name = 2; Placeholder input = 3;
//	                          InlineData inline_data = 4; TensorOperation computation = 5; }
//	message Placeholder     { repeated int32 dimensions = 1; }
//	message InlineData      { repeated int32 dimensions = 1; repeated double values = 2;
//	                          bool requires_grad = 3; }
//	message TensorOperation { string op = 1; repeated int32 sources = 2; int32 dim = 3;
//	                          int32 index = 4; double scale = 5; double exponent = 6;
//	                          double epsilon = 7; string dtype = 8; repeated int32 shape = 9;
//	                          bool keep_dim = 10; }
const (
	graphName     protowire.Number = 1
	graphDType    protowire.Number = 2
	graphTensors  protowire.Number = 3
	graphOutput   protowire.Number = 4
	graphMetadata protowire.Number = 5

	tensorID          protowire.Number = 1
	tensorName        protowire.Number = 2
	tensorInput       protowire.Number = 3
	tensorInlineData  protowire.Number = 4
	tensorComputation protowire.Number = 5

	placeholderDimensions protowire.Number = 1

	inlineDimensions   protowire.Number = 1
	inlineValues       protowire.Number = 2
	inlineRequiresGrad protowire.Number = 3

	opOp       protowire.Number = 1
	opSources  protowire.Number = 2
	opDim      protowire.Number = 3
	opIndex    protowire.Number = 4
	opScale    protowire.Number = 5
	opExponent protowire.Number = 6
	opEpsilon  protowire.Number = 7
	opDType    protowire.Number = 8
	opShape    protowire.Number = 9
	opKeepDim  protowire.Number = 10

	mapKey   protowire.Number = 1
	mapValue protowire.Number = 2
)

// MarshalBinary encodes a graph in the protobuf wire format. Map entries are written in
// key order so the output is deterministic.
func MarshalBinary(g *Graph) []byte {
	var b []byte
	b = appendString(b, graphName, g.Name)
	b = appendString(b, graphDType, g.DType)
	for _, t := range g.Tensors {
		b = protowire.AppendTag(b, graphTensors, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t))
	}
	b = appendInt32(b, graphOutput, g.Output)

	keys := make([]string, 0, len(g.Metadata))
	for k := range g.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, mapKey, k)
		entry = appendString(entry, mapValue, g.Metadata[k])
		b = protowire.AppendTag(b, graphMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func marshalTensor(t *Tensor) []byte {
	var b []byte
	b = appendInt32(b, tensorID, t.Id)
	b = appendString(b, tensorName, t.Name)
	if t.Input != nil {
		b = protowire.AppendTag(b, tensorInput, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPackedInt32(nil, placeholderDimensions, t.Input.Dimensions))
	}
	if d := t.InlineData; d != nil {
		var m []byte
		m = appendPackedInt32(m, inlineDimensions, d.Dimensions)
		if len(d.Values) > 0 {
			var packed []byte
			for _, v := range d.Values {
				packed = protowire.AppendFixed64(packed, math.Float64bits(v))
			}
			m = protowire.AppendTag(m, inlineValues, protowire.BytesType)
			m = protowire.AppendBytes(m, packed)
		}
		m = appendBool(m, inlineRequiresGrad, d.RequiresGrad)
		b = protowire.AppendTag(b, tensorInlineData, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if op := t.Computation; op != nil {
		var m []byte
		m = appendString(m, opOp, op.Op)
		m = appendPackedInt32(m, opSources, op.Sources)
		m = appendInt32(m, opDim, op.Dim)
		m = appendInt32(m, opIndex, op.Index)
		m = appendDouble(m, opScale, op.Scale)
		m = appendDouble(m, opExponent, op.Exponent)
		m = appendDouble(m, opEpsilon, op.Epsilon)
		m = appendString(m, opDType, op.DType)
		m = appendPackedInt32(m, opShape, op.Shape)
		m = appendBool(m, opKeepDim, op.KeepDim)
		b = protowire.AppendTag(b, tensorComputation, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInt32(b []byte, num protowire.Number, values []int32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// UnmarshalBinary decodes the protobuf wire format into g. Unknown fields are skipped.
func UnmarshalBinary(b []byte, g *Graph) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case graphName:
			g.Name = string(v.bytes)
		case graphDType:
			g.DType = string(v.bytes)
		case graphTensors:
			t := &Tensor{}
			if err := unmarshalTensor(v.bytes, t); err != nil {
				return fmt.Errorf("tensor #%d: %w", len(g.Tensors), err)
			}
			g.Tensors = append(g.Tensors, t)
		case graphOutput:
			g.Output = int32(v.varint)
		case graphMetadata:
			var key, value string
			err := walkFields(v.bytes, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
				switch num {
				case mapKey:
					key = string(v.bytes)
				case mapValue:
					value = string(v.bytes)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			if g.Metadata == nil {
				g.Metadata = make(map[string]string)
			}
			g.Metadata[key] = value
		}
		return nil
	})
}

func unmarshalTensor(b []byte, t *Tensor) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case tensorID:
			t.Id = int32(v.varint)
		case tensorName:
			t.Name = string(v.bytes)
		case tensorInput:
			t.Input = &Placeholder{}
			return walkFields(v.bytes, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
				if num == placeholderDimensions {
					dims, err := v.int32s(typ)
					if err != nil {
						return err
					}
					t.Input.Dimensions = append(t.Input.Dimensions, dims...)
				}
				return nil
			})
		case tensorInlineData:
			d := &InlineData{}
			t.InlineData = d
			return walkFields(v.bytes, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
				switch num {
				case inlineDimensions:
					dims, err := v.int32s(typ)
					if err != nil {
						return err
					}
					d.Dimensions = append(d.Dimensions, dims...)
				case inlineValues:
					values, err := v.doubles(typ)
					if err != nil {
						return err
					}
					d.Values = append(d.Values, values...)
				case inlineRequiresGrad:
					d.RequiresGrad = protowire.DecodeBool(v.varint)
				}
				return nil
			})
		case tensorComputation:
			op := &TensorOperation{}
			t.Computation = op
			return walkFields(v.bytes, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
				switch num {
				case opOp:
					op.Op = string(v.bytes)
				case opSources:
					ids, err := v.int32s(typ)
					if err != nil {
						return err
					}
					op.Sources = append(op.Sources, ids...)
				case opDim:
					op.Dim = int32(v.varint)
				case opIndex:
					op.Index = int32(v.varint)
				case opScale:
					op.Scale = math.Float64frombits(v.fixed64)
				case opExponent:
					op.Exponent = math.Float64frombits(v.fixed64)
				case opEpsilon:
					op.Epsilon = math.Float64frombits(v.fixed64)
				case opDType:
					op.DType = string(v.bytes)
				case opShape:
					dims, err := v.int32s(typ)
					if err != nil {
						return err
					}
					op.Shape = append(op.Shape, dims...)
				case opKeepDim:
					op.KeepDim = protowire.DecodeBool(v.varint)
				}
				return nil
			})
		}
		return nil
	})
}

type fieldValue struct {
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

// int32s reads a repeated int32 field in either packed or unpacked form.
func (v fieldValue) int32s(typ protowire.Type) ([]int32, error) {
	if typ == protowire.VarintType {
		return []int32{int32(v.varint)}, nil
	}
	var out []int32
	b := v.bytes
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int32(x))
		b = b[n:]
	}
	return out, nil
}

// doubles reads a repeated double field in either packed or unpacked form.
func (v fieldValue) doubles(typ protowire.Type) ([]float64, error) {
	if typ == protowire.Fixed64Type {
		return []float64{math.Float64frombits(v.fixed64)}, nil
	}
	if len(v.bytes)%8 != 0 {
		return nil, fmt.Errorf("packed double field has %d bytes", len(v.bytes))
	}
	out := make([]float64, 0, len(v.bytes)/8)
	b := v.bytes
	for len(b) > 0 {
		x, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(x))
		b = b[n:]
	}
	return out, nil
}

func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
