// Package onnx writes ONNX models (the subset of onnx.proto needed for feed-forward networks), and
// runs them on a GoMLX backend with github.com/gomlx/onnx-gomlx, see Runner.
//
// The protobuf wire format is written directly with protowire: only the messages and fields used
// here are modeled.
package onnx

import (
	"google.golang.org/protobuf/encoding/protowire"
	"math"
)

// DataType of tensor elements, as in TensorProto.DataType.
type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
)

// AttributeType as in AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeFloat  AttributeType = 1
	AttributeInt    AttributeType = 2
	AttributeString AttributeType = 3
	AttributeFloats AttributeType = 6
	AttributeInts   AttributeType = 7
)

// Model corresponds to ModelProto.
type Model struct {
	IRVersion       int64
	OpsetImports    []OperatorSetID
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
}

// OperatorSetID corresponds to OperatorSetIdProto. An empty Domain is the default "ai.onnx" domain.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// Graph corresponds to GraphProto.
type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*Tensor
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	DocString    string
}

// Node corresponds to NodeProto.
type Node struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Domain     string
	Attributes []*Attribute
}

// Attribute corresponds to AttributeProto, for the scalar and list types of numbers and strings.
type Attribute struct {
	Name   string
	Type   AttributeType
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

// Tensor corresponds to TensorProto, with the data either in RawData (little-endian) or in
// FloatData/Int64Data.
type Tensor struct {
	Name      string
	Dims      []int64
	DataType  DataType
	FloatData []float32
	Int64Data []int64
	RawData   []byte
}

// ValueInfo corresponds to ValueInfoProto restricted to tensor types.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Shape    []Dim
}

// Dim of a tensor shape: either a fixed Value or a symbolic Param (e.g. "batch").
type Dim struct {
	Value int64
	Param string
}

// Field numbers from onnx.proto.
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelDomain          = 4
	modelModelVersion    = 5
	modelDocString       = 6
	modelGraph           = 7
	modelOpsetImport     = 8

	opsetDomain  = 1
	opsetVersion = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphDocString   = 10
	graphInput       = 11
	graphOutput      = 12

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5
	nodeDomain    = 7

	attrName   = 1
	attrF      = 2
	attrI      = 3
	attrS      = 4
	attrFloats = 7
	attrInts   = 8
	attrType   = 20

	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorInt64Data = 7
	tensorName      = 8
	tensorRawData   = 9

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType  = 1
	tensorTypeElem  = 1
	tensorTypeShape = 2
	shapeDim        = 1
	dimValue        = 1
	dimParam        = 2
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, value []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

// Marshal encodes the model in the protobuf wire format.
func (m *Model) Marshal() []byte {
	var b []byte
	b = appendVarint(b, modelIRVersion, m.IRVersion)
	b = appendString(b, modelProducerName, m.ProducerName)
	b = appendString(b, modelProducerVersion, m.ProducerVersion)
	b = appendString(b, modelDomain, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarint(b, modelModelVersion, m.ModelVersion)
	}
	b = appendString(b, modelDocString, m.DocString)
	if m.Graph != nil {
		b = appendBytes(b, modelGraph, m.Graph.marshal())
	}
	for _, opset := range m.OpsetImports {
		var ob []byte
		ob = appendString(ob, opsetDomain, opset.Domain)
		ob = appendVarint(ob, opsetVersion, opset.Version)
		b = appendBytes(b, modelOpsetImport, ob)
	}
	return b
}

func (g *Graph) marshal() []byte {
	var b []byte
	for _, node := range g.Nodes {
		b = appendBytes(b, graphNode, node.marshal())
	}
	b = appendString(b, graphName, g.Name)
	for _, t := range g.Initializers {
		b = appendBytes(b, graphInitializer, t.marshal())
	}
	b = appendString(b, graphDocString, g.DocString)
	for _, vi := range g.Inputs {
		b = appendBytes(b, graphInput, vi.marshal())
	}
	for _, vi := range g.Outputs {
		b = appendBytes(b, graphOutput, vi.marshal())
	}
	return b
}

func (n *Node) marshal() []byte {
	var b []byte
	for _, input := range n.Inputs {
		// Empty names are valid: they mark omitted optional inputs.
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, input)
	}
	for _, output := range n.Outputs {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, output)
	}
	b = appendString(b, nodeName, n.Name)
	b = appendString(b, nodeOpType, n.OpType)
	for _, attr := range n.Attributes {
		b = appendBytes(b, nodeAttribute, attr.marshal())
	}
	b = appendString(b, nodeDomain, n.Domain)
	return b
}

func (a *Attribute) marshal() []byte {
	var b []byte
	b = appendString(b, attrName, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = appendFloat(b, attrF, a.F)
	case AttributeInt:
		b = appendVarint(b, attrI, a.I)
	case AttributeString:
		b = appendBytes(b, attrS, a.S)
	case AttributeFloats:
		for _, f := range a.Floats {
			b = appendFloat(b, attrFloats, f)
		}
	case AttributeInts:
		for _, i := range a.Ints {
			b = appendVarint(b, attrInts, i)
		}
	}
	b = appendVarint(b, attrType, int64(a.Type))
	return b
}

func (t *Tensor) marshal() []byte {
	var b []byte
	for _, dim := range t.Dims {
		b = appendVarint(b, tensorDims, dim)
	}
	b = appendVarint(b, tensorDataType, int64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendBytes(b, tensorFloatData, packed)
	}
	if len(t.Int64Data) > 0 {
		var packed []byte
		for _, i := range t.Int64Data {
			packed = protowire.AppendVarint(packed, uint64(i))
		}
		b = appendBytes(b, tensorInt64Data, packed)
	}
	b = appendString(b, tensorName, t.Name)
	if len(t.RawData) > 0 {
		b = appendBytes(b, tensorRawData, t.RawData)
	}
	return b
}

func (vi *ValueInfo) marshal() []byte {
	var shape []byte
	for _, dim := range vi.Shape {
		var db []byte
		if dim.Param != "" {
			db = appendString(db, dimParam, dim.Param)
		} else {
			db = appendVarint(db, dimValue, dim.Value)
		}
		shape = appendBytes(shape, shapeDim, db)
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, tensorTypeElem, int64(vi.ElemType))
	tensorType = appendBytes(tensorType, tensorTypeShape, shape)
	var typeProto []byte
	typeProto = appendBytes(typeProto, typeTensorType, tensorType)

	var b []byte
	b = appendString(b, valueInfoName, vi.Name)
	b = appendBytes(b, valueInfoType, typeProto)
	return b
}

