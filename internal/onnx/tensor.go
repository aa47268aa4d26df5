package onnx

import (
	"encoding/binary"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// FloatTensor creates a float tensor with the values stored as little-endian raw data.
func FloatTensor(name string, dims []int, values []float32) *Tensor {
	t := &Tensor{Name: name, DataType: DataTypeFloat, RawData: make([]byte, 4*len(values))}
	for _, dim := range dims {
		t.Dims = append(t.Dims, int64(dim))
	}
	for ii, v := range values {
		binary.LittleEndian.PutUint32(t.RawData[4*ii:], math32.Float32bits(v))
	}
	return t
}

// NumElements of the tensor, the product of its dimensions.
func (t *Tensor) NumElements() int {
	size := 1
	for _, dim := range t.Dims {
		size *= int(dim)
	}
	return size
}

// Float32s returns the values of a float tensor, from either its raw data or float data.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.DataType != DataTypeFloat {
		return nil, errors.Errorf("tensor %q has data type %d, only float (%d) is supported", t.Name, t.DataType, DataTypeFloat)
	}
	size := t.NumElements()
	var values []float32
	if len(t.RawData) > 0 {
		if len(t.RawData) != 4*size {
			return nil, errors.Errorf("tensor %q shaped %v has %d bytes of raw data, expected %d", t.Name, t.Dims, len(t.RawData), 4*size)
		}
		values = make([]float32, size)
		for ii := range values {
			values[ii] = math32.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*ii:]))
		}
	} else {
		if len(t.FloatData) != size {
			return nil, errors.Errorf("tensor %q shaped %v has %d values, expected %d", t.Name, t.Dims, len(t.FloatData), size)
		}
		values = append([]float32(nil), t.FloatData...)
	}
	return values, nil
}

// IntAttribute creates an attribute of type INT.
func IntAttribute(name string, value int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInt, I: value}
}

// FloatAttribute creates an attribute of type FLOAT.
func FloatAttribute(name string, value float32) *Attribute {
	return &Attribute{Name: name, Type: AttributeFloat, F: value}
}

// OpsetVersion returns the version of the default ("ai.onnx") operator set imported, or 0.
func (m *Model) OpsetVersion() int64 {
	for _, opset := range m.OpsetImports {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return 0
}
