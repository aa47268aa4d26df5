// Package exporter converts a trained checkpoint into an ONNX graph, usable outside the training runtime.
package exporter

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mnistdnn/internal/checkpoint"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/janpfeifer/mnistdnn/internal/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math/rand"
	"os"
	"path/filepath"
)

const (
	// IRVersion of the ONNX files written.
	IRVersion = 7

	// OpsetVersion of the default ONNX operator set targeted.
	OpsetVersion = 13

	ProducerName = "mnistdnn"

	// InputName and OutputName of the exported graph.
	InputName  = "input"
	OutputName = "logits"

	// BatchAxisName is the symbolic (dynamic) name of the batch axis of the input and output.
	BatchAxisName = "batch"

	// Tolerance is the maximum absolute difference allowed between the logits of the model and of the
	// exported graph.
	Tolerance = 1e-4
)

// ErrExportFailure is returned when the exported graph can't be built, verified or written.
var ErrExportFailure = errors.New("export failure")

// Export loads the checkpoint at checkpointPath into a new model on the given backend and writes it as
// an ONNX graph to outputPath, creating its directory if needed.
//
// A missing or incompatible checkpoint returns an error wrapping checkpoint.ErrMissingCheckpoint or
// checkpoint.ErrShapeMismatch.
func Export(backend backends.Backend, config model.Config, checkpointPath, outputPath string) error {
	m := model.New(backend, config)
	f, err := checkpoint.Load(m, checkpointPath)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Exporting checkpoint %q of epoch %d", checkpointPath, f.Epoch)

	graph := Build(m)
	if err = Verify(m, graph, VerificationInputs(config.Seed)...); err != nil {
		return err
	}
	return Write(graph, outputPath)
}

// VerificationInputs returns the images used to compare the model with its export: the all zeros
// single example used for tracing, and a small batch of seeded random images.
func VerificationInputs(seed int64) []*tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	const batchSize = 3
	random := make([]float32, batchSize*mnist.NumPixels)
	for ii := range random {
		random[ii] = mnist.Normalize(byte(rng.Intn(256)))
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(make([]float32, mnist.NumPixels), 1, 1, mnist.Height, mnist.Width),
		tensors.FromFlatDataAndDimensions(random, batchSize, 1, mnist.Height, mnist.Width),
	}
}

// transpose a row-major matrix shaped [rows, cols].
func transpose(values []float32, rows, cols int) []float32 {
	transposed := make([]float32, len(values))
	for row := range rows {
		for col := range cols {
			transposed[col*rows+row] = values[row*cols+col]
		}
	}
	return transposed
}

// Build the ONNX graph equivalent to the model in Eval mode.
func Build(m *model.Model) *onnx.Model {
	g := &onnx.Graph{
		Name: "mnist_dnn",
		Inputs: []*onnx.ValueInfo{{
			Name:     InputName,
			ElemType: onnx.DataTypeFloat,
			Shape:    []onnx.Dim{{Param: BatchAxisName}, {Value: 1}, {Value: mnist.Height}, {Value: mnist.Width}},
		}},
		Outputs: []*onnx.ValueInfo{{
			Name:     OutputName,
			ElemType: onnx.DataTypeFloat,
			Shape:    []onnx.Dim{{Param: BatchAxisName}, {Value: mnist.NumClasses}},
		}},
	}
	addInitializer := func(name string) string {
		p := m.Parameter(name)
		values, dims := p.Values(), p.Dims
		if len(dims) == 2 {
			// Gemm with transB=1 takes weights shaped [out, in].
			values = transpose(values, dims[0], dims[1])
			dims = []int{dims[1], dims[0]}
		}
		g.Initializers = append(g.Initializers, onnx.FloatTensor(name, dims, values))
		return name
	}
	addNode := func(opType, name string, inputs []string, attrs ...*onnx.Attribute) string {
		output := name + "/output"
		g.Nodes = append(g.Nodes, &onnx.Node{
			Name:       name,
			OpType:     opType,
			Inputs:     inputs,
			Outputs:    []string{output},
			Attributes: attrs,
		})
		return output
	}

	x := addNode("Flatten", "flatten", []string{InputName}, onnx.IntAttribute("axis", 1))
	numLayers := len(model.HiddenSizes) + 1
	for layerIdx := range numLayers {
		dense := fmt.Sprintf("dense_%d", layerIdx)
		x = addNode("Gemm", dense, []string{x, addInitializer(dense + "/weights"), addInitializer(dense + "/biases")},
			onnx.IntAttribute("transB", 1))
		if layerIdx == numLayers-1 {
			break
		}
		norm := fmt.Sprintf("batchnorm_%d", layerIdx)
		x = addNode("BatchNormalization", norm,
			[]string{x, addInitializer(norm + "/scale"), addInitializer(norm + "/offset"),
				addInitializer(norm + "/mean"), addInitializer(norm + "/variance")},
			onnx.FloatAttribute("epsilon", float32(m.Config().BatchNormEpsilon)))
		x = addNode("Relu", fmt.Sprintf("relu_%d", layerIdx), []string{x})
	}
	g.Nodes[len(g.Nodes)-1].Outputs = []string{OutputName}

	return &onnx.Model{
		IRVersion:    IRVersion,
		ProducerName: ProducerName,
		OpsetImports: []onnx.OperatorSetID{{Version: OpsetVersion}},
		Graph:        g,
	}
}

// Verify that the serialized graph, once parsed and executed by onnx-gomlx on the model's backend,
// reproduces the model logits on each of the inputs within Tolerance.
func Verify(m *model.Model, graph *onnx.Model, inputs ...*tensors.Tensor) error {
	runner, err := onnx.ParseRunner(m.Backend(), graph.Marshal())
	if err != nil {
		return errors.Wrapf(ErrExportFailure, "loading exported graph: %v", err)
	}
	for _, input := range inputs {
		want, err := m.Logits(input)
		if err != nil {
			return errors.Wrapf(ErrExportFailure, "model logits for input shaped %s: %v", input.Shape(), err)
		}
		got, err := runner.Run(input)
		if err != nil {
			return errors.Wrapf(ErrExportFailure, "running exported graph: %v", err)
		}
		diff, err := maxAbsDiff(want, got)
		if err != nil {
			return errors.Wrapf(ErrExportFailure, "exported graph output: %v", err)
		}
		if diff > Tolerance {
			return errors.Wrapf(ErrExportFailure, "exported graph logits differ by %g for input shaped %s, tolerance is %g",
				diff, input.Shape(), Tolerance)
		}
		klog.V(1).Infof("Exported graph matches model on input shaped %s (max difference %g)", input.Shape(), diff)
	}
	return nil
}

// maxAbsDiff returns the largest absolute difference between two float32 tensors of the same shape.
func maxAbsDiff(want, got *tensors.Tensor) (float32, error) {
	if !want.Shape().Equal(got.Shape()) {
		return 0, errors.Errorf("shape %s differs from expected %s", got.Shape(), want.Shape())
	}
	gotValues := tensors.CopyFlatData[float32](got)
	var diff float32
	for ii, v := range tensors.CopyFlatData[float32](want) {
		diff = max(diff, math32.Abs(v-gotValues[ii]))
	}
	return diff, nil
}

// Write the graph to outputPath, creating its directory if needed. The file is replaced atomically.
func Write(graph *onnx.Model, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(ErrExportFailure, "creating directory %q: %v", dir, err)
	}
	data := graph.Marshal()
	tmp, err := os.CreateTemp(dir, filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return errors.Wrapf(ErrExportFailure, "creating %q: %v", outputPath, err)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, outputPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(ErrExportFailure, "writing %q: %v", outputPath, err)
	}
	klog.V(1).Infof("Wrote %q: %s", outputPath, humanize.Bytes(uint64(len(data))))
	return nil
}
