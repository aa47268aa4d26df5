package exporter

import (
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mnistdnn/internal/checkpoint"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/janpfeifer/mnistdnn/internal/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// trainedModel returns a model with non-trivial running statistics and normalization parameters, as if trained.
func trainedModel(t *testing.T) *model.Model {
	m := model.New(graphtest.BuildTestBackend(), model.DefaultConfig())
	rng := rand.New(rand.NewSource(7))
	for _, p := range m.Parameters() {
		if len(p.Dims) != 1 {
			continue
		}
		values := p.Values()
		for ii := range values {
			switch filepath.Base(p.Name) {
			case "variance", "scale":
				values[ii] = float32(0.5 + rng.Float64())
			default:
				values[ii] = float32(rng.NormFloat64() * 0.1)
			}
		}
		require.NoError(t, p.SetValues(values))
	}
	return m
}

func TestBuild(t *testing.T) {
	graph := Build(trainedModel(t))
	assert.Equal(t, int64(IRVersion), graph.IRVersion)
	assert.Equal(t, int64(OpsetVersion), graph.OpsetVersion())
	var opTypes []string
	for _, node := range graph.Graph.Nodes {
		opTypes = append(opTypes, node.OpType)
	}
	assert.Equal(t, []string{"Flatten", "Gemm", "BatchNormalization", "Relu", "Gemm", "BatchNormalization", "Relu", "Gemm"}, opTypes)
	require.Len(t, graph.Graph.Inputs, 1)
	require.Len(t, graph.Graph.Outputs, 1)
	assert.Equal(t, InputName, graph.Graph.Inputs[0].Name)
	assert.Equal(t, OutputName, graph.Graph.Outputs[0].Name)
	assert.Equal(t, BatchAxisName, graph.Graph.Inputs[0].Shape[0].Param)
	assert.Equal(t, BatchAxisName, graph.Graph.Outputs[0].Shape[0].Param)
	assert.Len(t, graph.Graph.Initializers, 14)
	assert.Equal(t, []int64{256, 784}, graph.Graph.Initializers[0].Dims)
}

func TestTranspose(t *testing.T) {
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, transpose([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
}

func TestExport(t *testing.T) {
	m := trainedModel(t)
	dir := t.TempDir()
	checkpointPath := filepath.Join(dir, "best.ckpt")
	require.NoError(t, checkpoint.Save(m, checkpointPath, 3))

	// Output directory doesn't exist yet.
	outputPath := filepath.Join(dir, "web", "public", "mnist_dnn.onnx")
	require.NoError(t, Export(m.Backend(), model.DefaultConfig(), checkpointPath, outputPath))

	runner, err := onnx.ReadRunner(m.Backend(), outputPath)
	require.NoError(t, err)

	// Batch sizes other than the traced one.
	for _, batchSize := range []int{1, 5} {
		rng := rand.New(rand.NewSource(int64(batchSize)))
		images := make([]float32, batchSize*28*28)
		for ii := range images {
			images[ii] = float32(rng.NormFloat64())
		}
		input := tensors.FromFlatDataAndDimensions(images, batchSize, 1, 28, 28)
		want, err := m.Logits(input)
		require.NoError(t, err)
		got, err := runner.Run(input)
		require.NoError(t, err)
		require.Equal(t, []int{batchSize, 10}, got.Shape().Dimensions)
		diff, err := maxAbsDiff(want, got)
		require.NoError(t, err)
		assert.LessOrEqual(t, diff, float32(Tolerance))
	}
}

func TestMaxAbsDiff(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	b := tensors.FromFlatDataAndDimensions([]float32{1, 2.5, 2}, 3)
	diff, err := maxAbsDiff(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, diff, 1e-6)
	_, err = maxAbsDiff(a, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 3))
	require.Error(t, err)
}

func TestExportMissingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.onnx")
	err := Export(graphtest.BuildTestBackend(), model.DefaultConfig(), filepath.Join(dir, "missing.ckpt"), outputPath)
	require.ErrorIs(t, err, checkpoint.ErrMissingCheckpoint)
	assert.NoFileExists(t, outputPath)
}

func TestExportShapeMismatch(t *testing.T) {
	m := trainedModel(t)
	f := checkpoint.Snapshot(m, 1)
	f.Tensors[0].Dims = []int{28, 28}
	dir := t.TempDir()
	checkpointPath := filepath.Join(dir, "bad.ckpt")
	require.NoError(t, f.Write(checkpointPath))
	err := Export(m.Backend(), model.DefaultConfig(), checkpointPath, filepath.Join(dir, "out.onnx"))
	require.ErrorIs(t, err, checkpoint.ErrShapeMismatch)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	m := trainedModel(t)
	graph := Build(m)
	// Corrupt the final biases.
	last := graph.Graph.Initializers[len(graph.Graph.Initializers)-1]
	values, err := last.Float32s()
	require.NoError(t, err)
	values[0] += 1
	*last = *onnx.FloatTensor(last.Name, []int{len(values)}, values)
	err = Verify(m, graph, VerificationInputs(1)...)
	require.ErrorIs(t, err, ErrExportFailure)
}

func TestVerifyModelFailure(t *testing.T) {
	m := trainedModel(t)
	// Images of the wrong size are rejected by the model itself.
	badInput := tensors.FromFlatDataAndDimensions(make([]float32, 2*27*27), 2, 1, 27, 27)
	err := Verify(m, Build(m), badInput)
	require.ErrorIs(t, err, ErrExportFailure)
	assert.ErrorContains(t, err, "model logits")
}
