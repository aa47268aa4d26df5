package inference

import (
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/janpfeifer/mnistdnn/internal/exporter"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/janpfeifer/mnistdnn/internal/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// drawDigit draws a filled rectangle of ink on a background of the given size.
func drawDigit(width, height int, background, ink color.Color, stroke image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	draw.Draw(img, stroke, image.NewUniform(ink), image.Point{}, draw.Src)
	return img
}

func TestPreprocess(t *testing.T) {
	stroke := image.Rect(40, 20, 60, 100)
	darkOnLight := Preprocess(drawDigit(100, 120, color.White, color.Black, stroke))
	require.Len(t, darkOnLight, mnist.NumPixels)

	// Scaled to 20 pixels high, 5 pixels wide, centered.
	assert.Greater(t, darkOnLight[14*mnist.Width+14], float32(0.9))
	assert.Equal(t, float32(0), darkOnLight[0])
	assert.Equal(t, float32(0), darkOnLight[14*mnist.Width+2])
	assert.Equal(t, float32(0), darkOnLight[1*mnist.Width+14])
	for _, v := range darkOnLight {
		assert.True(t, v == 0 || (v >= NoiseThreshold && v <= 1))
	}

	lightOnDark := Preprocess(drawDigit(100, 120, color.Black, color.White, stroke))
	assert.InDeltaSlice(t, darkOnLight, lightOnDark, 1e-6)

	// Transparent background, as drawn on a canvas.
	transparent := Preprocess(drawDigit(100, 120, color.Transparent, color.Black, stroke))
	assert.InDeltaSlice(t, darkOnLight, transparent, 1e-6)

	blank := Preprocess(drawDigit(50, 50, color.White, color.White, image.Rectangle{}))
	assert.Equal(t, make([]float32, mnist.NumPixels), blank)
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1, 1, 1000})
	assert.InDeltaSlice(t, []float32{0, 0, 1}, probs, 1e-6)
	probs = Softmax([]float32{0, 0})
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, probs, 1e-6)
}

func TestTopK(t *testing.T) {
	top := TopK([]float32{0.1, 0.3, 0.05, 0.3, 0.25}, 3)
	assert.Equal(t, []Prediction{{1, 0.3}, {3, 0.3}, {4, 0.25}}, top)
	assert.Len(t, TopK([]float32{1}, 3), 1)
}

// cornerDetector is a graph whose class 0 logit is the sum of the (normalized) pixels of the top-left
// 4×4 tile, and all other logits are 0.
func cornerDetector() *onnx.Model {
	weights := make([]float32, mnist.NumClasses*mnist.NumPixels)
	for y := range 4 {
		for x := range 4 {
			weights[y*mnist.Width+x] = 1
		}
	}
	return &onnx.Model{
		IRVersion:    exporter.IRVersion,
		OpsetImports: []onnx.OperatorSetID{{Version: exporter.OpsetVersion}},
		Graph: &onnx.Graph{
			Nodes: []*onnx.Node{
				{OpType: "Flatten", Inputs: []string{exporter.InputName}, Outputs: []string{"flat"}},
				{OpType: "Gemm", Inputs: []string{"flat", "w", "b"}, Outputs: []string{exporter.OutputName},
					Attributes: []*onnx.Attribute{onnx.IntAttribute("transB", 1)}},
			},
			Initializers: []*onnx.Tensor{
				onnx.FloatTensor("w", []int{mnist.NumClasses, mnist.NumPixels}, weights),
				onnx.FloatTensor("b", []int{mnist.NumClasses}, make([]float32, mnist.NumClasses)),
			},
			Inputs: []*onnx.ValueInfo{{Name: exporter.InputName, ElemType: onnx.DataTypeFloat,
				Shape: []onnx.Dim{{Param: "batch"}, {Value: 1}, {Value: mnist.Height}, {Value: mnist.Width}}}},
			Outputs: []*onnx.ValueInfo{{Name: exporter.OutputName, ElemType: onnx.DataTypeFloat,
				Shape: []onnx.Dim{{Param: "batch"}, {Value: mnist.NumClasses}}}},
		},
	}
}

// newPredictor serializes graph and loads it back for execution on the test backend.
func newPredictor(t *testing.T, graph *onnx.Model) (*Predictor, error) {
	runner, err := onnx.ParseRunner(graphtest.BuildTestBackend(), graph.Marshal())
	require.NoError(t, err)
	return NewPredictor(runner)
}

func TestOcclusion(t *testing.T) {
	p, err := newPredictor(t, cornerDetector())
	require.NoError(t, err)
	img := make([]float32, mnist.NumPixels)
	for y := range 4 {
		for x := range 4 {
			img[y*mnist.Width+x] = 1
		}
	}
	h, err := Occlusion(p, img, DefaultTile)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Class)
	assert.Greater(t, h.Probability, float32(0.99))
	assert.Equal(t, 7, h.Rows)
	assert.Equal(t, 7, h.Cols)
	assert.Equal(t, float32(1), h.At(0, 0))
	for ii, v := range h.Values[1:] {
		assert.Equal(t, float32(0), v, "tile #%d", ii+1)
	}

	heatImg := h.Image(img, 2)
	assert.Equal(t, image.Rect(0, 0, 56, 56), heatImg.Bounds())

	_, err = Occlusion(p, img, 0)
	require.Error(t, err)
}

func TestPredictorExported(t *testing.T) {
	m := model.New(graphtest.BuildTestBackend(), model.DefaultConfig())
	p, err := newPredictor(t, exporter.Build(m))
	require.NoError(t, err)
	probs, err := p.Probabilities(make([]float32, mnist.NumPixels), Preprocess(drawDigit(28, 28, color.White, color.Black, image.Rect(10, 4, 16, 24))))
	require.NoError(t, err)
	require.Len(t, probs, 2)
	for _, example := range probs {
		require.Len(t, example, mnist.NumClasses)
		var sum float32
		for _, prob := range example {
			sum += prob
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	_, err = p.Predict(make([]float32, 10))
	require.Error(t, err)

	bad := cornerDetector()
	bad.Graph.Outputs[0].Name = "flat"
	_, err = newPredictor(t, bad)
	require.Error(t, err)
}

func TestLoadPredictor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	filePath := filepath.Join(t.TempDir(), "mnist_dnn.onnx")
	require.NoError(t, exporter.Write(cornerDetector(), filePath))
	p, err := LoadPredictor(backend, filePath)
	require.NoError(t, err)
	img := make([]float32, mnist.NumPixels)
	for y := range 4 {
		for x := range 4 {
			img[y*mnist.Width+x] = 1
		}
	}
	probs, err := p.Predict(img)
	require.NoError(t, err)
	assert.Equal(t, 0, TopK(probs, 1)[0].Class)

	_, err = LoadPredictor(backend, filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)
}
