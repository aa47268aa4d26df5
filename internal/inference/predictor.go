package inference

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mnistdnn/internal/exporter"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/janpfeifer/mnistdnn/internal/onnx"
	"github.com/pkg/errors"
	"slices"
)

// Predictor classifies digits with an exported graph, executed by onnx-gomlx on a GoMLX backend.
// It is safe for concurrent use.
type Predictor struct {
	runner *onnx.Runner
}

// NewPredictor for the given ONNX runner. The graph must take images as exporter.InputName and
// return logits as exporter.OutputName.
func NewPredictor(runner *onnx.Runner) (*Predictor, error) {
	if runner.InputName() != exporter.InputName || runner.OutputName() != exporter.OutputName {
		return nil, errors.Errorf("graph must have a single input %q and a single output %q, got %q and %q",
			exporter.InputName, exporter.OutputName, runner.InputName(), runner.OutputName())
	}
	return &Predictor{runner: runner}, nil
}

// LoadPredictor reads an exported graph from filePath, to be executed on backend.
func LoadPredictor(backend backends.Backend, filePath string) (*Predictor, error) {
	runner, err := onnx.ReadRunner(backend, filePath)
	if err != nil {
		return nil, err
	}
	return NewPredictor(runner)
}

// Probabilities returns, for each of the images given, the probabilities of each class. Images are
// 28×28 intensities in [0,1], as returned by Preprocess.
func (p *Predictor) Probabilities(images ...[]float32) ([][]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}
	input := make([]float32, 0, len(images)*mnist.NumPixels)
	for ii, img := range images {
		if len(img) != mnist.NumPixels {
			return nil, errors.Errorf("image #%d has %d pixels, expected %d", ii, len(img), mnist.NumPixels)
		}
		for _, v := range img {
			input = append(input, mnist.NormalizeIntensity(v))
		}
	}
	output, err := p.runner.Run(tensors.FromFlatDataAndDimensions(input, len(images), 1, mnist.Height, mnist.Width))
	if err != nil {
		return nil, err
	}
	if output.Shape().Rank() != 2 || output.Shape().Dim(0) != len(images) || output.Shape().Dim(1) != mnist.NumClasses {
		return nil, errors.Errorf("graph returned logits shaped %s, expected [%d, %d]", output.Shape(), len(images), mnist.NumClasses)
	}
	logits := tensors.CopyFlatData[float32](output)
	probs := make([][]float32, len(images))
	for ii := range probs {
		probs[ii] = Softmax(logits[ii*mnist.NumClasses : (ii+1)*mnist.NumClasses])
	}
	return probs, nil
}

// Predict returns the class probabilities of one image.
func (p *Predictor) Predict(img []float32) ([]float32, error) {
	probs, err := p.Probabilities(img)
	if err != nil {
		return nil, err
	}
	return probs[0], nil
}

// Softmax converts logits to probabilities.
func Softmax(logits []float32) []float32 {
	maxLogit := slices.Max(logits)
	probs := make([]float32, len(logits))
	var sum float32
	for ii, logit := range logits {
		probs[ii] = math32.Exp(logit - maxLogit)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return probs
}

// Prediction of one class.
type Prediction struct {
	Class       int
	Probability float32
}

// TopK returns the k most probable classes, most probable first. Ties go to the lowest class.
func TopK(probs []float32, k int) []Prediction {
	predictions := make([]Prediction, len(probs))
	for class, prob := range probs {
		predictions[class] = Prediction{Class: class, Probability: prob}
	}
	slices.SortStableFunc(predictions, func(a, b Prediction) int {
		switch {
		case a.Probability > b.Probability:
			return -1
		case a.Probability < b.Probability:
			return 1
		}
		return 0
	})
	return predictions[:min(k, len(predictions))]
}
