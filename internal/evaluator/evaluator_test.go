package evaluator

import (
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mnistdnn/internal/batch"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"math/rand"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestPredictions(t *testing.T) {
	logits := []float32{
		0, 1, 2,
		5, -1, 5, // Tie: lowest index.
		-3, -2, -9,
	}
	require.Equal(t, []int32{2, 0, 1}, Predictions(logits, 3))
	require.Empty(t, Predictions(nil, 0))
}

// randomCorpus with n examples of random images and labels set to 0.
func randomCorpus(n int) *mnist.Corpus {
	rng := rand.New(rand.NewSource(5))
	c := &mnist.Corpus{Images: make([]float32, n*mnist.NumPixels), Labels: make([]int32, n)}
	for ii := range c.Images {
		c.Images[ii] = float32(rng.NormFloat64())
	}
	return c
}

func TestEvaluate(t *testing.T) {
	m := model.New(graphtest.BuildTestBackend(), model.DefaultConfig())
	corpus := randomCorpus(21)

	// Find what the model predicts, then label the corpus accordingly.
	loader := must.M1(batch.NewLoader(corpus, 8))
	var predictions []int32
	for b := range loader.Epoch() {
		logits := must.M1(m.Logits(b.Images))
		predictions = append(predictions, Predictions(tensors.CopyFlatData[float32](logits), b.Size)...)
	}
	require.Len(t, predictions, 21)

	copy(corpus.Labels, predictions)
	accuracy, err := Evaluate(m, loader)
	require.NoError(t, err)
	require.Equal(t, 1.0, accuracy)

	for ii, p := range predictions {
		corpus.Labels[ii] = (p + 1) % mnist.NumClasses
	}
	accuracy, err = Evaluate(m, loader)
	require.NoError(t, err)
	require.Equal(t, 0.0, accuracy)

	// Mixed: first 7 right.
	for ii, p := range predictions {
		if ii < 7 {
			corpus.Labels[ii] = p
		}
	}
	accuracy, err = Evaluate(m, loader)
	require.NoError(t, err)
	require.InDelta(t, 7.0/21.0, accuracy, 1e-9)

	// Evaluation doesn't change the model.
	before := m.Parameter("batchnorm_0/mean").Values()
	_, err = Evaluate(m, must.M1(batch.NewLoader(corpus, 256)))
	require.NoError(t, err)
	require.Equal(t, before, m.Parameter("batchnorm_0/mean").Values())
}

func TestEvaluateEmpty(t *testing.T) {
	m := model.New(graphtest.BuildTestBackend(), model.DefaultConfig())
	_, err := Evaluate(m, must.M1(batch.NewLoader(&mnist.Corpus{}, 8)))
	require.Error(t, err)
}
