package trainer

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/mnistdnn/internal/batch"
	"github.com/janpfeifer/mnistdnn/internal/generics"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"k8s.io/klog/v2"
	"math/rand"
	"strings"
)

// Adam hyperparameters.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8

	// clipEpsilon is added to the global norm before computing the clipping scale.
	clipEpsilon = 1e-6
)

// OptimizerScope is the context scope of the optimizer variables.
const OptimizerScope = "optimizer"

// trainStep executes one optimization step on the backend: forward pass in Train mode, cross-entropy
// loss, gradients, global norm clipping and Adam update of the trainable parameters.
type trainStep struct {
	model       *model.Model
	maxGradNorm float64
	dropoutRng  *rand.Rand

	learningRate                *context.Variable
	firstMoments, secondMoments []*context.Variable
	exec                        *context.Exec
}

func newTrainStep(backend backends.Backend, m *model.Model, config Config) *trainStep {
	s := &trainStep{
		model:       m,
		maxGradNorm: config.MaxGradNorm,
		dropoutRng:  rand.New(rand.NewSource(config.Seed)),
	}
	optCtx := m.Context().In(OptimizerScope)
	s.learningRate = optCtx.VariableWithValue("learning_rate", float32(config.LearningRate)).SetTrainable(false)
	for _, p := range m.TrainableParameters() {
		name := strings.ReplaceAll(p.Name, "/", "_")
		zeros := func() *tensors.Tensor { return tensors.FromShape(shapes.Make(dtypes.Float32, p.Dims...)) }
		s.firstMoments = append(s.firstMoments, optCtx.VariableWithValue("m_"+name, zeros()).SetTrainable(false))
		s.secondMoments = append(s.secondMoments, optCtx.VariableWithValue("v_"+name, zeros()).SetTrainable(false))
	}
	s.exec = context.NewExec(backend, m.Context(), s.buildGraph)
	return s
}

// buildGraph takes as inputs the images, the labels and the dropout masks, and returns the loss and the
// gradients global norm (before clipping).
func (s *trainStep) buildGraph(ctx *context.Context, inputs []*Node) []*Node {
	images, labels, masks := inputs[0], inputs[1], inputs[2:]
	g := images.Graph()
	klog.V(1).Infof("Compiling train step for batch size %d", images.Shape().Dim(0))
	logits := s.model.Forward(images, model.Train, masks)
	loss := CrossEntropy(logits, labels)
	trainable := s.model.TrainableParameters()
	params := generics.SliceMap(trainable, func(p *model.Parameter) *Node {
		return p.Variable().ValueGraph(g)
	})
	grads := Gradient(loss, params...)
	grads, globalNorm := ClipByGlobalNorm(grads, s.maxGradNorm)

	// Adam, with bias correction.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(OptimizerScope), g, dtypes.Float32)
	biasCorrection1 := OneMinus(Pow(Scalar(g, dtypes.Float32, adamBeta1), step))
	biasCorrection2 := OneMinus(Pow(Scalar(g, dtypes.Float32, adamBeta2), step))
	stepSize := Div(s.learningRate.ValueGraph(g), biasCorrection1)
	sqrtBiasCorrection2 := Sqrt(biasCorrection2)
	for ii, param := range params {
		grad := grads[ii]
		moment1 := Add(MulScalar(s.firstMoments[ii].ValueGraph(g), adamBeta1), MulScalar(grad, 1-adamBeta1))
		moment2 := Add(MulScalar(s.secondMoments[ii].ValueGraph(g), adamBeta2), MulScalar(Square(grad), 1-adamBeta2))
		s.firstMoments[ii].SetValueGraph(moment1)
		s.secondMoments[ii].SetValueGraph(moment2)
		denominator := AddScalar(Div(Sqrt(moment2), sqrtBiasCorrection2), adamEpsilon)
		update := Mul(stepSize, Div(moment1, denominator))
		trainable[ii].Variable().SetValueGraph(Sub(param, update))
	}
	return []*Node{loss, globalNorm}
}

// Run one step on the batch and return the loss of the batch (before the update) and the gradients
// global norm.
func (s *trainStep) Run(b *batch.Batch) (loss, globalNorm float32, err error) {
	if err = model.CheckBatch(b.Size, model.Train); err != nil {
		return
	}
	masks := s.model.DropoutMasks(s.dropoutRng, b.Size)
	err = s.model.Run("train step", func() {
		outputs := s.exec.Call(b.Images, b.Labels, masks[0], masks[1])
		loss = tensors.ToScalar[float32](outputs[0])
		globalNorm = tensors.ToScalar[float32](outputs[1])
	})
	return
}

// SetLearningRate used by the following steps.
func (s *trainStep) SetLearningRate(learningRate float64) {
	s.learningRate.SetValue(tensors.FromScalar(float32(learningRate)))
}

// CrossEntropy returns the mean softmax cross-entropy of logits, shaped [batchSize, numClasses], given the
// integer labels, shaped [batchSize].
func CrossEntropy(logits, labels *Node) *Node {
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{ExpandAxes(labels, -1)}, []*Node{logits}))
}

// ClipByGlobalNorm scales all gradients by min(1, maxNorm/(norm+1e-6)), where norm is the L2 norm of all
// gradients concatenated. It returns the scaled gradients and the norm before scaling.
func ClipByGlobalNorm(grads []*Node, maxNorm float64) (clipped []*Node, globalNorm *Node) {
	var sumSquares *Node
	for _, grad := range grads {
		squares := ReduceAllSum(Square(grad))
		if sumSquares == nil {
			sumSquares = squares
		} else {
			sumSquares = Add(sumSquares, squares)
		}
	}
	globalNorm = Sqrt(sumSquares)
	scale := MinScalar(Div(Scalar(globalNorm.Graph(), globalNorm.DType(), maxNorm), AddScalar(globalNorm, clipEpsilon)), 1)
	clipped = make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, scale)
	}
	return
}
