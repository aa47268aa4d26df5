// Package model implements the MNIST classifier: a feed-forward network of three affine layers, with
// batch normalization, ReLU and dropout between them, built on GoMLX.
//
// The forward pass takes an explicit Mode: in Train mode batch statistics are used for normalization
// (and the running statistics are updated) and dropout masks are applied; in Eval mode the frozen
// running statistics are used and there is no dropout.
package model

import (
	"fmt"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
	"math/rand"
	"sync"
)

// Mode of the forward pass.
type Mode int

const (
	Eval Mode = iota
	Train
)

func (m Mode) String() string {
	switch m {
	case Eval:
		return "eval"
	case Train:
		return "train"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

var (
	// ErrDeviceMismatch is returned (wrapped) when tensors or parameters are used with a backend other than
	// the one the model was built on, or when execution on the backend fails.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrDegenerateBatch is returned when a batch of a single example is used in Train mode: its batch
	// statistics can't be used for normalization.
	ErrDegenerateBatch = errors.New("batch normalization of a single example in train mode")
)

// HiddenSizes of the two hidden layers.
var HiddenSizes = [2]int{256, 128}

// Config of the model.
type Config struct {
	// Seed for the initialization of the parameters.
	Seed int64

	// Dropout rate used in Train mode.
	Dropout float64

	// BatchNormMomentum is the weight of the current batch statistics when updating the running statistics.
	BatchNormMomentum float64

	// BatchNormEpsilon is added to the variance before normalizing.
	BatchNormEpsilon float64
}

// DefaultConfig returns the configuration of the standard model.
func DefaultConfig() Config {
	return Config{Seed: 42, Dropout: 0.2, BatchNormMomentum: 0.1, BatchNormEpsilon: 1e-5}
}

// Parameter is one named tensor of the model state, learnable or not.
type Parameter struct {
	// Name is unique in the model, of the form "<layer>/<name>".
	Name string

	// Dims of the parameter.
	Dims []int

	// Trainable parameters are updated by the optimizer. The others (running statistics of the normalization
	// layers) are only updated by the forward pass in Train mode.
	Trainable bool

	variable *context.Variable
}

// Size returns the number of values of the parameter.
func (p *Parameter) Size() int {
	size := 1
	for _, dim := range p.Dims {
		size *= dim
	}
	return size
}

// Values returns a copy of the current values of the parameter.
func (p *Parameter) Values() []float32 {
	return tensors.CopyFlatData[float32](p.variable.Value())
}

// SetValues replaces the current value of the parameter.
func (p *Parameter) SetValues(values []float32) error {
	if len(values) != p.Size() {
		return errors.Errorf("parameter %q of shape %v requires %d values, got %d", p.Name, p.Dims, p.Size(), len(values))
	}
	p.variable.SetValue(tensors.FromFlatDataAndDimensions(append([]float32(nil), values...), p.Dims...))
	return nil
}

// Variable backing the parameter.
func (p *Parameter) Variable() *context.Variable { return p.variable }

// dense is an affine layer, with weights shaped [inputDim, outputDim].
type dense struct {
	weights, biases *Parameter
}

// batchNorm holds the learned scale and offset, and the running statistics.
type batchNorm struct {
	scale, offset, mean, variance *Parameter
}

// Model holds the parameters in a GoMLX context, bound to one backend.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	config  Config

	params []*Parameter
	byName map[string]*Parameter

	dense [3]dense
	norms [2]batchNorm

	muExec     sync.Mutex
	logitsExec *context.Exec
}

// New creates a model with freshly initialized parameters on the given backend.
//
// Affine weights and biases are drawn uniformly from ±1/√fanIn, normalization scales start at 1 and
// offsets at 0, running means at 0 and running variances at 1.
func New(backend backends.Backend, config Config) *Model {
	m := &Model{
		backend: backend,
		ctx:     context.New(),
		config:  config,
		byName:  make(map[string]*Parameter),
	}
	rng := rand.New(rand.NewSource(config.Seed))
	sizes := []int{mnist.NumPixels, HiddenSizes[0], HiddenSizes[1], mnist.NumClasses}
	for layerIdx := range m.dense {
		fanIn, fanOut := sizes[layerIdx], sizes[layerIdx+1]
		scope := fmt.Sprintf("dense_%d", layerIdx)
		bound := 1 / math.Sqrt(float64(fanIn))
		m.dense[layerIdx] = dense{
			weights: m.newParameter(scope, "weights", true, uniform(rng, bound, fanIn, fanOut), fanIn, fanOut),
			biases:  m.newParameter(scope, "biases", true, uniform(rng, bound, fanOut), fanOut),
		}
		if layerIdx < len(m.norms) {
			scope = fmt.Sprintf("batchnorm_%d", layerIdx)
			m.norms[layerIdx] = batchNorm{
				scale:    m.newParameter(scope, "scale", true, constant(1, fanOut), fanOut),
				offset:   m.newParameter(scope, "offset", true, constant(0, fanOut), fanOut),
				mean:     m.newParameter(scope, "mean", false, constant(0, fanOut), fanOut),
				variance: m.newParameter(scope, "variance", false, constant(1, fanOut), fanOut),
			}
		}
	}
	klog.V(1).Infof("Model created on backend %q with %s parameters", backend.Name(), humanize.Comma(int64(m.NumValues())))
	return m
}

func uniform(rng *rand.Rand, bound float64, dims ...int) []float32 {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = float32((2*rng.Float64() - 1) * bound)
	}
	return values
}

func constant(value float32, size int) []float32 {
	values := make([]float32, size)
	for ii := range values {
		values[ii] = value
	}
	return values
}

func (m *Model) newParameter(scope, name string, trainable bool, values []float32, dims ...int) *Parameter {
	p := &Parameter{
		Name:      scope + "/" + name,
		Dims:      dims,
		Trainable: trainable,
	}
	p.variable = m.ctx.In(scope).VariableWithValue(name, tensors.FromFlatDataAndDimensions(values, dims...))
	if !trainable {
		p.variable.SetTrainable(false)
	}
	m.params = append(m.params, p)
	m.byName[p.Name] = p
	return p
}

// Backend the model is bound to.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context holding the model variables. Executors that use the model must be created with it.
func (m *Model) Context() *context.Context { return m.ctx }

// Config used to create the model.
func (m *Model) Config() Config { return m.config }

// Parameters returns all parameters in a fixed order.
func (m *Model) Parameters() []*Parameter { return m.params }

// TrainableParameters returns the parameters updated by the optimizer, in a fixed order.
func (m *Model) TrainableParameters() []*Parameter {
	var trainable []*Parameter
	for _, p := range m.params {
		if p.Trainable {
			trainable = append(trainable, p)
		}
	}
	return trainable
}

// Parameter returns the parameter with the given name, or nil if there is none.
func (m *Model) Parameter(name string) *Parameter { return m.byName[name] }

// NumValues returns the total number of values over all parameters.
func (m *Model) NumValues() int {
	var total int
	for _, p := range m.params {
		total += p.Size()
	}
	return total
}

// CheckBatch returns an error if a batch of the given size can't be used in the given mode.
func CheckBatch(batchSize int, mode Mode) error {
	if batchSize < 1 {
		return errors.Errorf("invalid batch size %d", batchSize)
	}
	if batchSize == 1 && mode == Train {
		return errors.WithStack(ErrDegenerateBatch)
	}
	return nil
}

// Forward builds the logits, shaped [batchSize, 10], for images shaped [batchSize, 1, 28, 28].
//
// In Train mode, dropoutMasks must have one mask per hidden layer, shaped [batchSize, hiddenSize], with
// values 0 for dropped activations and 1/(1-rate) for kept ones (see DropoutMasks). It also updates
// the running statistics of the normalization layers.
// In Eval mode dropoutMasks is ignored.
func (m *Model) Forward(images *Node, mode Mode, dropoutMasks []*Node) *Node {
	g := images.Graph()
	batchSize := images.Shape().Dim(0)
	if err := CheckBatch(batchSize, mode); err != nil {
		panic(err)
	}
	if mode == Train && len(dropoutMasks) != len(m.norms) {
		exceptions.Panicf("Model.Forward in train mode requires %d dropout masks, got %d", len(m.norms), len(dropoutMasks))
	}
	x := Reshape(images, batchSize, mnist.NumPixels)
	for layerIdx, layer := range m.dense {
		x = Add(Dot(x, layer.weights.variable.ValueGraph(g)), broadcastRows(layer.biases.variable.ValueGraph(g), batchSize))
		if layerIdx == len(m.dense)-1 {
			break
		}
		x = m.normalize(m.norms[layerIdx], x, mode)
		x = activations.Relu(x)
		if mode == Train {
			x = Mul(x, dropoutMasks[layerIdx])
		}
	}
	return x
}

// broadcastRows broadcasts a vector shaped [dim] to [batchSize, dim].
func broadcastRows(v *Node, batchSize int) *Node {
	return BroadcastToDims(ExpandAxes(v, 0), batchSize, v.Shape().Dim(0))
}

// normalize x, shaped [batchSize, features], per feature.
func (m *Model) normalize(bn batchNorm, x *Node, mode Mode) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	var mean, variance *Node
	if mode == Train {
		mean = ReduceMean(x, 0)
		centered := Sub(x, broadcastRows(mean, batchSize))
		variance = ReduceMean(Square(centered), 0)

		// Running statistics use the unbiased variance.
		momentum := m.config.BatchNormMomentum
		unbiased := MulScalar(StopGradient(variance), float64(batchSize)/float64(batchSize-1))
		bn.mean.variable.SetValueGraph(Add(
			MulScalar(bn.mean.variable.ValueGraph(g), 1-momentum),
			MulScalar(StopGradient(mean), momentum)))
		bn.variance.variable.SetValueGraph(Add(
			MulScalar(bn.variance.variable.ValueGraph(g), 1-momentum),
			MulScalar(unbiased, momentum)))
	} else {
		mean = bn.mean.variable.ValueGraph(g)
		variance = bn.variance.variable.ValueGraph(g)
	}
	invStdDev := Rsqrt(AddScalar(variance, m.config.BatchNormEpsilon))
	scale := Mul(bn.scale.variable.ValueGraph(g), invStdDev)
	normalized := Mul(Sub(x, broadcastRows(mean, batchSize)), broadcastRows(scale, batchSize))
	return Add(normalized, broadcastRows(bn.offset.variable.ValueGraph(g), batchSize))
}

// DropoutMasks draws the dropout masks for one Train mode forward pass of the given batch size, see Forward.
func (m *Model) DropoutMasks(rng *rand.Rand, batchSize int) []*tensors.Tensor {
	rate := m.config.Dropout
	keepScale := float32(1 / (1 - rate))
	masks := make([]*tensors.Tensor, len(HiddenSizes))
	for ii, hiddenSize := range HiddenSizes {
		values := make([]float32, batchSize*hiddenSize)
		for jj := range values {
			if rng.Float64() >= rate {
				values[jj] = keepScale
			}
		}
		masks[ii] = tensors.FromFlatDataAndDimensions(values, batchSize, hiddenSize)
	}
	return masks
}

// Run calls fn, converting panics raised by GoMLX during graph building or execution into errors
// wrapping ErrDeviceMismatch.
func (m *Model) Run(what string, fn func()) error {
	err := exceptions.TryCatch[error](fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDegenerateBatch) {
		return err
	}
	return errors.Wrapf(ErrDeviceMismatch, "%s failed on backend %q: %v", what, m.backend.Name(), err)
}

// Logits runs the model in Eval mode on images shaped [batchSize, 1, 28, 28] and returns the
// logits shaped [batchSize, 10]. It doesn't change any parameter.
func (m *Model) Logits(images *tensors.Tensor) (logits *tensors.Tensor, err error) {
	if images.Shape().Rank() != 4 || images.Shape().Dim(1) != 1 ||
		images.Shape().Dim(2) != mnist.Height || images.Shape().Dim(3) != mnist.Width {
		return nil, errors.Errorf("images must be shaped [batch_size, 1, %d, %d], got %s", mnist.Height, mnist.Width, images.Shape())
	}
	if err = CheckBatch(images.Shape().Dim(0), Eval); err != nil {
		return nil, err
	}
	m.muExec.Lock()
	defer m.muExec.Unlock()
	if m.logitsExec == nil {
		m.logitsExec = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, images *Node) *Node {
			return m.Forward(images, Eval, nil)
		})
	}
	err = m.Run("inference", func() {
		logits = m.logitsExec.Call(images)[0]
	})
	return
}
