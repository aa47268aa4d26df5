package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	onnxgomlx "github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"sync"
)

// Runner executes an ONNX model with a single input and a single output on a GoMLX backend.
//
// The model is parsed and converted by onnx-gomlx: initializers become variables of a context owned by the
// Runner, and the graph is compiled once per input shape. It is safe for concurrent use.
type Runner struct {
	backend               backends.Backend
	model                 *onnxgomlx.Model
	ctx                   *context.Context
	inputName, outputName string

	mu   sync.Mutex
	exec *context.Exec
}

// NewRunner for an ONNX model parsed by onnx-gomlx.
func NewRunner(backend backends.Backend, model *onnxgomlx.Model) (*Runner, error) {
	inputNames, _ := model.Inputs()
	outputNames, _ := model.Outputs()
	if len(inputNames) != 1 || len(outputNames) != 1 {
		return nil, errors.Errorf("ONNX model must have exactly one input and one output, got inputs %q and outputs %q",
			inputNames, outputNames)
	}
	r := &Runner{
		backend:    backend,
		model:      model,
		ctx:        context.New(),
		inputName:  inputNames[0],
		outputName: outputNames[0],
	}
	if err := model.VariablesToContext(r.ctx); err != nil {
		return nil, errors.WithMessage(err, "loading ONNX initializers")
	}
	return r, nil
}

// ParseRunner parses the serialized ONNX model and returns a Runner for it.
func ParseRunner(backend backends.Backend, data []byte) (*Runner, error) {
	model, err := onnxgomlx.Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, "parsing ONNX model")
	}
	return NewRunner(backend, model)
}

// ReadRunner reads the ONNX model file and returns a Runner for it.
func ReadRunner(backend backends.Backend, filePath string) (*Runner, error) {
	model, err := onnxgomlx.ReadFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading ONNX model %q", filePath)
	}
	return NewRunner(backend, model)
}

// InputName of the model.
func (r *Runner) InputName() string { return r.inputName }

// OutputName of the model.
func (r *Runner) OutputName() string { return r.outputName }

// Run the model on input and return its output.
//
// Errors raised by onnx-gomlx or by the backend (unsupported operators, shape mismatches) are returned
// as errors.
func (r *Runner) Run(input *tensors.Tensor) (output *tensors.Tensor, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err = exceptions.TryCatch[error](func() {
		if r.exec == nil {
			r.exec = context.NewExec(r.backend, r.ctx, func(ctx *context.Context, x *Node) *Node {
				return r.model.CallGraph(ctx, x.Graph(), map[string]*Node{r.inputName: x}, r.outputName)[0]
			})
		}
		output = r.exec.Call(input)[0]
	})
	if err != nil {
		return nil, errors.Wrapf(err, "running ONNX model on backend %q", r.backend.Name())
	}
	return output, nil
}
