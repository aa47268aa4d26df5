// Package trainer runs the training of the MNIST model: epochs of mini-batch optimization, learning rate
// reduction on plateaus of the validation accuracy, checkpointing of the best model, and the final test
// accuracy of the best checkpoint.
package trainer

import (
	"context"
	"fmt"
	"github.com/janpfeifer/mnistdnn/internal/batch"
	"github.com/janpfeifer/mnistdnn/internal/checkpoint"
	"github.com/janpfeifer/mnistdnn/internal/evaluator"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"io"
	"k8s.io/klog/v2"
	"os"
	"time"
)

// Evaluator measures the accuracy of a model over a dataset.
type Evaluator interface {
	Evaluate(m *model.Model, loader *batch.Loader) (float64, error)
}

// EvaluatorFunc implements Evaluator with a function.
type EvaluatorFunc func(m *model.Model, loader *batch.Loader) (float64, error)

// Evaluate implements Evaluator.
func (fn EvaluatorFunc) Evaluate(m *model.Model, loader *batch.Loader) (float64, error) {
	return fn(m, loader)
}

// CheckpointStore persists the best model parameters of a run.
type CheckpointStore interface {
	// Save the parameters of m, replacing anything saved before.
	Save(m *model.Model, epoch int) error

	// Load the last saved parameters into m and return the epoch they were saved at.
	Load(m *model.Model) (epoch int, err error)
}

// FileStore is a CheckpointStore writing to a single checkpoint file.
type FileStore struct {
	Path string
}

// Save implements CheckpointStore.
func (s FileStore) Save(m *model.Model, epoch int) error { return checkpoint.Save(m, s.Path, epoch) }

// Load implements CheckpointStore.
func (s FileStore) Load(m *model.Model) (int, error) {
	f, err := checkpoint.Load(m, s.Path)
	if err != nil {
		return 0, err
	}
	return f.Epoch, nil
}

// Splits of the data used in a run.
type Splits struct {
	Train, Validation, Test mnist.Source
}

// NewSplits holds out config.ValidationSize random examples of the train corpus for validation.
func NewSplits(train, test mnist.Source, config Config) (Splits, error) {
	trainSubset, validationSubset, err := mnist.SplitValidation(train, config.ValidationSize, config.Seed)
	if err != nil {
		return Splits{}, err
	}
	return Splits{Train: trainSubset, Validation: validationSubset, Test: test}, nil
}

// EpochStats of one epoch of training.
type EpochStats struct {
	Epoch              int
	Loss               float64
	ValidationAccuracy float64
	LearningRate       float64
	Checkpointed       bool
}

// Result of a training run.
type Result struct {
	History []EpochStats

	// BestEpoch (1-based) and BestValidationAccuracy of the checkpoint used for the test accuracy.
	BestEpoch              int
	BestValidationAccuracy float64

	// TestAccuracy of the best checkpoint.
	TestAccuracy float64
}

// Trainer owns the model parameters during a run: it's the only one changing them.
type Trainer struct {
	config    Config
	model     *model.Model
	evaluator Evaluator
	store     CheckpointStore
	report    io.Writer
	step      *trainStep
	scheduler *Plateau

	// progress is where the per-epoch progress bar is drawn, nil if disabled. epochBar is the bar of the
	// last epoch.
	progress io.Writer
	epochBar *progressbar.ProgressBar
}

// New creates a trainer for m. config.Backend, if set, must be the backend m was built on.
func New(m *model.Model, config Config) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	backend := m.Backend()
	if config.Backend != nil && config.Backend != backend {
		return nil, errors.Wrapf(model.ErrDeviceMismatch, "model built on backend %q, trainer configured with backend %q",
			backend.Name(), config.Backend.Name())
	}
	t := &Trainer{
		config:    config,
		model:     m,
		evaluator: EvaluatorFunc(evaluator.Evaluate),
		store:     FileStore{Path: config.CheckpointPath},
		report:    os.Stdout,
		scheduler: NewPlateau(config.LearningRate, config.PlateauFactor, config.PlateauPatience),
	}
	t.step = newTrainStep(backend, m, config)
	return t, nil
}

// WithEvaluator replaces the default evaluator.Evaluate.
func (t *Trainer) WithEvaluator(e Evaluator) *Trainer {
	t.evaluator = e
	return t
}

// WithCheckpointStore replaces the default FileStore at config.CheckpointPath.
func (t *Trainer) WithCheckpointStore(store CheckpointStore) *Trainer {
	t.store = store
	return t
}

// WithReport sets where the per-epoch and final lines are printed. Default is os.Stdout.
func (t *Trainer) WithReport(w io.Writer) *Trainer {
	t.report = w
	return t
}

// WithProgressBar enables a progress bar on stderr during each epoch.
func (t *Trainer) WithProgressBar(enabled bool) *Trainer {
	t.progress = nil
	if enabled {
		t.progress = os.Stderr
	}
	return t
}

// Model being trained.
func (t *Trainer) Model() *model.Model { return t.model }

// LearningRate currently used.
func (t *Trainer) LearningRate() float64 { return t.scheduler.LearningRate() }

// Loaders builds the batch loaders for splits: shuffled for training, sequential for evaluation.
func (t *Trainer) Loaders(splits Splits) (train, validation, test *batch.Loader, err error) {
	if train, err = batch.NewLoader(splits.Train, t.config.BatchSize); err != nil {
		return
	}
	train.WithShuffle(t.config.Seed).WithPrefetch(t.config.Prefetch)
	if validation, err = batch.NewLoader(splits.Validation, t.config.EvalBatchSize); err != nil {
		return
	}
	validation.WithPrefetch(t.config.Prefetch)
	if test, err = batch.NewLoader(splits.Test, t.config.EvalBatchSize); err != nil {
		return
	}
	test.WithPrefetch(t.config.Prefetch)
	return
}

// TrainEpoch runs one optimization step per batch of loader, and returns the average loss weighted by
// batch size. A final batch with a single example is skipped, since it can't be normalized in Train mode.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, loader *batch.Loader) (meanLoss float64, err error) {
	var bar *progressbar.ProgressBar
	if t.progress != nil {
		bar = progressbar.NewOptions(loader.NumBatches(),
			progressbar.OptionSetWriter(t.progress),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionThrottle(100*time.Millisecond))
		t.epochBar = bar
		// The bar finishes by itself once every batch is accounted for.
		defer func() {
			if err != nil {
				_ = bar.Exit()
			}
		}()
	}
	var lossSum float64
	var count int
	for b := range loader.Epoch() {
		if ctx.Err() != nil {
			return 0, errors.Wrapf(ctx.Err(), "training interrupted at epoch %d", epoch)
		}
		if b.Size == 1 {
			klog.Warningf("Skipping final batch of 1 example in epoch %d", epoch)
			if bar != nil {
				_ = bar.Add(1)
			}
			continue
		}
		loss, globalNorm, err := t.step.Run(b)
		if err != nil {
			return 0, errors.WithMessagef(err, "epoch %d", epoch)
		}
		if klog.V(2).Enabled() {
			klog.Infof("epoch %d, batch of %d: loss=%.4f, gradients norm=%.3f", epoch, b.Size, loss, globalNorm)
		}
		lossSum += float64(loss) * float64(b.Size)
		count += b.Size
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if count == 0 {
		return 0, errors.Errorf("no training batches in epoch %d", epoch)
	}
	return lossSum / float64(count), nil
}

// Run trains for config.Epochs epochs, checkpointing whenever the validation accuracy strictly improves,
// then reloads the best checkpoint and measures the test accuracy.
//
// If no checkpoint was written during this run (the validation accuracy never exceeded 0), it fails with
// an error wrapping checkpoint.ErrMissingCheckpoint.
func (t *Trainer) Run(ctx context.Context, splits Splits) (*Result, error) {
	trainLoader, validationLoader, testLoader, err := t.Loaders(splits)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Training on %d examples, validating on %d, testing on %d",
		trainLoader.NumExamples(), validationLoader.NumExamples(), testLoader.NumExamples())

	result := &Result{}
	best := 0.0
	written := false
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		loss, err := t.TrainEpoch(ctx, epoch, trainLoader)
		if err != nil {
			return nil, err
		}
		validationAccuracy, err := t.evaluator.Evaluate(t.model, validationLoader)
		if err != nil {
			return nil, errors.WithMessagef(err, "validation of epoch %d", epoch)
		}
		stats := EpochStats{Epoch: epoch, Loss: loss, ValidationAccuracy: validationAccuracy, LearningRate: t.LearningRate()}
		if lr, reduced := t.scheduler.Step(validationAccuracy); reduced {
			t.step.SetLearningRate(lr)
			klog.V(1).Infof("Learning rate reduced to %g after epoch %d", lr, epoch)
		}
		_, _ = fmt.Fprintf(t.report, "epoch=%d loss=%.4f val_acc=%.4f\n", epoch, loss, validationAccuracy)
		if validationAccuracy > best {
			if err = t.store.Save(t.model, epoch); err != nil {
				return nil, errors.WithMessagef(err, "checkpointing epoch %d", epoch)
			}
			best = validationAccuracy
			written = true
			stats.Checkpointed = true
			result.BestEpoch = epoch
			result.BestValidationAccuracy = validationAccuracy
		}
		result.History = append(result.History, stats)
	}

	if !written {
		return nil, errors.Wrapf(checkpoint.ErrMissingCheckpoint,
			"validation accuracy never improved over %.4f in %d epochs, no checkpoint to reload", best, t.config.Epochs)
	}
	loadedEpoch, err := t.store.Load(t.model)
	if err != nil {
		return nil, errors.WithMessagef(err, "reloading best checkpoint")
	}
	if loadedEpoch != result.BestEpoch {
		klog.Warningf("Reloaded checkpoint from epoch %d, expected epoch %d", loadedEpoch, result.BestEpoch)
	}
	result.TestAccuracy, err = t.evaluator.Evaluate(t.model, testLoader)
	if err != nil {
		return nil, errors.WithMessagef(err, "test evaluation")
	}
	_, _ = fmt.Fprintf(t.report, "test_acc=%.4f\n", result.TestAccuracy)
	return result, nil
}
