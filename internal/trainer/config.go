package trainer

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/janpfeifer/mnistdnn/internal/parameters"
	"github.com/pkg/errors"
)

// Config of a training run.
type Config struct {
	// Seed for parameter initialization, train/validation split, shuffling and dropout.
	Seed int64

	Epochs        int
	BatchSize     int
	EvalBatchSize int

	// ValidationSize is the number of examples of the training corpus held out for validation.
	ValidationSize int

	// LearningRate is the initial learning rate of Adam.
	LearningRate float64

	// MaxGradNorm is the maximum global norm of the gradients, larger gradients are scaled down.
	MaxGradNorm float64

	// PlateauFactor multiplies the learning rate when the validation accuracy stops improving for more
	// than PlateauPatience epochs.
	PlateauFactor   float64
	PlateauPatience int

	// Prefetch is the number of batches collated ahead of the training step.
	Prefetch int

	// DataDir where the MNIST files are downloaded to.
	DataDir string

	// CheckpointPath where the best parameters are saved.
	CheckpointPath string

	// Model configuration, see ModelConfig.
	Model model.Config

	// Backend used for the whole run. If set, the model must have been built on it.
	Backend backends.Backend
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Seed:            42,
		Epochs:          8,
		BatchSize:       128,
		EvalBatchSize:   256,
		ValidationSize:  10000,
		LearningRate:    1e-3,
		MaxGradNorm:     5.0,
		PlateauFactor:   0.5,
		PlateauPatience: 1,
		Prefetch:        2,
		DataDir:         "~/.cache/mnistdnn/data",
		CheckpointPath:  "best.ckpt",
		Model:           model.DefaultConfig(),
	}
}

// ModelConfig returns the model configuration, with the seed of the run.
func (c Config) ModelConfig() model.Config {
	modelConfig := c.Model
	modelConfig.Seed = c.Seed
	return modelConfig
}

// ParseParams overrides the configuration from params, consuming the keys it knows.
// Unknown keys are reported as an error.
//
// Keys: seed, epochs, batch_size, eval_batch_size, validation_size, learning_rate, max_grad_norm,
// plateau_factor, plateau_patience, prefetch, data_dir, checkpoint, dropout, batchnorm_momentum,
// batchnorm_epsilon.
func (c *Config) ParseParams(params parameters.Params) (err error) {
	intParams := []struct {
		key   string
		value *int
	}{
		{"epochs", &c.Epochs},
		{"batch_size", &c.BatchSize},
		{"eval_batch_size", &c.EvalBatchSize},
		{"validation_size", &c.ValidationSize},
		{"plateau_patience", &c.PlateauPatience},
		{"prefetch", &c.Prefetch},
	}
	for _, p := range intParams {
		if *p.value, err = parameters.PopParamOr(params, p.key, *p.value); err != nil {
			return err
		}
	}
	floatParams := []struct {
		key   string
		value *float64
	}{
		{"learning_rate", &c.LearningRate},
		{"max_grad_norm", &c.MaxGradNorm},
		{"plateau_factor", &c.PlateauFactor},
		{"dropout", &c.Model.Dropout},
		{"batchnorm_momentum", &c.Model.BatchNormMomentum},
		{"batchnorm_epsilon", &c.Model.BatchNormEpsilon},
	}
	for _, p := range floatParams {
		if *p.value, err = parameters.PopParamOr(params, p.key, *p.value); err != nil {
			return err
		}
	}
	if c.Seed, err = parameters.PopParamOr(params, "seed", c.Seed); err != nil {
		return err
	}
	if c.DataDir, err = parameters.PopParamOr(params, "data_dir", c.DataDir); err != nil {
		return err
	}
	if c.CheckpointPath, err = parameters.PopParamOr(params, "checkpoint", c.CheckpointPath); err != nil {
		return err
	}
	if err = parameters.CheckAllUsed(params); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	switch {
	case c.Epochs < 1:
		return errors.Errorf("epochs must be >= 1, got %d", c.Epochs)
	case c.BatchSize < 2:
		return errors.Errorf("batch_size must be >= 2 for batch normalization, got %d", c.BatchSize)
	case c.EvalBatchSize < 1:
		return errors.Errorf("eval_batch_size must be >= 1, got %d", c.EvalBatchSize)
	case c.ValidationSize < 1:
		return errors.Errorf("validation_size must be >= 1, got %d", c.ValidationSize)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be > 0, got %g", c.LearningRate)
	case c.MaxGradNorm <= 0:
		return errors.Errorf("max_grad_norm must be > 0, got %g", c.MaxGradNorm)
	case c.PlateauFactor <= 0 || c.PlateauFactor >= 1:
		return errors.Errorf("plateau_factor must be in (0, 1), got %g", c.PlateauFactor)
	case c.PlateauPatience < 0:
		return errors.Errorf("plateau_patience must be >= 0, got %d", c.PlateauPatience)
	case c.Model.Dropout < 0 || c.Model.Dropout >= 1:
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Model.Dropout)
	case c.CheckpointPath == "":
		return errors.New("checkpoint path must be set")
	}
	return nil
}
