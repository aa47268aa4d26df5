// Package evaluator measures the classification accuracy of a model.
package evaluator

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mnistdnn/internal/batch"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/pkg/errors"
)

// Evaluate returns the fraction of examples of loader whose predicted class (the argmax of the logits)
// equals the label. The model is run in Eval mode and its parameters are not changed.
func Evaluate(m *model.Model, loader *batch.Loader) (accuracy float64, err error) {
	var correct, total int
	for b := range loader.Epoch() {
		var logits *tensors.Tensor
		logits, err = m.Logits(b.Images)
		if err != nil {
			return 0, errors.WithMessagef(err, "evaluating batch of %d examples", b.Size)
		}
		for ii, prediction := range Predictions(tensors.CopyFlatData[float32](logits), b.Size) {
			if prediction == b.LabelValues[ii] {
				correct++
			}
		}
		total += b.Size
	}
	if total == 0 {
		return 0, errors.New("evaluation over an empty dataset")
	}
	return float64(correct) / float64(total), nil
}

// Predictions returns the argmax of each row of logits, a flat [batchSize, numClasses] row-major matrix.
// Ties go to the lowest class index.
func Predictions(logits []float32, batchSize int) []int32 {
	predictions := make([]int32, batchSize)
	if batchSize == 0 {
		return predictions
	}
	numClasses := len(logits) / batchSize
	for row := range batchSize {
		rowLogits := logits[row*numClasses : (row+1)*numClasses]
		best := 0
		for class, value := range rowLogits {
			if value > rowLogits[best] {
				best = class
			}
		}
		predictions[row] = int32(best)
	}
	return predictions
}
