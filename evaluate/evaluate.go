// Package evaluate scores a segmentation model on a dataset with the Dice
// coefficient and a cross-entropy + Dice loss.
package evaluate

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sugarme/segeval/dataset"
	"github.com/sugarme/segeval/metric"
	"github.com/sugarme/segeval/ndarray"
)

// ErrLabelRange is returned when a ground-truth mask holds a class id outside
// the model's range. It signals corrupted data and aborts evaluation.
var ErrLabelRange = errors.New("evaluate: true mask indices out of range")

// Model is a segmentation network.
type Model interface {
	// Forward maps images [B C H W] to logits [B classes H W].
	Forward(images *ndarray.Array) (*ndarray.Array, error)
	NClasses() int
	Eval()
	Train()
}

// Loader iterates batches of a dataset.
type Loader interface {
	Len() int
	Reset()
	HasNext() bool
	Next() (*dataset.Batch, error)
}

// Result holds averages over all batches.
type Result struct {
	Dice    float64
	IoU     float64
	Loss    float64
	Batches int
}

type batchScore struct {
	dice, iou, loss float64
}

type options struct {
	name   string
	logger *zap.Logger
}

// Option configures Evaluate.
type Option func(*options)

// WithLogger sets the logger used for progress.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName labels progress logs, e.g. "validation".
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Evaluate runs model over every batch of loader and returns the mean Dice
// score, IoU and loss. The model is put in evaluation mode for the duration
// of the call and is back in training mode when it returns, whatever the
// outcome.
func Evaluate(model Model, loader Loader, opts ...Option) (Result, error) {
	o := &options{name: "validation round", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	model.Eval()
	defer model.Train()

	nBatches := loader.Len()
	var total batchScore
	loader.Reset()

	count := 0
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return Result{}, errors.Wrapf(err, "loading batch %d", count)
		}

		score, err := evaluateBatch(model, batch)
		if err != nil {
			return Result{}, errors.Wrapf(err, "batch %d", count)
		}
		total.dice += score.dice
		total.iou += score.iou
		total.loss += score.loss
		count++

		o.logger.Debug(o.name,
			zap.Int("batch", count),
			zap.Int("total", nBatches),
			zap.Float64("dice", score.dice),
			zap.Float64("iou", score.iou),
			zap.Float64("loss", score.loss))
	}

	denom := float64(nBatches)
	if nBatches < 1 {
		denom = 1
	}

	return Result{
		Dice:    total.dice / denom,
		IoU:     total.iou / denom,
		Loss:    total.loss / denom,
		Batches: count,
	}, nil
}

func evaluateBatch(model Model, batch *dataset.Batch) (batchScore, error) {
	logits, err := model.Forward(batch.Images)
	if err != nil {
		return batchScore{}, errors.Wrap(err, "forward")
	}

	nClasses := model.NClasses()
	masks := batch.Masks
	if nClasses == 1 {
		return binaryBatch(logits, masks)
	}
	return multiclassBatch(logits, masks, nClasses)
}

func checkRange(masks *ndarray.Array, max float64) error {
	if masks.Size() == 0 {
		return nil
	}
	lo, hi := masks.Min(), masks.Max()
	if lo < 0 || hi > max {
		return errors.Wrapf(ErrLabelRange, "got [%v, %v], want within [0, %v]", lo, hi, max)
	}
	return nil
}

// binaryBatch scores logits [B 1 H W] against masks [B H W] in {0, 1}.
func binaryBatch(logits, masks *ndarray.Array) (batchScore, error) {
	if err := checkRange(masks, 1); err != nil {
		return batchScore{}, err
	}

	logits, err := logits.Squeeze(1)
	if err != nil {
		return batchScore{}, errors.Wrapf(metric.ErrShapeMismatch, "binary logits: %v", err)
	}

	bce, err := metric.BCEWithLogitsLoss(logits, masks)
	if err != nil {
		return batchScore{}, err
	}
	probs := logits.Sigmoid()
	dl, err := metric.DiceLoss(probs, masks, false)
	if err != nil {
		return batchScore{}, err
	}

	pred := probs.Threshold(0.5)
	dice, err := metric.DiceCoeff(pred, masks, false)
	if err != nil {
		return batchScore{}, err
	}
	iou, err := metric.IoU(pred, masks)
	if err != nil {
		return batchScore{}, err
	}

	return batchScore{dice: dice, iou: iou, loss: bce + dl}, nil
}

// multiclassBatch scores logits [B C H W] against masks [B H W] in [0, C).
// The background channel is left out of the Dice and IoU scores.
func multiclassBatch(logits, masks *ndarray.Array, nClasses int) (batchScore, error) {
	if err := checkRange(masks, float64(nClasses-1)); err != nil {
		return batchScore{}, err
	}

	ce, err := metric.CrossEntropyLoss(logits, masks)
	if err != nil {
		return batchScore{}, err
	}
	probs, err := logits.Softmax(1)
	if err != nil {
		return batchScore{}, err
	}
	trueOneHot, err := masks.OneHot(nClasses, 1)
	if err != nil {
		return batchScore{}, err
	}
	dl, err := metric.DiceLoss(probs, trueOneHot, true)
	if err != nil {
		return batchScore{}, err
	}

	argmax, err := logits.ArgMax(1)
	if err != nil {
		return batchScore{}, err
	}
	predOneHot, err := argmax.OneHot(nClasses, 1)
	if err != nil {
		return batchScore{}, err
	}

	fg := nClasses - 1
	pred, err := predOneHot.Narrow(1, 1, fg)
	if err != nil {
		return batchScore{}, err
	}
	target, err := trueOneHot.Narrow(1, 1, fg)
	if err != nil {
		return batchScore{}, err
	}
	dice, err := metric.MulticlassDiceCoeff(pred, target, false)
	if err != nil {
		return batchScore{}, err
	}
	iou, err := metric.IoU(pred, target)
	if err != nil {
		return batchScore{}, err
	}

	return batchScore{dice: dice, iou: iou, loss: ce + dl}, nil
}
