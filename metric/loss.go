package metric

import (
	"math"

	"github.com/pkg/errors"

	"github.com/sugarme/segeval/ndarray"
)

// BCEWithLogitsLoss is the mean binary cross entropy of sigmoid(logits)
// against target, computed in the numerically stable form
// max(x, 0) - x*y + log(1 + exp(-|x|)).
func BCEWithLogitsLoss(logits, target *ndarray.Array) (float64, error) {
	if !logits.SameShape(target) {
		return 0, errors.Wrapf(ErrShapeMismatch, "logits %v, target %v", logits.Shape(), target.Shape())
	}
	x := logits.Values()
	y := target.Values()
	if len(x) == 0 {
		return 0, nil
	}

	var sum float64
	for i := range x {
		sum += math.Max(x[i], 0) - x[i]*y[i] + math.Log1p(math.Exp(-math.Abs(x[i])))
	}
	return sum / float64(len(x)), nil
}

// CrossEntropyLoss is the mean negative log-likelihood of integer labels
// under softmax(logits). Logits are [B C ...] and labels [B ...].
func CrossEntropyLoss(logits, labels *ndarray.Array) (float64, error) {
	ls := logits.Shape()
	lb := labels.Shape()
	if len(ls) < 2 || len(ls) != len(lb)+1 || ls[0] != lb[0] {
		return 0, errors.Wrapf(ErrShapeMismatch, "logits %v, labels %v", ls, lb)
	}
	for i := 2; i < len(ls); i++ {
		if ls[i] != lb[i-1] {
			return 0, errors.Wrapf(ErrShapeMismatch, "logits %v, labels %v", ls, lb)
		}
	}
	if labels.Size() == 0 {
		return 0, nil
	}

	logp, err := logits.LogSoftmax(1)
	if err != nil {
		return 0, err
	}
	onehot, err := labels.OneHot(ls[1], 1)
	if err != nil {
		return 0, err
	}
	picked, err := logp.Mul(onehot)
	if err != nil {
		return 0, err
	}

	return -picked.Sum() / float64(labels.Size()), nil
}
