// Package tensormetric computes the Dice coefficient and Dice loss on gotch
// tensors, keeping the autograd graph so the loss can be backpropagated.
package tensormetric

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/segeval/metric"
)

// DiceCoeff is metric.DiceCoeff on gotch tensors. The result is a scalar tensor
// that keeps the autograd graph of input.
func DiceCoeff(input, target *ts.Tensor, reduceBatchFirst bool, epsilon ...float64) (*ts.Tensor, error) {
	inSize := input.MustSize()
	tgSize := target.MustSize()
	if !reflect.DeepEqual(inSize, tgSize) {
		return nil, errors.Wrapf(metric.ErrShapeMismatch, "input %v, target %v", inSize, tgSize)
	}
	rank := int64(len(inSize))
	if rank < 2 {
		return nil, errors.Wrapf(metric.ErrRank, "need at least 2 dimensions, got %v", inSize)
	}
	if reduceBatchFirst && rank > 3 {
		return nil, errors.Wrapf(metric.ErrRank, "batch reduction needs at most 3 dimensions, got %v", inSize)
	}

	dims := []int64{rank - 1, rank - 2}
	if reduceBatchFirst && rank == 3 {
		dims = append(dims, 0)
	}

	return dice(input, target, dims, epsilonOpt(epsilon)), nil
}

// MulticlassDiceCoeff is metric.MulticlassDiceCoeff on gotch tensors shaped
// [B C H W] or [C H W].
func MulticlassDiceCoeff(input, target *ts.Tensor, reduceBatchFirst bool, epsilon ...float64) (*ts.Tensor, error) {
	inSize := input.MustSize()
	tgSize := target.MustSize()
	if !reflect.DeepEqual(inSize, tgSize) {
		return nil, errors.Wrapf(metric.ErrShapeMismatch, "input %v, target %v", inSize, tgSize)
	}

	var dims []int64
	switch len(inSize) {
	case 3:
		dims = []int64{1, 2}
	case 4:
		dims = []int64{2, 3}
		if reduceBatchFirst {
			dims = []int64{0, 2, 3}
		}
	default:
		return nil, errors.Wrapf(metric.ErrRank, "multiclass input must be [B C H W] or [C H W], got %v", inSize)
	}

	// Per-channel (or per item and channel) coefficients, then their mean.
	return dice(input, target, dims, epsilonOpt(epsilon)), nil
}

// dice = (2*sum(x*y) + eps) / (sum(x) + sum(y) + eps) over dims, averaged over
// what remains. For non-negative inputs an empty set sum implies an empty
// intersection, so no special case is needed.
func dice(input, target *ts.Tensor, dims []int64, eps float64) *ts.Tensor {
	xyMul := input.MustMul(target, false)
	inter := xyMul.MustSum1(dims, false, gotch.Double, true).MustMul1(ts.FloatScalar(2.0), true)

	inSum := input.MustSum1(dims, false, gotch.Double, false)
	tgSum := target.MustSum1(dims, false, gotch.Double, false)
	sets := inSum.MustAdd(tgSum, true)
	tgSum.MustDrop()

	numerator := inter.MustAdd1(ts.FloatScalar(eps), true)
	denominator := sets.MustAdd1(ts.FloatScalar(eps), true)
	dc := numerator.MustDiv(denominator, true)
	denominator.MustDrop()

	return dc.MustMean(gotch.Double, true)
}

// DiceLoss returns 1 - Dice with batch reduction. It is differentiable
// with respect to input.
func DiceLoss(input, target *ts.Tensor, multiclass bool) (*ts.Tensor, error) {
	coeff := DiceCoeff
	if multiclass {
		coeff = MulticlassDiceCoeff
	}

	dc, err := coeff(input, target, true)
	if err != nil {
		return nil, err
	}

	return dc.MustMul1(ts.FloatScalar(-1), true).MustAdd1(ts.FloatScalar(1), true), nil
}

func epsilonOpt(epsilon []float64) float64 {
	if len(epsilon) > 0 {
		return epsilon[0]
	}
	return metric.DefaultEpsilon
}
