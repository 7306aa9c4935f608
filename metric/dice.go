// Package metric provides overlap metrics and losses for segmentation masks.
package metric

import (
	"github.com/pkg/errors"

	"github.com/sugarme/segeval/ndarray"
)

// DefaultEpsilon keeps Dice finite when both masks are empty.
const DefaultEpsilon = 1e-6

var (
	// ErrShapeMismatch is returned when prediction and target shapes differ.
	ErrShapeMismatch = errors.New("metric: prediction and target shapes differ")
	// ErrRank is returned when an input has an unsupported number of dimensions.
	ErrRank = errors.New("metric: unsupported input rank")
)

func epsilonOpt(epsilon []float64) float64 {
	if len(epsilon) > 0 {
		return epsilon[0]
	}
	return DefaultEpsilon
}

// DiceCoeff computes the Dice coefficient between input and target masks.
//
// The two trailing dimensions form the mask plane; any leading dimension is a
// batch. With reduceBatchFirst false, one coefficient is computed per batch
// item and the results are averaged. With reduceBatchFirst true, intersection
// and set sizes are summed over the whole batch before dividing, which is only
// defined for inputs of at most 3 dimensions.
func DiceCoeff(input, target *ndarray.Array, reduceBatchFirst bool, epsilon ...float64) (float64, error) {
	if !input.SameShape(target) {
		return 0, errors.Wrapf(ErrShapeMismatch, "input %v, target %v", input.Shape(), target.Shape())
	}
	rank := input.Dim()
	if rank < 2 {
		return 0, errors.Wrapf(ErrRank, "need at least 2 dimensions, got %v", input.Shape())
	}
	if reduceBatchFirst && rank > 3 {
		return 0, errors.Wrapf(ErrRank, "batch reduction needs at most 3 dimensions, got %v", input.Shape())
	}

	dims := []int{-1, -2}
	if reduceBatchFirst && rank == 3 {
		dims = append(dims, -3)
	}

	return dice(input, target, dims, epsilonOpt(epsilon))
}

func dice(input, target *ndarray.Array, dims []int, eps float64) (float64, error) {
	prod, err := input.Mul(target)
	if err != nil {
		return 0, err
	}
	inter, err := prod.SumDims(dims...)
	if err != nil {
		return 0, err
	}
	inSum, err := input.SumDims(dims...)
	if err != nil {
		return 0, err
	}
	tgSum, err := target.SumDims(dims...)
	if err != nil {
		return 0, err
	}

	overlap := inter.MulScalar(2).Values()
	sets := inSum.Values()
	tg := tgSum.Values()
	var total float64
	for i := range overlap {
		s := sets[i] + tg[i]
		if s == 0 {
			s = overlap[i]
		}
		total += (overlap[i] + eps) / (s + eps)
	}

	return total / float64(len(overlap)), nil
}

// MulticlassDiceCoeff averages the binary Dice coefficient over class
// channels. Inputs are one-hot or probability encodings shaped [B C H W] or
// [C H W]; reduceBatchFirst and epsilon apply per channel as in DiceCoeff.
func MulticlassDiceCoeff(input, target *ndarray.Array, reduceBatchFirst bool, epsilon ...float64) (float64, error) {
	if !input.SameShape(target) {
		return 0, errors.Wrapf(ErrShapeMismatch, "input %v, target %v", input.Shape(), target.Shape())
	}
	rank := input.Dim()
	if rank != 3 && rank != 4 {
		return 0, errors.Wrapf(ErrRank, "multiclass input must be [B C H W] or [C H W], got %v", input.Shape())
	}

	chDim := rank - 3
	nClasses := input.Shape()[chDim]
	if nClasses == 0 {
		return 0, errors.Wrapf(ErrRank, "no class channels in %v", input.Shape())
	}

	var total float64
	for c := 0; c < nClasses; c++ {
		in, err := channel(input, chDim, c)
		if err != nil {
			return 0, err
		}
		tg, err := channel(target, chDim, c)
		if err != nil {
			return 0, err
		}
		d, err := DiceCoeff(in, tg, reduceBatchFirst, epsilon...)
		if err != nil {
			return 0, errors.Wrapf(err, "class channel %d", c)
		}
		total += d
	}

	return total / float64(nClasses), nil
}

func channel(a *ndarray.Array, dim, c int) (*ndarray.Array, error) {
	n, err := a.Narrow(dim, c, 1)
	if err != nil {
		return nil, err
	}
	return n.Squeeze(dim)
}

// DiceLoss returns 1 - Dice over the whole batch (reduceBatchFirst = true).
// Input holds probabilities (sigmoid or softmax output), target the matching
// mask or one-hot encoding. It uses only products, sums and quotients of the
// input so it stays differentiable.
func DiceLoss(input, target *ndarray.Array, multiclass bool) (float64, error) {
	coeff := DiceCoeff
	if multiclass {
		coeff = MulticlassDiceCoeff
	}

	d, err := coeff(input, target, true)
	if err != nil {
		return 0, err
	}
	return 1 - d, nil
}

// IoU computes the Jaccard index of masks thresholded at 0.5. Two empty
// masks score 1.
func IoU(input, target *ndarray.Array) (float64, error) {
	if !input.SameShape(target) {
		return 0, errors.Wrapf(ErrShapeMismatch, "input %v, target %v", input.Shape(), target.Shape())
	}
	p := input.Threshold(0.5)
	t := target.Threshold(0.5)
	prod, err := p.Mul(t)
	if err != nil {
		return 0, err
	}

	inter := prod.Sum()
	union := p.Sum() + t.Sum() - inter
	if union == 0 {
		return 1, nil
	}
	return inter / union, nil
}
