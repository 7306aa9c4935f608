package tensormetric_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/segeval/metric"
	"github.com/sugarme/segeval/metric/tensormetric"
	"github.com/sugarme/segeval/ndarray"
)

func TestDiceLossTensorMatchesArray(t *testing.T) {
	in := []float64{0.9, 0.2, 0.7, 0.1, 0.3, 0.6, 0.8, 0.4}
	tg := []float64{1, 0, 1, 0, 0, 1, 1, 0}

	inTs := ts.MustOfSlice(in).MustView([]int64{2, 2, 2}, true)
	tgTs := ts.MustOfSlice(tg).MustView([]int64{2, 2, 2}, true)
	defer inTs.MustDrop()
	defer tgTs.MustDrop()

	lossTs, err := tensormetric.DiceLoss(inTs, tgTs, false)
	require.NoError(t, err)
	got := lossTs.Float64Values()[0]
	lossTs.MustDrop()

	want, err := metric.DiceLoss(ndarray.MustNew([]int{2, 2, 2}, in), ndarray.MustNew([]int{2, 2, 2}, tg), false)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-9)
}

func TestMulticlassDiceTensorMatchesArray(t *testing.T) {
	in := []float64{1, 0, 0, 1, 0, 1, 1, 0}
	tg := []float64{1, 0, 1, 0, 0, 1, 0, 1}

	inTs := ts.MustOfSlice(in).MustView([]int64{1, 2, 2, 2}, true)
	tgTs := ts.MustOfSlice(tg).MustView([]int64{1, 2, 2, 2}, true)
	defer inTs.MustDrop()
	defer tgTs.MustDrop()

	for _, reduce := range []bool{false, true} {
		dTs, err := tensormetric.MulticlassDiceCoeff(inTs, tgTs, reduce)
		require.NoError(t, err)
		got := dTs.Float64Values()[0]
		dTs.MustDrop()

		want, err := metric.MulticlassDiceCoeff(ndarray.MustNew([]int{1, 2, 2, 2}, in), ndarray.MustNew([]int{1, 2, 2, 2}, tg), reduce)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9)
	}
}

func TestDiceTensorShapeMismatch(t *testing.T) {
	a := ts.MustOfSlice([]float64{1, 0, 0, 1}).MustView([]int64{2, 2}, true)
	b := ts.MustOfSlice([]float64{1, 0, 0, 1}).MustView([]int64{1, 4}, true)
	defer a.MustDrop()
	defer b.MustDrop()

	_, err := tensormetric.DiceCoeff(a, b, false)
	assert.Error(t, err)
}
