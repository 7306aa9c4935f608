package evaluate_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/segeval/dataset"
	"github.com/sugarme/segeval/evaluate"
	"github.com/sugarme/segeval/ndarray"
)

// fakeModel refuses to run forward passes in training mode.
type fakeModel struct {
	classes  int
	training bool
	evalSeen bool
	logits   func(images *ndarray.Array) (*ndarray.Array, error)
}

func (m *fakeModel) Forward(images *ndarray.Array) (*ndarray.Array, error) {
	if m.training {
		return nil, errors.New("forward called in training mode")
	}
	return m.logits(images)
}
func (m *fakeModel) NClasses() int { return m.classes }
func (m *fakeModel) Eval()         { m.training = false; m.evalSeen = true }
func (m *fakeModel) Train()        { m.training = true }

type fakeLoader struct {
	batches []*dataset.Batch
	pos     int
	failAt  int
}

func (l *fakeLoader) Len() int      { return len(l.batches) }
func (l *fakeLoader) Reset()        { l.pos = 0 }
func (l *fakeLoader) HasNext() bool { return l.pos < len(l.batches) }
func (l *fakeLoader) Next() (*dataset.Batch, error) {
	if l.failAt > 0 && l.pos == l.failAt {
		return nil, errors.New("broken batch")
	}
	b := l.batches[l.pos]
	l.pos++
	return b, nil
}

// binaryBatch builds a [2 1 2 2] image batch whose masks equal the images.
func binaryBatch() *dataset.Batch {
	masks := ndarray.MustNew([]int{2, 2, 2}, []float64{1, 0, 1, 0, 0, 0, 1, 1})
	images, _ := masks.Unsqueeze(1)
	return &dataset.Batch{IDs: []string{"a", "b"}, Images: images, Masks: masks}
}

// echoLogits maps images in {0, 1} to strongly confident binary logits.
func echoLogits(images *ndarray.Array) (*ndarray.Array, error) {
	return images.MulScalar(40).AddScalar(-20), nil
}

func TestEvaluateBinaryPerfect(t *testing.T) {
	model := &fakeModel{classes: 1, training: true, logits: echoLogits}
	loader := &fakeLoader{batches: []*dataset.Batch{binaryBatch(), binaryBatch()}}

	res, err := evaluate.Evaluate(model, loader)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Dice, 1e-6)
	assert.InDelta(t, 1.0, res.IoU, 1e-9)
	assert.InDelta(t, 0.0, res.Loss, 1e-6)
	assert.Equal(t, 2, res.Batches)
	assert.True(t, model.evalSeen)
	assert.True(t, model.training)
}

func TestEvaluateBinaryInverted(t *testing.T) {
	model := &fakeModel{classes: 1, training: true, logits: func(images *ndarray.Array) (*ndarray.Array, error) {
		return images.MulScalar(-40).AddScalar(20), nil
	}}
	loader := &fakeLoader{batches: []*dataset.Batch{binaryBatch()}}

	res, err := evaluate.Evaluate(model, loader)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res.Dice, 1e-6)
	assert.InDelta(t, 0.0, res.IoU, 1e-9)
	assert.True(t, res.Loss > 1)
}

func TestEvaluateBinaryPartialOverlap(t *testing.T) {
	masks := ndarray.MustNew([]int{1, 2, 2}, []float64{1, 1, 0, 0})
	images := ndarray.MustNew([]int{1, 1, 2, 2}, []float64{1, 0, 1, 0})
	b := &dataset.Batch{IDs: []string{"a"}, Images: images, Masks: masks}
	model := &fakeModel{classes: 1, training: true, logits: echoLogits}

	res, err := evaluate.Evaluate(model, &fakeLoader{batches: []*dataset.Batch{b}})
	require.NoError(t, err)
	// one shared pixel out of two predicted and two true
	assert.InDelta(t, 0.5, res.Dice, 1e-5)
	assert.InDelta(t, 1.0/3, res.IoU, 1e-9)
}

func TestEvaluateRestoresTrainingOnPanic(t *testing.T) {
	model := &fakeModel{classes: 1, training: true, logits: func(*ndarray.Array) (*ndarray.Array, error) {
		panic("out of memory")
	}}
	loader := &fakeLoader{batches: []*dataset.Batch{binaryBatch()}}

	assert.PanicsWithValue(t, "out of memory", func() {
		_, _ = evaluate.Evaluate(model, loader)
	})
	assert.True(t, model.evalSeen)
	assert.True(t, model.training)
}

func TestEvaluateEmptyLoader(t *testing.T) {
	model := &fakeModel{classes: 2, training: true}
	res, err := evaluate.Evaluate(model, &fakeLoader{})
	require.NoError(t, err)
	assert.Equal(t, evaluate.Result{}, res)
	assert.True(t, model.training)
}

func TestEvaluateRestoresTrainingOnError(t *testing.T) {
	model := &fakeModel{classes: 1, training: true, logits: echoLogits}
	loader := &fakeLoader{batches: []*dataset.Batch{binaryBatch(), binaryBatch()}, failAt: 1}

	_, err := evaluate.Evaluate(model, loader)
	require.Error(t, err)
	assert.True(t, model.training)

	model = &fakeModel{classes: 1, training: true, logits: func(*ndarray.Array) (*ndarray.Array, error) {
		return nil, errors.New("device lost")
	}}
	_, err = evaluate.Evaluate(model, &fakeLoader{batches: []*dataset.Batch{binaryBatch()}})
	require.Error(t, err)
	assert.True(t, model.training)
}

func TestEvaluateLabelRange(t *testing.T) {
	b := binaryBatch()
	b.Masks = b.Masks.MulScalar(2)
	model := &fakeModel{classes: 1, training: true, logits: echoLogits}

	_, err := evaluate.Evaluate(model, &fakeLoader{batches: []*dataset.Batch{b}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, evaluate.ErrLabelRange))
	assert.True(t, model.training)

	multi := &fakeModel{classes: 2, training: true, logits: echoLogits}
	_, err = evaluate.Evaluate(multi, &fakeLoader{batches: []*dataset.Batch{b}})
	assert.True(t, errors.Is(err, evaluate.ErrLabelRange))
}

// multiclassBatch holds one 1x3 image with labels 0, 1, 2.
func multiclassBatch() *dataset.Batch {
	masks := ndarray.MustNew([]int{1, 1, 3}, []float64{0, 1, 2})
	images, _ := masks.Unsqueeze(1)
	return &dataset.Batch{IDs: []string{"a"}, Images: images, Masks: masks}
}

func oneHotLogits(classes int) func(*ndarray.Array) (*ndarray.Array, error) {
	return func(images *ndarray.Array) (*ndarray.Array, error) {
		labels, err := images.Squeeze(1)
		if err != nil {
			return nil, err
		}
		oh, err := labels.OneHot(classes, 1)
		if err != nil {
			return nil, err
		}
		return oh.MulScalar(40), nil
	}
}

func TestEvaluateMulticlass(t *testing.T) {
	model := &fakeModel{classes: 3, training: true, logits: oneHotLogits(3)}

	res, err := evaluate.Evaluate(model, &fakeLoader{batches: []*dataset.Batch{multiclassBatch()}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Dice, 1e-6)
	assert.InDelta(t, 1.0, res.IoU, 1e-9)
	assert.InDelta(t, 0.0, res.Loss, 1e-6)
	assert.Equal(t, 1, res.Batches)
	assert.True(t, model.training)
}

func TestEvaluateMulticlassIgnoresBackground(t *testing.T) {
	// everything predicted as background: foreground dice is 0
	model := &fakeModel{classes: 3, training: true, logits: func(images *ndarray.Array) (*ndarray.Array, error) {
		return ndarray.MustNew([]int{1, 3, 1, 3}, []float64{
			9, 9, 9,
			0, 0, 0,
			0, 0, 0,
		}), nil
	}}

	res, err := evaluate.Evaluate(model, &fakeLoader{batches: []*dataset.Batch{multiclassBatch()}})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res.Dice, 1e-5)
	assert.InDelta(t, 0.0, res.IoU, 1e-9)
}
