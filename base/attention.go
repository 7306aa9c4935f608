package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// DefaultReduction is the channel squeeze ratio of SCSE.
const DefaultReduction int64 = 16

// SCSE is concurrent spatial and channel squeeze and excitation.
// Ref. https://arxiv.org/abs/1808.08127
type SCSE struct {
	channel *nn.SequentialT
	spatial *nn.SequentialT
}

// NewSCSE creates an SCSE block over cIn channels. The squeezed channel count
// is cIn/reduction, at least 1.
func NewSCSE(p *nn.Path, cIn int64, reductionOpt ...int64) *SCSE {
	reduction := DefaultReduction
	if len(reductionOpt) > 0 && reductionOpt[0] > 0 {
		reduction = reductionOpt[0]
	}
	squeezed := cIn / reduction
	if squeezed < 1 {
		squeezed = 1
	}

	relu := nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor { return xs.MustRelu(false) })
	sigmoid := nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor { return xs.MustSigmoid(false) })

	// [B C H W] -> [B C 1 1] gate per channel
	channel := nn.SeqT()
	channel.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	}))
	channel.Add(Conv2d(p.Sub("sqzconv1"), cIn, squeezed, 1, 0, 1))
	channel.AddFn(relu)
	channel.Add(Conv2d(p.Sub("sqzconv2"), squeezed, cIn, 1, 0, 1))
	channel.AddFn(sigmoid)

	// [B C H W] -> [B 1 H W] gate per pixel
	spatial := nn.SeqT()
	spatial.Add(Conv2d(p.Sub("spatconv"), cIn, 1, 1, 0, 1))
	spatial.AddFn(sigmoid)

	return &SCSE{channel: channel, spatial: spatial}
}

// ForwardT implements ts.ModuleT for SCSE: x*cSE(x) + x*sSE(x).
func (m *SCSE) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	cGate := m.channel.ForwardT(x, train)
	sGate := m.spatial.ForwardT(x, train)
	gate := cGate.MustAdd(sGate, true)
	sGate.MustDrop()

	return x.MustMul(gate, false)
}

// Attention applies an optional SCSE block. Without one it passes its input
// through.
type Attention struct {
	scse *SCSE
}

// NewAttention creates an Attention. A nil scse gives the identity.
func NewAttention(scse *SCSE) *Attention {
	return &Attention{scse: scse}
}

// ForwardT implements ts.ModuleT for Attention.
func (a *Attention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	if a.scse == nil {
		return x.MustShallowClone()
	}
	return a.scse.ForwardT(x, train)
}
