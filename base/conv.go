package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dRelu creates a SequentialT composing of Conv2D No bias and a ReLU activation.
func Conv2dRelu(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.SequentialT {
	bnConfig := nn.DefaultBatchNormConfig()
	bnConfig.Eps = 0.001
	seq := nn.SeqT()
	seq.Add(Conv2dNoBias(p.Sub("conv"), cIn, cOut, ksize, padding, stride))
	seq.Add(nn.BatchNorm2D(p.Sub("bn"), cOut, bnConfig))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}

// DoubleConv creates (Conv2D no bias => BatchNorm => ReLU) x 2.
// The middle channel count defaults to cOut. Sub-module indices match
// `double_conv.{0,1,3,4}` of a PyTorch nn.Sequential.
func DoubleConv(p *nn.Path, cIn, cOut int64, cMidOpt ...int64) *nn.SequentialT {
	cMid := cOut
	if len(cMidOpt) > 0 {
		cMid = cMidOpt[0]
	}
	dp := p.Sub("double_conv")
	relu := nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	})

	seq := nn.SeqT()
	seq.Add(Conv2dNoBias(dp.Sub("0"), cIn, cMid, 3, 1, 1))
	seq.Add(nn.BatchNorm2D(dp.Sub("1"), cMid, nn.DefaultBatchNormConfig()))
	seq.AddFn(relu)
	seq.Add(Conv2dNoBias(dp.Sub("3"), cMid, cOut, 3, 1, 1))
	seq.Add(nn.BatchNorm2D(dp.Sub("4"), cOut, nn.DefaultBatchNormConfig()))
	seq.AddFn(relu)

	return seq
}
