package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ImageNet statistics of the pretrained ResNet weights.
var (
	imageNetMean = []float32{0.485, 0.456, 0.406}
	imageNetStd  = []float32{0.229, 0.224, 0.225}
)

// stage is one residual layer: blocks basic blocks producing cOut channels,
// the first of which runs at stride.
type stage struct {
	cOut, stride, blocks int64
}

var (
	resNet18 = []stage{{64, 1, 2}, {128, 2, 2}, {256, 2, 2}, {512, 2, 2}}
	resNet34 = []stage{{64, 1, 3}, {128, 2, 4}, {256, 2, 6}, {512, 2, 3}}
)

// ResNetEncoder is a ResNet backbone without its classification head.
// Variable names match torchvision checkpoints.
type ResNetEncoder struct {
	cIn    int64
	stem   ts.ModuleT
	layers []ts.ModuleT
	out    []int64
}

// NewResNet34Encoder creates a ResNet34 encoder for images with cIn channels.
// 3-channel input is normalized with ImageNet statistics.
func NewResNet34Encoder(p *nn.Path, cIn int64) *ResNetEncoder {
	return newResNetEncoder(p, cIn, resNet34)
}

// NewResNet18Encoder creates a ResNet18 encoder for images with cIn channels.
func NewResNet18Encoder(p *nn.Path, cIn int64) *ResNetEncoder {
	return newResNetEncoder(p, cIn, resNet18)
}

func newResNetEncoder(p *nn.Path, cIn int64, stages []stage) *ResNetEncoder {
	e := &ResNetEncoder{
		cIn: cIn,
		// `conv1` and `bn1` sit at the root of torchvision checkpoints.
		stem: stem(p, cIn, 64),
		out:  []int64{cIn, 64},
	}

	prev := int64(64)
	for i, s := range stages {
		e.layers = append(e.layers, residualLayer(p.Sub(fmt.Sprintf("layer%d", i+1)), prev, s))
		e.out = append(e.out, s.cOut)
		prev = s.cOut
	}

	return e
}

// ForwardAll implements Encoder for ResNetEncoder.
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	var xn *ts.Tensor
	if e.cIn == 3 {
		xn = imageNetNormalize(x)
	} else {
		xn = x.MustShallowClone()
	}

	features := []*ts.Tensor{xn, e.stem.ForwardT(xn, train)}
	for _, layer := range e.layers {
		features = append(features, layer.ForwardT(features[len(features)-1], train))
	}

	return features
}

// OutChannels implements Encoder for ResNetEncoder.
func (e *ResNetEncoder) OutChannels() []int64 {
	return append([]int64(nil), e.out...)
}

func imageNetNormalize(x *ts.Tensor) *ts.Tensor {
	mean := ts.MustOfSlice(imageNetMean).MustView([]int64{1, 3, 1, 1}, true)
	std := ts.MustOfSlice(imageNetStd).MustView([]int64{1, 3, 1, 1}, true)
	defer mean.MustDrop()
	defer std.MustDrop()

	return x.MustSub(mean, false).MustDiv(std, true)
}

// stem is the 7x7 stride-2 convolution and 3x3 max pooling that bring the
// input to a quarter of its resolution.
func stem(p *nn.Path, cIn, cOut int64) ts.ModuleT {
	seq := nn.SeqT()
	seq.Add(convNoBias(p.Sub("conv1"), cIn, cOut, 7, 3, 2))
	seq.Add(nn.BatchNorm2D(p.Sub("bn1"), cOut, nn.DefaultBatchNormConfig()))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return seq
}

func residualLayer(p *nn.Path, cIn int64, s stage) ts.ModuleT {
	seq := nn.SeqT()
	seq.Add(NewBasicBlock(p.Sub("0"), cIn, s.cOut, s.stride))
	for i := int64(1); i < s.blocks; i++ {
		seq.Add(NewBasicBlock(p.Sub(fmt.Sprint(i)), s.cOut, s.cOut, 1))
	}

	return seq
}

func convNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	cfg := nn.DefaultConv2DConfig()
	cfg.Bias = false
	cfg.Stride = []int64{stride, stride}
	cfg.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, cfg)
}

// BasicBlock is the two-convolution residual block of ResNet18/34.
type BasicBlock struct {
	Conv1 *nn.Conv2D
	Bn1   *nn.BatchNorm
	Conv2 *nn.Conv2D
	Bn2   *nn.BatchNorm
	// Shortcut is nil for the identity shortcut.
	Shortcut ts.ModuleT
}

// NewBasicBlock creates a BasicBlock, with a projection shortcut when the
// stride or channel count changes.
func NewBasicBlock(p *nn.Path, cIn, cOut, stride int64) *BasicBlock {
	bb := &BasicBlock{
		Conv1: convNoBias(p.Sub("conv1"), cIn, cOut, 3, 1, stride),
		Bn1:   nn.BatchNorm2D(p.Sub("bn1"), cOut, nn.DefaultBatchNormConfig()),
		Conv2: convNoBias(p.Sub("conv2"), cOut, cOut, 3, 1, 1),
		Bn2:   nn.BatchNorm2D(p.Sub("bn2"), cOut, nn.DefaultBatchNormConfig()),
	}

	if stride != 1 || cIn != cOut {
		ds := p.Sub("downsample")
		seq := nn.SeqT()
		seq.Add(convNoBias(ds.Sub("0"), cIn, cOut, 1, 0, stride))
		seq.Add(nn.BatchNorm2D(ds.Sub("1"), cOut, nn.DefaultBatchNormConfig()))
		bb.Shortcut = seq
	}

	return bb
}

// ForwardT implements ts.ModuleT for BasicBlock.
func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	h := bb.Bn1.ForwardT(c1, train).MustRelu(true)
	c1.MustDrop()
	c2 := bb.Conv2.ForwardT(h, train)
	h.MustDrop()
	h = bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()

	var sum *ts.Tensor
	if bb.Shortcut != nil {
		sc := bb.Shortcut.ForwardT(x, train)
		sum = sc.MustAdd(h, true)
	} else {
		sum = x.MustAdd(h, false)
	}
	h.MustDrop()

	return sum.MustRelu(true)
}
