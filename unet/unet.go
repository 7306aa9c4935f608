package unet

import (
	"reflect"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/segeval/base"
)

// Config describes the U-Net shape.
type Config struct {
	Channels int64 // input image channels
	Classes  int64 // output class channels; 1 means binary
	Bilinear bool  // bilinear upsampling instead of transposed convolution
}

// Down is a SequentialT module composed of maxpool and 2x conv.
type Down struct {
	MaxpoolConv *nn.SequentialT
}

// NewDown creates a new Down ModuleT layer.
func NewDown(p *nn.Path, cIn, cOut int64) *Down {
	doubleconv := base.DoubleConv(p.Sub("maxpool_conv").Sub("1"), cIn, cOut)

	down := nn.SeqT()
	down.AddFn(nn.NewFunc(func(x *ts.Tensor) *ts.Tensor {
		// [B C H W] => [B C H/2 W/2]
		return x.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
	}))
	down.Add(doubleconv)

	return &Down{down}
}

// ForwardT implements nn.ModuleT interface.
func (l *Down) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return l.MaxpoolConv.ForwardT(x, train)
}

// Up upsamples, concatenates the skip connection and applies a double conv.
type Up struct {
	UpConv     *nn.ConvTranspose2D // nil in bilinear mode
	DoubleConv *nn.SequentialT
}

// NewUp creates new Up layer.
func NewUp(p *nn.Path, cIn, cOut int64, bilinear bool) *Up {
	if bilinear {
		return &Up{DoubleConv: base.DoubleConv(p.Sub("conv"), cIn, cOut, cIn/2)}
	}

	upconv := nn.NewConvTranspose2D(p.Sub("up"), cIn, cIn/2, []int64{2, 2}, upConvConfig())

	return &Up{
		UpConv:     upconv,
		DoubleConv: base.DoubleConv(p.Sub("conv"), cIn, cOut),
	}
}

// upConvConfig is a stride-2 transposed convolution without padding.
func upConvConfig() *nn.ConvTranspose2DConfig {
	return &nn.ConvTranspose2DConfig{
		Stride:        []int64{2, 2},
		Padding:       []int64{0, 0},
		OutputPadding: []int64{0, 0},
		Dilation:      []int64{1, 1},
		Groups:        1,
		Bias:          true,
		WsInit:        nn.NewKaimingUniformInit(),
		BsInit:        nn.NewConstInit(0),
	}
}

// UpForward upsamples x1 to the size of the skip tensor x2 and forwards
// through double conv. Both are [B C H W].
func (l *Up) UpForward(x1, x2 *ts.Tensor, train bool) *ts.Tensor {
	x2Size := x2.MustSize()

	var xUp *ts.Tensor
	if l.UpConv == nil {
		xUp = upsampling(x1, x2Size[2:])
	} else {
		xUp = pad(l.UpConv.Forward(x1), x2Size[2:])
	}

	x := ts.MustCat([]ts.Tensor{*x2, *xUp}, 1)
	xUp.MustDrop()

	out := l.DoubleConv.ForwardT(x, train)
	x.MustDrop()

	return out
}

// interpolation using `bilinear` algorithm with aligned corners.
// x should be in shape: [BatchSize CHW]
func upsampling(x *ts.Tensor, outSize []int64) *ts.Tensor {
	xSize := x.MustSize()
	if reflect.DeepEqual(xSize[2:], outSize) {
		return x.MustDetach(false)
	}

	return x.MustUpsampleBilinear2d(outSize, true, nil, nil, false)
}

// pad zero-pads x symmetrically up to outSize (odd input sizes).
// Ref. https://pytorch.org/docs/stable/nn.functional.html#pad
func pad(x *ts.Tensor, outSize []int64) *ts.Tensor {
	xSize := x.MustSize()
	diffY := outSize[0] - xSize[2]
	diffX := outSize[1] - xSize[3]
	if diffY == 0 && diffX == 0 {
		return x
	}

	padding := []int64{diffX / 2, diffX - diffX/2, diffY / 2, diffY - diffY/2}
	return x.MustConstantPadNd(padding, true)
}

// OutConv creates out layer.
func OutConv(p *nn.Path, cIn, cOut int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	return nn.NewConv2D(p.Sub("conv"), cIn, cOut, 1, config)
}

// UNet is the encoder-decoder network of Ronneberger et al.
// Ref: https://arxiv.org/abs/1505.04597
type UNet struct {
	Config Config

	Inc *nn.SequentialT

	Down1 *Down
	Down2 *Down
	Down3 *Down
	Down4 *Down

	Up1 *Up
	Up2 *Up
	Up3 *Up
	Up4 *Up

	OutC *nn.Conv2D
}

// NewUNet creates a UNet. Variable names follow the usual PyTorch layout
// (`inc.double_conv.0.weight`, `down1.maxpool_conv.1...`, `outc.conv...`) so
// converted checkpoints load without renaming.
func NewUNet(p *nn.Path, cfg Config) *UNet {
	var factor int64 = 1
	if cfg.Bilinear {
		factor = 2
	}

	return &UNet{
		Config: cfg,
		Inc:    base.DoubleConv(p.Sub("inc"), cfg.Channels, 64),
		Down1:  NewDown(p.Sub("down1"), 64, 128),
		Down2:  NewDown(p.Sub("down2"), 128, 256),
		Down3:  NewDown(p.Sub("down3"), 256, 512),
		Down4:  NewDown(p.Sub("down4"), 512, 1024/factor),
		Up1:    NewUp(p.Sub("up1"), 1024, 512/factor, cfg.Bilinear),
		Up2:    NewUp(p.Sub("up2"), 512, 256/factor, cfg.Bilinear),
		Up3:    NewUp(p.Sub("up3"), 256, 128/factor, cfg.Bilinear),
		Up4:    NewUp(p.Sub("up4"), 128, 64, cfg.Bilinear),
		OutC:   OutConv(p.Sub("outc"), 64, cfg.Classes),
	}
}

// ForwardT implements ts.ModuleT for UNet model
func (m *UNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	x1 := m.Inc.ForwardT(x, train)    // [B  64 H    W   ]
	x2 := m.Down1.ForwardT(x1, train) // [B 128 H/2  W/2 ]
	x3 := m.Down2.ForwardT(x2, train) // [B 256 H/4  W/4 ]
	x4 := m.Down3.ForwardT(x3, train) // [B 512 H/8  W/8 ]
	x5 := m.Down4.ForwardT(x4, train) // [B 1024/f H/16 W/16]

	z1 := m.Up1.UpForward(x5, x4, train) // [B 512/f H/8 W/8]
	z2 := m.Up2.UpForward(z1, x3, train) // [B 256/f H/4 W/4]
	z3 := m.Up3.UpForward(z2, x2, train) // [B 128/f H/2 W/2]
	z4 := m.Up4.UpForward(z3, x1, train) // [B  64 H/1 W/1]

	logits := m.OutC.ForwardT(z4, train) // [B classes H W]

	x1.MustDrop()
	x2.MustDrop()
	x3.MustDrop()
	x4.MustDrop()
	x5.MustDrop()
	z1.MustDrop()
	z2.MustDrop()
	z3.MustDrop()
	z4.MustDrop()

	return logits
}
