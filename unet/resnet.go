package unet

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/segeval/base"
	"github.com/sugarme/segeval/encoder"
)

// ResNetUNet is a U-Net with a ResNet encoder and an SCSE attention decoder.
type ResNetUNet struct {
	encoder encoder.Encoder
	decoder *UNetDecoder
	segHead *nn.SequentialT
}

// ForwardT implements ts.ModuleT for ResNetUNet struct.
func (n *ResNetUNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	// 0- Shape: [bz C 256 256]
	// 1- Shape: [bz 64 64 64]
	// 2- Shape: [bz 64 64 64]
	// 3- Shape: [bz 128 32 32]
	// 4- Shape: [bz 256 16 16]
	// 5- Shape: [bz 512 8 8]
	features := n.encoder.ForwardAll(x, train)
	out := n.decoder.ForwardFeatures(features, train)
	segHead := n.segHead.ForwardT(out, train)
	masks := upsample(segHead, x)

	for _, f := range features {
		f.MustDrop()
	}
	out.MustDrop()
	segHead.MustDrop()

	return masks
}

// NewResNetUNet creates a ResNet34 U-Net mapping channels input channels to
// classes logit channels.
func NewResNetUNet(p *nn.Path, channels, classes int64) *ResNetUNet {
	return newResNetUNet(p, encoder.NewResNet34Encoder(p, channels), classes)
}

// NewResNet18UNet is NewResNetUNet with the lighter ResNet18 encoder.
func NewResNet18UNet(p *nn.Path, channels, classes int64) *ResNetUNet {
	return newResNetUNet(p, encoder.NewResNet18Encoder(p, channels), classes)
}

func newResNetUNet(p *nn.Path, enc *encoder.ResNetEncoder, classes int64) *ResNetUNet {
	decoderChannels := []int64{256, 128, 64, 32, 16}
	dec := NewUNetDecoder(p, enc.OutChannels(), decoderChannels)
	head := base.NewSegmentationHead(p.Sub("logit"), decoderChannels[len(decoderChannels)-1], classes, 3)

	return &ResNetUNet{
		encoder: enc,
		decoder: dec,
		segHead: head,
	}
}
