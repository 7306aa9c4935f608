package unet

import (
	"fmt"
	"log"
	"reflect"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/segeval/base"
)

// DecoderLayer fuses an upsampled feature map with its skip connection.
type DecoderLayer struct {
	Conv1 *nn.SequentialT
	Attn1 *base.Attention
	Conv2 *nn.SequentialT
	Attn2 *base.Attention
}

// interpolation using `nearest` algorithm
func upsample(x, ref *ts.Tensor) *ts.Tensor {
	xSize := x.MustSize()
	refSize := ref.MustSize()
	if reflect.DeepEqual(xSize[2:], refSize[2:]) {
		return x.MustDetach(false)
	}

	return x.MustUpsampleNearest2d(refSize[2:], nil, nil, false)
}

// ForwardSkip concatenates x with skip (if any) along channels and forwards.
func (d *DecoderLayer) ForwardSkip(x, skip *ts.Tensor, train bool) *ts.Tensor {
	var cat *ts.Tensor
	if skip != nil {
		cat = ts.MustCat([]ts.Tensor{*x, *skip}, 1)
	} else {
		cat = ts.MustCat([]ts.Tensor{*x}, 1)
	}
	attn1 := d.Attn1.ForwardT(cat, train)
	cat.MustDrop()
	conv1 := d.Conv1.ForwardT(attn1, train)
	attn1.MustDrop()
	conv2 := d.Conv2.ForwardT(conv1, train)
	conv1.MustDrop()
	res := d.Attn2.ForwardT(conv2, train)
	conv2.MustDrop()

	return res
}

// NewDecoderLayer creates a DecoderLayer.
func NewDecoderLayer(p *nn.Path, cIn, skip, cOut int64) *DecoderLayer {
	return &DecoderLayer{
		Conv1: base.Conv2dRelu(p.Sub("conv1"), cIn+skip, cOut, 3, 1, 1),
		Attn1: base.NewAttention(base.NewSCSE(p.Sub("attn1"), cIn+skip)),
		Conv2: base.Conv2dRelu(p.Sub("conv2"), cOut, cOut, 3, 1, 1),
		Attn2: base.NewAttention(base.NewSCSE(p.Sub("attn2"), cOut)),
	}
}

// UNetDecoder is the SCSE decoder of ResNetUNet.
type UNetDecoder struct {
	center *nn.SequentialT
	layers []*DecoderLayer
}

// NewUNetDecoder creates a decoder for an encoder producing encoderChannels
// (input first, coarsest last) with one layer per decoderChannels entry.
func NewUNetDecoder(p *nn.Path, encoderChannels, decoderChannels []int64) *UNetDecoder {
	n := len(encoderChannels)
	if n != len(decoderChannels)+1 {
		log.Fatalf("Expected %d decoder channels for %d encoder features. Got %d\n", n-1, n, len(decoderChannels))
	}

	coarsest := encoderChannels[n-1]
	center := base.Conv2dRelu(p.Sub("center"), coarsest, coarsest, 11, 5, 1)

	var layers []*DecoderLayer
	prev := coarsest
	for i, cOut := range decoderChannels {
		// The last layer works on the upsampled map alone.
		var skip int64
		if i < len(decoderChannels)-1 {
			skip = encoderChannels[n-2-i]
		}
		layers = append(layers, NewDecoderLayer(p.Sub(fmt.Sprintf("decoder%d", i)), prev, skip, cOut))
		prev = cOut
	}

	return &UNetDecoder{center: center, layers: layers}
}

// ForwardFeatures decodes encoder features into the last decoder feature map.
func (n *UNetDecoder) ForwardFeatures(features []*ts.Tensor, train bool) *ts.Tensor {
	if len(features) != len(n.layers)+1 {
		log.Fatalf("Expected features of %d tensors. Got %v\n", len(n.layers)+1, len(features))
	}

	last := len(features) - 1
	z := n.center.ForwardT(features[last], train)
	for i, layer := range n.layers {
		ref := features[last-1-i]
		up := upsample(z, ref)
		z.MustDrop()
		if i < len(n.layers)-1 {
			// e.g. feat4 [bz 256 16 16] with upsampled center [bz 512 16 16]
			z = layer.ForwardSkip(ref, up, train)
		} else {
			z = layer.ForwardSkip(up, nil, train)
		}
		up.MustDrop()
	}

	return z
}
