package base

import "github.com/sugarme/gotch/nn"

// NewSegmentationHead creates the final convolution mapping decoder features
// to one logit channel per class. Padding keeps the spatial size for odd
// kernel sizes.
func NewSegmentationHead(p *nn.Path, cIn, classes, ksize int64) *nn.SequentialT {
	seq := nn.SeqT()
	seq.Add(Conv2d(p, cIn, classes, ksize, ksize/2, 1))

	return seq
}
