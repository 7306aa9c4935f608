// Package encoder provides feature extractors for encoder-decoder
// segmentation models.
package encoder

import (
	ts "github.com/sugarme/gotch/tensor"
)

// Encoder is encoder interface for a image segmentation model.
type Encoder interface {
	// ForwardAll returns the normalized input followed by the feature map of
	// every stage, from finest to coarsest.
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
	// OutChannels returns the channel count of each tensor ForwardAll returns.
	OutChannels() []int64
}
