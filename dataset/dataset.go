// Package dataset loads image/mask pairs from directories and batches them
// for evaluation.
package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sugarme/segeval/ndarray"
)

var (
	// ErrNoInput is returned when an image directory holds no usable file.
	ErrNoInput = errors.New("dataset: no input file found")
	// ErrMaskNotFound is returned when an id does not resolve to exactly one file.
	ErrMaskNotFound = errors.New("dataset: either no file or multiple files found for id")
	// ErrScale is returned for a scale that would produce empty images.
	ErrScale = errors.New("dataset: invalid scale")
)

// Sample is one preprocessed image with its mask.
//
// Image is [C H W] with values in [0, 1]; Mask is [H W] holding class ids.
type Sample struct {
	ID    string
	Image *ndarray.Array
	Mask  *ndarray.Array
}

// Dataset is an indexable collection of samples.
type Dataset interface {
	Len() int
	Item(idx int) (*Sample, error)
}

type options struct {
	channels   int
	maskSuffix string
	workers    int
	logger     *zap.Logger
}

func defaultOptions() *options {
	return &options{
		channels: 1,
		workers:  8,
		logger:   zap.NewNop(),
	}
}

// Option configures a dataset.
type Option func(*options)

// WithChannels sets the number of image channels produced (1 or 3).
func WithChannels(n int) Option {
	return func(o *options) { o.channels = n }
}

// WithMaskSuffix sets the suffix appended to an id to find its mask file.
func WithMaskSuffix(s string) Option {
	return func(o *options) { o.maskSuffix = s }
}

// WithWorkers bounds the number of masks read concurrently at construction.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Subset is a view of a dataset at selected indices.
type Subset struct {
	ds      Dataset
	indices []int
}

// NewSubset creates a Subset. Indices are not validated until Item is called.
func NewSubset(ds Dataset, indices []int) *Subset {
	return &Subset{ds: ds, indices: append([]int(nil), indices...)}
}

// Len implements Dataset.
func (s *Subset) Len() int { return len(s.indices) }

// Item implements Dataset.
func (s *Subset) Item(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(s.indices) {
		return nil, errors.Errorf("dataset: subset index %d out of range [0, %d)", idx, len(s.indices))
	}
	return s.ds.Item(s.indices[idx])
}

// RandomSplit partitions ds into non-overlapping subsets of the given lengths
// using a permutation seeded by seed.
func RandomSplit(ds Dataset, lengths []int, seed int64) ([]*Subset, error) {
	total := 0
	for _, l := range lengths {
		if l < 0 {
			return nil, errors.Errorf("dataset: negative split length %d", l)
		}
		total += l
	}
	if total != ds.Len() {
		return nil, errors.Errorf("dataset: split lengths sum to %d, dataset has %d items", total, ds.Len())
	}

	perm := rand.New(rand.NewSource(seed)).Perm(total)
	subsets := make([]*Subset, 0, len(lengths))
	offset := 0
	for _, l := range lengths {
		subsets = append(subsets, NewSubset(ds, perm[offset:offset+l]))
		offset += l
	}

	return subsets, nil
}
