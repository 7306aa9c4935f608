package dataset

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/sugarme/segeval/ndarray"
)

// Batch is a stack of samples.
//
// Images is [B C H W]; Masks is [B H W].
type Batch struct {
	IDs    []string
	Images *ndarray.Array
	Masks  *ndarray.Array
}

// BatchSampler yields batches of dataset indices.
type BatchSampler struct {
	n         int
	batchSize int
	dropLast  bool
	shuffle   bool
	rng       *rand.Rand

	batches [][]int
	pos     int
}

// NewBatchSampler creates a sampler over n items. An incomplete final batch is
// skipped when dropLast is set. Shuffled order is reproducible through seed.
func NewBatchSampler(n, batchSize int, dropLast, shuffle bool, seed ...int64) (*BatchSampler, error) {
	if n < 0 {
		return nil, errors.Errorf("dataset: negative sample count %d", n)
	}
	if batchSize < 1 {
		return nil, errors.Errorf("dataset: batch size must be positive, got %d", batchSize)
	}

	var s int64
	if len(seed) > 0 {
		s = seed[0]
	}
	bs := &BatchSampler{
		n:         n,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(s)),
	}
	bs.Reset()

	return bs, nil
}

// Len returns the number of batches per pass.
func (s *BatchSampler) Len() int {
	if s.dropLast {
		return s.n / s.batchSize
	}
	return (s.n + s.batchSize - 1) / s.batchSize
}

// Reset starts a new pass, reshuffling if enabled.
func (s *BatchSampler) Reset() {
	order := make([]int, s.n)
	for i := range order {
		order[i] = i
	}
	if s.shuffle {
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	s.batches = s.batches[:0]
	for i := 0; i < s.Len(); i++ {
		end := (i + 1) * s.batchSize
		if end > s.n {
			end = s.n
		}
		s.batches = append(s.batches, order[i*s.batchSize:end])
	}
	s.pos = 0
}

// HasNext reports whether another batch is available.
func (s *BatchSampler) HasNext() bool { return s.pos < len(s.batches) }

// Next returns the next batch of indices.
func (s *BatchSampler) Next() ([]int, error) {
	if !s.HasNext() {
		return nil, errors.New("dataset: sampler exhausted")
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// DataLoader stacks dataset samples into batches.
type DataLoader struct {
	ds      Dataset
	sampler *BatchSampler
}

// NewDataLoader creates a DataLoader. The sampler must cover ds.
func NewDataLoader(ds Dataset, sampler *BatchSampler) (*DataLoader, error) {
	if sampler.n != ds.Len() {
		return nil, errors.Errorf("dataset: sampler covers %d items, dataset has %d", sampler.n, ds.Len())
	}
	return &DataLoader{ds: ds, sampler: sampler}, nil
}

// Len returns the number of batches per pass.
func (dl *DataLoader) Len() int { return dl.sampler.Len() }

// Reset starts a new pass.
func (dl *DataLoader) Reset() { dl.sampler.Reset() }

// HasNext reports whether another batch is available.
func (dl *DataLoader) HasNext() bool { return dl.sampler.HasNext() }

// Next loads and stacks the next batch.
func (dl *DataLoader) Next() (*Batch, error) {
	indices, err := dl.sampler.Next()
	if err != nil {
		return nil, err
	}

	samples := make([]*Sample, 0, len(indices))
	for _, idx := range indices {
		s, err := dl.ds.Item(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "loading item %d", idx)
		}
		samples = append(samples, s)
	}

	return Collate(samples)
}

// Collate stacks samples into a Batch.
func Collate(samples []*Sample) (*Batch, error) {
	ids := make([]string, len(samples))
	images := make([]*ndarray.Array, len(samples))
	masks := make([]*ndarray.Array, len(samples))
	for i, s := range samples {
		ids[i] = s.ID
		images[i] = s.Image
		masks[i] = s.Mask
	}

	imgs, err := ndarray.Stack(images)
	if err != nil {
		return nil, errors.Wrap(err, "stacking images")
	}
	ms, err := ndarray.Stack(masks)
	if err != nil {
		return nil, errors.Wrap(err, "stacking masks")
	}

	return &Batch{IDs: ids, Images: imgs, Masks: ms}, nil
}
