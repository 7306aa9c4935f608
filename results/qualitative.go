package results

import (
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/sugarme/segeval/dataset"
	"github.com/sugarme/segeval/ndarray"
)

// Model is the part of a segmentation network Qualitative needs.
type Model interface {
	Forward(images *ndarray.Array) (*ndarray.Array, error)
	Eval()
	Train()
}

// Grid file names written by Qualitative.
const (
	ImagesFile    = "images.png"
	TrueMasksFile = "true_masks.png"
	OutMasksFile  = "out_masks.png"
)

// SampleIndices picks every n/6-th index of a dataset of length n and keeps
// the first n/6+1 of them, which is also the grid row length.
func SampleIndices(n int) (indices []int, nrow int) {
	if n <= 0 {
		return nil, 0
	}
	step := n / 6
	if step < 1 {
		step = 1
	}
	nrow = n/6 + 1
	for i := 0; i < n && len(indices) < nrow; i += step {
		indices = append(indices, i)
	}
	return indices, nrow
}

// Qualitative runs model on a sample of ds and writes three grids to dir:
// the input images, the true masks and the arg-max predicted masks, every
// tile resized to width x height. Nothing is written for an empty dataset.
func Qualitative(ds dataset.Dataset, dir string, model Model, width, height int) error {
	indices, nrow := SampleIndices(ds.Len())
	if len(indices) == 0 {
		return nil
	}

	samples := make([]*dataset.Sample, len(indices))
	for i, idx := range indices {
		s, err := ds.Item(idx)
		if err != nil {
			return errors.Wrapf(err, "loading item %d", idx)
		}
		samples[i] = s
	}
	batch, err := dataset.Collate(samples)
	if err != nil {
		return err
	}

	model.Eval()
	defer model.Train()

	logits, err := model.Forward(batch.Images)
	if err != nil {
		return errors.Wrap(err, "forward")
	}
	outMasks, err := predictedMasks(logits)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	grids := []struct {
		file  string
		array *ndarray.Array
	}{
		{ImagesFile, batch.Images},
		{TrueMasksFile, batch.Masks},
		{OutMasksFile, outMasks},
	}
	for _, g := range grids {
		if err := saveGrid(filepath.Join(dir, g.file), g.array, nrow, width, height); err != nil {
			return err
		}
	}
	return nil
}

// predictedMasks reduces logits [B C H W] to class indices [B H W]. A single
// channel is thresholded at zero.
func predictedMasks(logits *ndarray.Array) (*ndarray.Array, error) {
	shape := logits.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("results: expected logits [B C H W], got %v", shape)
	}
	if shape[1] == 1 {
		probs, err := logits.Squeeze(1)
		if err != nil {
			return nil, err
		}
		return probs.Threshold(0), nil
	}
	return logits.ArgMax(1)
}

// saveGrid resizes each item of a [B ...] array and writes them as a grid.
func saveGrid(path string, batch *ndarray.Array, nrow, width, height int) error {
	n := batch.Shape()[0]
	tiles := make([]image.Image, n)
	for i := 0; i < n; i++ {
		item, err := batch.Index(i)
		if err != nil {
			return err
		}
		img, err := ArrayToImage(item)
		if err != nil {
			return err
		}
		tiles[i] = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}

	grid, err := MakeGrid(tiles, nrow, GridPadding)
	if err != nil {
		return err
	}
	if err := imaging.Save(grid, path); err != nil {
		return errors.Wrapf(err, "saving %q", path)
	}
	return nil
}
