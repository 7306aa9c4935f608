package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CarvanaMaskSuffix is the mask file suffix of the Carvana layout, e.g.
// `imgs/0cdf5b5d0ce1_01.jpg` with `masks/0cdf5b5d0ce1_01_mask.gif`.
const CarvanaMaskSuffix = "_mask"

// BasicDataset reads images and masks that share a file stem from two
// directories.
type BasicDataset struct {
	imagesDir  string
	masksDir   string
	scale      float64
	maskSuffix string
	channels   int

	ids        []string
	maskValues []uint64
	valueIndex map[uint64]int
}

// NewBasicDataset scans imagesDir for ids and masksDir for the set of mask
// values. The i-th smallest mask value becomes class i.
func NewBasicDataset(imagesDir, masksDir string, scale float64, opts ...Option) (*BasicDataset, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if scale <= 0 || scale > 1 {
		return nil, errors.Wrapf(ErrScale, "scale must be in (0, 1], got %v", scale)
	}
	if o.channels != 1 && o.channels != 3 {
		return nil, errors.Errorf("dataset: channels must be 1 or 3, got %d", o.channels)
	}

	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading images directory %q", imagesDir)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, filepath.Ext(name)))
	}
	if len(ids) == 0 {
		return nil, errors.Wrapf(ErrNoInput, "%q, make sure you put your images there", imagesDir)
	}

	ds := &BasicDataset{
		imagesDir:  imagesDir,
		masksDir:   masksDir,
		scale:      scale,
		maskSuffix: o.maskSuffix,
		channels:   o.channels,
		ids:        ids,
	}
	o.logger.Info("creating dataset", zap.String("images", imagesDir), zap.Int("examples", len(ids)))

	if err := ds.scanMaskValues(o.workers); err != nil {
		return nil, err
	}
	o.logger.Info("unique mask values", zap.Uint64s("values", ds.maskValues))

	return ds, nil
}

// NewCarvanaDataset is a BasicDataset whose masks are named `<id>_mask.*`.
func NewCarvanaDataset(imagesDir, masksDir string, scale float64, opts ...Option) (*BasicDataset, error) {
	return NewBasicDataset(imagesDir, masksDir, scale, append(opts, WithMaskSuffix(CarvanaMaskSuffix))...)
}

// Open tries the Carvana layout first and falls back to BasicDataset when the
// directory does not follow it.
func Open(imagesDir, masksDir string, scale float64, opts ...Option) (*BasicDataset, error) {
	ds, err := NewCarvanaDataset(imagesDir, masksDir, scale, opts...)
	if err == nil {
		return ds, nil
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.logger.Warn("carvana layout rejected, falling back to basic dataset",
		zap.String("images", imagesDir), zap.String("masks", masksDir), zap.Error(err))

	return NewBasicDataset(imagesDir, masksDir, scale, opts...)
}

func (ds *BasicDataset) scanMaskValues(workers int) error {
	found := make([]map[uint64]struct{}, len(ds.ids))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, id := range ds.ids {
		i, id := i, id
		g.Go(func() error {
			path, err := findOne(ds.masksDir, id+ds.maskSuffix)
			if err != nil {
				return err
			}
			img, err := readImage(path)
			if err != nil {
				return errors.Wrapf(err, "reading mask %q", path)
			}
			found[i] = uniqueCodes(img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	set := make(map[uint64]struct{})
	for _, codes := range found {
		for c := range codes {
			set[c] = struct{}{}
		}
	}
	values := make([]uint64, 0, len(set))
	for c := range set {
		values = append(values, c)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	ds.maskValues = values
	ds.valueIndex = make(map[uint64]int, len(values))
	for i, v := range values {
		ds.valueIndex[v] = i
	}

	return nil
}

// findOne resolves `<dir>/<stem>.*` to exactly one file.
func findOne(dir, stem string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, stem+".*"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", errors.Wrapf(ErrMaskNotFound, "%q in %q: %v", stem, dir, matches)
	}
	return matches[0], nil
}

// Len implements Dataset.
func (ds *BasicDataset) Len() int { return len(ds.ids) }

// IDs returns the sample ids in index order.
func (ds *BasicDataset) IDs() []string { return append([]string(nil), ds.ids...) }

// MaskValues returns the sorted distinct mask pixel values; value i is class i.
func (ds *BasicDataset) MaskValues() []uint64 { return append([]uint64(nil), ds.maskValues...) }

// Item implements Dataset.
func (ds *BasicDataset) Item(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(ds.ids) {
		return nil, errors.Errorf("dataset: index %d out of range [0, %d)", idx, len(ds.ids))
	}
	id := ds.ids[idx]

	maskPath, err := findOne(ds.masksDir, id+ds.maskSuffix)
	if err != nil {
		return nil, err
	}
	imgPath, err := findOne(ds.imagesDir, id)
	if err != nil {
		return nil, err
	}

	maskImg, err := readImage(maskPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading mask %q", maskPath)
	}
	img, err := readImage(imgPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image %q", imgPath)
	}

	if img.Bounds().Size() != maskImg.Bounds().Size() {
		return nil, errors.Errorf("dataset: image and mask %s should be the same size, got %v and %v",
			id, img.Bounds().Size(), maskImg.Bounds().Size())
	}

	w, h, err := scaledSize(img.Bounds(), ds.scale)
	if err != nil {
		return nil, err
	}
	image, err := imageToArray(img, w, h, ds.channels)
	if err != nil {
		return nil, errors.Wrapf(err, "preprocessing image %s", id)
	}
	mask, err := maskToArray(maskImg, w, h, ds.valueIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "preprocessing mask %s", id)
	}

	return &Sample{ID: id, Image: image, Mask: mask}, nil
}
