package dataset_test

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/segeval/dataset"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// makeData writes n 4x4 gray images and masks whose left half is 255.
func makeData(t *testing.T, n int, maskSuffix string) (imgDir, maskDir string) {
	t.Helper()
	root := t.TempDir()
	imgDir = filepath.Join(root, "imgs")
	maskDir = filepath.Join(root, "masks")
	require.NoError(t, os.MkdirAll(imgDir, 0755))
	require.NoError(t, os.MkdirAll(maskDir, 0755))

	for i := 0; i < n; i++ {
		img := image.NewGray(image.Rect(0, 0, 4, 4))
		mask := image.NewGray(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(16 * (x + y))})
				if x < 2 {
					mask.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
		id := string(rune('a' + i))
		writePNG(t, filepath.Join(imgDir, id+".png"), img)
		writePNG(t, filepath.Join(maskDir, id+maskSuffix+".png"), mask)
	}
	// hidden files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, ".DS_Store"), []byte("x"), 0644))

	return imgDir, maskDir
}

func TestBasicDatasetItem(t *testing.T) {
	imgDir, maskDir := makeData(t, 3, "")

	ds, err := dataset.NewBasicDataset(imgDir, maskDir, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []string{"a", "b", "c"}, ds.IDs())
	assert.Equal(t, []uint64{0, 255}, ds.MaskValues())

	s, err := ds.Item(1)
	require.NoError(t, err)
	assert.Equal(t, "b", s.ID)
	assert.Equal(t, []int{1, 2, 2}, s.Image.Shape())
	assert.Equal(t, []int{2, 2}, s.Mask.Shape())
	assert.Equal(t, []float64{1, 0, 1, 0}, s.Mask.Values())
	assert.True(t, s.Image.Min() >= 0)
	assert.True(t, s.Image.Max() <= 1)

	_, err = ds.Item(3)
	assert.Error(t, err)
}

func TestBasicDatasetGray16Mask(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "imgs")
	maskDir := filepath.Join(root, "masks")
	require.NoError(t, os.MkdirAll(imgDir, 0755))
	require.NoError(t, os.MkdirAll(maskDir, 0755))

	img := image.NewGray(image.Rect(0, 0, 4, 4))
	mask := image.NewGray16(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if x < 2 {
				mask.SetGray16(x, y, color.Gray16{Y: 1})
			}
		}
	}
	writePNG(t, filepath.Join(imgDir, "a.png"), img)
	writePNG(t, filepath.Join(maskDir, "a.png"), mask)

	ds, err := dataset.NewBasicDataset(imgDir, maskDir, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, ds.MaskValues())

	s, err := ds.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{
		1, 1, 0, 0,
		1, 1, 0, 0,
		1, 1, 0, 0,
		1, 1, 0, 0,
	}, s.Mask.Values())

	// downscaling stays at 16 bits
	ds, err = dataset.NewBasicDataset(imgDir, maskDir, 0.5)
	require.NoError(t, err)
	s, err = ds.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 1, 0}, s.Mask.Values())
}

func TestBasicDatasetRGB(t *testing.T) {
	imgDir, maskDir := makeData(t, 1, "")

	ds, err := dataset.NewBasicDataset(imgDir, maskDir, 1, dataset.WithChannels(3))
	require.NoError(t, err)
	s, err := ds.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4}, s.Image.Shape())
}

func TestOpenFallsBackToBasic(t *testing.T) {
	imgDir, maskDir := makeData(t, 2, "")

	_, err := dataset.NewCarvanaDataset(imgDir, maskDir, 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrMaskNotFound))

	ds, err := dataset.Open(imgDir, maskDir, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func TestOpenCarvana(t *testing.T) {
	imgDir, maskDir := makeData(t, 2, dataset.CarvanaMaskSuffix)

	_, err := dataset.NewBasicDataset(imgDir, maskDir, 0.5)
	require.Error(t, err)

	ds, err := dataset.Open(imgDir, maskDir, 0.5)
	require.NoError(t, err)
	s, err := ds.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, s.Mask.Shape())
}

func TestOpenErrors(t *testing.T) {
	empty := t.TempDir()
	_, err := dataset.Open(empty, empty, 0.5)
	assert.True(t, errors.Is(err, dataset.ErrNoInput))

	imgDir, maskDir := makeData(t, 1, "")
	_, err = dataset.Open(imgDir, maskDir, 0.1)
	require.NoError(t, err)
	ds, _ := dataset.Open(imgDir, maskDir, 0.1)
	_, err = ds.Item(0)
	assert.True(t, errors.Is(err, dataset.ErrScale))

	_, err = dataset.Open(imgDir, maskDir, 0)
	assert.True(t, errors.Is(err, dataset.ErrScale))
}

func TestRandomSplit(t *testing.T) {
	imgDir, maskDir := makeData(t, 5, "")
	ds, err := dataset.NewBasicDataset(imgDir, maskDir, 0.5)
	require.NoError(t, err)

	parts, err := dataset.RandomSplit(ds, []int{4, 1}, 0)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 4, parts[0].Len())
	assert.Equal(t, 1, parts[1].Len())

	seen := map[string]bool{}
	for _, p := range parts {
		for i := 0; i < p.Len(); i++ {
			s, err := p.Item(i)
			require.NoError(t, err)
			assert.False(t, seen[s.ID])
			seen[s.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	again, err := dataset.RandomSplit(ds, []int{4, 1}, 0)
	require.NoError(t, err)
	a, _ := parts[1].Item(0)
	b, _ := again[1].Item(0)
	assert.Equal(t, a.ID, b.ID)

	_, err = dataset.RandomSplit(ds, []int{4, 2}, 0)
	assert.Error(t, err)
}

func TestBatchSampler(t *testing.T) {
	s, err := dataset.NewBatchSampler(10, 4, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	var sizes []int
	for s.HasNext() {
		b, err := s.Next()
		require.NoError(t, err)
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{4, 4}, sizes)
	_, err = s.Next()
	assert.Error(t, err)

	s, err = dataset.NewBatchSampler(10, 4, false, true, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	seen := map[int]bool{}
	sizes = nil
	for s.HasNext() {
		b, _ := s.Next()
		sizes = append(sizes, len(b))
		for _, i := range b {
			seen[i] = true
		}
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Len(t, seen, 10)

	s.Reset()
	assert.True(t, s.HasNext())

	_, err = dataset.NewBatchSampler(10, 0, false, false)
	assert.Error(t, err)
}

func TestDataLoader(t *testing.T) {
	imgDir, maskDir := makeData(t, 3, "")
	ds, err := dataset.NewBasicDataset(imgDir, maskDir, 0.5)
	require.NoError(t, err)

	s, err := dataset.NewBatchSampler(ds.Len(), 2, false, false)
	require.NoError(t, err)
	dl, err := dataset.NewDataLoader(ds, s)
	require.NoError(t, err)
	assert.Equal(t, 2, dl.Len())

	b, err := dl.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, b.IDs)
	assert.Equal(t, []int{2, 1, 2, 2}, b.Images.Shape())
	assert.Equal(t, []int{2, 2, 2}, b.Masks.Shape())

	b, err = dl.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, b.Images.Shape())
	assert.False(t, dl.HasNext())

	bad, err := dataset.NewBatchSampler(5, 2, false, false)
	require.NoError(t, err)
	_, err = dataset.NewDataLoader(ds, bad)
	assert.Error(t, err)
}
