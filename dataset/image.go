package dataset

import (
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"github.com/sugarme/segeval/ndarray"
)

// readImage reads image from file.
func readImage(filename string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext {
	case ".png":
		return png.Decode(f)
	case ".jpg", ".jpeg":
		return jpeg.Decode(f)
	case ".gif":
		return gif.Decode(f)
	case ".tiff", ".tif":
		return tiff.Decode(f)
	case ".bmp":
		return bmp.Decode(f)
	case ".webp":
		return webp.Decode(f)
	default:
		return nil, errors.Errorf("unsupported image format: %v", ext)
	}
}

// scaledSize returns the image size after scaling.
func scaledSize(b image.Rectangle, scale float64) (w, h int, err error) {
	w = int(scale * float64(b.Dx()))
	h = int(scale * float64(b.Dy()))
	if w <= 0 || h <= 0 {
		return 0, 0, errors.Wrapf(ErrScale, "scale %v turns %vx%v into %vx%v", scale, b.Dx(), b.Dy(), w, h)
	}
	return w, h, nil
}

// pixelCode identifies a mask colour. Gray levels map to themselves, other
// colours are packed as RGB above the gray range. 16-bit colours keep their
// full depth so that low label values stay distinct.
func pixelCode(c color.Color) uint64 {
	switch c := c.(type) {
	case color.Gray:
		return uint64(c.Y)
	case color.Gray16:
		return uint64(c.Y)
	case color.RGBA64, color.NRGBA64:
		r, g, b, _ := c.RGBA()
		if r == g && g == b {
			return uint64(r)
		}
		return 1<<48 | uint64(r)<<32 | uint64(g)<<16 | uint64(b)
	}

	r, g, b, _ := c.RGBA()
	r8, g8, b8 := uint64(r>>8), uint64(g>>8), uint64(b>>8)
	if r8 == g8 && g8 == b8 {
		return r8
	}
	return 1<<24 | r8<<16 | g8<<8 | b8
}

// is16Bit reports whether img stores 16 bits per channel.
func is16Bit(img image.Image) bool {
	switch img.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}

// uniqueCodes collects the distinct pixel codes of a mask image.
func uniqueCodes(img image.Image) map[uint64]struct{} {
	codes := make(map[uint64]struct{})
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			codes[pixelCode(img.At(x, y))] = struct{}{}
		}
	}
	return codes
}

// imageToArray resizes img and converts it to a [C H W] array in [0, 1].
func imageToArray(img image.Image, w, h, channels int) (*ndarray.Array, error) {
	resized := imaging.Resize(img, w, h, imaging.CatmullRom)
	plane := w * h
	data := make([]float64, channels*plane)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := resized.NRGBAAt(x, y)
			i := y*w + x
			switch channels {
			case 1:
				gray := color.GrayModel.Convert(c).(color.Gray)
				data[i] = float64(gray.Y) / 255
			case 3:
				data[i] = float64(c.R) / 255
				data[plane+i] = float64(c.G) / 255
				data[2*plane+i] = float64(c.B) / 255
			default:
				return nil, errors.Errorf("unsupported number of image channels: %v", channels)
			}
		}
	}

	return ndarray.New([]int{channels, h, w}, data)
}

// resizeMask scales a mask with nearest-neighbour sampling. 16-bit masks
// stay 16-bit, everything else becomes NRGBA.
func resizeMask(img image.Image, w, h int) image.Image {
	if !is16Bit(img) {
		return imaging.Resize(img, w, h, imaging.NearestNeighbor)
	}

	rect := image.Rect(0, 0, w, h)
	var dst draw.Image
	if _, ok := img.(*image.Gray16); ok {
		dst = image.NewGray16(rect)
	} else {
		dst = image.NewNRGBA64(rect)
	}
	draw.NearestNeighbor.Scale(dst, rect, img, img.Bounds(), draw.Src, nil)
	return dst
}

// maskToArray resizes a mask with nearest-neighbour sampling and maps its
// pixel codes to class indices.
func maskToArray(img image.Image, w, h int, index map[uint64]int) (*ndarray.Array, error) {
	resized := resizeMask(img, w, h)
	data := make([]float64, w*h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			code := pixelCode(resized.At(x, y))
			cls, ok := index[code]
			if !ok {
				return nil, errors.Errorf("mask value %#x not seen while scanning masks", code)
			}
			data[y*w+x] = float64(cls)
		}
	}

	return ndarray.New([]int{h, w}, data)
}
