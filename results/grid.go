package results

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/sugarme/segeval/ndarray"
)

// GridPadding is the gap in pixels around grid tiles.
const GridPadding = 2

// ArrayToImage converts a [C H W] (C = 1 or 3) or [H W] array with values in
// [0, 1] to an 8-bit image. Values are scaled by 255, rounded and clamped.
func ArrayToImage(a *ndarray.Array) (image.Image, error) {
	if a.Dim() == 2 {
		var err error
		if a, err = a.Unsqueeze(0); err != nil {
			return nil, err
		}
	}
	shape := a.Shape()
	if len(shape) != 3 || (shape[0] != 1 && shape[0] != 3) {
		return nil, errors.Errorf("results: expected [1|3 H W] array, got %v", shape)
	}
	c, h, w := shape[0], shape[1], shape[2]
	vals := a.Values()
	plane := h * w

	if c == 1 {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for i := 0; i < plane; i++ {
			img.Pix[i] = toByte(vals[i])
		}
		return img, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < plane; i++ {
		img.Pix[4*i] = toByte(vals[i])
		img.Pix[4*i+1] = toByte(vals[plane+i])
		img.Pix[4*i+2] = toByte(vals[2*plane+i])
		img.Pix[4*i+3] = 0xff
	}
	return img, nil
}

func toByte(v float64) uint8 {
	v = math.Floor(v*255 + 0.5)
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// MakeGrid lays tiles out row by row, nrow per row, separated by padding
// black pixels. All tiles are expected to share the size of the first. A
// single tile is returned as is, without padding.
func MakeGrid(tiles []image.Image, nrow, padding int) (*image.RGBA, error) {
	if len(tiles) == 0 {
		return nil, errors.New("results: no tiles for grid")
	}
	if nrow < 1 {
		return nil, errors.Errorf("results: invalid grid row length %d", nrow)
	}

	if len(tiles) == 1 {
		b := tiles[0].Bounds()
		out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), tiles[0], b.Min, draw.Src)
		return out, nil
	}

	xmaps := nrow
	if len(tiles) < xmaps {
		xmaps = len(tiles)
	}
	ymaps := (len(tiles) + xmaps - 1) / xmaps

	b := tiles[0].Bounds()
	height, width := b.Dy()+padding, b.Dx()+padding
	grid := image.NewRGBA(image.Rect(0, 0, xmaps*width+padding, ymaps*height+padding))
	draw.Draw(grid, grid.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)

	for k, tile := range tiles {
		x, y := k%xmaps, k/xmaps
		at := image.Pt(x*width+padding, y*height+padding)
		r := image.Rectangle{Min: at, Max: at.Add(tile.Bounds().Size())}
		draw.Draw(grid, r, tile, tile.Bounds().Min, draw.Src)
	}

	return grid, nil
}
