// Package ndarray implements a small dense n-dimensional array of float64
// values. Segmentation metrics are computed on it so they do not depend on the
// tensor framework that produced the predictions.
package ndarray

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrShape is returned when array shapes are incompatible with an operation.
var ErrShape = errors.New("ndarray: invalid shape")

// Array is a row-major dense array.
type Array struct {
	shape []int
	data  []float64
}

// New creates an array of given shape backed by a copy of data.
func New(shape []int, data []float64) (*Array, error) {
	n := numel(shape)
	if n < 0 {
		return nil, errors.Wrapf(ErrShape, "negative dimension in %v", shape)
	}
	if n != len(data) {
		return nil, errors.Wrapf(ErrShape, "shape %v needs %d values, got %d", shape, n, len(data))
	}

	return &Array{
		shape: append([]int(nil), shape...),
		data:  append([]float64(nil), data...),
	}, nil
}

// MustNew is New that panics on error.
func MustNew(shape []int, data []float64) *Array {
	a, err := New(shape, data)
	if err != nil {
		panic(err)
	}

	return a
}

// Zeros creates a zero-filled array.
func Zeros(shape ...int) *Array {
	return &Array{
		shape: append([]int(nil), shape...),
		data:  make([]float64, numel(shape)),
	}
}

// Stack joins same-shaped arrays along a new leading dimension.
func Stack(arrays []*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, errors.Wrap(ErrShape, "stack of zero arrays")
	}
	first := arrays[0]
	data := make([]float64, 0, len(arrays)*first.Size())
	for i, a := range arrays {
		if !first.SameShape(a) {
			return nil, errors.Wrapf(ErrShape, "stack: array %d has shape %v, want %v", i, a.shape, first.shape)
		}
		data = append(data, a.data...)
	}

	shape := append([]int{len(arrays)}, first.shape...)
	return &Array{shape: shape, data: data}, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the array dimensions.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// Dim returns the number of dimensions.
func (a *Array) Dim() int { return len(a.shape) }

// Size returns the number of elements.
func (a *Array) Size() int { return len(a.data) }

// Values returns a copy of the underlying data in row-major order.
func (a *Array) Values() []float64 { return append([]float64(nil), a.data...) }

// SameShape reports whether a and b have identical dimensions.
func (a *Array) SameShape(b *Array) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// At returns the element at the given multi-index.
func (a *Array) At(idx ...int) float64 {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("ndarray: At got %d indices for %d dims", len(idx), len(a.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= a.shape[i] {
			panic(fmt.Sprintf("ndarray: index %v out of range for shape %v", idx, a.shape))
		}
		off = off*a.shape[i] + v
	}
	return a.data[off]
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	return fmt.Sprintf("Array%v", a.shape)
}

// Reshape returns a view-free copy with a new shape of the same size.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	if numel(shape) != a.Size() {
		return nil, errors.Wrapf(ErrShape, "cannot reshape %v into %v", a.shape, shape)
	}
	return &Array{shape: append([]int(nil), shape...), data: a.Values()}, nil
}

func (a *Array) normDim(dim int) (int, error) {
	d := dim
	if d < 0 {
		d += len(a.shape)
	}
	if d < 0 || d >= len(a.shape) {
		return 0, errors.Wrapf(ErrShape, "dimension %d out of range for shape %v", dim, a.shape)
	}
	return d, nil
}

// split returns the products of dimensions before and after dim.
func (a *Array) split(dim int) (outer, n, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= a.shape[i]
	}
	for i := dim + 1; i < len(a.shape); i++ {
		inner *= a.shape[i]
	}
	return outer, a.shape[dim], inner
}

func (a *Array) binary(b *Array, op string, fn func(dst, s, t []float64) []float64) (*Array, error) {
	if !a.SameShape(b) {
		return nil, errors.Wrapf(ErrShape, "%s: shapes %v and %v differ", op, a.shape, b.shape)
	}
	dst := make([]float64, len(a.data))
	fn(dst, a.data, b.data)
	return &Array{shape: a.Shape(), data: dst}, nil
}

// Mul multiplies element-wise.
func (a *Array) Mul(b *Array) (*Array, error) { return a.binary(b, "mul", floats.MulTo) }

// Add adds element-wise.
func (a *Array) Add(b *Array) (*Array, error) { return a.binary(b, "add", floats.AddTo) }

// Sub subtracts element-wise.
func (a *Array) Sub(b *Array) (*Array, error) { return a.binary(b, "sub", floats.SubTo) }

// Div divides element-wise.
func (a *Array) Div(b *Array) (*Array, error) { return a.binary(b, "div", floats.DivTo) }

// AddScalar adds c to every element.
func (a *Array) AddScalar(c float64) *Array {
	out := a.Values()
	floats.AddConst(c, out)
	return &Array{shape: a.Shape(), data: out}
}

// MulScalar multiplies every element by c.
func (a *Array) MulScalar(c float64) *Array {
	out := a.Values()
	floats.Scale(c, out)
	return &Array{shape: a.Shape(), data: out}
}

// Apply returns a new array with fn applied to every element.
func (a *Array) Apply(fn func(float64) float64) *Array {
	out := make([]float64, len(a.data))
	for i, v := range a.data {
		out[i] = fn(v)
	}
	return &Array{shape: a.Shape(), data: out}
}

// Sum sums all elements.
func (a *Array) Sum() float64 { return floats.Sum(a.data) }

// Mean returns the arithmetic mean of all elements, NaN for an empty array.
func (a *Array) Mean() float64 {
	if len(a.data) == 0 {
		return math.NaN()
	}
	return floats.Sum(a.data) / float64(len(a.data))
}

// Min returns the smallest element, NaN for an empty array.
func (a *Array) Min() float64 {
	if len(a.data) == 0 {
		return math.NaN()
	}
	return floats.Min(a.data)
}

// Max returns the largest element, NaN for an empty array.
func (a *Array) Max() float64 {
	if len(a.data) == 0 {
		return math.NaN()
	}
	return floats.Max(a.data)
}

// SumDims sums over the given dimensions and drops them from the result.
// Negative dimensions count from the end.
func (a *Array) SumDims(dims ...int) (*Array, error) {
	reduce := make([]bool, len(a.shape))
	for _, d := range dims {
		nd, err := a.normDim(d)
		if err != nil {
			return nil, err
		}
		reduce[nd] = true
	}

	var outShape []int
	for i, d := range a.shape {
		if !reduce[i] {
			outShape = append(outShape, d)
		}
	}
	out := make([]float64, numel(outShape))

	idx := make([]int, len(a.shape))
	for flat, v := range a.data {
		rem := flat
		for i := len(a.shape) - 1; i >= 0; i-- {
			idx[i] = rem % a.shape[i]
			rem /= a.shape[i]
		}
		off := 0
		for i, d := range a.shape {
			if !reduce[i] {
				off = off*d + idx[i]
			}
		}
		out[off] += v
	}

	return &Array{shape: outShape, data: out}, nil
}

// Threshold maps values strictly greater than t to 1 and the rest to 0.
func (a *Array) Threshold(t float64) *Array {
	return a.Apply(func(v float64) float64 {
		if v > t {
			return 1
		}
		return 0
	})
}

// Sigmoid applies the logistic function element-wise.
func (a *Array) Sigmoid() *Array {
	return a.Apply(sigmoid)
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// Softmax normalises along dim with the max-shift trick.
func (a *Array) Softmax(dim int) (*Array, error) {
	d, err := a.normDim(dim)
	if err != nil {
		return nil, err
	}
	outer, n, inner := a.split(d)
	out := make([]float64, len(a.data))
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*n*inner + i
			max := math.Inf(-1)
			for k := 0; k < n; k++ {
				max = math.Max(max, a.data[base+k*inner])
			}
			var sum float64
			for k := 0; k < n; k++ {
				e := math.Exp(a.data[base+k*inner] - max)
				out[base+k*inner] = e
				sum += e
			}
			for k := 0; k < n; k++ {
				out[base+k*inner] /= sum
			}
		}
	}
	return &Array{shape: a.Shape(), data: out}, nil
}

// LogSoftmax is the logarithm of Softmax computed without underflow.
func (a *Array) LogSoftmax(dim int) (*Array, error) {
	d, err := a.normDim(dim)
	if err != nil {
		return nil, err
	}
	outer, n, inner := a.split(d)
	out := make([]float64, len(a.data))
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*n*inner + i
			vals := make([]float64, n)
			for k := 0; k < n; k++ {
				vals[k] = a.data[base+k*inner]
			}
			lse := floats.LogSumExp(vals)
			for k := 0; k < n; k++ {
				out[base+k*inner] = vals[k] - lse
			}
		}
	}
	return &Array{shape: a.Shape(), data: out}, nil
}

// ArgMax returns indices of the maximum along dim, with dim removed.
// Ties resolve to the lowest index.
func (a *Array) ArgMax(dim int) (*Array, error) {
	d, err := a.normDim(dim)
	if err != nil {
		return nil, err
	}
	outer, n, inner := a.split(d)
	if n == 0 {
		return nil, errors.Wrapf(ErrShape, "argmax over empty dimension %d", dim)
	}
	out := make([]float64, outer*inner)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*n*inner + i
			best := 0
			for k := 1; k < n; k++ {
				if a.data[base+k*inner] > a.data[base+best*inner] {
					best = k
				}
			}
			out[o*inner+i] = float64(best)
		}
	}

	shape := append(a.Shape()[:d:d], a.shape[d+1:]...)
	return &Array{shape: shape, data: out}, nil
}

// OneHot expands integer class labels into indicator channels inserted at
// axis. Every label must be an integer in [0, n).
func (a *Array) OneHot(n, axis int) (*Array, error) {
	if axis < 0 {
		axis += len(a.shape) + 1
	}
	if axis < 0 || axis > len(a.shape) {
		return nil, errors.Wrapf(ErrShape, "one-hot axis %d out of range for shape %v", axis, a.shape)
	}

	shape := make([]int, 0, len(a.shape)+1)
	shape = append(shape, a.shape[:axis]...)
	shape = append(shape, n)
	shape = append(shape, a.shape[axis:]...)

	outer := numel(a.shape[:axis])
	inner := numel(a.shape[axis:])
	out := make([]float64, outer*n*inner)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			v := a.data[o*inner+i]
			c := int(v)
			if float64(c) != v || c < 0 || c >= n {
				return nil, errors.Errorf("ndarray: one-hot label %v outside [0, %d)", v, n)
			}
			out[(o*n+c)*inner+i] = 1
		}
	}
	return &Array{shape: shape, data: out}, nil
}

// Narrow returns length entries of dim starting at start.
func (a *Array) Narrow(dim, start, length int) (*Array, error) {
	d, err := a.normDim(dim)
	if err != nil {
		return nil, err
	}
	outer, n, inner := a.split(d)
	if start < 0 || length < 0 || start+length > n {
		return nil, errors.Wrapf(ErrShape, "narrow [%d:%d] out of range for dimension %d of size %d", start, start+length, dim, n)
	}
	out := make([]float64, 0, outer*length*inner)
	for o := 0; o < outer; o++ {
		from := (o*n + start) * inner
		out = append(out, a.data[from:from+length*inner]...)
	}

	shape := a.Shape()
	shape[d] = length
	return &Array{shape: shape, data: out}, nil
}

// Index returns the i-th sub-array along the leading dimension.
func (a *Array) Index(i int) (*Array, error) {
	if len(a.shape) == 0 || i < 0 || i >= a.shape[0] {
		return nil, errors.Wrapf(ErrShape, "index %d out of range for shape %v", i, a.shape)
	}
	step := numel(a.shape[1:])
	return &Array{
		shape: append([]int(nil), a.shape[1:]...),
		data:  append([]float64(nil), a.data[i*step:(i+1)*step]...),
	}, nil
}

// Squeeze removes dimension dim, which must have size 1.
func (a *Array) Squeeze(dim int) (*Array, error) {
	d, err := a.normDim(dim)
	if err != nil {
		return nil, err
	}
	if a.shape[d] != 1 {
		return nil, errors.Wrapf(ErrShape, "cannot squeeze dimension %d of size %d", dim, a.shape[d])
	}
	shape := append(a.Shape()[:d:d], a.shape[d+1:]...)
	return &Array{shape: shape, data: a.Values()}, nil
}

// Unsqueeze inserts a dimension of size 1 at dim.
func (a *Array) Unsqueeze(dim int) (*Array, error) {
	if dim < 0 {
		dim += len(a.shape) + 1
	}
	if dim < 0 || dim > len(a.shape) {
		return nil, errors.Wrapf(ErrShape, "unsqueeze dimension %d out of range for shape %v", dim, a.shape)
	}
	shape := make([]int, 0, len(a.shape)+1)
	shape = append(shape, a.shape[:dim]...)
	shape = append(shape, 1)
	shape = append(shape, a.shape[dim:]...)
	return &Array{shape: shape, data: a.Values()}, nil
}
