package mosaic

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

// pixel covers the data types a mosaic band can carry.
type pixel interface {
	~uint8 | ~uint16 | ~uint32 | ~int16 | ~int32 | ~float32 | ~float64
}

// PixelBuf is a rectangular block of pixels of a single band, stored as a
// row-major contiguous slice of the band's data type. The concrete slice is
// passed directly to the backend's Read and Write calls.
type PixelBuf struct {
	dtype godal.DataType
	xsize int
	ysize int
	data  any // one of []uint8 []uint16 []uint32 []int16 []int32 []float32 []float64
}

// NewPixelBuf allocates a zeroed xsize x ysize buffer of the given data type.
func NewPixelBuf(dt godal.DataType, xsize, ysize int) (*PixelBuf, error) {
	n := xsize * ysize
	buf := &PixelBuf{dtype: dt, xsize: xsize, ysize: ysize}
	switch dt {
	case godal.Byte:
		buf.data = make([]uint8, n)
	case godal.UInt16:
		buf.data = make([]uint16, n)
	case godal.Int16:
		buf.data = make([]int16, n)
	case godal.UInt32:
		buf.data = make([]uint32, n)
	case godal.Int32:
		buf.data = make([]int32, n)
	case godal.Float32:
		buf.data = make([]float32, n)
	case godal.Float64:
		buf.data = make([]float64, n)
	default:
		return nil, fmt.Errorf("unsupported pixel data type %s", dt)
	}
	return buf, nil
}

func (p *PixelBuf) XSize() int               { return p.xsize }
func (p *PixelBuf) YSize() int               { return p.ysize }
func (p *PixelBuf) DataType() godal.DataType { return p.dtype }

// Data returns the underlying typed slice, for handing to backend I/O.
func (p *PixelBuf) Data() any { return p.data }

// SameShape reports whether two buffers have identical dimensions.
func (p *PixelBuf) SameShape(o *PixelBuf) bool {
	return p.xsize == o.xsize && p.ysize == o.ysize
}

// Fill sets every pixel to v, converted to the buffer's data type.
func (p *PixelBuf) Fill(v float64) {
	switch d := p.data.(type) {
	case []uint8:
		fillSlice(d, uint8(v))
	case []uint16:
		fillSlice(d, uint16(v))
	case []int16:
		fillSlice(d, int16(v))
	case []uint32:
		fillSlice(d, uint32(v))
	case []int32:
		fillSlice(d, int32(v))
	case []float32:
		fillSlice(d, float32(v))
	case []float64:
		fillSlice(d, v)
	}
}

// Paste copies src into this buffer with its top-left corner at
// (offX, offY). src must have the same data type and fit entirely within
// the destination.
func (p *PixelBuf) Paste(src *PixelBuf, offX, offY int) error {
	if src.dtype != p.dtype {
		return fmt.Errorf("paste: data type mismatch %s != %s", src.dtype, p.dtype)
	}
	if offX < 0 || offY < 0 || offX+src.xsize > p.xsize || offY+src.ysize > p.ysize {
		return fmt.Errorf("paste: %dx%d at (%d,%d) does not fit in %dx%d",
			src.xsize, src.ysize, offX, offY, p.xsize, p.ysize)
	}
	switch d := p.data.(type) {
	case []uint8:
		pasteSlice(d, p.xsize, src.data.([]uint8), src.xsize, src.ysize, offX, offY)
	case []uint16:
		pasteSlice(d, p.xsize, src.data.([]uint16), src.xsize, src.ysize, offX, offY)
	case []int16:
		pasteSlice(d, p.xsize, src.data.([]int16), src.xsize, src.ysize, offX, offY)
	case []uint32:
		pasteSlice(d, p.xsize, src.data.([]uint32), src.xsize, src.ysize, offX, offY)
	case []int32:
		pasteSlice(d, p.xsize, src.data.([]int32), src.xsize, src.ysize, offX, offY)
	case []float32:
		pasteSlice(d, p.xsize, src.data.([]float32), src.xsize, src.ysize, offX, offY)
	case []float64:
		pasteSlice(d, p.xsize, src.data.([]float64), src.xsize, src.ysize, offX, offY)
	}
	return nil
}

// MergeFrom overlays src onto this buffer: pixels of src that are not the
// null value replace the corresponding pixel here. With no null value
// defined, src replaces everything.
func (p *PixelBuf) MergeFrom(src *PixelBuf, null float64, hasNull bool) error {
	if src.dtype != p.dtype {
		return fmt.Errorf("merge: data type mismatch %s != %s", src.dtype, p.dtype)
	}
	if !p.SameShape(src) {
		return fmt.Errorf("merge: shape mismatch %dx%d != %dx%d",
			src.xsize, src.ysize, p.xsize, p.ysize)
	}
	switch d := p.data.(type) {
	case []uint8:
		mergeSlice(d, src.data.([]uint8), uint8(null), hasNull)
	case []uint16:
		mergeSlice(d, src.data.([]uint16), uint16(null), hasNull)
	case []int16:
		mergeSlice(d, src.data.([]int16), int16(null), hasNull)
	case []uint32:
		mergeSlice(d, src.data.([]uint32), uint32(null), hasNull)
	case []int32:
		mergeSlice(d, src.data.([]int32), int32(null), hasNull)
	case []float32:
		mergeSlice(d, src.data.([]float32), float32(null), hasNull)
	case []float64:
		mergeSlice(d, src.data.([]float64), null, hasNull)
	}
	return nil
}

// Subsample takes every lvl-th pixel in each dimension, starting at offset
// lvl/2, and crops the result to at most maxCols x maxRows (the receiving
// overview's remaining extent). Returns nil if nothing remains after
// cropping.
func (p *PixelBuf) Subsample(lvl, maxCols, maxRows int) *PixelBuf {
	switch d := p.data.(type) {
	case []uint8:
		return subsampleBuf(p, d, lvl, maxCols, maxRows)
	case []uint16:
		return subsampleBuf(p, d, lvl, maxCols, maxRows)
	case []int16:
		return subsampleBuf(p, d, lvl, maxCols, maxRows)
	case []uint32:
		return subsampleBuf(p, d, lvl, maxCols, maxRows)
	case []int32:
		return subsampleBuf(p, d, lvl, maxCols, maxRows)
	case []float32:
		return subsampleBuf(p, d, lvl, maxCols, maxRows)
	case []float64:
		return subsampleBuf(p, d, lvl, maxCols, maxRows)
	}
	return nil
}

// Accumulate visits the valid pixels of the buffer and returns their min,
// max, sum and sum of squares (float64 accumulation), plus the valid count.
// Validity follows the null convention: NaN null excludes NaN pixels, a
// value null excludes pixels equal to it, no null means every pixel counts.
func (p *PixelBuf) Accumulate(null float64, hasNull bool) (minv, maxv, sum, ssq float64, count int64) {
	switch d := p.data.(type) {
	case []uint8:
		return accumSlice(d, null, hasNull)
	case []uint16:
		return accumSlice(d, null, hasNull)
	case []int16:
		return accumSlice(d, null, hasNull)
	case []uint32:
		return accumSlice(d, null, hasNull)
	case []int32:
		return accumSlice(d, null, hasNull)
	case []float32:
		return accumSlice(d, null, hasNull)
	case []float64:
		return accumSlice(d, null, hasNull)
	}
	return 0, 0, 0, 0, 0
}

// At returns the pixel at (col, row) as a float64. Intended for tests and
// spot checks, not bulk access.
func (p *PixelBuf) At(col, row int) float64 {
	i := row*p.xsize + col
	switch d := p.data.(type) {
	case []uint8:
		return float64(d[i])
	case []uint16:
		return float64(d[i])
	case []int16:
		return float64(d[i])
	case []uint32:
		return float64(d[i])
	case []int32:
		return float64(d[i])
	case []float32:
		return float64(d[i])
	case []float64:
		return d[i]
	}
	return 0
}

func fillSlice[T pixel](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}

func mergeSlice[T pixel](dst, src []T, null T, hasNull bool) {
	if !hasNull {
		copy(dst, src)
		return
	}
	for i, v := range src {
		if v != null {
			dst[i] = v
		}
	}
}

func pasteSlice[T pixel](dst []T, dstStride int, src []T, srcW, srcH, offX, offY int) {
	for row := 0; row < srcH; row++ {
		d := dst[(offY+row)*dstStride+offX:]
		s := src[row*srcW : (row+1)*srcW]
		copy(d[:srcW], s)
	}
}

func subsampleBuf[T pixel](p *PixelBuf, src []T, lvl, maxCols, maxRows int) *PixelBuf {
	o := lvl / 2
	nc := 0
	for c := o; c < p.xsize; c += lvl {
		nc++
	}
	nr := 0
	for r := o; r < p.ysize; r += lvl {
		nr++
	}
	nc = min(nc, maxCols)
	nr = min(nr, maxRows)
	if nc <= 0 || nr <= 0 {
		return nil
	}
	out := make([]T, nc*nr)
	for r := 0; r < nr; r++ {
		srcRow := (o + r*lvl) * p.xsize
		for c := 0; c < nc; c++ {
			out[r*nc+c] = src[srcRow+o+c*lvl]
		}
	}
	return &PixelBuf{dtype: p.dtype, xsize: nc, ysize: nr, data: out}
}

func accumSlice[T pixel](s []T, null float64, hasNull bool) (minv, maxv, sum, ssq float64, count int64) {
	nullIsNaN := hasNull && math.IsNaN(null)
	tnull := T(0)
	if hasNull && !nullIsNaN {
		tnull = T(null)
	}
	for _, v := range s {
		f := float64(v)
		if nullIsNaN {
			if math.IsNaN(f) {
				continue
			}
		} else if hasNull && v == tnull {
			continue
		}
		if count == 0 {
			minv, maxv = f, f
		} else {
			if f < minv {
				minv = f
			}
			if f > maxv {
				maxv = f
			}
		}
		sum += f
		ssq += f * f
		count++
	}
	return minv, maxv, sum, ssq, count
}
