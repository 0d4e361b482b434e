// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package distort computes frames of an EarthBound-style battle background
// distortion.
//
// Each row of the output is a copy of some row of the input, rotated
// horizontally by an offset that follows a sine wave over rows and time. No
// pixel values are blended or synthesized: the element layout of a pixel is
// never inspected, so any pixel format works as long as the source and the
// destination agree on its size.
package distort

import (
	"fmt"
	"math"

	"github.com/tailscale/tbattle"
)

// Offset returns the wave displacement for row y at the given tick:
//
//	A * sin(F*y + S*tick)
//
// The sine is evaluated in single precision and the product is truncated
// toward zero, not rounded. Existing animations depend on the exact jitter
// this produces.
func Offset(p tbattle.Params, y, tick int) int {
	arg := float32(p.Frequency*float64(y) + p.TimeScale*float64(tick))
	s := float32(math.Sin(float64(arg)))
	return int(p.Amplitude * float64(s))
}

// StartColumn returns the source column copied into column 0 of row y, before
// wrapping, for a row displaced by offset.
func StartColumn(p tbattle.Params, y, offset int) int {
	switch p.Kind {
	case tbattle.Horizontal:
		return offset
	case tbattle.Interlaced:
		if y%2 != 0 {
			return offset
		}
		return -offset
	}
	return 0
}

// SourceRow returns the index of the source row copied into row y of a frame
// with the given height, for a row displaced by offset.
func SourceRow(p tbattle.Params, y, offset, height int) int {
	if p.Kind != tbattle.Vertical {
		return y
	}
	// The height bias keeps the argument non-negative for offsets down to
	// -height; wrap covers anything beyond that.
	return wrap(int(float64(y)*p.Compression+float64(offset)+float64(height)), height)
}

// wrap returns v modulo n in the range [0, n).
func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// Frame computes the frame of the distortion p at the given tick from the
// pixels of src, and writes it into dst.
//
// The buffers must have the same width, height and element size, and must not
// share storage; Frame panics otherwise. Frame is a pure function of src, p
// and tick: the same inputs always produce the same output.
func Frame(dst, src Buffer, p tbattle.Params, tick int) {
	if !sameShape(dst, src) {
		panic(fmt.Sprintf("distort: mismatched buffers %dx%dx%d and %dx%dx%d",
			dst.Width, dst.Height, dst.ElemSize, src.Width, src.Height, src.ElemSize))
	}
	if overlaps(dst, src) {
		panic("distort: source and destination overlap")
	}
	if src.Empty() {
		return
	}

	w, h, es := src.Width, src.Height, src.ElemSize
	for y := 0; y < h; y++ {
		offset := Offset(p, y, tick)
		srow := src.Row(SourceRow(p, y, offset, h))
		drow := dst.Row(y)

		// Copying column by column from a running offset that wraps at the
		// row width is a rotation of the source row by its start column.
		start := wrap(StartColumn(p, y, offset), w) * es
		n := copy(drow, srow[start:])
		copy(drow[n:], srow[:start])
	}
}
