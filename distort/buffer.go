// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package distort

import (
	"errors"
	"fmt"
	"unsafe"
)

// A Buffer is a rectangular grid of pixels stored row-major in Pix. Each row
// begins Stride bytes after the previous one, and each pixel is an opaque
// element of ElemSize bytes. Stride may exceed Width*ElemSize when rows are
// padded, as they are in most hardware and streaming-texture buffers.
type Buffer struct {
	Pix      []byte
	Width    int
	Height   int
	Stride   int
	ElemSize int
}

// NewBuffer allocates a zeroed, tightly packed buffer.
func NewBuffer(width, height, elemSize int) Buffer {
	return Buffer{
		Pix:      make([]byte, width*height*elemSize),
		Width:    width,
		Height:   height,
		Stride:   width * elemSize,
		ElemSize: elemSize,
	}
}

// Check reports an error if b is not a consistent description of its pixels.
func (b Buffer) Check() error {
	switch {
	case b.Width < 0 || b.Height < 0:
		return fmt.Errorf("negative size %dx%d", b.Width, b.Height)
	case b.ElemSize <= 0:
		return fmt.Errorf("invalid element size %d", b.ElemSize)
	case b.Stride < b.Width*b.ElemSize:
		return fmt.Errorf("stride %d shorter than row (%d bytes)", b.Stride, b.Width*b.ElemSize)
	case b.Height > 0 && len(b.Pix) < (b.Height-1)*b.Stride+b.Width*b.ElemSize:
		return errors.New("pixel data too short")
	}
	return nil
}

// Empty reports whether b contains no pixels.
func (b Buffer) Empty() bool { return b.Width <= 0 || b.Height <= 0 }

// Row returns the Width*ElemSize bytes of row y.
func (b Buffer) Row(y int) []byte {
	if y < 0 || y >= b.Height {
		panic(fmt.Sprintf("distort: row %d out of range [0,%d)", y, b.Height))
	}
	i := y * b.Stride
	return b.Pix[i : i+b.Width*b.ElemSize : i+b.Width*b.ElemSize]
}

// Elem returns the bytes of the element at column x of row y.
func (b Buffer) Elem(x, y int) []byte {
	if x < 0 || x >= b.Width {
		panic(fmt.Sprintf("distort: column %d out of range [0,%d)", x, b.Width))
	}
	row := b.Row(y)
	i := x * b.ElemSize
	return row[i : i+b.ElemSize : i+b.ElemSize]
}

// sameShape reports whether a and b describe grids of the same geometry.
func sameShape(a, b Buffer) bool {
	return a.Width == b.Width && a.Height == b.Height && a.ElemSize == b.ElemSize
}

// overlaps reports whether any pixel row of a shares bytes with a pixel row
// of b. Padding between rows is not considered, so two disjoint sub-images of
// one parent image do not overlap.
func overlaps(a, b Buffer) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	a0 := uintptr(unsafe.Pointer(unsafe.SliceData(a.Pix)))
	b0 := uintptr(unsafe.Pointer(unsafe.SliceData(b.Pix)))
	aEnd := a0 + uintptr((a.Height-1)*a.Stride+a.Width*a.ElemSize)
	bEnd := b0 + uintptr((b.Height-1)*b.Stride+b.Width*b.ElemSize)
	if a0 >= bEnd || b0 >= aEnd {
		return false
	}

	// Positions are relative to the start of a; b starts at d.
	d := int(b0) - int(a0)
	aw, bw := a.Width*a.ElemSize, b.Width*b.ElemSize
	bs := b.Stride
	if b.Height == 1 || bs <= 0 {
		bs = bw
	}
	for ya := 0; ya < a.Height; ya++ {
		lo, hi := ya*a.Stride, ya*a.Stride+aw
		// First row of b that could end after lo.
		yb := floorDiv(lo-d-bw, bs) + 1
		if yb < 0 {
			yb = 0
		}
		for ; yb < b.Height; yb++ {
			start := d + yb*bs
			if start >= hi {
				break
			}
			if start+bw > lo {
				return true
			}
		}
	}
	return false
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Copy copies the pixels of src into dst, which must have the same width,
// height and element size. The strides may differ.
func Copy(dst, src Buffer) {
	if !sameShape(dst, src) {
		panic(fmt.Sprintf("distort: copy between mismatched buffers %dx%dx%d and %dx%dx%d",
			dst.Width, dst.Height, dst.ElemSize, src.Width, src.Height, src.ElemSize))
	}
	if dst.Empty() {
		return
	}
	for y := 0; y < src.Height; y++ {
		copy(dst.Row(y), src.Row(y))
	}
}
