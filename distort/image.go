// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package distort

import (
	"image"
	"image/color"
	"image/draw"
)

// Wrap returns a Buffer that aliases the pixels of img, and reports whether
// img has a pixel layout that Buffer can describe. Writes to the buffer are
// visible in img and vice versa.
func Wrap(img image.Image) (Buffer, bool) {
	var pix []byte
	var stride, es int
	switch m := img.(type) {
	case *image.RGBA:
		pix, stride, es = m.Pix, m.Stride, 4
	case *image.NRGBA:
		pix, stride, es = m.Pix, m.Stride, 4
	case *image.RGBA64:
		pix, stride, es = m.Pix, m.Stride, 8
	case *image.NRGBA64:
		pix, stride, es = m.Pix, m.Stride, 8
	case *image.CMYK:
		pix, stride, es = m.Pix, m.Stride, 4
	case *image.Gray:
		pix, stride, es = m.Pix, m.Stride, 1
	case *image.Gray16:
		pix, stride, es = m.Pix, m.Stride, 2
	case *image.Alpha:
		pix, stride, es = m.Pix, m.Stride, 1
	case *image.Alpha16:
		pix, stride, es = m.Pix, m.Stride, 2
	case *image.Paletted:
		pix, stride, es = m.Pix, m.Stride, 1
	default:
		return Buffer{}, false
	}
	// The Pix slice of an image starts at its Rect.Min, including for
	// sub-images.
	b := img.Bounds()
	return Buffer{
		Pix:      pix,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Stride:   stride,
		ElemSize: es,
	}, true
}

// NewImageLike allocates a zeroed image with the same bounds and pixel format
// as img, and returns it with a Buffer wrapping its pixels. A paletted image
// gets a copy of the palette of img. Images that Wrap does not support are matched
// with an *image.NRGBA.
func NewImageLike(img image.Image) (draw.Image, Buffer) {
	r := img.Bounds()
	var out draw.Image
	switch m := img.(type) {
	case *image.RGBA:
		out = image.NewRGBA(r)
	case *image.RGBA64:
		out = image.NewRGBA64(r)
	case *image.NRGBA64:
		out = image.NewNRGBA64(r)
	case *image.CMYK:
		out = image.NewCMYK(r)
	case *image.Gray:
		out = image.NewGray(r)
	case *image.Gray16:
		out = image.NewGray16(r)
	case *image.Alpha:
		out = image.NewAlpha(r)
	case *image.Alpha16:
		out = image.NewAlpha16(r)
	case *image.Paletted:
		out = image.NewPaletted(r, append(color.Palette(nil), m.Palette...))
	default:
		out = image.NewNRGBA(r)
	}
	buf, _ := Wrap(out)
	return out, buf
}

// ToNRGBA returns a copy of img converted to non-premultiplied RGBA.
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}
