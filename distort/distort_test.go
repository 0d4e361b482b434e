// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package distort

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tailscale/tbattle"
)

// coordBuffer returns a w×h buffer whose 2-byte elements hold their own
// column and row, so that a distorted copy records where each pixel came from.
// Rows are padded by pad bytes.
func coordBuffer(w, h, pad int) Buffer {
	b := Buffer{
		Pix:      make([]byte, h*(2*w+pad)),
		Width:    w,
		Height:   h,
		Stride:   2*w + pad,
		ElemSize: 2,
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			e := b.Elem(x, y)
			e[0], e[1] = byte(x), byte(y)
		}
	}
	return b
}

// origin reports the source column and row of the element at x, y of b.
func origin(b Buffer, x, y int) (int, int) {
	e := b.Elem(x, y)
	return int(e[0]), int(e[1])
}

// steady returns parameters whose wave has the same offset on every row at
// tick 1: amplitude * sin(-π/2) = -amplitude.
func steady(kind tbattle.Kind, amplitude float64) tbattle.Params {
	return tbattle.Params{
		Kind:        kind,
		Amplitude:   amplitude,
		TimeScale:   -math.Pi / 2,
		Compression: 1,
	}
}

func TestOffset(t *testing.T) {
	tests := []struct {
		p       tbattle.Params
		y, tick int
		want    int
		desc    string
	}{
		{tbattle.Params{Amplitude: 0, Frequency: 3, TimeScale: 2}, 5, 9, 0, "zero amplitude"},
		{steady(tbattle.Horizontal, 3), 0, 1, -3, "trough"},
		{steady(tbattle.Horizontal, 3), 17, 1, -3, "trough, any row"},
		{tbattle.Params{Amplitude: 10, Frequency: math.Pi / 2}, 1, 0, 10, "crest"},

		// 10*sin(0.5) = 4.79; 10*sin(-0.5) = -4.79. Both truncate toward zero.
		{tbattle.Params{Amplitude: 10, Frequency: 0.5}, 1, 0, 4, "truncate positive"},
		{tbattle.Params{Amplitude: 10, Frequency: -0.5}, 1, 0, -4, "truncate negative"},
		{tbattle.Params{Amplitude: 10, TimeScale: 0.25}, 0, 2, 4, "time only"},
	}
	for _, tc := range tests {
		if got := Offset(tc.p, tc.y, tc.tick); got != tc.want {
			t.Errorf("Offset %s (y=%d, tick=%d): got %d, want %d", tc.desc, tc.y, tc.tick, got, tc.want)
		}
	}
}

func TestSourceRowWrap(t *testing.T) {
	p := tbattle.Params{Kind: tbattle.Vertical, Compression: 1}
	if got := SourceRow(p, 2, -3, 10); got != 9 {
		t.Errorf("SourceRow(y=2, offset=-3, h=10): got %d, want 9", got)
	}
	// Offsets beyond the height bias still land in range.
	for _, off := range []int{-10, -11, -35, 27, math.MaxInt32} {
		if got := SourceRow(p, 4, off, 10); got < 0 || got >= 10 {
			t.Errorf("SourceRow(y=4, offset=%d, h=10): got %d, out of range", off, got)
		}
	}
	// Compression scales the row index before displacement.
	p.Compression = 0.5
	if got := SourceRow(p, 7, 0, 10); got != 3 {
		t.Errorf("SourceRow(y=7, C=0.5): got %d, want 3", got)
	}
	// Other kinds do not move rows.
	if got := SourceRow(tbattle.Params{Kind: tbattle.Interlaced, Compression: 5}, 7, 3, 10); got != 7 {
		t.Errorf("SourceRow(interlaced): got %d, want 7", got)
	}
}

func TestStartColumn(t *testing.T) {
	hp := tbattle.Params{Kind: tbattle.Horizontal}
	ip := tbattle.Params{Kind: tbattle.Interlaced}
	vp := tbattle.Params{Kind: tbattle.Vertical}
	for y := 0; y < 6; y++ {
		if got := StartColumn(hp, y, 4); got != 4 {
			t.Errorf("Horizontal y=%d: got %d, want 4", y, got)
		}
		if got := StartColumn(vp, y, 4); got != 0 {
			t.Errorf("Vertical y=%d: got %d, want 0", y, got)
		}
		a, b := StartColumn(ip, y, 4), StartColumn(ip, y+1, 4)
		if a != -b || a == 0 {
			t.Errorf("Interlaced rows %d,%d: got %d,%d, want opposite signs", y, y+1, a, b)
		}
	}
}

func TestFrameHorizontal(t *testing.T) {
	const w, h = 7, 5
	src := coordBuffer(w, h, 3)
	dst := NewBuffer(w, h, 2)
	Frame(dst, src, steady(tbattle.Horizontal, 3), 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := origin(dst, x, y)
			if want := ((x-3)%w + w) % w; sx != want || sy != y {
				t.Errorf("dst(%d,%d) from (%d,%d), want (%d,%d)", x, y, sx, sy, want, y)
			}
		}
	}
}

func TestFrameInterlaced(t *testing.T) {
	const w, h = 8, 6
	src := coordBuffer(w, h, 0)
	dst := NewBuffer(w, h, 2)
	Frame(dst, src, steady(tbattle.Interlaced, 2), 1)

	for y := 0; y < h; y++ {
		shift := 2 // even rows use the negated offset, which is +2
		if y%2 != 0 {
			shift = -2
		}
		for x := 0; x < w; x++ {
			sx, sy := origin(dst, x, y)
			if want := ((x+shift)%w + w) % w; sx != want || sy != y {
				t.Errorf("dst(%d,%d) from (%d,%d), want (%d,%d)", x, y, sx, sy, want, y)
			}
		}
	}
}

func TestFrameVertical(t *testing.T) {
	const w, h = 4, 10
	src := coordBuffer(w, h, 0)
	dst := NewBuffer(w, h, 2)
	Frame(dst, src, steady(tbattle.Vertical, 3), 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := origin(dst, x, y)
			if want := (y - 3 + h) % h; sx != x || sy != want {
				t.Errorf("dst(%d,%d) from (%d,%d), want (%d,%d)", x, y, sx, sy, x, want)
			}
		}
	}
	if _, sy := origin(dst, 0, 2); sy != 9 {
		t.Errorf("Row 2 sampled row %d, want 9", sy)
	}
}

func TestFrameZeroAmplitude(t *testing.T) {
	src := coordBuffer(9, 6, 2)
	for _, p := range []tbattle.Params{
		{Kind: tbattle.Horizontal, Frequency: 1.3, TimeScale: 0.7},
		{Kind: tbattle.Interlaced, Frequency: -4, TimeScale: 11},
		{Kind: tbattle.Vertical, Frequency: 2, TimeScale: 3, Compression: 1},
	} {
		for tick := 0; tick < 5; tick++ {
			dst := NewBuffer(9, 6, 2)
			Frame(dst, src, p, tick)
			for y := 0; y < src.Height; y++ {
				if !bytes.Equal(dst.Row(y), src.Row(y)) {
					t.Errorf("%v tick %d: row %d differs from source", p.Kind, tick, y)
				}
			}
		}
	}
}

func TestFrameCopiesOnly(t *testing.T) {
	const w, h = 13, 11
	src := coordBuffer(w, h, 1)
	params := []tbattle.Params{
		{Kind: tbattle.Horizontal, Amplitude: 5, Frequency: 0.3, TimeScale: 0.2},
		{Kind: tbattle.Interlaced, Amplitude: -40, Frequency: 0.9, TimeScale: 1.1},
		{Kind: tbattle.Vertical, Amplitude: 25, Frequency: 0.4, TimeScale: -0.3, Compression: 0.7},
		{Kind: tbattle.Vertical, Amplitude: 1e6, Frequency: 3, TimeScale: 5, Compression: -2},
		{Kind: tbattle.Horizontal, Amplitude: -1e4, Frequency: 0.01, TimeScale: 0.02},
	}
	for i, p := range params {
		for tick := 0; tick < 20; tick += 3 {
			dst := NewBuffer(w, h, 2)
			Frame(dst, src, p, tick)

			again := NewBuffer(w, h, 2)
			Frame(again, src, p, tick)
			if diff := cmp.Diff(dst.Pix, again.Pix); diff != "" {
				t.Errorf("Params %d tick %d: replay differs (-first, +second):\n%s", i, tick, diff)
			}

			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					if sx, sy := origin(dst, x, y); sx >= w || sy >= h {
						t.Fatalf("Params %d tick %d: dst(%d,%d) = (%d,%d) is not a source pixel", i, tick, x, y, sx, sy)
					}
				}
			}
		}
	}
}

func TestFrameImages(t *testing.T) {
	r := image.Rect(0, 0, 4, 4)
	src := image.NewRGBA(r)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.Set(x, y, color.RGBA{R: uint8(16 * x), G: uint8(16 * y), B: 0x80, A: 0xff})
		}
	}
	sb, ok := Wrap(src)
	if !ok {
		t.Fatal("Wrap(*image.RGBA) failed")
	}
	out, db := NewImageLike(src)
	Frame(db, sb, tbattle.Params{Kind: tbattle.Horizontal}, 0)
	if diff := cmp.Diff(src.Pix, out.(*image.RGBA).Pix); diff != "" {
		t.Errorf("Identity frame (-want, +got):\n%s", diff)
	}

	// A sub-image with a non-zero origin is addressed from its own corner.
	sub := src.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)
	sb, _ = Wrap(sub)
	if got, want := sb.Elem(0, 0), sub.Pix[:4]; !bytes.Equal(got, want) {
		t.Errorf("Sub-image origin: got %v, want %v", got, want)
	}
	if sb.Width != 2 || sb.Height != 2 || sb.Stride != src.Stride {
		t.Errorf("Sub-image geometry: got %dx%d stride %d", sb.Width, sb.Height, sb.Stride)
	}

	pal := image.NewPaletted(r, color.Palette{color.Black, color.White})
	pout, pb := NewImageLike(pal)
	if pb.ElemSize != 1 {
		t.Errorf("Paletted element size: got %d, want 1", pb.ElemSize)
	}
	if got := len(pout.(*image.Paletted).Palette); got != 2 {
		t.Errorf("Paletted palette: got %d colors, want 2", got)
	}

	if _, ok := Wrap(image.NewUniform(color.Black)); ok {
		t.Error("Wrap(*image.Uniform): got ok, want false")
	}
	if yout, _ := NewImageLike(image.NewYCbCr(r, image.YCbCrSubsampleRatio420)); !isNRGBA(yout) {
		t.Error("NewImageLike(*image.YCbCr): want *image.NRGBA")
	}
}

func isNRGBA(img image.Image) bool {
	_, ok := img.(*image.NRGBA)
	return ok
}

func TestFrameEmpty(t *testing.T) {
	Frame(NewBuffer(0, 0, 4), NewBuffer(0, 0, 4), steady(tbattle.Vertical, 3), 1)
	Frame(NewBuffer(0, 3, 4), NewBuffer(0, 3, 4), steady(tbattle.Horizontal, 3), 1)
}

func TestFramePanics(t *testing.T) {
	shared := NewBuffer(4, 4, 4)
	tests := []struct {
		name     string
		dst, src Buffer
	}{
		{"width", NewBuffer(3, 4, 4), NewBuffer(4, 4, 4)},
		{"height", NewBuffer(4, 5, 4), NewBuffer(4, 4, 4)},
		{"element", NewBuffer(4, 4, 2), NewBuffer(4, 4, 4)},
		{"alias", shared, shared},
		{"overlap", Buffer{Pix: shared.Pix[4:], Width: 3, Height: 4, Stride: 16, ElemSize: 4}, Buffer{Pix: shared.Pix, Width: 3, Height: 4, Stride: 16, ElemSize: 4}},
		{"row shifted", Buffer{Pix: shared.Pix[16:], Width: 4, Height: 3, Stride: 16, ElemSize: 4}, Buffer{Pix: shared.Pix, Width: 4, Height: 3, Stride: 16, ElemSize: 4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Frame did not panic")
				}
			}()
			Frame(tc.dst, tc.src, tbattle.Params{}, 0)
		})
	}
}

func TestFrameDisjointSubImages(t *testing.T) {
	// Two halves of one sheet share a backing array but no pixels.
	sheet := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for i := range sheet.Pix {
		sheet.Pix[i] = byte(i)
	}
	left := sheet.SubImage(image.Rect(0, 0, 4, 4)).(*image.RGBA)
	right := sheet.SubImage(image.Rect(4, 0, 8, 4)).(*image.RGBA)
	top := sheet.SubImage(image.Rect(0, 0, 8, 2)).(*image.RGBA)
	bottom := sheet.SubImage(image.Rect(0, 2, 8, 4)).(*image.RGBA)

	tests := []struct {
		name     string
		dst, src *image.RGBA
	}{
		{"right from left", right, left},
		{"left from right", left, right},
		{"bottom from top", bottom, top},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dst, ok := Wrap(tc.dst)
			if !ok {
				t.Fatal("Wrap dst: not supported")
			}
			src, ok := Wrap(tc.src)
			if !ok {
				t.Fatal("Wrap src: not supported")
			}
			want := NewBuffer(src.Width, src.Height, src.ElemSize)
			Copy(want, src)
			Frame(dst, src, tbattle.Params{}, 0)
			for y := 0; y < dst.Height; y++ {
				if diff := cmp.Diff(want.Row(y), dst.Row(y)); diff != "" {
					t.Errorf("Row %d (-want, +got):\n%s", y, diff)
				}
			}
		})
	}
}

func TestBufferCheck(t *testing.T) {
	tests := []struct {
		b  Buffer
		ok bool
	}{
		{NewBuffer(3, 3, 4), true},
		{NewBuffer(0, 0, 1), true},
		{Buffer{Pix: make([]byte, 20), Width: 2, Height: 2, Stride: 10, ElemSize: 4}, true},
		{Buffer{Pix: make([]byte, 17), Width: 2, Height: 2, Stride: 10, ElemSize: 4}, false},
		{Buffer{Pix: make([]byte, 40), Width: 3, Height: 2, Stride: 10, ElemSize: 4}, false},
		{Buffer{Width: -1, ElemSize: 1}, false},
		{Buffer{Width: 1, Height: 1, Stride: 1, Pix: []byte{0}}, false},
	}
	for i, tc := range tests {
		err := tc.b.Check()
		if (err == nil) != tc.ok {
			t.Errorf("Check %d (%+v): got %v, want ok=%v", i, tc.b, err, tc.ok)
		}
	}
}

func TestCopyStrides(t *testing.T) {
	src := coordBuffer(5, 3, 4)
	dst := Buffer{Pix: make([]byte, 3*16), Width: 5, Height: 3, Stride: 16, ElemSize: 2}
	Copy(dst, src)
	for y := 0; y < 3; y++ {
		if !bytes.Equal(dst.Row(y), src.Row(y)) {
			t.Errorf("Row %d: got %v, want %v", y, dst.Row(y), src.Row(y))
		}
	}
	// Padding bytes are left untouched.
	if pad := dst.Pix[10:16]; !bytes.Equal(pad, make([]byte, 6)) {
		t.Errorf("Padding written: %v", pad)
	}
}

func BenchmarkFrame(b *testing.B) {
	src := NewBuffer(256, 224, 4)
	dst := NewBuffer(256, 224, 4)
	for _, kind := range []tbattle.Kind{tbattle.Horizontal, tbattle.Interlaced, tbattle.Vertical} {
		p := tbattle.Params{Kind: kind, Amplitude: 16, Frequency: 0.1, TimeScale: 0.1, Compression: 1}
		b.Run(fmt.Sprint(kind), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Frame(dst, src, p, i)
			}
		})
	}
}
