// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package render turns battle background distortions into displayable images
// and animated GIFs.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"runtime"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/tailscale/tbattle"
	"github.com/tailscale/tbattle/animator"
	"github.com/tailscale/tbattle/distort"
	"golang.org/x/image/draw"
	"tailscale.com/types/logger"
)

// Options are optional settings for rendering. A nil *Options is ready for
// use with default values.
type Options struct {
	// Log progress here. Default: logger.Discard.
	Logf logger.Logf

	// Post-process at most this many frames concurrently.
	// Default: runtime.NumCPU().
	Workers int
}

func (o *Options) logf() logger.Logf {
	if o == nil || o.Logf == nil {
		return logger.Discard
	}
	return o.Logf
}

func (o *Options) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

// Scale returns img enlarged by an integer factor with nearest-neighbour
// sampling, so that every output pixel is still a copy of an input pixel.
// If factor ≤ 1, img is returned unchanged.
func Scale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// snapshot returns a copy of the current frame of a.
func snapshot(a *animator.Animator) image.Image {
	img, buf := distort.NewImageLike(a.Image())
	distort.Copy(buf, a.Frame())
	return img
}

// Frames renders n consecutive frames of the distortion p of src, starting at
// tick 0. Frames takes ownership of src.
func Frames(src image.Image, p tbattle.Params, n int) ([]image.Image, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative frame count %d", n)
	}
	a, err := animator.New(src, p)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	out := make([]image.Image, n)
	for i := range out {
		a.Advance()
		out[i] = snapshot(a)
	}
	return out, nil
}

// Still renders the frame of the distortion p of src at the given tick,
// enlarged by scale. Unlike Frames, Still does not modify or retain src.
func Still(src image.Image, p tbattle.Params, tick, scale int) (image.Image, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, errors.New("empty source image")
	}
	sb, ok := distort.Wrap(src)
	if !ok {
		src = distort.ToNRGBA(src)
		sb, _ = distort.Wrap(src)
	}
	out, db := distort.NewImageLike(src)
	distort.Frame(db, sb, p, tick)
	return Scale(out, scale), nil
}

// paletteFor chooses the GIF palette for frames distorted from src. Paletted
// sources keep their own palette, since distortion never introduces new
// colors.
func paletteFor(src image.Image) (color.Palette, bool) {
	if pm, ok := src.(*image.Paletted); ok && len(pm.Palette) > 0 && len(pm.Palette) <= 256 {
		return pm.Palette, true
	}
	return palette.Plan9, false
}

// GIF renders the effect e of src as an animated GIF that loops forever.
// GIF takes ownership of src.
//
// Frames are generated in sequence by an animator; scaling, the caption
// overlay and color conversion are done concurrently.
func GIF(src image.Image, e *tbattle.Effect, opts *Options) (*gif.GIF, error) {
	if e.Frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", e.Frames)
	}
	a, err := animator.New(src, e.Params)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	logf := opts.logf()
	rStart := time.Now()

	pal, exact := paletteFor(a.Image())
	scale := e.ScaleFactor()
	sb := a.Bounds()
	bounds := image.Rect(0, 0, sb.Dx()*scale, sb.Dy()*scale)

	var caption image.Image
	if e.Caption != nil {
		caption = drawCaption(e.Caption, bounds)
		exact = false
	}

	out := &gif.GIF{
		Image: make([]*image.Paletted, e.Frames),
		Delay: make([]int, e.Frames),
		Config: image.Config{
			ColorModel: pal,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
		},
	}

	g, start := taskgroup.New(nil).Limit(opts.workers())
	for i := 0; i < e.Frames; i++ {
		a.Advance()
		frame := snapshot(a)
		out.Delay[i] = e.FrameDelay()

		start(func() error {
			img := Scale(frame, scale)
			if caption != nil {
				rgba := image.NewRGBA(bounds)
				draw.Draw(rgba, bounds, img, img.Bounds().Min, draw.Src)
				draw.Draw(rgba, bounds, caption, image.Point{}, draw.Over)
				img = rgba
			}
			pm := image.NewPaletted(bounds, pal)
			if exact {
				draw.Draw(pm, bounds, img, img.Bounds().Min, draw.Src)
			} else {
				draw.FloydSteinberg.Draw(pm, bounds, img, img.Bounds().Min)
			}
			out.Image[i] = pm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logf("Rendered %d frames (%dx%d) in %v", e.Frames, bounds.Dx(), bounds.Dy(),
		time.Since(rStart).Round(time.Millisecond))
	return out, nil
}
