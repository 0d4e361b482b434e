// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package animator drives a battle background distortion over time.
//
// An Animator owns a source image and one destination buffer of the same size
// and format. Each call to Advance renders the next tick of the distortion
// into the destination, which the caller then displays. The destination is
// reused for every frame.
//
// An Animator is not safe for concurrent use by multiple goroutines.
package animator

import (
	"errors"
	"fmt"
	"image"

	"github.com/tailscale/tbattle"
	"github.com/tailscale/tbattle/distort"
)

// An Animator renders successive frames of a distortion of a source image.
type Animator struct {
	srcImage image.Image // nil for buffer-based animators
	src      distort.Buffer
	dstImage image.Image
	dst      distort.Buffer

	params tbattle.Params
	tick   int
}

// New constructs an Animator that distorts src with p.
//
// New takes ownership of src: the caller must not read or modify it after New
// returns. If src is not in a pixel format Wrap supports, it is converted to
// *image.NRGBA first. The frame for tick 0 is rendered before New returns, so
// Frame and Image are valid immediately.
func New(src image.Image, p tbattle.Params) (*Animator, error) {
	if src == nil {
		return nil, errors.New("animator: nil source image")
	} else if src.Bounds().Empty() {
		return nil, fmt.Errorf("animator: empty source image %v", src.Bounds())
	}
	sb, ok := distort.Wrap(src)
	if !ok {
		src = distort.ToNRGBA(src)
		sb, _ = distort.Wrap(src)
	}
	dstImage, db := distort.NewImageLike(src)
	a := &Animator{
		srcImage: src,
		src:      sb,
		dstImage: dstImage,
		dst:      db,
		params:   p,
	}
	a.render()
	return a, nil
}

// NewBuffer constructs an Animator that distorts the pixels of src with p.
// Like New, it takes ownership of src and renders tick 0 before returning.
// The Image method of the resulting Animator returns nil.
func NewBuffer(src distort.Buffer, p tbattle.Params) (*Animator, error) {
	if err := src.Check(); err != nil {
		return nil, fmt.Errorf("animator: invalid source: %w", err)
	} else if src.Empty() {
		return nil, fmt.Errorf("animator: empty source %dx%d", src.Width, src.Height)
	}
	a := &Animator{
		src:    src,
		dst:    distort.NewBuffer(src.Width, src.Height, src.ElemSize),
		params: p,
	}
	a.render()
	return a, nil
}

func (a *Animator) render() { distort.Frame(a.dst, a.src, a.params, a.tick) }

// Advance renders the frame for the current tick into the destination
// buffer, then moves to the next tick.
func (a *Animator) Advance() {
	a.render()
	a.tick++
}

// Tick returns the tick the next call to Advance will render. It is the
// number of times Advance has been called.
func (a *Animator) Tick() int { return a.tick }

// Frame returns the most recently rendered frame. The caller must not modify
// its contents, and must not use it after a.Close.
func (a *Animator) Frame() distort.Buffer { return a.dst }

// Image returns the most recently rendered frame as an image, in the same
// format as the source image. The caller must not modify it. Image returns
// nil if a was constructed by NewBuffer.
func (a *Animator) Image() image.Image { return a.dstImage }

// Bounds returns the bounds of the frames rendered by a.
func (a *Animator) Bounds() image.Rectangle {
	if a.dstImage != nil {
		return a.dstImage.Bounds()
	}
	return image.Rect(0, 0, a.dst.Width, a.dst.Height)
}

// Params returns the current distortion parameters.
func (a *Animator) Params() tbattle.Params { return a.params }

// The setters below take effect from the next call to Advance. None of them
// validates its argument.

// SetParams replaces all the distortion parameters.
func (a *Animator) SetParams(p tbattle.Params) { a.params = p }

// SetKind sets the kind of distortion.
func (a *Animator) SetKind(k tbattle.Kind) { a.params.Kind = k }

// SetAmplitude sets the peak displacement, in pixels.
func (a *Animator) SetAmplitude(v float64) { a.params.Amplitude = v }

// SetFrequency sets the wave rate along rows.
func (a *Animator) SetFrequency(v float64) { a.params.Frequency = v }

// SetTimeScale sets the wave rate per tick.
func (a *Animator) SetTimeScale(v float64) { a.params.TimeScale = v }

// SetCompression sets the row scaling of vertical distortions.
func (a *Animator) SetCompression(v float64) { a.params.Compression = v }

// Close releases the source and destination pixels. The Animator must not be
// used after Close.
func (a *Animator) Close() {
	a.srcImage, a.dstImage = nil, nil
	a.src, a.dst = distort.Buffer{}, distort.Buffer{}
}
