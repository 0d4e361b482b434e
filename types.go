// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tbattle defines an animator for battle backgrounds in the style of
// EarthBound: a static image is distorted row by row with a sine wave.
//
// This package defines shared data types used throughout the service.
package tbattle

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"tailscale.com/tailcfg"
)

// A Kind selects how the wave displaces the rows of an image.
type Kind int

const (
	// Horizontal shifts each row sideways by the wave offset.
	Horizontal Kind = iota

	// Interlaced shifts odd rows by the offset and even rows by its negation.
	Interlaced

	// Vertical samples a different source row, displaced by the offset.
	Vertical
)

var kindNames = [...]string{
	Horizontal: "horizontal",
	Interlaced: "interlaced",
	Vertical:   "vertical",
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool { return k >= Horizontal && k <= Vertical }

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(data []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(data)))
	for i, n := range kindNames {
		if s == n {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", s)
}

// MarshalYAML and UnmarshalYAML use the same names as the text encoding.
func (k Kind) MarshalYAML() (any, error) {
	b, err := k.MarshalText()
	return string(b), err
}

func (k *Kind) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}

// Params are the parameters of a distortion.
//
// None of the numeric fields has a restricted range: a negative amplitude
// simply inverts the wave, and extreme values produce degenerate (but valid)
// frames.
type Params struct {
	Kind      Kind    `json:"kind" yaml:"kind"`
	Amplitude float64 `json:"amplitude" yaml:"amplitude"` // peak displacement in pixels
	Frequency float64 `json:"frequency" yaml:"frequency"` // wave rate per row
	TimeScale float64 `json:"timeScale" yaml:"timeScale"` // wave rate per tick

	// Compression scales the row index before displacement.
	// It only affects Vertical distortions.
	Compression float64 `json:"compression" yaml:"compression"`
}

// Valid reports an error if p has an unknown kind or a non-finite field.
func (p Params) Valid() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("invalid kind %d", int(p.Kind))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"amplitude", p.Amplitude},
		{"frequency", p.Frequency},
		{"timeScale", p.TimeScale},
		{"compression", p.Compression},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s is not finite", f.name)
		}
	}
	return nil
}

// A Background is a static source image that effects animate.
type Background struct {
	ID        int            `json:"id"`     // assigned by the server
	Path      string         `json:"path"`   // path of image file
	Width     int            `json:"width"`  // image width
	Height    int            `json:"height"` // image height
	Name      string         `json:"name"`   // descriptive label
	Creator   tailcfg.UserID `json:"creator"`
	CreatedAt time.Time      `json:"createdAt"`
	Hidden    bool           `json:"hidden,omitempty"`

	// A hidden background can still be rendered by the effects that refer to
	// it, but it is not listed and cannot be used for new effects.
}

// Limits on the shape of a rendered effect.
const (
	MaxFrames = 600
	MaxDelay  = 1000 // 100ths of a second
	MaxScale  = 8

	DefaultDelay = 3
)

// An Effect applies a distortion to a Background. Effects are rendered as
// animated GIFs, which can be cached by ID or re-rendered on demand.
type Effect struct {
	ID           int            `json:"id"`
	BackgroundID int            `json:"backgroundID"`
	Creator      tailcfg.UserID `json:"creator,omitempty"` // -1 for anon
	CreatedAt    time.Time      `json:"createdAt"`
	Params       Params         `json:"params"`

	Frames int `json:"frames"`          // number of ticks to render
	Delay  int `json:"delay,omitempty"` // per frame, 100ths of a second
	Scale  int `json:"scale,omitempty"` // integer upscaling factor

	Caption *Caption `json:"caption,omitempty"`

	Views int `json:"views,omitempty"` // populated from the index on read
}

// FrameDelay returns the per-frame delay of e in 100ths of a second.
func (e *Effect) FrameDelay() int {
	if e.Delay <= 0 {
		return DefaultDelay
	}
	return e.Delay
}

// ScaleFactor returns the upscaling factor of e, at least 1.
func (e *Effect) ScaleFactor() int {
	if e.Scale <= 0 {
		return 1
	}
	return e.Scale
}

// ValidForCreate reports whether e is valid for the creation of a new effect.
func (e *Effect) ValidForCreate() error {
	switch {
	case e.ID != 0:
		return errors.New("effect ID must be zero")
	case e.BackgroundID <= 0:
		return errors.New("effect must have a background ID")
	case e.Creator > 0:
		return errors.New("invalid effect creator")
	case e.Frames < 1 || e.Frames > MaxFrames:
		return fmt.Errorf("frames out of range %d", e.Frames)
	case e.Delay < 0 || e.Delay > MaxDelay:
		return fmt.Errorf("delay out of range %d", e.Delay)
	case e.Scale < 0 || e.Scale > MaxScale:
		return fmt.Errorf("scale out of range %d", e.Scale)
	}
	if err := e.Params.Valid(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if e.Caption != nil {
		return e.Caption.ValidForCreate()
	}
	return nil
}

// A Caption is a line of text drawn over every frame of an effect.
type Caption struct {
	Text        string `json:"text"`
	Color       Color  `json:"color"`
	StrokeColor Color  `json:"strokeColor"`

	// Vertical position of the baseline as a fraction 0..1 of the height.
	// Zero places the caption near the bottom edge.
	Y float64 `json:"y,omitempty"`
}

// ValidForCreate reports whether c is valid for creation of an effect.
func (c *Caption) ValidForCreate() error {
	switch {
	case strings.TrimSpace(c.Text) == "":
		return errors.New("caption text is empty")
	case c.Y < 0 || c.Y > 1:
		return fmt.Errorf("caption y out of range %g", c.Y)
	}
	return nil
}
