// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tbattle

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// captionColors are the named colors accepted for captions. The names follow
// the window flavors of the battle text box. Each name has a distinct value,
// so a color that matches one of these marshals back to its name.
var captionColors = []struct {
	name string
	rgb  [3]byte
}{
	{"black", [3]byte{0x00, 0x00, 0x00}},
	{"white", [3]byte{0xff, 0xff, 0xff}},
	{"plain", [3]byte{0xf8, 0xf8, 0xf0}},
	{"mint", [3]byte{0x90, 0xe8, 0xb0}},
	{"strawberry", [3]byte{0xf8, 0x70, 0x98}},
	{"banana", [3]byte{0xf8, 0xe0, 0x58}},
	{"peanut", [3]byte{0xc8, 0x98, 0x60}},
	{"grape", [3]byte{0x88, 0x58, 0xc8}},
	{"sky", [3]byte{0x58, 0xb0, 0xf8}},
	{"ink", [3]byte{0x28, 0x28, 0x48}},
}

func colorByName(name string) (Color, bool) {
	for _, nc := range captionColors {
		if nc.name == name {
			return rgbColor(nc.rgb), true
		}
	}
	return Color{}, false
}

func rgbColor(rgb [3]byte) Color {
	return Color{float64(rgb[0]) / 255, float64(rgb[1]) / 255, float64(rgb[2]) / 255}
}

// MustColor constructs a color from a caption color name or a hex
// specification #rgb or #rrggbb. It panics if s is not a valid color.
func MustColor(s string) Color {
	var c Color
	if err := c.UnmarshalText([]byte(s)); err != nil {
		panic("invalid color: " + err.Error())
	}
	return c
}

// A Color is an RGB color with components in [0, 1]. As text it is the name
// of a caption color, or hex digits with an optional leading "#".
type Color [3]float64

func (c Color) R() float64 { return c[0] }
func (c Color) G() float64 { return c[1] }
func (c Color) B() float64 { return c[2] }

func (c Color) bytes() [3]byte {
	var rgb [3]byte
	for i, v := range c {
		rgb[i] = byte(math.Round(math.Max(0, math.Min(1, v)) * 255))
	}
	return rgb
}

func (c Color) MarshalText() ([]byte, error) {
	rgb := c.bytes()
	for _, nc := range captionColors {
		if nc.rgb == rgb {
			return []byte(nc.name), nil
		}
	}
	return []byte(fmt.Sprintf("#%02x%02x%02x", rgb[0], rgb[1], rgb[2])), nil
}

// UnmarshalText parses a color name or hex value. The empty string is white.
func (c *Color) UnmarshalText(data []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(data)))
	if s == "" {
		*c = Color{1, 1, 1}
		return nil
	}
	if nc, ok := colorByName(s); ok {
		*c = nc
		return nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 3 && len(hex) != 6 {
		return fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return fmt.Errorf("invalid color %q", s)
	}
	var rgb [3]byte
	if len(hex) == 3 {
		for i := range rgb {
			d := byte(v>>(4*(2-i))) & 0xf
			rgb[i] = d<<4 | d
		}
	} else {
		rgb = [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
	*c = rgbColor(rgb)
	return nil
}
