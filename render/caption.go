// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/tailscale/tbattle"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
)

// Preloaded font definition.
var captionFont *truetype.Font

func init() {
	var err error
	captionFont, err = truetype.Parse(gobold.TTF)
	if err != nil {
		panic(fmt.Sprintf("Parsing font: %v", err))
	}
}

// fontForSize constructs a new font.Face for the specified point size.
func fontForSize(points int) font.Face {
	return truetype.NewFace(captionFont, &truetype.Options{
		Size: float64(points),
	})
}

// fontSizeForBounds computes a recommended font size in points for an image
// with the given bounds.
func fontSizeForBounds(bounds image.Rectangle) int {
	const typeHeightFraction = 0.1
	points := int(math.Round((float64(bounds.Dy()) * 0.75) * typeHeightFraction))
	return max(points, 6)
}

// drawCaption renders c onto a transparent image with the given bounds. The
// text is wrapped to fit the width of the image, shrinking the font to keep
// it to at most two lines, and outlined with the stroke color.
func drawCaption(c *tbattle.Caption, bounds image.Rectangle) image.Image {
	dc := gg.NewContext(bounds.Dx(), bounds.Dy())
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return dc.Image()
	}

	fontSize := fontSizeForBounds(bounds)
	dc.SetFontFace(fontForSize(fontSize))

	width := 0.9 * float64(bounds.Dx())
	lineSpacing := 1.25
	x := 0.5 * float64(bounds.Dx())
	yf := c.Y
	if yf == 0 {
		yf = 0.9
	}
	y := yf * float64(bounds.Dy())
	ax, ay := 0.5, 1.0

	lines := dc.WordWrap(text, width)
	for len(lines) > 2 && fontSize > 6 {
		fontSize--
		dc.SetFontFace(fontForSize(fontSize))
		lines = dc.WordWrap(text, width)
	}
	fontHeight := dc.FontHeight()

	// Keep the block of lines vertically centred on y.
	h := float64(len(lines)) * fontHeight * lineSpacing
	h -= (lineSpacing - 1) * fontHeight
	y -= 0.5*h - fontHeight

	n := max(1, fontSize/8) // outline width
	for _, line := range lines {
		s := c.StrokeColor
		dc.SetRGB(s.R(), s.G(), s.B())
		for dy := -n; dy <= n; dy++ {
			for dx := -n; dx <= n; dx++ {
				if dx*dx+dy*dy > n*n {
					continue
				}
				dc.DrawStringAnchored(line, x+float64(dx), y+float64(dy), ax, ay)
			}
		}

		f := c.Color
		dc.SetRGB(f.R(), f.G(), f.B())
		dc.DrawStringAnchored(line, x, y, ax, ay)
		y += fontHeight * lineSpacing
	}
	return dc.Image()
}
