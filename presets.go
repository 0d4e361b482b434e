// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tbattle

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// builtinPresets are named distortions modelled on well-known battle
// backgrounds. Names must be lower-case.
var builtinPresets = map[string]Params{
	"none":      {Kind: Horizontal},
	"ripple":    {Kind: Horizontal, Amplitude: 16, Frequency: 0.1, TimeScale: 0.1},
	"interlace": {Kind: Interlaced, Amplitude: 24, Frequency: 0.05, TimeScale: 0.08},
	"wobble":    {Kind: Vertical, Amplitude: 8, Frequency: 0.06, TimeScale: 0.05, Compression: 1},
	"melt":      {Kind: Vertical, Amplitude: 32, Frequency: 0.02, TimeScale: 0.03, Compression: 0.5},
}

// A Presets value maps preset names to distortion parameters.
type Presets map[string]Params

// DefaultPresets returns a fresh copy of the built-in presets.
func DefaultPresets() Presets {
	out := make(Presets, len(builtinPresets))
	for n, p := range builtinPresets {
		out[n] = p
	}
	return out
}

// Lookup returns the preset with the given name. Names are compared without
// regard to case or surrounding whitespace.
func (ps Presets) Lookup(name string) (Params, bool) {
	p, ok := ps[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names returns the names of all presets in lexical order.
func (ps Presets) Names() []string {
	names := make([]string, 0, len(ps))
	for n := range ps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParsePresets decodes a YAML document mapping preset names to parameters,
// for example:
//
//	shimmer:
//	  kind: interlaced
//	  amplitude: 12
//	  frequency: 0.2
//	  timeScale: 0.15
//
// The decoded presets are merged over the built-in ones, so a document may
// redefine a built-in name. Every decoded preset must be valid.
func ParsePresets(data []byte) (Presets, error) {
	var raw map[string]Params
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}
	out := DefaultPresets()
	for n, p := range raw {
		cn := strings.ToLower(strings.TrimSpace(n))
		if cn == "" {
			return nil, fmt.Errorf("empty preset name")
		}
		if err := p.Valid(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", n, err)
		}
		out[cn] = p
	}
	return out, nil
}
