// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tbattle

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestColorNames(t *testing.T) {
	for _, nc := range captionColors {
		var byName Color
		if err := byName.UnmarshalText([]byte(nc.name)); err != nil {
			t.Errorf("Unmarshal %q: unexpected error: %v", nc.name, err)
			continue
		}
		hex := fmt.Sprintf("#%02X%02X%02X", nc.rgb[0], nc.rgb[1], nc.rgb[2])
		var byHex Color
		if err := byHex.UnmarshalText([]byte(hex)); err != nil {
			t.Errorf("Unmarshal %q: unexpected error: %v", hex, err)
			continue
		}
		if byName != byHex {
			t.Errorf("Colors differ: %v ≠ %v", byName, byHex)
		}
		out, err := byHex.MarshalText()
		if err != nil {
			t.Errorf("Marshal %v: unexpected error: %v", byHex, err)
			continue
		}
		if got := string(out); got != nc.name {
			t.Errorf("Marshal %v: got %q, want %q", byHex, got, nc.name)
		}
	}
}

func TestColorText(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"", "white", true},
		{"Mint", "mint", true},
		{"#fff", "white", true},
		{"000", "black", true},
		{"#1a2b3c", "#1a2b3c", true},
		{"#abc", "#aabbcc", true},
		{"#12345", "", false},
		{"#ggg", "", false},
		{"chartreuse", "", false},
	}
	for _, tc := range tests {
		var c Color
		err := c.UnmarshalText([]byte(tc.input))
		if (err == nil) != tc.ok {
			t.Errorf("Unmarshal %q: got err=%v, want ok=%v", tc.input, err, tc.ok)
			continue
		}
		if err != nil {
			continue
		}
		out, _ := c.MarshalText()
		if got := string(out); got != tc.want {
			t.Errorf("Unmarshal %q: got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestKindText(t *testing.T) {
	tests := []struct {
		input string
		want  Kind
		ok    bool
	}{
		{"horizontal", Horizontal, true},
		{"Interlaced", Interlaced, true},
		{" vertical ", Vertical, true},
		{"diagonal", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		var k Kind
		err := k.UnmarshalText([]byte(tc.input))
		if (err == nil) != tc.ok {
			t.Errorf("Unmarshal %q: got err=%v, want ok=%v", tc.input, err, tc.ok)
			continue
		}
		if tc.ok && k != tc.want {
			t.Errorf("Unmarshal %q: got %v, want %v", tc.input, k, tc.want)
		}
	}

	if _, err := Kind(7).MarshalText(); err == nil {
		t.Error("Marshal Kind(7): got nil error, want error")
	}
}

func TestParamsJSON(t *testing.T) {
	const input = `{"kind":"vertical","amplitude":-3.5,"frequency":0.25,"timeScale":2,"compression":0.5}`
	var p Params
	if err := json.Unmarshal([]byte(input), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := Params{Kind: Vertical, Amplitude: -3.5, Frequency: 0.25, TimeScale: 2, Compression: 0.5}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("Incorrect value (-want, +got):\n%s", diff)
	}
	bits, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal %v: %v", p, err)
	}
	if got := string(bits); got != input {
		t.Errorf("Marshal: got %#q, want %#q", got, input)
	}
}

func TestParamsValid(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"zero", Params{}, true},
		{"negative", Params{Kind: Interlaced, Amplitude: -10, Frequency: -1, TimeScale: -2}, true},
		{"bad kind", Params{Kind: 3}, false},
		{"nan amplitude", Params{Amplitude: math.NaN()}, false},
		{"inf compression", Params{Kind: Vertical, Compression: math.Inf(-1)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Valid()
			if (err == nil) != tc.ok {
				t.Errorf("Valid %+v: got %v, want ok=%v", tc.p, err, tc.ok)
			}
		})
	}
}

func TestEffectValidForCreate(t *testing.T) {
	base := func() *Effect {
		return &Effect{BackgroundID: 1, Frames: 10, Params: Params{Kind: Horizontal, Amplitude: 4}}
	}
	tests := []struct {
		name   string
		modify func(*Effect)
		ok     bool
	}{
		{"ok", func(*Effect) {}, true},
		{"has ID", func(e *Effect) { e.ID = 3 }, false},
		{"no background", func(e *Effect) { e.BackgroundID = 0 }, false},
		{"creator set", func(e *Effect) { e.Creator = 5 }, false},
		{"anonymous", func(e *Effect) { e.Creator = -1 }, true},
		{"no frames", func(e *Effect) { e.Frames = 0 }, false},
		{"too many frames", func(e *Effect) { e.Frames = MaxFrames + 1 }, false},
		{"bad scale", func(e *Effect) { e.Scale = MaxScale + 1 }, false},
		{"bad params", func(e *Effect) { e.Params.Frequency = math.Inf(1) }, false},
		{"empty caption", func(e *Effect) { e.Caption = &Caption{Text: "  "} }, false},
		{"caption", func(e *Effect) { e.Caption = &Caption{Text: "SMAAAASH", Y: 0.9} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := base()
			tc.modify(e)
			err := e.ValidForCreate()
			if (err == nil) != tc.ok {
				t.Errorf("ValidForCreate: got %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestEffectDefaults(t *testing.T) {
	var e Effect
	if got := e.FrameDelay(); got != DefaultDelay {
		t.Errorf("FrameDelay: got %d, want %d", got, DefaultDelay)
	}
	if got := e.ScaleFactor(); got != 1 {
		t.Errorf("ScaleFactor: got %d, want 1", got)
	}
}

func TestPresets(t *testing.T) {
	ps, err := ParsePresets([]byte(`
shimmer:
  kind: interlaced
  amplitude: 12
  frequency: 0.2
  timeScale: 0.15
Ripple:
  kind: horizontal
  amplitude: 2
`))
	if err != nil {
		t.Fatalf("ParsePresets: unexpected error: %v", err)
	}

	got, ok := ps.Lookup(" SHIMMER ")
	if !ok {
		t.Fatal("Lookup shimmer: not found")
	}
	if diff := cmp.Diff(Params{Kind: Interlaced, Amplitude: 12, Frequency: 0.2, TimeScale: 0.15}, got); diff != "" {
		t.Errorf("Preset shimmer (-want, +got):\n%s", diff)
	}
	if got, _ := ps.Lookup("ripple"); got.Amplitude != 2 {
		t.Errorf("Preset ripple: got amplitude %g, want override 2", got.Amplitude)
	}
	if _, ok := ps.Lookup("wobble"); !ok {
		t.Error("Built-in preset wobble missing after merge")
	}
	if _, ok := DefaultPresets().Lookup("shimmer"); ok {
		t.Error("ParsePresets modified the built-in presets")
	}

	names := ps.Names()
	if diff := cmp.Diff([]string{"interlace", "melt", "none", "ripple", "shimmer", "wobble"}, names); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}

	for _, bad := range []string{
		"x: {kind: sideways}",
		"x: {kind: horizontal, color: red}",
		"- not a map",
	} {
		if _, err := ParsePresets([]byte(bad)); err == nil {
			t.Errorf("ParsePresets %q: got nil error, want error", bad)
		}
	}
}
