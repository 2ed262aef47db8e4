// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package player

import "github.com/mbeema/fcastd/pkg/hook"

// Default playback speed options offered by the control view.
var (
	DefaultSpeeds     = []float32{0.25, 0.5, 0.75, 1, 1.25, 1.5, 2}
	DefaultSpeedTexts = []string{"0.25x", "0.5x", "0.75x", "Normal", "1.25x", "1.5x", "2x"}
)

// ControlView is the playback control surface. It owns the speed selector.
type ControlView struct {
	adapter *SpeedAdapter
}

// NewControlView builds a view with the default speed options.
func NewControlView() *ControlView {
	v := &ControlView{}
	texts := append([]string(nil), DefaultSpeedTexts...)
	speeds := append([]float32(nil), DefaultSpeeds...)
	v.adapter = NewSpeedAdapter(v, texts, speeds)
	return v
}

// SpeedAdapter returns the view's speed selector.
func (v *ControlView) SpeedAdapter() *SpeedAdapter {
	return v.adapter
}

// SpeedAdapter lists the selectable playback speeds and their labels.
// texts[i] labels speeds[i].
type SpeedAdapter struct {
	view     *ControlView
	texts    []string
	speeds   []float32
	selected int
}

// The adapter constructor is hookable so the offered speeds can be extended
// without changing this package.
var newSpeedAdapterSite = hook.Declare(hook.TypeOf[SpeedAdapter](), "new", newSpeedAdapter)

// NewSpeedAdapter creates a speed selector for view.
func NewSpeedAdapter(view *ControlView, texts []string, speeds []float32) *SpeedAdapter {
	return hook.Call1[*SpeedAdapter](newSpeedAdapterSite, view, texts, speeds)
}

func newSpeedAdapter(view *ControlView, texts []string, speeds []float32) *SpeedAdapter {
	n := min(len(texts), len(speeds))
	return &SpeedAdapter{
		view:     view,
		texts:    texts[:n],
		speeds:   speeds[:n],
		selected: -1,
	}
}

// Len returns the number of options.
func (a *SpeedAdapter) Len() int {
	return len(a.speeds)
}

// Option returns the label and speed at index i.
func (a *SpeedAdapter) Option(i int) (string, float32) {
	return a.texts[i], a.speeds[i]
}

// Speeds returns a copy of the speed values.
func (a *SpeedAdapter) Speeds() []float32 {
	return append([]float32(nil), a.speeds...)
}

// Texts returns a copy of the speed labels.
func (a *SpeedAdapter) Texts() []string {
	return append([]string(nil), a.texts...)
}

// Select marks the option equal to speed as selected and returns its index,
// or -1 when speed is not one of the options.
func (a *SpeedAdapter) Select(speed float32) int {
	a.selected = a.indexOf(speed)
	return a.selected
}

// Selected returns the selected index, -1 for none.
func (a *SpeedAdapter) Selected() int {
	return a.selected
}

// Offers reports whether speed is one of the options.
func (a *SpeedAdapter) Offers(speed float32) bool {
	return a.indexOf(speed) >= 0
}

func (a *SpeedAdapter) indexOf(speed float32) int {
	for i, s := range a.speeds {
		if s == speed {
			return i
		}
	}
	return -1
}
