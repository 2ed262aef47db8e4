// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

// PlayMessage asks the receiver to load and start media.
type PlayMessage struct {
	Container string            `json:"container"`
	URL       string            `json:"url,omitempty"`
	Content   string            `json:"content,omitempty"`
	Time      *float64          `json:"time,omitempty"`
	Speed     *float64          `json:"speed,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type SeekMessage struct {
	Time float64 `json:"time"`
}

// PlaybackUpdateMessage reports playback to senders. GenerationTime is in
// Unix milliseconds.
type PlaybackUpdateMessage struct {
	GenerationTime int64   `json:"generationTime"`
	Time           float64 `json:"time"`
	Duration       float64 `json:"duration"`
	State          int     `json:"state"`
	Speed          float64 `json:"speed"`
}

type VolumeUpdateMessage struct {
	GenerationTime int64   `json:"generationTime"`
	Volume         float64 `json:"volume"`
}

type SetVolumeMessage struct {
	Volume float64 `json:"volume"`
}

type PlaybackErrorMessage struct {
	Message string `json:"message"`
}

type SetSpeedMessage struct {
	Speed float64 `json:"speed"`
}

type VersionMessage struct {
	Version int `json:"version"`
}
