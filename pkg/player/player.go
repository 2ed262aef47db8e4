// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package player holds the receiver's playback state and control surface.
// Media decoding and rendering happen elsewhere; this package tracks what
// the sender asked for and reports it back.
package player

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the playback state reported to senders.
type State int

const (
	StateIdle    State = 0
	StatePlaying State = 1
	StatePaused  State = 2
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotLoaded    = errors.New("no media loaded")
	ErrInvalidSpeed = errors.New("playback speed must be positive")
	ErrNoSource     = errors.New("play request has neither url nor content")
	ErrUnknownKey   = errors.New("unknown speed key")
)

// Media describes what to play.
type Media struct {
	Container string
	URL       string
	Content   string
	Time      float64 // start position in seconds
	Speed     float64 // 0 keeps the current speed
	Headers   map[string]string
}

// Update is a snapshot of playback.
type Update struct {
	State          State
	Time           float64
	Duration       float64
	Speed          float64
	Volume         float64
	GenerationTime time.Time
}

// Player tracks playback for one receiver. Safe for concurrent use.
type Player struct {
	logger *zap.Logger
	view   *ControlView
	now    func() time.Time

	mu         sync.Mutex
	media      *Media
	state      State
	position   float64
	duration   float64
	speed      float64
	volume     float64
	anchoredAt time.Time
}

// New creates an idle player. Construct it after hooks are installed: the
// control view's speed options are fixed at construction.
func New(logger *zap.Logger) *Player {
	return &Player{
		logger: logger,
		view:   NewControlView(),
		now:    time.Now,
		speed:  1,
		volume: 1,
	}
}

// SpeedOptions returns the labels and speeds the control view offers.
func (p *Player) SpeedOptions() ([]string, []float32) {
	a := p.view.SpeedAdapter()
	return a.Texts(), a.Speeds()
}

// Play loads m and starts playback.
func (p *Player) Play(m Media) error {
	if m.URL == "" && m.Content == "" {
		return ErrNoSource
	}
	if m.Speed < 0 {
		return ErrInvalidSpeed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.media = &m
	p.state = StatePlaying
	p.position = m.Time
	p.duration = 0
	if m.Speed > 0 {
		p.speed = m.Speed
		p.view.SpeedAdapter().Select(float32(m.Speed))
	}
	p.anchoredAt = p.now()

	p.logger.Info("playback started",
		zap.String("container", m.Container),
		zap.Bool("inline", m.Content != ""),
		zap.Float64("time", m.Time),
		zap.Float64("speed", p.speed),
	)
	return nil
}

// Pause freezes the position.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.media == nil {
		return ErrNotLoaded
	}
	p.position = p.positionLocked()
	p.anchoredAt = p.now()
	p.state = StatePaused
	return nil
}

// Resume continues from the paused position.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.media == nil {
		return ErrNotLoaded
	}
	p.anchoredAt = p.now()
	p.state = StatePlaying
	return nil
}

// Stop unloads the media.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.media = nil
	p.state = StateIdle
	p.position = 0
	p.duration = 0
}

// Seek moves to t seconds, clamped to the known duration.
func (p *Player) Seek(t float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.media == nil {
		return ErrNotLoaded
	}
	if t < 0 {
		t = 0
	}
	if p.duration > 0 && t > p.duration {
		t = p.duration
	}
	p.position = t
	p.anchoredAt = p.now()
	return nil
}

// SetDuration records the duration of url once it is known. It reports
// false when url is no longer the loaded media.
func (p *Player) SetDuration(url string, d float64) bool {
	if d <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.media == nil || p.media.URL != url {
		return false
	}
	p.duration = d
	return true
}

// SetVolume sets the volume, clamped to [0, 1].
func (p *Player) SetVolume(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	return v
}

// SetSpeed changes the playback rate. Speeds not offered by the control
// view are accepted but leave no option selected.
func (p *Player) SetSpeed(speed float64) error {
	if speed <= 0 {
		return ErrInvalidSpeed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = p.positionLocked()
	p.anchoredAt = p.now()
	p.speed = speed
	if p.view.SpeedAdapter().Select(float32(speed)) < 0 {
		p.logger.Debug("speed not offered by control view", zap.Float64("speed", speed))
	}
	return nil
}

// CycleFastSpeed toggles between 2x and 2.25x, the fast-forward key
// binding. When 2.25x is not offered it settles on 2x.
func (p *Player) CycleFastSpeed() float64 {
	next := 2.25
	p.mu.Lock()
	if p.speed == 2.25 || !p.view.SpeedAdapter().Offers(2.25) {
		next = 2.0
	}
	p.mu.Unlock()

	p.SetSpeed(next)
	return next
}

// SpeedKey names a remote control colour key bound to a playback speed.
type SpeedKey string

const (
	KeyRed    SpeedKey = "red"
	KeyGreen  SpeedKey = "green"
	KeyYellow SpeedKey = "yellow"
	KeyBlue   SpeedKey = "blue"
)

// PressSpeedKey applies the speed bound to k and returns it. Yellow
// toggles between 1.45x and 1.75x, blue cycles the fast speeds.
func (p *Player) PressSpeedKey(k SpeedKey) (float64, error) {
	var next float64
	switch k {
	case KeyRed:
		next = 1.0
	case KeyGreen:
		next = 1.25
	case KeyYellow:
		next = 1.45
		p.mu.Lock()
		if p.speed == 1.45 {
			next = 1.75
		}
		p.mu.Unlock()
	case KeyBlue:
		return p.CycleFastSpeed(), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKey, k)
	}
	if err := p.SetSpeed(next); err != nil {
		return 0, err
	}
	return next, nil
}

// Update returns the current playback snapshot.
func (p *Player) Update() Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Update{
		State:          p.state,
		Time:           p.positionLocked(),
		Duration:       p.duration,
		Speed:          p.speed,
		Volume:         p.volume,
		GenerationTime: p.now(),
	}
}

// Media returns the loaded media, nil when idle.
func (p *Player) Media() *Media {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.media == nil {
		return nil
	}
	m := *p.media
	return &m
}

func (p *Player) positionLocked() float64 {
	if p.state != StatePlaying {
		return p.position
	}
	pos := p.position + p.now().Sub(p.anchoredAt).Seconds()*p.speed
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}
