// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"time"

	"github.com/mbeema/fcastd/pkg/player"
	"github.com/mbeema/fcastd/pkg/receiver"
	"go.uber.org/zap"
)

const probeTimeout = 10 * time.Second

// callbacks maps sender commands onto the player and reports the result
// back to every connected sender.
func (a *Agent) callbacks() receiver.Callbacks {
	return receiver.Callbacks{
		OnPlay: a.onPlay,
		OnPause: func(s *receiver.Session) {
			a.apply(s, "pause", a.player.Pause())
		},
		OnResume: func(s *receiver.Session) {
			a.apply(s, "resume", a.player.Resume())
		},
		OnStop: func(s *receiver.Session) {
			a.player.Stop()
			a.broadcastPlayback()
		},
		OnSeek: func(s *receiver.Session, msg receiver.SeekMessage) {
			a.apply(s, "seek", a.player.Seek(msg.Time))
		},
		OnSetSpeed: func(s *receiver.Session, msg receiver.SetSpeedMessage) {
			a.apply(s, "set speed", a.player.SetSpeed(msg.Speed))
		},
		OnSetVolume: func(s *receiver.Session, msg receiver.SetVolumeMessage) {
			v := a.player.SetVolume(msg.Volume)
			a.broadcast(receiver.OpVolumeUpdate, receiver.VolumeUpdateMessage{
				GenerationTime: time.Now().UnixMilli(),
				Volume:         v,
			})
		},
	}
}

func (a *Agent) onPlay(s *receiver.Session, msg receiver.PlayMessage) {
	m := player.Media{
		Container: msg.Container,
		URL:       msg.URL,
		Content:   msg.Content,
		Headers:   msg.Headers,
	}
	if msg.Time != nil {
		m.Time = *msg.Time
	}
	if msg.Speed != nil {
		m.Speed = *msg.Speed
	}

	a.logger.Info("play requested",
		zap.String("session", s.ID()),
		zap.String("url", a.redactor.URL(m.URL)),
		zap.Any("headers", a.redactor.Headers(m.Headers)),
	)

	if err := a.player.Play(m); err != nil {
		a.apply(s, "play", err)
		return
	}
	a.broadcastPlayback()

	if m.URL != "" && m.Content == "" {
		a.probe(m.URL)
	}
}

// probe inspects the media in the background so the session read loop is
// never blocked on the network.
func (a *Agent) probe(rawURL string) {
	logURL := a.redactor.URL(rawURL)
	err := a.engine.Executor().Submit(func() {
		ctx, cancel := context.WithTimeout(a.probeCtx, probeTimeout)
		defer cancel()

		res, err := a.engine.Probe(ctx, rawURL)
		if err != nil {
			a.logger.Debug("media probe failed", zap.String("url", logURL), zap.Error(err))
			return
		}
		a.logger.Debug("media probed",
			zap.String("url", logURL),
			zap.String("media_type", res.MediaType),
			zap.Int64("content_length", res.ContentLength),
			zap.Float64("duration", res.Duration),
		)
		if a.player.SetDuration(rawURL, res.Duration) {
			a.broadcastPlayback()
		}
	})
	if err != nil {
		a.logger.Debug("media probe not queued", zap.Error(err))
	}
}

// apply reports err to the requesting sender, or the new playback state
// to everyone.
func (a *Agent) apply(s *receiver.Session, op string, err error) {
	if err != nil {
		a.logger.Debug("command rejected", zap.String("op", op), zap.String("session", s.ID()), zap.Error(err))
		if sendErr := s.Send(receiver.OpPlaybackError, receiver.PlaybackErrorMessage{Message: err.Error()}); sendErr != nil {
			a.logger.Debug("failed to send playback error", zap.Error(sendErr))
		}
		return
	}
	a.broadcastPlayback()
}

func (a *Agent) broadcastPlayback() {
	a.broadcast(receiver.OpPlaybackUpdate, playbackUpdate(a.player.Update()))
}

func (a *Agent) broadcast(op receiver.Opcode, msg any) {
	if _, err := a.tracker.Broadcast(op, msg); err != nil {
		a.logger.Warn("broadcast failed", zap.Stringer("opcode", op), zap.Error(err))
	}
}

// playbackUpdate converts a player snapshot to the wire message. An idle
// player reports zero time and duration at normal speed.
func playbackUpdate(u player.Update) receiver.PlaybackUpdateMessage {
	msg := receiver.PlaybackUpdateMessage{
		GenerationTime: u.GenerationTime.UnixMilli(),
		State:          int(u.State),
		Speed:          1,
	}
	if u.State == player.StateIdle {
		return msg
	}
	msg.Time = u.Time
	msg.Duration = u.Duration
	msg.Speed = u.Speed
	return msg
}
