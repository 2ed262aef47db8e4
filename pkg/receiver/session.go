// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package receiver implements the FCast sender-facing transports: a raw TCP
// listener and a WebSocket listener sharing one packet codec and session
// model.
package receiver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Callbacks receive decoded sender commands. Each runs synchronously on
// the session's read goroutine; nil callbacks are skipped.
type Callbacks struct {
	OnPlay      func(s *Session, msg PlayMessage)
	OnPause     func(s *Session)
	OnResume    func(s *Session)
	OnStop      func(s *Session)
	OnSeek      func(s *Session, msg SeekMessage)
	OnSetVolume func(s *Session, msg SetVolumeMessage)
	OnSetSpeed  func(s *Session, msg SetSpeedMessage)
	OnVersion   func(s *Session, msg VersionMessage)
}

// Observer is told about session lifecycle and packet flow. The health
// stats implement it.
type Observer interface {
	SessionOpened(transport string)
	SessionClosed(transport string)
	PacketReceived(opcode string)
	PacketDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string)  {}
func (nopObserver) SessionClosed(string)  {}
func (nopObserver) PacketReceived(string) {}
func (nopObserver) PacketDropped(string)  {}

// Options shape every session a listener creates.
type Options struct {
	Callbacks Callbacks
	Observer  Observer

	// RateLimit is the sustained packets per second a sender may send;
	// 0 disables limiting. Packets over the limit are dropped.
	RateLimit float64
	RateBurst int

	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = max(1, int(o.RateLimit))
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// frameWriter writes one encoded packet to the sender.
type frameWriter interface {
	writeFrame(frame []byte, deadline time.Time) error
}

// Session is one connected sender.
type Session struct {
	id        string
	transport string
	remote    string
	opened    time.Time

	r       io.Reader
	w       frameWriter
	closer  io.Closer
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(transport, remote string, r io.Reader, w frameWriter, closer io.Closer, opts Options, logger *zap.Logger) *Session {
	s := &Session{
		id:        uuid.NewString(),
		transport: transport,
		remote:    remote,
		opened:    time.Now(),
		r:         r,
		w:         w,
		closer:    closer,
		opts:      opts,
		closed:    make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	s.logger = logger.With(
		zap.String("session", s.id),
		zap.String("transport", transport),
		zap.String("remote", remote),
	)
	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Transport() string   { return s.transport }
func (s *Session) RemoteAddr() string  { return s.remote }
func (s *Session) OpenedAt() time.Time { return s.opened }

// Send encodes msg and writes it as a single packet.
func (s *Session) Send(op Opcode, msg any) error {
	frame, err := EncodePacket(op, msg)
	if err != nil {
		return err
	}
	return s.sendFrame(frame)
}

func (s *Session) sendFrame(frame []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.w.writeFrame(frame, time.Now().Add(s.opts.WriteTimeout))
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.closer.Close()
	})
	return err
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// serve announces the protocol version and then reads packets until the
// sender disconnects or a packet cannot be handled.
func (s *Session) serve() error {
	if err := s.Send(OpVersion, VersionMessage{Version: ProtocolVersion}); err != nil {
		s.logger.Debug("failed to send version", zap.Error(err))
	}

	for {
		p, err := ReadPacket(s.r)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("read packet: %w", err)
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.opts.Observer.PacketDropped("rate_limited")
			s.logger.Debug("packet dropped by rate limit", zap.Stringer("opcode", p.Opcode))
			continue
		}
		s.opts.Observer.PacketReceived(p.Opcode.String())

		if err := s.dispatch(p); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(p *Packet) error {
	cb := s.opts.Callbacks

	switch p.Opcode {
	case OpPlay:
		var msg PlayMessage
		if err := p.Decode(&msg); err != nil {
			return err
		}
		if cb.OnPlay != nil {
			cb.OnPlay(s, msg)
		}
	case OpPause:
		if cb.OnPause != nil {
			cb.OnPause(s)
		}
	case OpResume:
		if cb.OnResume != nil {
			cb.OnResume(s)
		}
	case OpStop:
		if cb.OnStop != nil {
			cb.OnStop(s)
		}
	case OpSeek:
		var msg SeekMessage
		if err := p.Decode(&msg); err != nil {
			return err
		}
		if cb.OnSeek != nil {
			cb.OnSeek(s, msg)
		}
	case OpSetVolume:
		var msg SetVolumeMessage
		if err := p.Decode(&msg); err != nil {
			return err
		}
		if cb.OnSetVolume != nil {
			cb.OnSetVolume(s, msg)
		}
	case OpSetSpeed:
		var msg SetSpeedMessage
		if err := p.Decode(&msg); err != nil {
			return err
		}
		if cb.OnSetSpeed != nil {
			cb.OnSetSpeed(s, msg)
		}
	case OpVersion:
		var msg VersionMessage
		if err := p.Decode(&msg); err != nil {
			return err
		}
		s.logger.Debug("sender version", zap.Int("version", msg.Version))
		if cb.OnVersion != nil {
			cb.OnVersion(s, msg)
		}
	case OpPing:
		if err := s.Send(OpPong, nil); err != nil {
			return fmt.Errorf("send pong: %w", err)
		}
	case OpPong:
	default:
		s.logger.Debug("unhandled opcode", zap.Stringer("opcode", p.Opcode))
	}
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
