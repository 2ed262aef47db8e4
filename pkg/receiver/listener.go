// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mbeema/fcastd/pkg/socktune"
	"go.uber.org/zap"
)

// Default listen ports.
const (
	DefaultTCPPort             = 46899
	DefaultWebSocketPort       = 46898
	DefaultWebSocketSecurePort = 46896
)

const (
	TransportTCP             = "tcp"
	TransportWebSocket       = "websocket"
	TransportWebSocketSecure = "websocket-secure"
)

// runSession serves s to completion and keeps the tracker and observer in
// step with its lifetime.
func runSession(s *Session, tracker *Tracker) {
	tracker.Add(s)
	s.opts.Observer.SessionOpened(s.transport)
	s.logger.Info("sender connected")

	err := s.serve()

	tracker.Remove(s.id)
	s.Close()
	s.opts.Observer.SessionClosed(s.transport)
	if err != nil {
		s.logger.Warn("session closed on error", zap.Error(err))
		return
	}
	s.logger.Info("sender disconnected")
}

type tcpWriter struct {
	conn net.Conn
}

func (w tcpWriter) writeFrame(frame []byte, deadline time.Time) error {
	w.conn.SetWriteDeadline(deadline)
	_, err := w.conn.Write(frame)
	return err
}

// TCPListener accepts FCast senders over raw TCP.
type TCPListener struct {
	addr    string
	tracker *Tracker
	tuner   *socktune.Tuner
	opts    Options
	logger  *zap.Logger

	ln       net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTCPListener creates a listener on addr. tuner may be nil.
func NewTCPListener(addr string, tracker *Tracker, tuner *socktune.Tuner, opts Options, logger *zap.Logger) *TCPListener {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultTCPPort)
	}
	return &TCPListener{
		addr:    addr,
		tracker: tracker,
		tuner:   tuner,
		opts:    opts.withDefaults(),
		logger:  logger.With(zap.String("listener", TransportTCP)),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the socket and begins accepting senders.
func (l *TCPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", l.addr, err)
	}
	if l.tuner != nil {
		ln = l.tuner.Listen(ln)
	}
	l.ln = ln

	l.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, nil before Start.
func (l *TCPListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listener and every TCP session and waits for them.
func (l *TCPListener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.ln != nil {
			err = l.ln.Close()
		}
	})
	for _, s := range l.tracker.Sessions() {
		if s.transport == TransportTCP {
			s.Close()
		}
	}
	l.wg.Wait()
	return err
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("accept error", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s := newSession(TransportTCP, conn.RemoteAddr().String(), conn, tcpWriter{conn: conn}, conn, l.opts, l.logger)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			runSession(s, l.tracker)
		}()
	}
}
