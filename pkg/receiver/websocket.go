// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbeema/fcastd/pkg/socktune"
	"go.uber.org/zap"
)

// wsReadLimit bounds one WebSocket message. A message may carry several
// packets back to back.
const wsReadLimit = 16 * (LengthSize + MaxPacketSize)

// wsReader presents the binary messages of a WebSocket as one byte stream
// so packets are framed exactly as on TCP.
type wsReader struct {
	conn   *websocket.Conn
	cur    io.Reader
	logger *zap.Logger
}

func (r *wsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			mt, rd, err := r.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				r.logger.Debug("ignoring non-binary message", zap.Int("type", mt))
				continue
			}
			r.cur = rd
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) writeFrame(frame []byte, deadline time.Time) error {
	w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// WebSocketListener accepts FCast senders over WebSocket.
type WebSocketListener struct {
	addr      string
	transport string
	certFile  string
	keyFile   string
	tracker   *Tracker
	tuner     *socktune.Tuner
	opts      Options
	logger    *zap.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener
	wg       sync.WaitGroup
}

// NewWebSocketListener creates a listener on addr. tuner may be nil.
func NewWebSocketListener(addr string, tracker *Tracker, tuner *socktune.Tuner, opts Options, logger *zap.Logger) *WebSocketListener {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultWebSocketPort)
	}
	return newWebSocketListener(TransportWebSocket, addr, tracker, tuner, opts, logger)
}

func newWebSocketListener(transport, addr string, tracker *Tracker, tuner *socktune.Tuner, opts Options, logger *zap.Logger) *WebSocketListener {
	return &WebSocketListener{
		addr:      addr,
		transport: transport,
		tracker:   tracker,
		tuner:     tuner,
		opts:      opts.withDefaults(),
		logger:    logger.With(zap.String("listener", transport)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Senders are native apps, not browser pages.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the socket and serves WebSocket upgrades.
func (l *WebSocketListener) Start(ctx context.Context) error {
	var tlsConfig *tls.Config
	if l.certFile != "" || l.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
		if err != nil {
			return fmt.Errorf("load %s key pair: %w", l.transport, err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", l.transport, l.addr, err)
	}
	if l.tuner != nil {
		ln = l.tuner.Listen(ln)
	}
	l.ln = ln
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}

	l.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", tlsConfig != nil))

	go func() {
		var err error
		if tlsConfig != nil {
			err = l.srv.ServeTLS(ln, "", "")
		} else {
			err = l.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start.
func (l *WebSocketListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ServeHTTP upgrades the request and serves the session on the handler
// goroutine.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	l.wg.Add(1)
	defer l.wg.Done()

	reader := &wsReader{conn: conn, logger: l.logger}
	s := newSession(l.transport, r.RemoteAddr, reader, wsWriter{conn: conn}, conn, l.opts, l.logger)
	runSession(s, l.tracker)
}

// Stop closes the server and every WebSocket session and waits for them.
func (l *WebSocketListener) Stop() error {
	var err error
	if l.srv != nil {
		err = l.srv.Close()
	}
	for _, s := range l.tracker.Sessions() {
		if s.transport == l.transport {
			s.Close()
		}
	}
	l.wg.Wait()
	return err
}

// WebSocketSecureListener accepts FCast senders over WebSocket on TLS.
type WebSocketSecureListener struct {
	*WebSocketListener
}

// NewWebSocketSecureListener creates a TLS listener on addr serving the
// certificate in certFile and the key in keyFile. The pair is loaded by
// Start, so a bad pair fails the start rather than the first handshake.
func NewWebSocketSecureListener(addr, certFile, keyFile string, tracker *Tracker, tuner *socktune.Tuner, opts Options, logger *zap.Logger) *WebSocketSecureListener {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultWebSocketSecurePort)
	}
	l := newWebSocketListener(TransportWebSocketSecure, addr, tracker, tuner, opts, logger)
	l.certFile = certFile
	l.keyFile = keyFile
	return &WebSocketSecureListener{WebSocketListener: l}
}
