// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeKeyPair writes a self-signed certificate for 127.0.0.1 into dir.
func writeKeyPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fcastd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestWebSocketSecureListener(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, t.TempDir())

	tracker := NewTracker(zap.NewNop())
	obs := newCountingObserver()
	l := NewWebSocketSecureListener("127.0.0.1:0", certFile, keyFile, tracker, nil, Options{Observer: obs}, zap.NewNop())
	if err := l.Start(context.Background()); err != nil {
		t.Skipf("start: %v", err)
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial("wss://"+l.Addr().String()+"/", nil)
	if err != nil {
		l.Stop()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		l.Stop()
		t.Fatalf("read: %v", err)
	}
	if p, err := ParsePacket(data); err != nil || p.Opcode != OpVersion {
		t.Errorf("first packet = %+v, %v", p, err)
	}

	// Broadcasts reach secure sessions like any other.
	if n, err := tracker.Broadcast(OpPlaybackUpdate, PlaybackUpdateMessage{State: 1, Speed: 1}); err != nil || n != 1 {
		t.Errorf("Broadcast = %d, %v", n, err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if p, err := ParsePacket(data); err != nil || p.Opcode != OpPlaybackUpdate {
		t.Errorf("broadcast packet = %+v, %v", p, err)
	}

	sessions := tracker.Sessions()
	if len(sessions) != 1 || sessions[0].Transport() != TransportWebSocketSecure {
		t.Errorf("sessions = %v", sessions)
	}

	if err := l.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if tracker.Count() != 0 {
		t.Errorf("sessions after Stop = %d", tracker.Count())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.opened[TransportWebSocketSecure] != 1 {
		t.Errorf("opened = %v", obs.opened)
	}
}

func TestWebSocketSecureListenerRejectsMissingKeyPair(t *testing.T) {
	dir := t.TempDir()
	l := NewWebSocketSecureListener("127.0.0.1:0", filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"),
		NewTracker(zap.NewNop()), nil, Options{}, zap.NewNop())
	if err := l.Start(context.Background()); err == nil {
		l.Stop()
		t.Fatal("expected error for a missing key pair")
	}
	if l.Addr() != nil {
		t.Error("listener should not bind without a key pair")
	}
}

func TestWebSocketSecureListenerDefaultAddr(t *testing.T) {
	l := NewWebSocketSecureListener("", "c", "k", NewTracker(zap.NewNop()), nil, Options{}, zap.NewNop())
	if l.addr != ":46896" {
		t.Errorf("addr = %q, want :46896", l.addr)
	}
}
