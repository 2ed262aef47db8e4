// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodePacketLayout(t *testing.T) {
	buf, err := EncodePacket(OpSeek, SeekMessage{Time: 12.5})
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	body := `{"time":12.5}`
	if n := binary.LittleEndian.Uint32(buf[:4]); n != uint32(1+len(body)) {
		t.Errorf("length = %d, want %d", n, 1+len(body))
	}
	if Opcode(buf[4]) != OpSeek {
		t.Errorf("opcode = %d, want %d", buf[4], OpSeek)
	}
	if string(buf[5:]) != body {
		t.Errorf("body = %s, want %s", buf[5:], body)
	}
}

func TestEncodePacketNoBody(t *testing.T) {
	buf, err := EncodePacket(OpPing, nil)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 0, 0, 0, byte(OpPing)}) {
		t.Errorf("got % x", buf)
	}
}

func TestParsePacket(t *testing.T) {
	buf, _ := EncodePacket(OpSetSpeed, SetSpeedMessage{Speed: 2.25})

	p, err := ParsePacket(append(buf, 0xff, 0xff))
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.Opcode != OpSetSpeed {
		t.Errorf("Opcode = %s", p.Opcode)
	}
	var msg SetSpeedMessage
	if err := p.Decode(&msg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Speed != 2.25 {
		t.Errorf("Speed = %v, want 2.25", msg.Speed)
	}

	if _, err := ParsePacket(buf[:len(buf)-1]); err == nil {
		t.Error("expected error for truncated packet")
	}
	if _, err := ParsePacket([]byte{0, 0}); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestReadPacketStream(t *testing.T) {
	var stream bytes.Buffer
	a, _ := EncodePacket(OpPause, nil)
	b, _ := EncodePacket(OpSetVolume, SetVolumeMessage{Volume: 0.5})
	stream.Write(a)
	stream.Write(b)

	p, err := ReadPacket(&stream)
	if err != nil || p.Opcode != OpPause || p.Body != nil {
		t.Fatalf("first packet = %+v, %v", p, err)
	}
	p, err = ReadPacket(&stream)
	if err != nil || p.Opcode != OpSetVolume {
		t.Fatalf("second packet = %+v, %v", p, err)
	}
	if _, err := ReadPacket(&stream); err != io.EOF {
		t.Errorf("end of stream err = %v, want io.EOF", err)
	}
}

func TestReadPacketRejectsOversize(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxPacketSize+1)
	if _, err := ReadPacket(bytes.NewReader(hdr[:])); err == nil {
		t.Error("expected error for oversize length")
	}

	binary.LittleEndian.PutUint32(hdr[:], 0)
	if _, err := ReadPacket(bytes.NewReader(hdr[:])); err == nil {
		t.Error("expected error for zero length")
	}
}

func TestReadPacketTruncatedBody(t *testing.T) {
	buf, _ := EncodePacket(OpSeek, SeekMessage{Time: 1})
	_, err := ReadPacket(bytes.NewReader(buf[:len(buf)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestEncodePacketTooLarge(t *testing.T) {
	msg := PlaybackErrorMessage{Message: strings.Repeat("x", MaxPacketSize)}
	if _, err := EncodePacket(OpPlaybackError, msg); err == nil {
		t.Error("expected error for body over the packet limit")
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	p := &Packet{Opcode: OpPlay}
	var msg PlayMessage
	if err := p.Decode(&msg); err == nil {
		t.Error("expected error decoding an empty body")
	}
}

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string
	}{
		{OpPlay, "PLAY"},
		{OpPlaybackUpdate, "PLAYBACK_UPDATE"},
		{OpPong, "PONG"},
		{Opcode(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Opcode(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
