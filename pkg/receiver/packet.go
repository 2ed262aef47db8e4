// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Opcode identifies an FCast packet.
type Opcode uint8

const (
	OpNone           Opcode = 0
	OpPlay           Opcode = 1
	OpPause          Opcode = 2
	OpResume         Opcode = 3
	OpStop           Opcode = 4
	OpSeek           Opcode = 5
	OpPlaybackUpdate Opcode = 6
	OpVolumeUpdate   Opcode = 7
	OpSetVolume      Opcode = 8
	OpPlaybackError  Opcode = 9
	OpSetSpeed       Opcode = 10
	OpVersion        Opcode = 11
	OpPing           Opcode = 12
	OpPong           Opcode = 13
)

// LengthSize is the size of the little-endian length prefix. The length
// counts the opcode byte and the body, not itself.
const LengthSize = 4

// MaxPacketSize bounds the opcode plus body of a single packet.
const MaxPacketSize = 32000

// ProtocolVersion is announced to every sender on connect.
const ProtocolVersion = 2

func (o Opcode) String() string {
	switch o {
	case OpNone:
		return "NONE"
	case OpPlay:
		return "PLAY"
	case OpPause:
		return "PAUSE"
	case OpResume:
		return "RESUME"
	case OpStop:
		return "STOP"
	case OpSeek:
		return "SEEK"
	case OpPlaybackUpdate:
		return "PLAYBACK_UPDATE"
	case OpVolumeUpdate:
		return "VOLUME_UPDATE"
	case OpSetVolume:
		return "SET_VOLUME"
	case OpPlaybackError:
		return "PLAYBACK_ERROR"
	case OpSetSpeed:
		return "SET_SPEED"
	case OpVersion:
		return "VERSION"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
}

// Packet is one decoded frame.
type Packet struct {
	Opcode Opcode
	Body   []byte // JSON, empty for body-less opcodes
}

// Decode unmarshals the body into v.
func (p *Packet) Decode(v any) error {
	if len(p.Body) == 0 {
		return fmt.Errorf("%s: empty body", p.Opcode)
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("%s: decode body: %w", p.Opcode, err)
	}
	return nil
}

// ParsePacket decodes a complete frame from buf, including the length
// prefix. Trailing bytes beyond the declared length are ignored.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < LengthSize+1 {
		return nil, fmt.Errorf("buffer too small: %d < %d", len(buf), LengthSize+1)
	}
	n := binary.LittleEndian.Uint32(buf[:LengthSize])
	if err := checkLength(n); err != nil {
		return nil, err
	}
	if uint32(len(buf)-LengthSize) < n {
		return nil, fmt.Errorf("packet truncated: have %d, need %d", len(buf)-LengthSize, n)
	}

	p := &Packet{Opcode: Opcode(buf[LengthSize])}
	if n > 1 {
		p.Body = make([]byte, n-1)
		copy(p.Body, buf[LengthSize+1:LengthSize+n])
	}
	return p, nil
}

// ReadPacket reads one frame from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [LengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if err := checkLength(n); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read packet body: %w", err)
	}

	p := &Packet{Opcode: Opcode(buf[0])}
	if n > 1 {
		p.Body = buf[1:]
	}
	return p, nil
}

// EncodePacket frames op with msg marshalled as its JSON body. A nil msg
// produces a body-less packet.
func EncodePacket(op Opcode, msg any) ([]byte, error) {
	var body []byte
	if msg != nil {
		var err error
		if body, err = json.Marshal(msg); err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
	}
	n := uint32(1 + len(body))
	if err := checkLength(n); err != nil {
		return nil, err
	}

	buf := make([]byte, LengthSize+n)
	binary.LittleEndian.PutUint32(buf[:LengthSize], n)
	buf[LengthSize] = byte(op)
	copy(buf[LengthSize+1:], body)
	return buf, nil
}

func checkLength(n uint32) error {
	if n == 0 {
		return fmt.Errorf("packet length 0 has no opcode")
	}
	if n > MaxPacketSize {
		return fmt.Errorf("packet length %d exceeds %d", n, MaxPacketSize)
	}
	return nil
}
