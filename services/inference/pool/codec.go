// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/gorilla/websocket"
	"golang.org/x/mod/semver"
)

// ProtocolVersion is the coordinator/worker wire protocol version. Peers
// must agree on the major version.
const ProtocolVersion = "v1.2.0"

// connectPath is the coordinator route workers dial.
const connectPath = "/v1/pool/connect"

type kind uint8

const (
	kindHello kind = iota + 1
	kindWelcome
	kindWork
	kindResult
	kindShutdown
	kindAck
)

func (k kind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindWelcome:
		return "welcome"
	case kindWork:
		return "work"
	case kindResult:
		return "result"
	case kindShutdown:
		return "shutdown"
	case kindAck:
		return "ack"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// message is every frame exchanged between ranks. The handshake always
// travels as JSON text; work frames use the negotiated codec.
type message struct {
	Kind     kind      `json:"kind"`
	ID       uint64    `json:"id,omitempty"`
	Rank     int       `json:"rank,omitempty"`
	Token    string    `json:"token,omitempty"`
	Protocol string    `json:"protocol,omitempty"`
	Codec    string    `json:"codec,omitempty"`
	Kernel   eval.Name `json:"kernel,omitempty"`
	Data     Vector    `json:"data,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// compatible reports whether a peer protocol version shares our major.
func compatible(peer string) bool {
	return semver.IsValid(peer) && semver.Major(peer) == semver.Major(ProtocolVersion)
}

// =============================================================================
// VECTOR
// =============================================================================

// Vector is a float slice whose JSON form survives non-finite values.
// NaN and the infinities are written as the strings "NaN", "+Inf", "-Inf".
type Vector []float64

// MarshalJSON implements json.Marshaler.
func (v Vector) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b := make([]byte, 0, 2+len(v)*20)
	b = append(b, '[')
	for i, f := range v {
		if i > 0 {
			b = append(b, ',')
		}
		switch {
		case math.IsNaN(f):
			b = append(b, `"NaN"`...)
		case math.IsInf(f, 1):
			b = append(b, `"+Inf"`...)
		case math.IsInf(f, -1):
			b = append(b, `"-Inf"`...)
		default:
			b = strconv.AppendFloat(b, f, 'g', -1, 64)
		}
	}
	return append(b, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Vector) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	out := make(Vector, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("vector[%d]: %w", i, err)
			}
			out[i] = f
			continue
		}
		f, err := strconv.ParseFloat(string(r), 64)
		if err != nil {
			return fmt.Errorf("vector[%d]: %w", i, err)
		}
		out[i] = f
	}
	*v = out
	return nil
}

// =============================================================================
// CODECS
// =============================================================================

// codec encodes work frames.
type codec interface {
	name() string
	frameType() int
	encode(m *message) ([]byte, error)
	decode(b []byte) (*message, error)
}

const (
	codecJSON   = "json"
	codecBinary = "binary"
)

func codecFor(fast bool) codec {
	if fast {
		return binaryCodec{}
	}
	return jsonCodec{}
}

func codecNamed(name string) (codec, error) {
	switch name {
	case codecJSON, "":
		return jsonCodec{}, nil
	case codecBinary:
		return binaryCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", ErrHandshake, name)
}

type jsonCodec struct{}

func (jsonCodec) name() string   { return codecJSON }
func (jsonCodec) frameType() int { return websocket.TextMessage }

func (jsonCodec) encode(m *message) ([]byte, error) { return json.Marshal(m) }

func (jsonCodec) decode(b []byte) (*message, error) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &m, nil
}

// binaryCodec packs a frame little-endian:
//
//	kind u8 | id u64 | rank i32 | kernel str | error str | n u32 | n x f64
//
// where str is a u16 length followed by the bytes.
type binaryCodec struct{}

func (binaryCodec) name() string   { return codecBinary }
func (binaryCodec) frameType() int { return websocket.BinaryMessage }

func (binaryCodec) encode(m *message) ([]byte, error) {
	if len(m.Kernel) > math.MaxUint16 || len(m.Err) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: string field too long", ErrProtocol)
	}
	b := make([]byte, 0, 1+8+4+2+len(m.Kernel)+2+len(m.Err)+4+8*len(m.Data))
	b = append(b, byte(m.Kind))
	b = binary.LittleEndian.AppendUint64(b, m.ID)
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(m.Rank)))
	b = appendString(b, string(m.Kernel))
	b = appendString(b, m.Err)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Data)))
	for _, f := range m.Data {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
	}
	return b, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func (binaryCodec) decode(b []byte) (*message, error) {
	r := reader{b: b}
	m := &message{}
	m.Kind = kind(r.u8())
	m.ID = r.u64()
	m.Rank = int(int32(r.u32()))
	m.Kernel = eval.Name(r.str())
	m.Err = r.str()
	n := int(r.u32())
	if r.err == nil && n > len(r.b)/8 {
		r.err = errShort
	}
	if r.err == nil && n > 0 {
		m.Data = make(Vector, n)
		for i := range m.Data {
			m.Data[i] = math.Float64frombits(r.u64())
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, r.err)
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrProtocol, len(r.b))
	}
	return m, nil
}

var errShort = errors.New("short frame")

// reader consumes a binary frame, latching the first error.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = errShort
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	n := int(r.u16())
	return string(r.take(n))
}

// =============================================================================
// LINK
// =============================================================================

// link is one websocket connection between the coordinator and a worker.
type link struct {
	ws    *websocket.Conn
	codec codec
	wmu   sync.Mutex
}

func newLink(ws *websocket.Conn) *link {
	return &link{ws: ws, codec: jsonCodec{}}
}

func (l *link) send(m *message) error {
	b, err := l.codec.encode(m)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.ws.WriteMessage(l.codec.frameType(), b); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrConnectionLost, m.Kind, err)
	}
	return nil
}

// recv reads one frame, decoding by frame type so a peer may switch codecs
// after the handshake.
func (l *link) recv() (*message, error) {
	ft, b, err := l.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	switch ft {
	case websocket.TextMessage:
		return jsonCodec{}.decode(b)
	case websocket.BinaryMessage:
		return binaryCodec{}.decode(b)
	}
	return nil, fmt.Errorf("%w: frame type %d", ErrProtocol, ft)
}

// recvWithin reads one frame with a read deadline, then clears it.
func (l *link) recvWithin(d time.Duration) (*message, error) {
	if err := l.ws.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	m, err := l.recv()
	if err != nil {
		return nil, err
	}
	if err := l.ws.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return m, nil
}

func (l *link) close() error { return l.ws.Close() }
