// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame representation and the incremental per-frame state machine.
// A frame is mutated in place as bytes arrive, so a partially received frame
// keeps its position across reads.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-mux/api"
)

// FrameState tracks incremental decoding progress of a single frame.
type FrameState int

const (
	StateEmpty FrameState = iota
	StateHeaderParsed
	StateMoreData
	StateCompleted
)

func (s FrameState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateHeaderParsed:
		return "header_parsed"
	case StateMoreData:
		return "more_data"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Frame represents one WebSocket frame, complete or in progress.
type Frame struct {
	firstByte     byte   // FIN, RSV1-3, opcode
	masked        bool   // mask bit from the second byte
	maskKey       uint32 // network byte order, 0 if none
	payloadLength uint64 // declared length
	payload       []byte // accumulated, unmasked payload
	state         FrameState
}

// NewFrame builds a completed frame, used by tests and the send path.
func NewFrame(op api.OpCode, final bool, payload []byte) *Frame {
	b0 := byte(op) & OpcodeBits
	if final {
		b0 |= FinBit
	}
	return &Frame{
		firstByte:     b0,
		payloadLength: uint64(len(payload)),
		payload:       payload,
		state:         StateCompleted,
	}
}

func (f *Frame) IsFinal() bool         { return f.firstByte&FinBit != 0 }
func (f *Frame) Rsv() byte             { return (f.firstByte & RsvBits) >> 4 }
func (f *Frame) OpCode() api.OpCode    { return api.OpCode(f.firstByte & OpcodeBits) }
func (f *Frame) IsControl() bool       { return f.OpCode().IsControl() }
func (f *Frame) Masked() bool          { return f.masked }
func (f *Frame) MaskKey() uint32       { return f.maskKey }
func (f *Frame) PayloadLength() uint64 { return f.payloadLength }
func (f *Frame) Payload() []byte       { return f.payload }
func (f *Frame) State() FrameState     { return f.state }

// Reset returns the frame to the empty state.
func (f *Frame) Reset() {
	*f = Frame{}
}

// Validate checks a completed frame against RFC6455 §5.2 and §5.5.
func (f *Frame) Validate() error {
	if f.state != StateCompleted {
		return fmt.Errorf("%w: frame not completed (%s)", ErrInvalidFrame, f.state)
	}
	if f.firstByte&RsvBits != 0 {
		return fmt.Errorf("%w: reserved bits set 0x%x", ErrInvalidFrame, f.Rsv())
	}
	switch op := f.OpCode(); op {
	case OpcodeContinuation, OpcodeText, OpcodeBinary:
	case OpcodeClose, OpcodePing, OpcodePong:
		if f.payloadLength > MaxControlPayloadLen {
			return fmt.Errorf("%w: control frame payload %d > %d", ErrInvalidFrame, f.payloadLength, MaxControlPayloadLen)
		}
		if !f.IsFinal() {
			return fmt.Errorf("%w: fragmented control frame", ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: reserved opcode 0x%x", ErrInvalidFrame, byte(op))
	}
	if uint64(len(f.payload)) != f.payloadLength {
		return fmt.Errorf("%w: payload %d of %d bytes", ErrInvalidFrame, len(f.payload), f.payloadLength)
	}
	return nil
}

// parseHeader consumes the full frame header from p. It returns 0 without
// touching the frame when p does not hold the complete header yet.
func (f *Frame) parseHeader(p []byte, limit uint64) (int, error) {
	if len(p) < 2 {
		return 0, nil
	}
	masked := p[1]&MaskBit != 0
	code := p[1] & 0x7F

	need := 2
	switch code {
	case 126:
		need += 2
	case 127:
		need += 8
	}
	if masked {
		need += 4
	}
	if len(p) < need {
		return 0, nil
	}

	off := 2
	var length uint64
	switch code {
	case 126:
		length = uint64(binary.BigEndian.Uint16(p[off:]))
		off += 2
		if length < 126 {
			return 0, fmt.Errorf("%w: 16-bit length %d below 126", ErrBadLength, length)
		}
	case 127:
		length = binary.BigEndian.Uint64(p[off:])
		off += 8
		if length <= 0xFFFF {
			return 0, fmt.Errorf("%w: 64-bit length %d not above 0xFFFF", ErrBadLength, length)
		}
	default:
		length = uint64(code)
	}
	if length >= MaxPayloadLen {
		return 0, fmt.Errorf("%w: declared %d bytes", ErrFrameTooBig, length)
	}
	if length > limit {
		return 0, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameLimit, length, limit)
	}

	f.firstByte = p[0]
	f.masked = masked
	if masked {
		f.maskKey = binary.BigEndian.Uint32(p[off:])
		off += 4
	}
	f.payloadLength = length
	if length == 0 {
		f.state = StateCompleted
	} else {
		f.state = StateHeaderParsed
		f.payload = make([]byte, 0, min(length, 64*1024))
	}
	return off, nil
}

// appendPayload copies up to the remaining declared length from p and
// unmasks it in place. Returns the number of bytes taken.
func (f *Frame) appendPayload(p []byte) int {
	remaining := f.payloadLength - uint64(len(f.payload))
	n := len(p)
	if uint64(n) > remaining {
		n = int(remaining)
	}
	start := len(f.payload)
	f.payload = append(f.payload, p[:n]...)
	if f.masked {
		applyMask(f.payload[start:], f.maskKey, start)
	}
	if uint64(len(f.payload)) == f.payloadLength {
		f.state = StateCompleted
	} else {
		f.state = StateMoreData
	}
	return n
}

// applyMask XORs b with the mask key; offset is the payload index of b[0].
func applyMask(b []byte, key uint32, offset int) {
	var mask [4]byte
	binary.BigEndian.PutUint32(mask[:], key)
	for i := range b {
		b[i] ^= mask[(offset+i)%4]
	}
}
