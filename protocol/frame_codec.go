// File: protocol/frame_codec.go
// Package protocol implements the incremental RFC6455 frame codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The Decoder is fed whatever bytes the socket has accumulated and reports
// how many it consumed, so the caller can slide its buffer. Completed frames
// are queued until Messages drains them.

package protocol

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/momentics/hioload-mux/api"
)

var (
	ErrInvalidFrame = api.NewError(api.ErrCodeProtocol, "invalid websocket frame")
	ErrBadLength    = api.NewError(api.ErrCodeProtocol, "invalid websocket payload length")
	ErrFrameTooBig  = api.NewError(api.ErrCodeProtocol, "websocket frame too big")
	ErrFrameLimit   = api.NewError(api.ErrCodeResourceExceeded, "websocket frame exceeds limit")
)

// Message is one deliverable unit: a control frame or a reassembled data message.
type Message struct {
	OpCode  api.OpCode
	Payload []byte
}

// Decoder holds the in-progress frame and the queue of completed frames of
// one connection. It is not safe for concurrent use.
type Decoder struct {
	cur        Frame
	frames     []*Frame
	open       int // index of the first frame of the unfinished data message, -1 if none
	maxPayload uint64
}

// NewDecoder returns a decoder accepting frames up to the protocol maximum.
func NewDecoder() *Decoder {
	return &Decoder{open: -1, maxPayload: MaxPayloadLen - 1}
}

// SetMaxPayload lowers the per-frame payload limit. Zero restores the default.
func (d *Decoder) SetMaxPayload(n uint64) {
	if n == 0 || n >= MaxPayloadLen {
		n = MaxPayloadLen - 1
	}
	d.maxPayload = n
}

// Parse advances the decoder over data and returns the bytes consumed.
// An incomplete header consumes nothing; the caller retries once more bytes
// have arrived. Any error is fatal for the connection.
func (d *Decoder) Parse(data []byte) (int, error) {
	consumed := 0
	for consumed < len(data) {
		if d.cur.state == StateEmpty {
			n, err := d.cur.parseHeader(data[consumed:], d.maxPayload)
			if err != nil {
				d.cur.Reset()
				return consumed, err
			}
			if n == 0 {
				break
			}
			consumed += n
		}
		if d.cur.state != StateCompleted && consumed < len(data) {
			consumed += d.cur.appendPayload(data[consumed:])
		}
		if d.cur.state != StateCompleted {
			break
		}
		f := d.cur
		d.cur = Frame{}
		if err := d.enqueue(&f); err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}

// enqueue validates a completed frame and places it in delivery order.
// Control frames jump ahead of the unfinished data message but stay behind
// control frames that arrived earlier.
func (d *Decoder) enqueue(f *Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.IsControl() {
		if d.open >= 0 {
			d.frames = slices.Insert(d.frames, d.open, f)
			d.open++
			return nil
		}
		d.frames = append(d.frames, f)
		return nil
	}

	switch f.OpCode() {
	case OpcodeContinuation:
		if d.open < 0 {
			return fmt.Errorf("%w: continuation without an open message", ErrInvalidFrame)
		}
	default:
		if d.open >= 0 {
			return fmt.Errorf("%w: new %s message inside a fragmented message", ErrInvalidFrame, f.OpCode())
		}
		if !f.IsFinal() {
			d.open = len(d.frames)
		}
	}
	d.frames = append(d.frames, f)
	if f.IsFinal() {
		d.open = -1
	}
	return nil
}

// Messages drains every deliverable message in order. Fragments of an
// unfinished message stay queued.
func (d *Decoder) Messages() []Message {
	limit := len(d.frames)
	if d.open >= 0 {
		limit = d.open
	}
	if limit == 0 {
		return nil
	}

	var out []Message
	for i := 0; i < limit; {
		f := d.frames[i]
		if f.IsControl() || f.IsFinal() {
			out = append(out, Message{OpCode: f.OpCode(), Payload: f.payload})
			i++
			continue
		}
		m := Message{OpCode: f.OpCode(), Payload: slices.Clone(f.payload)}
		for i++; i < limit; i++ {
			next := d.frames[i]
			if next.IsControl() {
				// Controls are never queued between fragments of a finished message.
				continue
			}
			m.Payload = append(m.Payload, next.payload...)
			if next.IsFinal() {
				i++
				break
			}
		}
		out = append(out, m)
	}

	clear(d.frames[:limit])
	d.frames = append(d.frames[:0], d.frames[limit:]...)
	if d.open >= 0 {
		d.open = 0
	}
	return out
}

// Pending returns the number of completed frames not yet drained.
func (d *Decoder) Pending() int { return len(d.frames) }

// Partial reports whether a frame is currently being received.
func (d *Decoder) Partial() bool { return d.cur.state != StateEmpty }

// Frames returns the queued completed frames in delivery order.
func (d *Decoder) Frames() []*Frame { return d.frames }

// Reset drops all decoding state.
func (d *Decoder) Reset() {
	d.cur.Reset()
	clear(d.frames)
	d.frames = d.frames[:0]
	d.open = -1
}

// AppendFrame appends a final, unmasked frame to dst.
func AppendFrame(dst []byte, op api.OpCode, payload []byte) []byte {
	dst = appendHeader(dst, FinBit|byte(op)&OpcodeBits, false, len(payload))
	return append(dst, payload...)
}

// AppendMaskedFrame appends a masked frame as a client would send it.
func AppendMaskedFrame(dst []byte, op api.OpCode, final bool, payload []byte, key uint32) []byte {
	b0 := byte(op) & OpcodeBits
	if final {
		b0 |= FinBit
	}
	dst = appendHeader(dst, b0, true, len(payload))
	dst = binary.BigEndian.AppendUint32(dst, key)
	start := len(dst)
	dst = append(dst, payload...)
	applyMask(dst[start:], key, 0)
	return dst
}

// EncodeFrame returns a final, unmasked frame in a fresh slice.
func EncodeFrame(op api.OpCode, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, MaxFrameHeaderLen+len(payload)), op, payload)
}

func appendHeader(dst []byte, b0 byte, masked bool, n int) []byte {
	var mask byte
	if masked {
		mask = MaskBit
	}
	switch {
	case n <= 125:
		return append(dst, b0, mask|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, mask|126)
		return binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, mask|127)
		return binary.BigEndian.AppendUint64(dst, uint64(n))
	}
}

// ClosePayload builds a close frame body. Code 0 yields an empty body.
func ClosePayload(code uint16, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	p := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	return append(p, reason...)
}

// ParseClosePayload extracts the status code and reason. A body without a
// code reports CloseGoingAway.
func ParseClosePayload(p []byte) (uint16, string) {
	if len(p) < 2 {
		return CloseGoingAway, ""
	}
	return binary.BigEndian.Uint16(p), string(p[2:])
}
