package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/protocol"
)

func decodeAll(t *testing.T, data []byte) []protocol.Message {
	t.Helper()
	d := protocol.NewDecoder()
	n, err := d.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n != len(data) {
		t.Fatalf("consumed %d of %d bytes", n, len(data))
	}
	return d.Messages()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ops := []api.OpCode{protocol.OpcodeText, protocol.OpcodeBinary, protocol.OpcodePing, protocol.OpcodePong, protocol.OpcodeClose}
	sizes := []int{0, 1, 125, 126, 1000, 65535, 65536, 70000}
	for _, op := range ops {
		for _, size := range sizes {
			if op.IsControl() && size > protocol.MaxControlPayloadLen {
				continue
			}
			payload := bytes.Repeat([]byte{byte(size)}, size)
			for _, masked := range []bool{false, true} {
				var wire []byte
				if masked {
					wire = protocol.AppendMaskedFrame(nil, op, true, payload, 0x01020304)
				} else {
					wire = protocol.EncodeFrame(op, payload)
				}
				msgs := decodeAll(t, wire)
				if len(msgs) != 1 {
					t.Fatalf("%s/%d/masked=%v: got %d messages", op, size, masked, len(msgs))
				}
				if msgs[0].OpCode != op || !bytes.Equal(msgs[0].Payload, payload) {
					t.Errorf("%s/%d/masked=%v: round trip mismatch", op, size, masked)
				}
			}
		}
	}
}

func TestLengthEncodingTiers(t *testing.T) {
	cases := []struct {
		size   int
		header int
	}{
		{0, 2}, {125, 2}, {126, 4}, {65535, 4}, {65536, 10},
	}
	for _, c := range cases {
		wire := protocol.EncodeFrame(protocol.OpcodeBinary, make([]byte, c.size))
		if got := len(wire) - c.size; got != c.header {
			t.Errorf("size %d: header %d bytes, want %d", c.size, got, c.header)
		}
		if wire[0] != 0x82 {
			t.Errorf("size %d: first byte 0x%x, want FIN|binary", c.size, wire[0])
		}
		if wire[1]&protocol.MaskBit != 0 {
			t.Errorf("size %d: server frame has mask bit", c.size)
		}
	}
}

func TestRejectsNonMinimalLengths(t *testing.T) {
	cases := map[string][]byte{
		"16-bit below 126":      {0x82, 126, 0x00, 0x7D},
		"64-bit within 16 bits": {0x82, 127, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF},
		"64-bit zero":           {0x82, 127, 0, 0, 0, 0, 0, 0, 0, 0},
		"16-bit zero with mask": {0x82, 0x80 | 126, 0x00, 0x00, 1, 2, 3, 4},
	}
	for name, wire := range cases {
		d := protocol.NewDecoder()
		n, err := d.Parse(wire)
		if !errors.Is(err, protocol.ErrBadLength) {
			t.Errorf("%s: err = %v, want ErrBadLength", name, err)
		}
		if !errors.Is(err, api.ErrProtocol) {
			t.Errorf("%s: error not classified as protocol error", name)
		}
		if n != 0 {
			t.Errorf("%s: consumed %d bytes", name, n)
		}
	}
}

func TestRejectsFrameTooBig(t *testing.T) {
	wire := []byte{0x82, 127, 0, 0, 0, 0, 0x80, 0, 0, 0}
	_, err := protocol.NewDecoder().Parse(wire)
	if !errors.Is(err, protocol.ErrFrameTooBig) || !errors.Is(err, api.ErrProtocol) {
		t.Fatalf("err = %v, want ErrFrameTooBig", err)
	}

	d := protocol.NewDecoder()
	d.SetMaxPayload(16)
	_, err = d.Parse(protocol.EncodeFrame(protocol.OpcodeText, make([]byte, 17)))
	if !errors.Is(err, protocol.ErrFrameLimit) || !errors.Is(err, api.ErrResourceExceeded) {
		t.Fatalf("limit: err = %v", err)
	}
	if errors.Is(err, api.ErrProtocol) {
		t.Fatal("configured limit classified as protocol error")
	}
}

func TestIncompleteHeaderConsumesNothing(t *testing.T) {
	wire := protocol.AppendMaskedFrame(nil, protocol.OpcodeText, true, []byte("hello"), 0xdeadbeef)
	d := protocol.NewDecoder()
	for i := 0; i < 6; i++ {
		n, err := d.Parse(wire[:i])
		if err != nil || n != 0 {
			t.Fatalf("prefix %d: n=%d err=%v", i, n, err)
		}
		if d.Partial() {
			t.Fatalf("prefix %d: decoder left the empty state", i)
		}
	}
	n, err := d.Parse(wire[:8])
	if err != nil || n != 8 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !d.Partial() {
		t.Fatal("expected a partial frame")
	}
}

func TestOneByteChunksMatchWholeInput(t *testing.T) {
	var stream []byte
	stream = protocol.AppendMaskedFrame(stream, protocol.OpcodeText, false, []byte("frag-"), 0x11223344)
	stream = protocol.AppendMaskedFrame(stream, protocol.OpcodePing, true, []byte("p"), 0x55667788)
	stream = protocol.AppendMaskedFrame(stream, protocol.OpcodeContinuation, true, []byte("mented"), 0x99aabbcc)
	stream = protocol.AppendMaskedFrame(stream, protocol.OpcodeBinary, true, bytes.Repeat([]byte{7}, 300), 0xddeeff00)
	stream = protocol.AppendMaskedFrame(stream, protocol.OpcodeClose, true, protocol.ClosePayload(1000, "bye"), 0x01010101)

	whole := decodeAll(t, stream)

	d := protocol.NewDecoder()
	var buf []byte
	var chunked []protocol.Message
	for _, b := range stream {
		buf = append(buf, b)
		n, err := d.Parse(buf)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		buf = buf[n:]
		chunked = append(chunked, d.Messages()...)
	}
	if len(buf) != 0 {
		t.Fatalf("%d bytes left unconsumed", len(buf))
	}
	if len(chunked) != len(whole) {
		t.Fatalf("got %d messages, want %d", len(chunked), len(whole))
	}
	for i := range whole {
		if chunked[i].OpCode != whole[i].OpCode || !bytes.Equal(chunked[i].Payload, whole[i].Payload) {
			t.Errorf("message %d differs: %s %q vs %s %q", i, chunked[i].OpCode, chunked[i].Payload, whole[i].OpCode, whole[i].Payload)
		}
	}
	if whole[0].OpCode != protocol.OpcodePing || string(whole[1].Payload) != "frag-mented" {
		t.Errorf("unexpected order: %v", whole)
	}
}

func TestControlFramesJumpFragmentedMessage(t *testing.T) {
	d := protocol.NewDecoder()
	feed := func(wire []byte) {
		t.Helper()
		if n, err := d.Parse(wire); err != nil || n != len(wire) {
			t.Fatalf("n=%d err=%v", n, err)
		}
	}

	feed(protocol.AppendMaskedFrame(nil, protocol.OpcodeText, false, []byte("Hel"), 1))
	feed(protocol.AppendMaskedFrame(nil, protocol.OpcodeContinuation, false, []byte("lo "), 2))
	feed(protocol.AppendMaskedFrame(nil, protocol.OpcodePing, true, []byte("a"), 3))
	feed(protocol.AppendMaskedFrame(nil, protocol.OpcodePong, true, []byte("b"), 4))

	msgs := d.Messages()
	if len(msgs) != 2 || msgs[0].OpCode != protocol.OpcodePing || msgs[1].OpCode != protocol.OpcodePong {
		t.Fatalf("expected ping then pong, got %v", msgs)
	}
	if d.Pending() != 2 {
		t.Fatalf("fragments should stay queued, pending=%d", d.Pending())
	}

	feed(protocol.AppendMaskedFrame(nil, protocol.OpcodePing, true, []byte("c"), 5))
	feed(protocol.AppendMaskedFrame(nil, protocol.OpcodeContinuation, true, []byte("world"), 6))

	msgs = d.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].OpCode != protocol.OpcodePing || string(msgs[0].Payload) != "c" {
		t.Errorf("first = %s %q, want ping", msgs[0].OpCode, msgs[0].Payload)
	}
	if msgs[1].OpCode != protocol.OpcodeText || string(msgs[1].Payload) != "Hello world" {
		t.Errorf("second = %s %q, want reassembled text", msgs[1].OpCode, msgs[1].Payload)
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d", d.Pending())
	}
}

func TestMaskingUsesNetworkOrderKey(t *testing.T) {
	wire := []byte{0x82, 0x84, 0xAA, 0xBB, 0xCC, 0xDD, 0x00, 0x01, 0x02, 0x03}
	msgs := decodeAll(t, wire)
	want := []byte{0xAA, 0xBA, 0xCE, 0xDE}
	if len(msgs) != 1 || !bytes.Equal(msgs[0].Payload, want) {
		t.Fatalf("payload = % x, want % x", msgs[0].Payload, want)
	}

	d := protocol.NewDecoder()
	if _, err := d.Parse(wire); err != nil {
		t.Fatal(err)
	}
	if f := d.Frames()[0]; f.MaskKey() != 0xAABBCCDD || !f.Masked() {
		t.Errorf("mask key = 0x%x", f.MaskKey())
	}
}

func TestInvalidFrames(t *testing.T) {
	cases := map[string][]byte{
		"rsv bits":             {0xC1, 0x00},
		"reserved opcode":      {0x83, 0x00},
		"fragmented ping":      {0x09, 0x00},
		"oversized close":      append([]byte{0x88, 126, 0x00, 0x7E}, make([]byte, 126)...),
		"orphan continuation":  {0x80, 0x00},
		"text inside fragment": {0x01, 0x01, 'a', 0x81, 0x01, 'b'},
	}
	for name, wire := range cases {
		_, err := protocol.NewDecoder().Parse(wire)
		if !errors.Is(err, protocol.ErrInvalidFrame) {
			t.Errorf("%s: err = %v, want ErrInvalidFrame", name, err)
		}
	}
}

func TestClosePayload(t *testing.T) {
	code, reason := protocol.ParseClosePayload(protocol.ClosePayload(protocol.CloseNormalClosure, "done"))
	if code != protocol.CloseNormalClosure || reason != "done" {
		t.Errorf("got %d %q", code, reason)
	}
	if code, _ := protocol.ParseClosePayload(nil); code != protocol.CloseGoingAway {
		t.Errorf("empty close payload code = %d", code)
	}
	if p := protocol.ClosePayload(1000, string(make([]byte, 200))); len(p) != protocol.MaxControlPayloadLen {
		t.Errorf("close payload length %d", len(p))
	}
}
