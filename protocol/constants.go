// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

import "github.com/momentics/hioload-mux/api"

const (
	// Control opcodes (>=0x8)
	OpcodeContinuation = api.OpContinuation
	OpcodeText         = api.OpText
	OpcodeBinary       = api.OpBinary
	OpcodeClose        = api.OpClose
	OpcodePing         = api.OpPing
	OpcodePong         = api.OpPong

	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking
	// MaxPayloadLen is exclusive: frames declaring 2 GiB or more are rejected.
	MaxPayloadLen = 1 << 31

	// Bit masks
	FinBit     = 0x80
	RsvBits    = 0x70
	OpcodeBits = 0x0F
	MaskBit    = 0x80

	// Close codes
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)
