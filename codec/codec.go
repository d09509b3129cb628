// Package codec serializes wire messages into frame bodies and back.
//
// The frame header (package protocol) already records which envelope a body
// holds, so a codec only needs to map bytes to and from the concrete message
// structs. Two codecs are provided: JSON (cross-language, debuggable) and gob
// (Go-to-Go, preserves concrete argument types so integers stay integers).
package codec

import (
	"fmt"

	"pipelink/protocol"
	"pipelink/wire"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeGob  CodecType = 1
)

type Codec interface {
	// Encode serializes one message into a frame body.
	Encode(m wire.Message) ([]byte, error)
	// Decode parses a frame body into the message the frame header declared.
	Decode(t protocol.MsgType, data []byte) (wire.Message, error)
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &GobCodec{}
}

// MsgTypeOf returns the frame message type for m.
func MsgTypeOf(m wire.Message) (protocol.MsgType, error) {
	switch m.(type) {
	case *wire.Request:
		return protocol.MsgRequest, nil
	case *wire.Response:
		return protocol.MsgResponse, nil
	case *wire.ControlState:
		return protocol.MsgControl, nil
	}
	return 0, fmt.Errorf("codec: unknown message type %T", m)
}
