package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"pipelink/protocol"
	"pipelink/wire"
)

// GobCodec uses encoding/gob for serialization. Between two Go processes it
// keeps concrete argument types intact (an int arrives as an int), at the
// price of being unreadable on the wire and Go-only.
//
// Values carried inside the interface-typed Args, Kwargs, and Value fields
// must be registered: gob pre-registers the basic types, the codec registers
// its own wire shapes, and applications register their parameter and result
// structs via RegisterType.
type GobCodec struct{}

func init() {
	gob.Register([]any{})
	gob.Register(map[string]any{})
	gob.Register(&wire.ProxyHandle{})
}

// RegisterType makes a concrete type usable inside the interface-typed
// fields of a message. Call it once per application type, on both ends of
// the channel.
func RegisterType(v any) {
	gob.Register(v)
}

func (c *GobCodec) Encode(m wire.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	var err error
	switch v := m.(type) {
	case *wire.Request:
		err = enc.Encode(v)
	case *wire.Response:
		err = enc.Encode(v)
	case *wire.ControlState:
		err = enc.Encode(v)
	default:
		return nil, fmt.Errorf("codec: unknown message type %T", m)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(t protocol.MsgType, data []byte) (wire.Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	switch t {
	case protocol.MsgRequest:
		req := &wire.Request{}
		if err := dec.Decode(req); err != nil {
			return nil, err
		}
		return req, nil
	case protocol.MsgResponse:
		resp := &wire.Response{}
		if err := dec.Decode(resp); err != nil {
			return nil, err
		}
		return resp, nil
	case protocol.MsgControl:
		cs := &wire.ControlState{}
		if err := dec.Decode(cs); err != nil {
			return nil, err
		}
		return cs, nil
	}
	return nil, fmt.Errorf("codec: unknown frame type %d", t)
}

func (c *GobCodec) Type() CodecType {
	return CodecTypeGob
}
