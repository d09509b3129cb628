package codec

import (
	"encoding/json"
	"fmt"

	"pipelink/protocol"
	"pipelink/wire"
)

// JSONCodec uses encoding/json for serialization.
// Pros: human-readable, works across languages, easy to debug on the wire.
// Cons: every number decodes as float64, so the invocation layer has to
// convert arguments back to the parameter types.
type JSONCodec struct{}

// jsonResponse is the wire shape of a Response. A ProxyHandle result rides
// in its own field instead of the generic value slot, so the receiving side
// can tell "a new remote object" apart from "a plain map that happens to
// have the same keys".
type jsonResponse struct {
	ID    string            `json:"id"`
	Err   *wire.CallError   `json:"err,omitempty"`
	Proxy *wire.ProxyHandle `json:"proxy,omitempty"`
	Value json.RawMessage   `json:"value,omitempty"`
}

func (c *JSONCodec) Encode(m wire.Message) ([]byte, error) {
	switch v := m.(type) {
	case *wire.Request:
		return json.Marshal(v)
	case *wire.Response:
		env := jsonResponse{ID: v.ID, Err: v.Err}
		if h, ok := v.Value.(*wire.ProxyHandle); ok {
			env.Proxy = h
		} else if v.Value != nil {
			raw, err := json.Marshal(v.Value)
			if err != nil {
				return nil, err
			}
			env.Value = raw
		}
		return json.Marshal(&env)
	case *wire.ControlState:
		return json.Marshal(v)
	}
	return nil, fmt.Errorf("codec: unknown message type %T", m)
}

func (c *JSONCodec) Decode(t protocol.MsgType, data []byte) (wire.Message, error) {
	switch t {
	case protocol.MsgRequest:
		req := &wire.Request{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, err
		}
		return req, nil
	case protocol.MsgResponse:
		var env jsonResponse
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		resp := &wire.Response{ID: env.ID, Err: env.Err}
		if env.Proxy != nil {
			resp.Value = env.Proxy
		} else if len(env.Value) > 0 {
			if err := json.Unmarshal(env.Value, &resp.Value); err != nil {
				return nil, err
			}
		}
		return resp, nil
	case protocol.MsgControl:
		cs := &wire.ControlState{}
		if err := json.Unmarshal(data, cs); err != nil {
			return nil, err
		}
		return cs, nil
	}
	return nil, fmt.Errorf("codec: unknown frame type %d", t)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
