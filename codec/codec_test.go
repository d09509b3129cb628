package codec

import (
	"testing"

	"pipelink/protocol"
	"pipelink/wire"
)

func TestJSONCodecRequest(t *testing.T) {
	jsonCodec := &JSONCodec{}

	originalMsg := &wire.Request{
		ID:       wire.NewID(),
		ProxyID:  "obj-1",
		Function: "Add",
		Args:     []any{float64(3), "label"},
		Kwargs:   map[string]any{"scale": float64(2)},
	}

	data, err := jsonCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	decoded, err := jsonCodec.Decode(protocol.MsgRequest, data)
	if err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	req, ok := decoded.(*wire.Request)
	if !ok {
		t.Fatalf("decoded type = %T, want *wire.Request", decoded)
	}

	if req.ID != originalMsg.ID {
		t.Errorf("ID mismatch: got %s, want %s", req.ID, originalMsg.ID)
	}
	if req.ProxyID != originalMsg.ProxyID {
		t.Errorf("ProxyID mismatch: got %s, want %s", req.ProxyID, originalMsg.ProxyID)
	}
	if req.Function != originalMsg.Function {
		t.Errorf("Function mismatch: got %s, want %s", req.Function, originalMsg.Function)
	}
	if len(req.Args) != 2 || req.Args[0] != float64(3) || req.Args[1] != "label" {
		t.Errorf("Args mismatch: got %v", req.Args)
	}
	if req.Kwargs["scale"] != float64(2) {
		t.Errorf("Kwargs mismatch: got %v", req.Kwargs)
	}
}

func TestJSONCodecResponseValue(t *testing.T) {
	jsonCodec := &JSONCodec{}

	data, err := jsonCodec.Encode(&wire.Response{ID: "r1", Value: float64(42)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := jsonCodec.Decode(protocol.MsgResponse, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	resp := decoded.(*wire.Response)
	if resp.ID != "r1" || resp.Err != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Value != float64(42) {
		t.Errorf("Value mismatch: got %v (%T)", resp.Value, resp.Value)
	}
}

func TestJSONCodecResponseProxyHandle(t *testing.T) {
	jsonCodec := &JSONCodec{}

	handle := &wire.ProxyHandle{
		ObjectID: "obj-7",
		TypeName: "Counter",
		Exposed:  []string{"Increment", "Value"},
	}
	data, err := jsonCodec.Encode(&wire.Response{ID: "r2", Value: handle})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := jsonCodec.Decode(protocol.MsgResponse, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	resp := decoded.(*wire.Response)
	got, ok := resp.Value.(*wire.ProxyHandle)
	if !ok {
		t.Fatalf("Value type = %T, want *wire.ProxyHandle", resp.Value)
	}
	if got.ObjectID != handle.ObjectID || got.TypeName != handle.TypeName {
		t.Errorf("handle mismatch: got %+v", got)
	}
	if len(got.Exposed) != 2 {
		t.Errorf("Exposed mismatch: got %v", got.Exposed)
	}
}

func TestJSONCodecResponseError(t *testing.T) {
	jsonCodec := &JSONCodec{}

	data, err := jsonCodec.Encode(&wire.Response{
		ID:  "r3",
		Err: wire.NewCallError(wire.KindNotExposed, "method \"Reset\" is not exposed by Counter"),
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := jsonCodec.Decode(protocol.MsgResponse, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	resp := decoded.(*wire.Response)
	if resp.Err == nil {
		t.Fatal("expected error to survive the round trip")
	}
	if resp.Err.Kind != wire.KindNotExposed {
		t.Errorf("kind mismatch: got %q, want %q", resp.Err.Kind, wire.KindNotExposed)
	}
}

func TestJSONCodecControl(t *testing.T) {
	jsonCodec := &JSONCodec{}

	data, err := jsonCodec.Encode(&wire.ControlState{State: wire.StateShutdown})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := jsonCodec.Decode(protocol.MsgControl, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if cs := decoded.(*wire.ControlState); cs.State != wire.StateShutdown {
		t.Errorf("State mismatch: got %v", cs.State)
	}
}

type gobPoint struct {
	X, Y int
}

func TestGobCodecPreservesTypes(t *testing.T) {
	RegisterType(gobPoint{})
	gobCodec := &GobCodec{}

	originalMsg := &wire.Request{
		ID:       wire.NewID(),
		Function: "Move",
		Args:     []any{7, gobPoint{X: 1, Y: 2}},
		Kwargs:   map[string]any{"speed": 3},
	}

	data, err := gobCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("GobCodec Encode failed: %v", err)
	}
	decoded, err := gobCodec.Decode(protocol.MsgRequest, data)
	if err != nil {
		t.Fatalf("GobCodec Decode failed: %v", err)
	}
	req := decoded.(*wire.Request)

	// Unlike JSON, gob keeps the concrete types.
	if v, ok := req.Args[0].(int); !ok || v != 7 {
		t.Errorf("Args[0] = %v (%T), want int 7", req.Args[0], req.Args[0])
	}
	if p, ok := req.Args[1].(gobPoint); !ok || p.X != 1 || p.Y != 2 {
		t.Errorf("Args[1] = %v (%T), want gobPoint{1 2}", req.Args[1], req.Args[1])
	}
	if v, ok := req.Kwargs["speed"].(int); !ok || v != 3 {
		t.Errorf("Kwargs[speed] = %v (%T), want int 3", req.Kwargs["speed"], req.Kwargs["speed"])
	}
}

func TestGobCodecResponseProxyHandle(t *testing.T) {
	gobCodec := &GobCodec{}

	data, err := gobCodec.Encode(&wire.Response{
		ID:    "r4",
		Value: &wire.ProxyHandle{ObjectID: "obj-9", TypeName: "Counter"},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := gobCodec.Decode(protocol.MsgResponse, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	resp := decoded.(*wire.Response)
	handle, ok := resp.Value.(*wire.ProxyHandle)
	if !ok {
		t.Fatalf("Value type = %T, want *wire.ProxyHandle", resp.Value)
	}
	if handle.ObjectID != "obj-9" {
		t.Errorf("ObjectID mismatch: got %s", handle.ObjectID)
	}
}

func TestGetCodec(t *testing.T) {
	if GetCodec(CodecTypeJSON).Type() != CodecTypeJSON {
		t.Error("GetCodec(CodecTypeJSON) returned wrong codec")
	}
	if GetCodec(CodecTypeGob).Type() != CodecTypeGob {
		t.Error("GetCodec(CodecTypeGob) returned wrong codec")
	}
}

func TestMsgTypeOf(t *testing.T) {
	cases := []struct {
		msg  wire.Message
		want protocol.MsgType
	}{
		{&wire.Request{}, protocol.MsgRequest},
		{&wire.Response{}, protocol.MsgResponse},
		{&wire.ControlState{}, protocol.MsgControl},
	}
	for _, c := range cases {
		got, err := MsgTypeOf(c.msg)
		if err != nil {
			t.Fatalf("MsgTypeOf(%T) failed: %v", c.msg, err)
		}
		if got != c.want {
			t.Errorf("MsgTypeOf(%T) = %d, want %d", c.msg, got, c.want)
		}
	}
}
