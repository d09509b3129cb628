// Package wire defines the message vocabulary exchanged between two dispatchers.
//
// Every value that crosses the channel is one of three envelopes: a Request
// (invoke a function on the peer), a Response (the matching result or error),
// or a ControlState (lifecycle synchronization, never correlated with a
// request). A ProxyHandle is not an envelope of its own; it travels as the
// value of a Response whenever a call created a remote object.
package wire

import "github.com/google/uuid"

// Message is implemented by every value the dispatcher queues and the
// transport carries.
type Message interface {
	isMessage()
}

// Request carries a single call to the peer.
//
//   - ProxyID addresses a live object in the peer's registry. An empty
//     ProxyID together with the reserved "#" prefix on Function addresses the
//     peer's dispatcher itself.
//   - Args and Kwargs are the positional and keyword arguments, in whatever
//     shapes the transport's codec preserves.
type Request struct {
	ID       string         `json:"id"`
	ProxyID  string         `json:"proxy_id,omitempty"`
	Function string         `json:"function"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

func (*Request) isMessage() {}

// Response answers exactly one Request. ID matches the originating
// Request.ID; exactly one of Err and Value is meaningful.
type Response struct {
	ID    string     `json:"id"`
	Err   *CallError `json:"err,omitempty"`
	Value any        `json:"value,omitempty"`
}

func (*Response) isMessage() {}

// ProxyHandle describes a freshly created remote object. An empty Exposed
// list means the default visibility rule applies on the remote side.
type ProxyHandle struct {
	ObjectID string   `json:"object_id"`
	TypeName string   `json:"type_name"`
	Exposed  []string `json:"exposed,omitempty"`
}

// ControlState synchronizes the two dispatchers' lifecycle state machines.
type ControlState struct {
	State State `json:"state"`
}

func (*ControlState) isMessage() {}

// NewID returns a fresh correlation id. Ids are random rather than
// sequential so the two ends of the channel never need to coordinate.
func NewID() string {
	return uuid.NewString()
}
