package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"pipelink/wire"
)

// ProxyFactory wraps a freshly built generic proxy into whatever facade the
// consuming side prefers. Registered per type name via Consume.
type ProxyFactory func(p *Proxy) any

// Proxy is the caller-side stand-in for one object living on the peer. It
// holds no state beyond the object's id and advertised method set; every
// call is a round trip through the owning dispatcher.
type Proxy struct {
	d        *Dispatcher
	id       string
	typeName string
	exposed  []string
	methods  map[string]struct{}
	released atomic.Bool
}

// NewProxy builds a proxy from a handle received off the wire. An empty
// exposed list defers method checks entirely to the peer.
func NewProxy(d *Dispatcher, h *wire.ProxyHandle) *Proxy {
	p := &Proxy{d: d, id: h.ObjectID, typeName: h.TypeName, exposed: h.Exposed}
	if len(h.Exposed) > 0 {
		p.methods = make(map[string]struct{}, len(h.Exposed))
		for _, fn := range h.Exposed {
			p.methods[fn] = struct{}{}
		}
	}
	return p
}

// Call invokes a method on the remote object and waits for its result.
func (p *Proxy) Call(ctx context.Context, function string, args ...any) (any, error) {
	return p.Invoke(ctx, function, args, nil)
}

// Invoke is Call with keyword arguments. A method name outside the
// advertised set fails locally with a not-exposed error, saving the round
// trip; the peer enforces the same policy regardless.
func (p *Proxy) Invoke(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	if p.released.Load() {
		return nil, fmt.Errorf("%w: object %s", ErrProxyReleased, p.id)
	}
	if p.methods != nil {
		if _, ok := p.methods[function]; !ok {
			return nil, wire.Errorf(wire.KindNotExposed, "%s has no exposed method %q", p.typeName, function)
		}
	}
	opts := []CallOption{WithProxyID(p.id)}
	if kwargs != nil {
		opts = append(opts, WithKwargs(kwargs))
	}
	return p.d.Call(ctx, function, args, opts...)
}

// Release gives up this proxy's reference to the remote object. It is
// idempotent, never blocks and never fails: the release travels
// fire-and-forget, and the peer tolerates releases that cross a teardown.
func (p *Proxy) Release() {
	if p.released.Swap(true) {
		return
	}
	p.d.Call(context.Background(), FuncDelProxy, []any{p.id}, FireAndForget())
}

// Close releases the proxy. The error is always nil; the signature exists so
// a proxy can sit in a defer like any other resource.
func (p *Proxy) Close() error {
	p.Release()
	return nil
}

// ID returns the remote object's id.
func (p *Proxy) ID() string { return p.id }

// TypeName returns the provider class name the object was created from.
func (p *Proxy) TypeName() string { return p.typeName }

// Exposed returns the method names advertised by the handle, nil when the
// peer left visibility to its own policy.
func (p *Proxy) Exposed() []string { return p.exposed }
