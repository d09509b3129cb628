// Package dispatch implements the engine that lets two processes share live
// objects over one duplex message channel. One side provides objects, the
// other invokes their methods through proxies; each side runs a Dispatcher
// whose single background worker moves every message in both directions.
//
// The worker alternates one write and one read per iteration, so neither
// direction can starve the other:
//
//	caller ──Call──→ queue ──writeOnce──→ channel ──readOnce──→ registry
//	                                                               │
//	pending[id] ←──readOnce──── channel ←──writeOnce──── queue ←───┘
//
// Each waiting call parks on its own buffered channel in the pending table,
// keyed by request id; the worker routes responses there as they arrive, so
// responses may come back in any order.
//
// Lifecycle: Init → Startup → Running → Shutdown → Terminated, forward only.
// Both sides announce Startup; observing the peer's announcement while still
// starting completes the handshake. Shutdown drains the outbound queue and
// closes the channel. A vanished peer jumps the state straight to Terminated
// and fails every pending call, so no caller blocks on a channel that can no
// longer answer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pipelink/logging"
	"pipelink/middleware"
	"pipelink/registry"
	"pipelink/transport"
	"pipelink/wire"
)

// InternalPrefix marks functions served by the dispatcher itself rather than
// a registered object. The names below are reserved on every dispatcher.
const InternalPrefix = "#"

const (
	// FuncNewProxy instantiates a provided class on the peer and returns a
	// proxy handle. Args: [class name, constructor args, constructor kwargs].
	FuncNewProxy = InternalPrefix + "new_proxy"
	// FuncDelProxy releases one reference to a peer object. Args: [object id].
	FuncDelProxy = InternalPrefix + "del_proxy"
	// FuncStart reports the peer's lifecycle state, as a liveness probe.
	FuncStart = InternalPrefix + "start"
	// FuncShutdown asks the peer to begin its shutdown transition.
	FuncShutdown = InternalPrefix + "shutdown"
)

var (
	// ErrNotRunning is returned by Shutdown before the handshake completed.
	ErrNotRunning = errors.New("dispatch: dispatcher is not running")
	// ErrDispatcherClosed is returned once the channel is gone for good.
	ErrDispatcherClosed = errors.New("dispatch: dispatcher closed")
	// ErrProxyReleased is returned by calls through an already released proxy.
	ErrProxyReleased = errors.New("dispatch: proxy released")
)

// Dispatcher owns one end of the channel. All exported methods are safe for
// concurrent use; one mutex guards the queue, the pending table and the
// consumed map, and is never held across a Send, a Recv or a method
// invocation, so a caller is never blocked behind a round trip.
type Dispatcher struct {
	tr   transport.Transport
	reg  *registry.Registry
	log  logging.Logger
	spin time.Duration

	mu       sync.Mutex
	queue    deque
	pending  map[string]chan *wire.Response
	consumed map[string]ProxyFactory

	state   atomic.Int32
	handler middleware.HandlerFunc
	done    chan struct{}
}

// New creates a Dispatcher over the given transport and starts its worker.
// The dispatcher begins in Init and moves nothing until Start is called.
func New(tr transport.Transport, opts ...Option) *Dispatcher {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	d := &Dispatcher{
		tr:       tr,
		reg:      registry.New(options.log),
		log:      options.log,
		spin:     options.spin,
		pending:  make(map[string]chan *wire.Response),
		consumed: make(map[string]ProxyFactory),
		done:     make(chan struct{}),
	}
	// Build the middleware chain once, not per request.
	d.handler = middleware.Chain(options.middleware...)(d.objectHandler)
	go d.run()
	return d
}

// Registry exposes the object registry backing this dispatcher.
func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// Provide registers a class whose instances the peer may create and call.
func (d *Dispatcher) Provide(prototype any, opts ...registry.ProvideOption) (string, error) {
	return d.reg.Provide(prototype, opts...)
}

// Consume registers a class name this side expects to receive proxies for.
// A proxy factory, if given, wraps each arriving proxy of that type; handles
// for never-consumed types still materialize as generic proxies.
func (d *Dispatcher) Consume(name string, opts ...ConsumeOption) error {
	var co consumeOptions
	for _, opt := range opts {
		opt(&co)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.consumed[name]; exists {
		return fmt.Errorf("%w: %s", registry.ErrNameInUse, name)
	}
	d.consumed[name] = co.factory
	return nil
}

// State reads the current lifecycle state without locking.
func (d *Dispatcher) State() wire.State { return wire.State(d.state.Load()) }

// Alive reports whether the dispatcher is between Startup and Shutdown.
func (d *Dispatcher) Alive() bool { return d.State().Alive() }

// Join blocks until the worker goroutine has exited.
func (d *Dispatcher) Join() { <-d.done }

// Start moves the dispatcher into Startup and blocks until the handshake
// with the peer completes. Both sides must call Start; each announces
// Startup and completes on seeing the other's announcement. Calling Start
// again once past Startup fails with ErrStateRegression.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.transition(wire.StateStartup); err != nil {
		return err
	}
	ticker := time.NewTicker(d.spin)
	defer ticker.Stop()
	for {
		switch d.State() {
		case wire.StateStartup:
		case wire.StateTerminated:
			return fmt.Errorf("%w: peer went away during startup", ErrDispatcherClosed)
		default:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
		case <-ticker.C:
		}
	}
}

// Shutdown moves a running dispatcher into Shutdown and blocks until the
// worker has drained the outbound queue and terminated. The peer learns of
// the shutdown through a control message and follows on its own. Callers are
// expected to finish their calls first; anything still pending when the
// channel closes fails with a transport-kind error.
//
// Shutdown before Start completes fails with ErrNotRunning. On an already
// terminated dispatcher it returns nil.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	switch d.State() {
	case wire.StateInit, wire.StateStartup:
		return fmt.Errorf("%w: state %s", ErrNotRunning, d.State())
	case wire.StateRunning:
		if err := d.transition(wire.StateShutdown); err != nil {
			// The only losable race is against termination, which is
			// exactly the outcome Shutdown wants.
			if d.State() == wire.StateTerminated {
				return nil
			}
			return err
		}
	case wire.StateShutdown:
		// Another caller or the peer already initiated; just wait.
	case wire.StateTerminated:
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends function to the peer and, unless fire-and-forget, blocks until
// the response arrives or ctx is done. Errors raised on the peer come back
// as *wire.CallError with the kind the peer raised. A response carrying a
// proxy handle materializes as a proxy (see Consume) before being returned.
//
// "#"-prefixed functions are dispatcher-internal and jump the queue.
func (d *Dispatcher) Call(ctx context.Context, function string, args []any, opts ...CallOption) (any, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	if s := d.State(); s >= wire.StateShutdown {
		return nil, fmt.Errorf("%w: state %s", ErrDispatcherClosed, s)
	}

	req := &wire.Request{
		ID:       wire.NewID(),
		ProxyID:  co.proxyID,
		Function: function,
		Args:     args,
		Kwargs:   co.kwargs,
	}

	if co.fireAndForget {
		d.mu.Lock()
		if wire.State(d.state.Load()) < wire.StateShutdown {
			d.enqueueLocked(req)
		}
		d.mu.Unlock()
		return nil, nil
	}

	// Register the response cell before the request can leave, so the worker
	// can never route an answer to an unknown id.
	ch := make(chan *wire.Response, 1)
	d.mu.Lock()
	if s := wire.State(d.state.Load()); s >= wire.StateShutdown {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrDispatcherClosed, s)
	}
	d.pending[req.ID] = ch
	d.enqueueLocked(req)
	d.mu.Unlock()

	select {
	case resp := <-ch:
		return d.interpret(resp)
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
		// Fulfillment may have won the race just before the delete.
		select {
		case resp := <-ch:
			return d.interpret(resp)
		default:
		}
		return nil, ctx.Err()
	}
}

// Create asks the peer to instantiate a provided class and returns the
// resulting proxy (or whatever the consumed proxy factory builds from it).
func (d *Dispatcher) Create(ctx context.Context, name string, args ...any) (any, error) {
	return d.Call(ctx, FuncNewProxy, []any{name, args, nil})
}

func (d *Dispatcher) enqueueLocked(req *wire.Request) {
	if strings.HasPrefix(req.Function, InternalPrefix) {
		d.queue.PushHead(req)
	} else {
		d.queue.PushTail(req)
	}
}

// interpret turns a raw response into the caller-facing result.
func (d *Dispatcher) interpret(resp *wire.Response) (any, error) {
	if resp == nil {
		return nil, wire.NewCallError(wire.KindProtocol, "empty response")
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if h, ok := resp.Value.(*wire.ProxyHandle); ok {
		return d.buildProxy(h), nil
	}
	return resp.Value, nil
}

func (d *Dispatcher) buildProxy(h *wire.ProxyHandle) any {
	d.mu.Lock()
	factory := d.consumed[h.TypeName]
	d.mu.Unlock()
	p := NewProxy(d, h)
	if factory != nil {
		return factory(p)
	}
	return p
}

// transition advances the lifecycle. Equal states are a no-op, moving
// backward fails with ErrStateRegression, and every announced forward move
// (Terminated excepted, the channel is about to vanish) enqueues a control
// message at the head of the queue so the peer hears about it first.
func (d *Dispatcher) transition(next wire.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := wire.State(d.state.Load())
	if next == cur {
		return nil
	}
	if next < cur {
		return fmt.Errorf("%w: %s -> %s", wire.ErrStateRegression, cur, next)
	}
	d.state.Store(int32(next))
	d.log.Debug("state changed", "from", cur.String(), "to", next.String())
	switch next {
	case wire.StateStartup, wire.StateRunning, wire.StateShutdown:
		d.queue.PushHead(&wire.ControlState{State: next})
	}
	return nil
}

// run is the worker loop. One write then one read per iteration; the poll
// timeout inside readOnce doubles as the idle sleep, so an idle dispatcher
// wakes at most once per spin interval.
func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.finish()
	for {
		switch wire.State(d.state.Load()) {
		case wire.StateInit:
			time.Sleep(d.spin)
		case wire.StateStartup, wire.StateRunning:
			if !d.writeOnce() {
				return
			}
			if !d.readOnce() {
				return
			}
		case wire.StateShutdown:
			d.drain()
			return
		default:
			return
		}
	}
}

// finish runs exactly once on the worker's way out: the state jumps to
// Terminated, the transport closes, and every pending caller is failed.
func (d *Dispatcher) finish() {
	d.mu.Lock()
	prev := wire.State(d.state.Load())
	d.state.Store(int32(wire.StateTerminated))
	undelivered := d.queue.Len()
	pending := d.pending
	d.pending = make(map[string]chan *wire.Response)
	d.mu.Unlock()

	d.tr.Close()
	for id, ch := range pending {
		ch <- &wire.Response{ID: id, Err: wire.NewCallError(wire.KindTransport, "dispatcher closed")}
	}
	if undelivered > 0 {
		d.log.Debug("undelivered messages dropped", "count", undelivered)
	}
	d.log.Info("dispatcher terminated",
		"previous_state", prev.String(), "failed_calls", len(pending))
}

// writeOnce sends at most one queued message. It reports false when the
// channel is gone and the worker must stop.
func (d *Dispatcher) writeOnce() bool {
	d.mu.Lock()
	head, ok := d.queue.PeekHead()
	if !ok {
		d.mu.Unlock()
		return true
	}
	// Until the handshake completes only control messages may leave;
	// application traffic stays queued rather than being dropped.
	if _, ctrl := head.(*wire.ControlState); !ctrl && wire.State(d.state.Load()) == wire.StateStartup {
		d.mu.Unlock()
		return true
	}
	d.queue.PopHead()
	d.mu.Unlock()

	err := d.tr.Send(head)
	if err == nil {
		return true
	}
	var encErr *transport.EncodeError
	if errors.As(err, &encErr) {
		d.sendFailed(head, encErr)
		return true
	}
	d.log.Debug("send failed, closing", "error", err.Error())
	return false
}

// sendFailed handles a message the codec refused. Serialization failures are
// survivable and must never wedge a waiting caller, on either side.
func (d *Dispatcher) sendFailed(m wire.Message, encErr error) {
	switch msg := m.(type) {
	case *wire.Request:
		// Our own caller is parked on the pending table; feed it the failure.
		d.processResponse(&wire.Response{
			ID:  msg.ID,
			Err: wire.NewCallError(wire.KindTransport, encErr.Error()),
		})
	case *wire.Response:
		if msg.Err == nil {
			// The result value would not serialize. The peer still deserves
			// an answer it can decode; errors are plain strings and will.
			d.mu.Lock()
			d.queue.PushHead(&wire.Response{
				ID:  msg.ID,
				Err: wire.NewCallError(wire.KindTransport, encErr.Error()),
			})
			d.mu.Unlock()
			return
		}
		d.log.Warn("dropping unencodable response", "id", msg.ID, "error", encErr.Error())
	default:
		d.log.Warn("dropping unencodable message", "error", encErr.Error())
	}
}

// readOnce waits up to one spin interval for an inbound message and handles
// it. It reports false when the channel is gone and the worker must stop.
func (d *Dispatcher) readOnce() bool {
	ready, err := d.tr.Poll(d.spin)
	if err != nil {
		d.log.Debug("poll failed, closing", "error", err.Error())
		return false
	}
	if !ready {
		return true
	}
	m, err := d.tr.Recv()
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return false
		}
		// A body that fails to decode is survivable; the stream stays framed.
		d.log.Warn("dropping undecodable message", "error", err.Error())
		return true
	}
	switch msg := m.(type) {
	case *wire.ControlState:
		d.handleControl(msg)
	case *wire.Request:
		d.handleRequest(msg)
	case *wire.Response:
		if d.State() != wire.StateRunning {
			d.log.Debug("response outside running dropped", "id", msg.ID)
			return true
		}
		d.processResponse(msg)
	default:
		d.log.Debug("unknown message dropped")
	}
	return true
}

// handleControl applies the peer's lifecycle announcement.
func (d *Dispatcher) handleControl(cs *wire.ControlState) {
	switch cs.State {
	case wire.StateStartup:
		if d.State() == wire.StateStartup {
			// Both sides are starting; the handshake is complete.
			if err := d.transition(wire.StateRunning); err != nil {
				d.log.Debug("handshake transition failed", "error", err.Error())
			}
			return
		}
		d.log.Debug("peer startup ignored", "state", d.State().String())
	case wire.StateShutdown:
		if d.State() < wire.StateShutdown {
			if err := d.transition(wire.StateShutdown); err != nil {
				d.log.Debug("shutdown transition failed", "error", err.Error())
			}
		}
	default:
		d.log.Debug("control ignored", "peer_state", cs.State.String())
	}
}

// handleRequest serves one inbound call and queues its response head-of-line,
// so answers outrank traffic that is still waiting to go out.
func (d *Dispatcher) handleRequest(req *wire.Request) {
	if d.State() != wire.StateRunning {
		d.log.Debug("request outside running dropped", "id", req.ID, "function", req.Function)
		return
	}
	var resp *wire.Response
	if strings.HasPrefix(req.Function, InternalPrefix) {
		resp = d.serveInternal(req)
	} else {
		resp = d.handler(context.Background(), req)
	}
	if resp == nil {
		resp = &wire.Response{ID: req.ID, Err: wire.NewCallError(wire.KindProtocol, "handler returned nothing")}
	}
	d.mu.Lock()
	d.queue.PushHead(resp)
	d.mu.Unlock()
}

// processResponse routes a response to whoever is waiting on its id. The
// entry is removed under the lock, so a response is delivered at most once;
// without a taker (a fire-and-forget acknowledgement, or a caller that gave
// up at ctx expiry) it is dropped.
func (d *Dispatcher) processResponse(resp *wire.Response) {
	d.mu.Lock()
	ch, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debug("response without a waiter dropped", "id", resp.ID)
		return
	}
	ch <- resp
}

// drain flushes the whole outbound queue, the shutdown announcement
// included, before the worker exits. Inbound traffic is no longer read.
func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		n := d.queue.Len()
		d.mu.Unlock()
		if n == 0 {
			return
		}
		if !d.writeOnce() {
			return
		}
	}
}

// objectHandler is the innermost request handler: it resolves the target
// object in the registry and invokes the named method. The middleware chain
// wraps it.
func (d *Dispatcher) objectHandler(_ context.Context, req *wire.Request) *wire.Response {
	if req.ProxyID == "" {
		return &wire.Response{ID: req.ID, Err: wire.NewCallError(wire.KindBadArgument, "request names no object")}
	}
	value, err := d.reg.CallMethod(req.ProxyID, req.Function, req.Args, req.Kwargs)
	if err != nil {
		return &wire.Response{ID: req.ID, Err: wire.AsCallError(err)}
	}
	return &wire.Response{ID: req.ID, Value: value}
}

// serveInternal answers the reserved "#" namespace. These calls are control
// plane and bypass the middleware chain.
func (d *Dispatcher) serveInternal(req *wire.Request) *wire.Response {
	switch req.Function {
	case FuncNewProxy:
		return d.newProxyHandler(req)
	case FuncDelProxy:
		if len(req.Args) == 1 {
			if id, ok := req.Args[0].(string); ok {
				d.reg.DelProxy(id)
				return &wire.Response{ID: req.ID, Value: true}
			}
		}
		return &wire.Response{ID: req.ID, Err: wire.NewCallError(wire.KindBadArgument, "del_proxy takes one object id")}
	case FuncStart:
		return &wire.Response{ID: req.ID, Value: d.State().String()}
	case FuncShutdown:
		if err := d.transition(wire.StateShutdown); err != nil {
			return &wire.Response{ID: req.ID, Err: wire.AsCallError(err)}
		}
		return &wire.Response{ID: req.ID, Value: true}
	}
	return &wire.Response{ID: req.ID, Err: wire.Errorf(wire.KindNotExposed, "unknown internal function %q", req.Function)}
}

// newProxyHandler unpacks a "#new_proxy" request: [name, args, kwargs].
func (d *Dispatcher) newProxyHandler(req *wire.Request) *wire.Response {
	name, args, kwargs, err := unpackNewProxy(req.Args)
	if err != nil {
		return &wire.Response{ID: req.ID, Err: wire.AsCallError(err)}
	}
	handle, err := d.reg.NewProxy(name, args, kwargs)
	if err != nil {
		return &wire.Response{ID: req.ID, Err: wire.AsCallError(err)}
	}
	return &wire.Response{ID: req.ID, Value: handle}
}

func unpackNewProxy(in []any) (string, []any, map[string]any, error) {
	if len(in) != 3 {
		return "", nil, nil, wire.Errorf(wire.KindBadArgument, "new_proxy takes [name, args, kwargs], got %d values", len(in))
	}
	name, ok := in[0].(string)
	if !ok {
		return "", nil, nil, wire.NewCallError(wire.KindBadArgument, "new_proxy name must be a string")
	}
	var args []any
	switch v := in[1].(type) {
	case nil:
	case []any:
		args = v
	default:
		return "", nil, nil, wire.NewCallError(wire.KindBadArgument, "new_proxy args must be a list")
	}
	var kwargs map[string]any
	switch v := in[2].(type) {
	case nil:
	case map[string]any:
		kwargs = v
	default:
		return "", nil, nil, wire.NewCallError(wire.KindBadArgument, "new_proxy kwargs must be a map")
	}
	return name, args, kwargs, nil
}
