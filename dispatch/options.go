package dispatch

import (
	"time"

	"pipelink/logging"
	"pipelink/middleware"
)

// DefaultSpinInterval is how long the worker waits for an inbound message on
// each loop iteration. It doubles as the idle sleep, so it bounds both call
// latency under no load and the cost of an idle dispatcher.
const DefaultSpinInterval = 5 * time.Millisecond

// Options configure a Dispatcher at construction.
type Options struct {
	spin       time.Duration
	log        logging.Logger
	middleware []middleware.Middleware
}

// Option mutates the dispatcher configuration.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		spin: DefaultSpinInterval,
		log:  logging.NopLogger{},
	}
}

// WithSpinInterval overrides the worker's poll quantum. Non-positive values
// are ignored.
func WithSpinInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.spin = d
		}
	}
}

// WithLogger injects the logger the dispatcher and its registry report to.
func WithLogger(log logging.Logger) Option {
	return func(o *Options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMiddleware appends middleware around the inbound request handler.
// Internal "#" calls bypass the chain; only object method calls pass through.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *Options) {
		o.middleware = append(o.middleware, mws...)
	}
}

type callOptions struct {
	proxyID       string
	kwargs        map[string]any
	fireAndForget bool
}

// CallOption adjusts a single Call.
type CallOption func(*callOptions)

// WithProxyID targets the call at a remote object. Without it the call is
// addressed to the peer dispatcher itself, which only answers "#" functions.
func WithProxyID(id string) CallOption {
	return func(c *callOptions) { c.proxyID = id }
}

// WithKwargs attaches keyword arguments to the call.
func WithKwargs(kwargs map[string]any) CallOption {
	return func(c *callOptions) { c.kwargs = kwargs }
}

// FireAndForget sends the call without waiting for its response. The call
// returns (nil, nil) immediately and any outcome, error included, is
// discarded.
func FireAndForget() CallOption {
	return func(c *callOptions) { c.fireAndForget = true }
}

type consumeOptions struct {
	factory ProxyFactory
}

// ConsumeOption adjusts a Consume registration.
type ConsumeOption func(*consumeOptions)

// WithProxyFactory wraps proxies of the consumed type as they arrive, so a
// caller can hand out a typed facade instead of the generic *Proxy.
func WithProxyFactory(f ProxyFactory) ConsumeOption {
	return func(c *consumeOptions) { c.factory = f }
}
