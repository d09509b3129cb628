package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pipelink/registry"
	"pipelink/transport"
	"pipelink/wire"
)

type Counter struct {
	n int
}

func (c *Counter) Increment() int { c.n++; return c.n }

func (c *Counter) Value() int { return c.n }

type sleeper struct{}

func (s *sleeper) Sleep(ms int) bool {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return true
}

type loudGreeter struct{}

func (g *loudGreeter) Greet(name string, opts map[string]any) string {
	if loud, _ := opts["loud"].(bool); loud {
		return "HELLO " + name
	}
	return "hello " + name
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startedPair wires two dispatchers over an in-memory pipe and completes the
// handshake on both sides.
func startedPair(t *testing.T, aOpts, bOpts []Option) (*Dispatcher, *Dispatcher) {
	t.Helper()
	ta, tb := transport.Pipe()
	a := New(ta, aOpts...)
	b := New(tb, bOpts...)
	startBoth(t, a, b)
	return a, b
}

func startBoth(t *testing.T, a, b *Dispatcher) {
	t.Helper()
	ctx := testCtx(t)
	errc := make(chan error, 1)
	go func() { errc <- a.Start(ctx) }()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, <-errc)
}

func waitJoin(t *testing.T, d *Dispatcher) {
	t.Helper()
	done := make(chan struct{})
	go func() { d.Join(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not terminate")
	}
}

func shutdownPair(t *testing.T, initiator, follower *Dispatcher) {
	t.Helper()
	require.NoError(t, initiator.Shutdown(testCtx(t)))
	waitJoin(t, follower)
}

func TestHandshakeBothRunning(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	require.Equal(t, wire.StateRunning, a.State())
	require.Equal(t, wire.StateRunning, b.State())
	require.True(t, a.Alive())
	shutdownPair(t, a, b)
}

func TestStartTwiceFails(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	err := a.Start(testCtx(t))
	require.ErrorIs(t, err, wire.ErrStateRegression)
	shutdownPair(t, b, a)
}

func TestShutdownBeforeStartFails(t *testing.T) {
	ta, tb := transport.Pipe()
	a := New(ta)
	b := New(tb)
	require.ErrorIs(t, a.Shutdown(testCtx(t)), ErrNotRunning)

	startBoth(t, a, b)
	shutdownPair(t, a, b)
}

func TestShutdownPropagatesToPeer(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	require.NoError(t, b.Shutdown(testCtx(t)))
	waitJoin(t, a)
	require.Equal(t, wire.StateTerminated, a.State())
	require.Equal(t, wire.StateTerminated, b.State())
	// Idempotent once terminated.
	require.NoError(t, b.Shutdown(testCtx(t)))
}

func TestCounterLifecycle(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	ctx := testCtx(t)

	_, err := a.Provide(&Counter{})
	require.NoError(t, err)

	created, err := b.Create(ctx, "Counter")
	require.NoError(t, err)
	p, ok := created.(*Proxy)
	require.True(t, ok, "expect a generic proxy, got %T", created)
	require.Equal(t, "Counter", p.TypeName())
	require.Equal(t, 1, a.Registry().Len())
	require.Equal(t, 1, a.Registry().RefCount(p.ID()))

	for want := 1; want <= 3; want++ {
		got, err := p.Call(ctx, "Increment")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	p.Release()
	require.Eventually(t, func() bool { return a.Registry().Len() == 0 },
		3*time.Second, 10*time.Millisecond, "release never reached the provider")

	shutdownPair(t, b, a)
}

func TestMissingMethodKindCrossesWire(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	ctx := testCtx(t)
	_, err := a.Provide(&Counter{})
	require.NoError(t, err)
	created, err := b.Create(ctx, "Counter")
	require.NoError(t, err)
	p := created.(*Proxy)

	// Bypass the proxy's local method check so the error demonstrably comes
	// back across the channel with its kind intact.
	_, err = b.Call(ctx, "Explode", nil, WithProxyID(p.ID()))
	require.Error(t, err)
	require.Equal(t, wire.KindNotExposed, wire.KindOf(err))
	require.Contains(t, err.Error(), "Explode")

	shutdownPair(t, b, a)
}

func TestUnknownObjectKind(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	_, err := b.Call(testCtx(t), "Value", nil, WithProxyID("no-such-object"))
	require.Equal(t, wire.KindNoObject, wire.KindOf(err))
	shutdownPair(t, b, a)
}

func TestCreateUnknownClass(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	_, err := b.Create(testCtx(t), "Ghost")
	require.Equal(t, wire.KindNoObject, wire.KindOf(err))
	shutdownPair(t, b, a)
}

type counterClient struct {
	p *Proxy
}

func (c *counterClient) Increment(ctx context.Context) (int, error) {
	v, err := c.p.Call(ctx, "Increment")
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func TestConsumeFactoryWrapsProxy(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	ctx := testCtx(t)
	_, err := a.Provide(&Counter{})
	require.NoError(t, err)

	require.NoError(t, b.Consume("Counter", WithProxyFactory(func(p *Proxy) any {
		return &counterClient{p: p}
	})))
	require.ErrorIs(t, b.Consume("Counter"), registry.ErrNameInUse)

	created, err := b.Create(ctx, "Counter")
	require.NoError(t, err)
	client, ok := created.(*counterClient)
	require.True(t, ok, "expect the consumed facade, got %T", created)

	n, err := client.Increment(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	shutdownPair(t, b, a)
}

func TestKwargsAcrossTheWire(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	ctx := testCtx(t)
	_, err := a.Provide(&loudGreeter{})
	require.NoError(t, err)
	created, err := b.Create(ctx, "loudGreeter")
	require.NoError(t, err)
	p := created.(*Proxy)

	got, err := p.Invoke(ctx, "Greet", []any{"ada"}, map[string]any{"loud": true})
	require.NoError(t, err)
	require.Equal(t, "HELLO ada", got)

	shutdownPair(t, b, a)
}

func TestCallContextCancel(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	ctx := testCtx(t)
	_, err := a.Provide(&sleeper{})
	require.NoError(t, err)
	created, err := b.Create(ctx, "sleeper")
	require.NoError(t, err)
	p := created.(*Proxy)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = p.Call(short, "Sleep", 400)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned response is dropped when it finally arrives; the link
	// itself keeps working.
	got, err := p.Call(ctx, "Sleep", 1)
	require.NoError(t, err)
	require.Equal(t, true, got)

	shutdownPair(t, b, a)
}

func TestPeerDisconnectFailsPending(t *testing.T) {
	ta, tb := transport.Pipe()
	a := New(ta)
	b := New(tb)
	startBoth(t, a, b)
	ctx := testCtx(t)

	_, err := a.Provide(&sleeper{})
	require.NoError(t, err)
	created, err := b.Create(ctx, "sleeper")
	require.NoError(t, err)
	p := created.(*Proxy)

	// Kill the channel while the call is mid-flight on the serving side.
	time.AfterFunc(150*time.Millisecond, func() { ta.Close() })

	_, err = p.Call(ctx, "Sleep", 600)
	require.Error(t, err)
	require.Equal(t, wire.KindTransport, wire.KindOf(err))

	waitJoin(t, a)
	waitJoin(t, b)
	require.Equal(t, wire.StateTerminated, b.State())
	require.False(t, b.Alive())

	_, err = b.Call(ctx, "Value", nil, WithProxyID(p.ID()))
	require.ErrorIs(t, err, ErrDispatcherClosed)
	_, err = b.Create(ctx, "sleeper")
	require.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestInternalUnknownFunction(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	_, err := b.Call(testCtx(t), "#frobnicate", nil)
	require.Equal(t, wire.KindNotExposed, wire.KindOf(err))
	shutdownPair(t, b, a)
}

func TestStartProbe(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	got, err := b.Call(testCtx(t), FuncStart, nil)
	require.NoError(t, err)
	require.Equal(t, "running", got)
	shutdownPair(t, b, a)
}

func TestShutdownViaInternalCall(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	got, err := b.Call(testCtx(t), FuncShutdown, nil)
	require.NoError(t, err)
	require.Equal(t, true, got)

	waitJoin(t, a)
	waitJoin(t, b)
	require.Equal(t, wire.StateTerminated, a.State())
	require.Equal(t, wire.StateTerminated, b.State())
}

func TestFireAndForgetReturnsImmediately(t *testing.T) {
	a, b := startedPair(t, nil, nil)
	ctx := testCtx(t)
	_, err := a.Provide(&Counter{})
	require.NoError(t, err)
	created, err := b.Create(ctx, "Counter")
	require.NoError(t, err)
	p := created.(*Proxy)

	got, err := b.Call(ctx, "Increment", nil, WithProxyID(p.ID()), FireAndForget())
	require.NoError(t, err)
	require.Nil(t, got)

	// The call still executes on the provider even though nobody waited.
	require.Eventually(t, func() bool {
		v, err := p.Call(ctx, "Value")
		return err == nil && v == 1
	}, 3*time.Second, 10*time.Millisecond, "fire-and-forget call never ran")

	shutdownPair(t, b, a)
}

// MockTransport scripts transport behavior for failure paths that the real
// pipe cannot produce deterministically.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(msg wire.Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

func (m *MockTransport) Poll(timeout time.Duration) (bool, error) {
	args := m.Called(timeout)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransport) Recv() (wire.Message, error) {
	args := m.Called()
	msg, _ := args.Get(0).(wire.Message)
	return msg, args.Error(1)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestEncodeFailureUnblocksCaller(t *testing.T) {
	mt := &MockTransport{}
	mt.On("Send", mock.AnythingOfType("*wire.ControlState")).Return(nil)
	mt.On("Poll", mock.Anything).Return(true, nil).Once()
	mt.On("Recv").Return(&wire.ControlState{State: wire.StateStartup}, nil).Once()
	mt.On("Poll", mock.Anything).Return(false, nil)
	mt.On("Send", mock.AnythingOfType("*wire.Request")).
		Return(&transport.EncodeError{Err: errors.New("channels cannot be serialized")})
	mt.On("Close").Return(nil)

	d := New(mt, WithSpinInterval(time.Millisecond))
	ctx := testCtx(t)
	require.NoError(t, d.Start(ctx))

	_, err := d.Call(ctx, "Poke", []any{make(chan int)}, WithProxyID("some-object"))
	require.Error(t, err)
	require.Equal(t, wire.KindTransport, wire.KindOf(err))
	require.Contains(t, err.Error(), "serialized")

	require.NoError(t, d.Shutdown(ctx))
	mt.AssertExpectations(t)
}

func TestPeerVanishesDuringStartup(t *testing.T) {
	mt := &MockTransport{}
	mt.On("Send", mock.AnythingOfType("*wire.ControlState")).
		Return(fmt.Errorf("write: %w", transport.ErrClosed))
	mt.On("Close").Return(nil)

	d := New(mt, WithSpinInterval(time.Millisecond))
	err := d.Start(testCtx(t))
	require.ErrorIs(t, err, ErrDispatcherClosed)
	require.Equal(t, wire.StateTerminated, d.State())
	mt.AssertExpectations(t)
}
