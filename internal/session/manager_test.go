package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/testutil/streamtest"
	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/danmuck/presencectl/internal/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeProvider struct {
	Err             error
	OpenErr         error
	IgnoreCloseSend bool
	// Block, when set, holds Acquire until it is closed or ctx ends.
	Block chan struct{}
	// IgnoreCtx makes a blocked Acquire wait for Block only.
	IgnoreCtx bool

	mu       sync.Mutex
	acquires int
	conns    []*streamtest.Conn
	entered  chan struct{}
}

func newProvider() *fakeProvider {
	return &fakeProvider{entered: make(chan struct{}, 8)}
}

func (p *fakeProvider) Acquire(ctx context.Context) (transport.Handle, error) {
	p.mu.Lock()
	p.acquires++
	p.mu.Unlock()
	p.entered <- struct{}{}

	if p.Block != nil {
		if p.IgnoreCtx {
			<-p.Block
		} else {
			select {
			case <-p.Block:
			case <-ctx.Done():
				return nil, &transport.ConnectionError{Target: "fake", Err: ctx.Err()}
			}
		}
	}
	if p.Err != nil {
		return nil, &transport.ConnectionError{Target: "fake", Err: p.Err}
	}
	conn := streamtest.NewConn()
	conn.OpenErr = p.OpenErr
	conn.IgnoreCloseSend = p.IgnoreCloseSend

	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	return conn, nil
}

func (p *fakeProvider) Acquires() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}

func (p *fakeProvider) Conns() []*streamtest.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*streamtest.Conn(nil), p.conns...)
}

type observer struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (o *observer) record(s Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snaps = append(o.snaps, s)
}

func (o *observer) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.snaps)
}

func (o *observer) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []State
	for _, s := range o.snaps {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (o *observer) first(state State) (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.snaps {
		if s.State == state {
			return s, true
		}
	}
	return Snapshot{}, false
}

// statusesFrom lists every status published from the first snapshot in state
// onwards.
func (o *observer) statusesFrom(state State) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	seen := false
	for _, s := range o.snaps {
		seen = seen || s.State == state
		if seen {
			out = append(out, s.Status)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		GracePeriod:       500 * time.Millisecond,
		ForceCloseTimeout: 500 * time.Millisecond,
		Now:               func() time.Time { return time.UnixMilli(1_001) },
	}
}

func connected(t *testing.T, m *Manager, p *fakeProvider, watch ...string) (*streamtest.Conn, *streamtest.Stream, *streamtest.Stream) {
	t.Helper()
	require.NoError(t, m.Connect(context.Background(), "client-1", watch))
	conns := p.Conns()
	require.NotEmpty(t, conns)
	conn := conns[len(conns)-1]
	hb := conn.Stream(t, wire.Heartbeat)
	pr := conn.Stream(t, wire.Presence)

	var hello wire.ClientMessage
	hb.NextSent(t, &hello)
	require.NotNil(t, hello.Hello)
	require.Equal(t, "client-1", hello.Hello.ClientID)

	var register wire.FriendListenerMessage
	pr.NextSent(t, &register)
	require.NotNil(t, register.FriendList)
	return conn, hb, pr
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Snapshot().State == want }, 2*time.Second, 5*time.Millisecond,
		"state=%s want=%s", m.Snapshot().State, want)
}

func TestConnectHeartbeatPresenceDisconnect(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	m := NewManager(testConfig(), p)
	obs := &observer{}
	cancel := m.Subscribe(obs.record)
	defer cancel()

	conn, hb, pr := connected(t, m, p, "alice", "bob")
	snap := m.Snapshot()
	require.Equal(t, StateConnected, snap.State)
	require.True(t, snap.Connected)
	require.Equal(t, StatusConnected, snap.Status)

	hb.Push(wire.Ping{Message: "hi"})
	var pong wire.ClientMessage
	hb.NextSent(t, &pong)
	require.NotNil(t, pong.Pong)
	require.Equal(t, wire.ParityOdd, pong.Pong.Status)
	require.Eventually(t, func() bool { return m.Snapshot().Status == "Sent pong: odd" }, time.Second, 5*time.Millisecond)

	pr.Push(wire.FriendStatusUpdate{ClientID: "alice", IsOnline: true})
	pr.Push(wire.FriendStatusUpdate{ClientID: "bob", IsOnline: false})
	require.Eventually(t, func() bool { return len(m.Snapshot().Presence) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, map[string]bool{"alice": true, "bob": false}, m.Snapshot().Presence)

	m.Disconnect(context.Background())
	snap = m.Snapshot()
	require.Equal(t, StateDisconnected, snap.State)
	require.False(t, snap.Connected)
	require.Empty(t, snap.Presence)
	require.Equal(t, StatusDisconnected, snap.Status)
	require.True(t, conn.Closed())
	require.Equal(t, 2, conn.Ends())

	require.Equal(t, []State{StateDisconnected, StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}, obs.states())
}

func TestDisconnectWhileDisconnectedIsSilent(t *testing.T) {
	testlog.Start(t)
	m := NewManager(testConfig(), newProvider())
	obs := &observer{}
	m.Subscribe(obs.record)
	require.Equal(t, 1, obs.count())

	m.Disconnect(context.Background())
	m.Disconnect(context.Background())
	require.Equal(t, 1, obs.count())
	require.Equal(t, StateDisconnected, m.Snapshot().State)
}

func TestConnectTwiceKeepsOneSession(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	m := NewManager(testConfig(), p)

	conn, _, _ := connected(t, m, p, "alice")
	require.NoError(t, m.Connect(context.Background(), "client-1", []string{"alice"}))
	require.Equal(t, 1, p.Acquires())
	require.Equal(t, 2, conn.Opens())

	m.Disconnect(context.Background())
}

func TestConnectWhileConnectingIsNoop(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	p.Block = make(chan struct{})
	m := NewManager(testConfig(), p)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "client-1", nil) }()
	<-p.entered
	require.Equal(t, StateConnecting, m.Snapshot().State)

	require.NoError(t, m.Connect(context.Background(), "client-1", nil))
	close(p.Block)
	require.NoError(t, <-errc)
	require.Equal(t, 1, p.Acquires())
	require.Equal(t, StateConnected, m.Snapshot().State)
	m.Disconnect(context.Background())
}

func TestConnectRequiresIdentity(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	m := NewManager(testConfig(), p)
	require.ErrorIs(t, m.Connect(context.Background(), "", nil), ErrIdentityRequired)
	require.Zero(t, p.Acquires())
	require.Equal(t, StateDisconnected, m.Snapshot().State)
}

func TestConnectWithoutIdentityWhileConnectedIsNoop(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	m := NewManager(testConfig(), p)
	obs := &observer{}
	m.Subscribe(obs.record)

	connected(t, m, p)
	before := obs.count()
	require.NoError(t, m.Connect(context.Background(), "", nil))
	require.Equal(t, before, obs.count())
	require.Equal(t, 1, p.Acquires())
	require.Equal(t, StateConnected, m.Snapshot().State)
	m.Disconnect(context.Background())
}

func TestDisconnectDropsTrailingPongStatus(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	cfg := testConfig()
	cfg.GracePeriod = 50 * time.Millisecond
	m := NewManager(cfg, p)
	obs := &observer{}
	m.Subscribe(obs.record)

	conn, hb, _ := connected(t, m, p)
	release := hb.HoldSends()
	defer release()
	hb.Push(wire.Ping{Message: "hi"})
	require.Eventually(t, func() bool { return hb.HeldSends() == 1 }, time.Second, time.Millisecond)

	m.Disconnect(context.Background())
	require.Equal(t, StatusDisconnected, m.Snapshot().Status)
	require.Equal(t, []string{"Disconnecting", StatusDisconnected}, obs.statusesFrom(StateDisconnecting))
	require.Equal(t, 2, conn.Ends())
	require.Zero(t, hb.SentPending())
}

func TestConnectFailureOpensNoStream(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	p.Err = errors.New("connection refused")
	m := NewManager(testConfig(), p)
	obs := &observer{}
	m.Subscribe(obs.record)

	err := m.Connect(context.Background(), "client-1", []string{"alice"})
	var connErr *transport.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Empty(t, p.Conns())

	snap := m.Snapshot()
	require.Equal(t, StateDisconnected, snap.State)
	require.Contains(t, snap.Status, "Failed to connect")
	require.Contains(t, snap.Reason, "connection refused")
	require.Equal(t, []State{StateDisconnected, StateConnecting, StateFailed, StateDisconnected}, obs.states())
}

func TestDisconnectDuringConnectCancelsAcquire(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	p.Block = make(chan struct{})
	m := NewManager(testConfig(), p)
	obs := &observer{}
	m.Subscribe(obs.record)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "client-1", []string{"alice"}) }()
	<-p.entered

	m.Disconnect(context.Background())
	require.Equal(t, StateDisconnected, m.Snapshot().State)
	require.ErrorIs(t, <-errc, ErrConnectAborted)
	require.Empty(t, p.Conns())
	require.Equal(t, []State{StateDisconnected, StateConnecting, StateFailed, StateDisconnected}, obs.states())
}

func TestDisconnectDuringConnectReleasesLateHandle(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	p.Block = make(chan struct{})
	p.IgnoreCtx = true
	m := NewManager(testConfig(), p)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "client-1", nil) }()
	<-p.entered

	m.Disconnect(context.Background())
	close(p.Block)
	require.ErrorIs(t, <-errc, ErrConnectAborted)

	conns := p.Conns()
	require.Len(t, conns, 1)
	require.True(t, conns[0].Closed())
	require.Zero(t, conns[0].Opens())
	require.Equal(t, StateDisconnected, m.Snapshot().State)
}

func TestBrokenStreamTearsDownSession(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	m := NewManager(testConfig(), p)
	obs := &observer{}
	m.Subscribe(obs.record)

	conn, hb, pr := connected(t, m, p, "alice")
	pr.Push(wire.FriendStatusUpdate{ClientID: "alice", IsOnline: true})
	require.Eventually(t, func() bool { return m.Snapshot().Presence["alice"] }, time.Second, 5*time.Millisecond)

	hb.Fail(status.Error(codes.Unavailable, "server restarting"))
	waitState(t, m, StateDisconnected)

	snap := m.Snapshot()
	require.Contains(t, snap.Status, "Disconnected: ")
	require.Contains(t, snap.Reason, "server restarting")
	require.Empty(t, snap.Presence)
	require.True(t, conn.Closed())
	require.Equal(t, 2, conn.Ends())
	require.Equal(t, []State{StateDisconnected, StateConnecting, StateConnected, StateFailed, StateDisconnected}, obs.states())
	failed, ok := obs.first(StateFailed)
	require.True(t, ok)
	require.Equal(t, "Connection lost: "+failed.Reason, failed.Status)

	// A fresh attempt works after a failure.
	conn2, _, _ := connected(t, m, p, "alice")
	require.NotSame(t, conn, conn2)
	m.Disconnect(context.Background())
}

func TestStaleFailureIsIgnored(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	m := NewManager(testConfig(), p)

	connected(t, m, p)
	m.Disconnect(context.Background())
	connected(t, m, p)

	heartbeatEvents{m: m, gen: 1}.Failed(errors.New("old session"))
	(&presenceEvents{m: m, gen: 1}).Updated("ghost", true)
	(&presenceEvents{m: m, gen: 1}).Status("stale status")
	time.Sleep(50 * time.Millisecond)

	snap := m.Snapshot()
	require.Equal(t, StateConnected, snap.State)
	require.Empty(t, snap.Presence)
	require.NotEqual(t, "stale status", snap.Status)
	m.Disconnect(context.Background())
}

func TestStreamOpenFailureDuringConnect(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	p.OpenErr = status.Error(codes.Unimplemented, "unknown service")
	m := NewManager(testConfig(), p)

	err := m.Connect(context.Background(), "client-1", nil)
	require.Equal(t, codes.Unimplemented, status.Code(errors.Unwrap(err)))

	snap := m.Snapshot()
	require.Equal(t, StateDisconnected, snap.State)
	require.Contains(t, snap.Status, "Disconnected: ")
	require.True(t, p.Conns()[0].Closed())
}

func TestTeardownForcesCloseAfterGracePeriod(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	p.IgnoreCloseSend = true
	cfg := testConfig()
	cfg.GracePeriod = 50 * time.Millisecond
	m := NewManager(cfg, p)

	conn, hb, pr := connected(t, m, p)
	start := time.Now()
	m.Disconnect(context.Background())

	require.Less(t, time.Since(start), time.Second)
	<-hb.HalfClosed()
	<-pr.HalfClosed()
	require.Equal(t, StateDisconnected, m.Snapshot().State)
	require.Equal(t, 2, conn.Ends())
	require.True(t, conn.Closed())
}

func TestSnapshotIsACopy(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	m := NewManager(testConfig(), p)
	_, _, pr := connected(t, m, p, "alice")

	pr.Push(wire.FriendStatusUpdate{ClientID: "alice", IsOnline: true})
	require.Eventually(t, func() bool { return len(m.Snapshot().Presence) == 1 }, time.Second, 5*time.Millisecond)

	snap := m.Snapshot()
	snap.Presence["alice"] = false
	snap.Presence["mallory"] = true
	require.Equal(t, map[string]bool{"alice": true}, m.Snapshot().Presence)
	m.Disconnect(context.Background())
}

func TestConcurrentConnectDisconnectLeaksNothing(t *testing.T) {
	testlog.Start(t)
	p := newProvider()
	p.entered = make(chan struct{}, 256)
	m := NewManager(testConfig(), p)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background(), "client-1", []string{"alice"})
		}()
		go func() {
			defer wg.Done()
			m.Disconnect(context.Background())
		}()
	}
	wg.Wait()
	m.Disconnect(context.Background())

	require.Equal(t, StateDisconnected, m.Snapshot().State)
	for _, conn := range p.Conns() {
		require.True(t, conn.Closed())
		require.Equal(t, conn.Opens(), conn.Ends())
	}
}
