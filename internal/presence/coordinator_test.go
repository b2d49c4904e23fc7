package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/stream"
	"github.com/danmuck/presencectl/internal/testutil/streamtest"
	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/danmuck/presencectl/internal/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type update struct {
	peer   string
	online bool
}

type listener struct {
	mu       sync.Mutex
	updates  []update
	statuses []string
	failures []error
}

func (l *listener) Status(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, msg)
}

func (l *listener) lastStatus() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return ""
	}
	return l.statuses[len(l.statuses)-1]
}

func (l *listener) Updated(peer string, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, update{peer, online})
}

func (l *listener) Failed(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *listener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

func startCoordinator(t *testing.T, conn *streamtest.Conn, l *listener, watch ...string) (*Coordinator, *streamtest.Stream) {
	t.Helper()
	c := New(Config{WatchList: watch}, l)
	require.NoError(t, c.Start(context.Background(), conn))
	fake := conn.Next(t)
	require.Equal(t, wire.Presence.FullName(), fake.Method)
	return c, fake
}

func TestNormalizeWatchList(t *testing.T) {
	testlog.Start(t)
	got := NormalizeWatchList([]string{"bob", " alice ", "", "bob", "  ", "carol"})
	require.Equal(t, []string{"bob", "alice", "carol"}, got)
	require.Empty(t, NormalizeWatchList(nil))
}

func TestStartRegistersWatchList(t *testing.T) {
	testlog.Start(t)
	conn := streamtest.NewConn()
	c, fake := startCoordinator(t, conn, &listener{}, "alice", "bob", "alice")

	var msg wire.FriendListenerMessage
	fake.NextSent(t, &msg)
	require.NotNil(t, msg.FriendList)
	require.Equal(t, []string{"alice", "bob"}, msg.FriendList.FriendIDs)
	require.Equal(t, StateListening, c.State())
	require.ErrorIs(t, c.Start(context.Background(), conn), ErrAlreadyStarted)
}

func TestRegisterSendFailureIsReportedAsStatus(t *testing.T) {
	testlog.Start(t)
	conn := streamtest.NewConn()
	conn.SendErr = errors.New("write: broken pipe")
	l := &listener{}
	c, _ := startCoordinator(t, conn, l, "alice")

	require.Eventually(t, func() bool {
		return strings.HasPrefix(l.lastStatus(), "Failed to send watch list: ")
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, l.lastStatus(), "broken pipe")
	require.Equal(t, StateListening, c.State())
	c.Abort()
}

func TestLastWriteWins(t *testing.T) {
	testlog.Start(t)
	conn := streamtest.NewConn()
	l := &listener{}
	c, fake := startCoordinator(t, conn, l, "x")

	fake.Push(wire.FriendStatusUpdate{ClientID: "x", IsOnline: true})
	fake.Push(wire.FriendStatusUpdate{ClientID: "x", IsOnline: false})
	fake.Push(wire.FriendStatusUpdate{ClientID: "x", IsOnline: true})
	require.Eventually(t, func() bool { return l.count() == 3 }, time.Second, 5*time.Millisecond)

	require.Equal(t, map[string]bool{"x": true}, c.Mapping())
	require.Equal(t, []update{{"x", true}, {"x", false}, {"x", true}}, l.updates)
}

func TestUnwatchedPeersAreDropped(t *testing.T) {
	testlog.Start(t)
	conn := streamtest.NewConn()
	l := &listener{}
	c, fake := startCoordinator(t, conn, l, "alice")

	fake.Push(wire.FriendStatusUpdate{ClientID: "mallory", IsOnline: true})
	fake.Push(wire.FriendStatusUpdate{ClientID: "alice", IsOnline: true})
	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, map[string]bool{"alice": true}, c.Mapping())
}

func TestUnseenPeersHaveNoEntry(t *testing.T) {
	testlog.Start(t)
	conn := streamtest.NewConn()
	c, _ := startCoordinator(t, conn, &listener{}, "alice", "bob")
	require.Empty(t, c.Mapping())
}

func TestCloseKeepsMapping(t *testing.T) {
	testlog.Start(t)
	conn := streamtest.NewConn()
	l := &listener{}
	c, fake := startCoordinator(t, conn, l, "alice")

	fake.Push(wire.FriendStatusUpdate{ClientID: "alice", IsOnline: true})
	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, 5*time.Millisecond)

	c.Close()
	require.NoError(t, c.Wait(context.Background()))
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, map[string]bool{"alice": true}, c.Mapping())
	require.Empty(t, l.failures)
}

func TestBrokenStreamReportsFailure(t *testing.T) {
	testlog.Start(t)
	conn := streamtest.NewConn()
	l := &listener{}
	c, fake := startCoordinator(t, conn, l, "alice")

	fake.Fail(status.Error(codes.Unavailable, "reset"))
	require.NoError(t, c.Wait(context.Background()))

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.failures, 1)
	var broken *stream.StreamBrokenError
	require.ErrorAs(t, l.failures[0], &broken)
	require.Equal(t, wire.Presence.FullName(), broken.Method)
}
