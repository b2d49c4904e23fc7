package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/presencectl/internal/heartbeat"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/presence"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	StatusConnected    = "Connected to server"
	StatusDisconnected = "Disconnected from server"
)

type Config struct {
	// GracePeriod bounds the wait for both streams after a half-close.
	GracePeriod time.Duration
	// ForceCloseTimeout bounds the wait after streams are cancelled.
	ForceCloseTimeout time.Duration
	QueueSize         int
	// Clock for pong parity. Defaults to time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:       2 * time.Second,
		ForceCloseTimeout: time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.ForceCloseTimeout <= 0 {
		c.ForceCloseTimeout = def.ForceCloseTimeout
	}
	return c
}

type pendingConnect struct {
	gen    uint64
	cancel context.CancelFunc
}

type activeSession struct {
	gen       uint64
	handle    transport.Handle
	cancel    context.CancelFunc
	heartbeat *heartbeat.Coordinator
	presence  *presence.Coordinator
}

// Manager owns one connection attempt at a time and both coordinators that
// run over it. It is the only writer of the published Snapshot.
//
// Subscribers are called synchronously and in order; they must not call
// Connect or Disconnect from inside the callback.
type Manager struct {
	cfg      Config
	provider transport.Provider

	// opMu serializes Connect, Disconnect and teardown. It is not held
	// while a transport handle is being acquired.
	opMu       sync.Mutex
	generation uint64
	pending    *pendingConnect

	mu     sync.RWMutex
	snap   Snapshot
	active *activeSession

	pubMu   sync.Mutex
	subMu   sync.Mutex
	subs    map[uint64]func(Snapshot)
	nextSub uint64
}

func NewManager(cfg Config, provider transport.Provider) *Manager {
	return &Manager{
		cfg:      cfg.WithDefaults(),
		provider: provider,
		snap:     Snapshot{State: StateDisconnected, Presence: map[string]bool{}},
		subs:     make(map[uint64]func(Snapshot)),
	}
}

// Snapshot returns the current published value.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.clone()
}

// Subscribe registers fn and immediately delivers the current snapshot to
// it. Every later change is delivered in publish order.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	fn(m.Snapshot())
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Connect acquires a transport handle and starts both coordinators. It is a
// no-op while a session is connecting or connected.
func (m *Manager) Connect(ctx context.Context, identity string, watchList []string) error {
	m.opMu.Lock()
	if state := m.Snapshot().State; state == StateConnecting || state == StateConnected {
		m.opMu.Unlock()
		log.Debug().Msgf("session.Manager.Connect ignored state=%s", state)
		return nil
	}
	if identity == "" {
		m.opMu.Unlock()
		return ErrIdentityRequired
	}
	m.generation++
	gen := m.generation
	actx, cancel := context.WithCancel(ctx)
	m.pending = &pendingConnect{gen: gen, cancel: cancel}
	m.transition(StateConnecting, "", "Connecting to server", false)
	m.opMu.Unlock()

	start := time.Now()
	handle, err := m.provider.Acquire(actx)
	cancel()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.pending == nil || m.pending.gen != gen {
		if handle != nil {
			m.closeHandle(handle)
		}
		observability.RecordConnect("aborted", time.Since(start))
		log.Info().Msgf("session.Manager.Connect aborted gen=%d", gen)
		return ErrConnectAborted
	}
	m.pending = nil

	if err != nil {
		observability.RecordConnect("failed", time.Since(start))
		log.Warn().Msgf("session.Manager.Connect gen=%d err=%v", gen, err)
		m.transition(StateFailed, err.Error(), fmt.Sprintf("Failed to connect: %v", err), false)
		m.transition(StateDisconnected, err.Error(), fmt.Sprintf("Failed to connect: %v", err), true)
		return err
	}
	observability.RecordConnect("ok", time.Since(start))

	if err := m.startLocked(gen, handle, identity, watchList); err != nil {
		log.Warn().Msgf("session.Manager.Connect start gen=%d err=%v", gen, err)
		m.mu.RLock()
		started := m.active != nil && m.active.gen == gen
		m.mu.RUnlock()
		if started {
			m.teardownLocked(context.Background(), err)
			return err
		}
		m.closeHandle(handle)
		m.transition(StateFailed, err.Error(), fmt.Sprintf("Failed to connect: %v", err), false)
		m.transition(StateDisconnected, err.Error(), fmt.Sprintf("Failed to connect: %v", err), true)
		return err
	}
	return nil
}

func (m *Manager) startLocked(gen uint64, handle transport.Handle, identity string, watchList []string) error {
	sctx, cancel := context.WithCancel(context.Background())
	sess := &activeSession{gen: gen, handle: handle, cancel: cancel}

	hb, err := heartbeat.New(heartbeat.Config{
		ClientID:  identity,
		QueueSize: m.cfg.QueueSize,
		Now:       m.cfg.Now,
	}, heartbeatEvents{m: m, gen: gen})
	if err != nil {
		cancel()
		return err
	}
	sess.heartbeat = hb
	pe := &presenceEvents{m: m, gen: gen}
	sess.presence = presence.New(presence.Config{
		WatchList: watchList,
		QueueSize: m.cfg.QueueSize,
	}, pe)
	pe.coord = sess.presence

	m.mu.Lock()
	m.active = sess
	m.mu.Unlock()
	m.transition(StateConnected, "", StatusConnected, true)
	log.Info().Msgf("session.Manager.Connect connected gen=%d client_id=%s watch=%d", gen, identity, len(sess.presence.WatchList()))

	// Streams outlive this call, so they run on sctx rather than a group
	// context that Wait would cancel.
	var g errgroup.Group
	g.Go(func() error { return hb.Start(sctx, handle) })
	g.Go(func() error { return sess.presence.Start(sctx, handle) })
	return g.Wait()
}

// Disconnect tears the session down. It returns once the manager is
// Disconnected and never fails; ctx only shortens the grace period.
func (m *Manager) Disconnect(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch state := m.Snapshot().State; state {
	case StateConnecting:
		if m.pending != nil {
			m.pending.cancel()
			m.pending = nil
		}
		reason := ErrConnectAborted.Error()
		m.transition(StateFailed, reason, StatusDisconnected, false)
		m.transition(StateDisconnected, reason, StatusDisconnected, true)
	case StateConnected:
		m.teardownLocked(ctx, nil)
	default:
		log.Debug().Msgf("session.Manager.Disconnect ignored state=%s", state)
	}
}

// teardownLocked stops the active session. cause is nil for a requested
// disconnect and the fatal error otherwise.
func (m *Manager) teardownLocked(ctx context.Context, cause error) {
	m.mu.RLock()
	sess := m.active
	m.mu.RUnlock()
	if sess == nil {
		return
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
		m.transition(StateFailed, reason, fmt.Sprintf("Connection lost: %v", cause), false)
	} else {
		m.transition(StateDisconnecting, "", "Disconnecting", false)
	}

	sess.heartbeat.Close()
	sess.presence.Close()
	if err := m.waitStreams(ctx, sess, m.cfg.GracePeriod); err != nil {
		err = errors.Join(ErrTeardownTimeout, err)
		if cause == nil {
			log.Info().Msgf("session.Manager.teardown aborting gen=%d err=%v", sess.gen, err)
		} else {
			log.Warn().Msgf("session.Manager.teardown aborting gen=%d err=%v", sess.gen, err)
		}
		sess.heartbeat.Abort()
		sess.presence.Abort()
		sess.cancel()
		if err := m.waitStreams(context.Background(), sess, m.cfg.ForceCloseTimeout); err != nil {
			log.Error().Msgf("session.Manager.teardown forced gen=%d err=%v", sess.gen, err)
		}
	}
	sess.cancel()
	m.closeHandle(sess.handle)

	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.mu.Unlock()

	status := StatusDisconnected
	if cause != nil {
		status = fmt.Sprintf("Disconnected: %v", cause)
	}
	m.transition(StateDisconnected, reason, status, true)
	log.Info().Msgf("session.Manager.teardown done gen=%d reason=%q", sess.gen, reason)
}

func (m *Manager) waitStreams(ctx context.Context, sess *activeSession, limit time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { return sess.heartbeat.Wait(wctx) })
	g.Go(func() error { return sess.presence.Wait(wctx) })
	return g.Wait()
}

func (m *Manager) closeHandle(h transport.Handle) {
	if err := h.Close(); err != nil {
		log.Warn().Msgf("session.Manager.closeHandle err=%v", err)
		return
	}
	log.Debug().Msgf("session.Manager.closeHandle ok")
}

// fail runs off the stream goroutine that reported err, since teardown waits
// for that goroutine to finish.
func (m *Manager) fail(gen uint64, err error) {
	go func() {
		m.opMu.Lock()
		defer m.opMu.Unlock()
		m.mu.RLock()
		current := m.active != nil && m.active.gen == gen
		m.mu.RUnlock()
		if !current {
			log.Debug().Msgf("session.Manager.fail stale gen=%d err=%v", gen, err)
			return
		}
		if m.Snapshot().State != StateConnected {
			return
		}
		log.Warn().Msgf("session.Manager.fail gen=%d err=%v", gen, err)
		m.teardownLocked(context.Background(), err)
	}()
}

func (m *Manager) transition(state State, reason, status string, clearPresence bool) {
	m.publish(func(s *Snapshot) bool {
		s.State = state
		s.Reason = reason
		s.Connected = state == StateConnected
		s.Status = status
		if clearPresence {
			s.Presence = map[string]bool{}
		}
		return true
	})
	observability.RecordSessionState(state.String(), state == StateConnected)
	log.Debug().Msgf("session.Manager.transition state=%s reason=%q", state, reason)
}

// publishFor applies fn only while gen is the active, connected session.
// Events that trail a teardown are dropped.
func (m *Manager) publishFor(gen uint64, fn func(*Snapshot)) {
	m.publish(func(s *Snapshot) bool {
		if m.active == nil || m.active.gen != gen || s.State != StateConnected {
			return false
		}
		fn(s)
		return true
	})
}

func (m *Manager) publish(fn func(*Snapshot) bool) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if !fn(&m.snap) {
		m.mu.Unlock()
		return
	}
	snap := m.snap.clone()
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(snap.clone())
	}
}

type heartbeatEvents struct {
	m   *Manager
	gen uint64
}

func (e heartbeatEvents) Status(msg string) {
	e.m.publishFor(e.gen, func(s *Snapshot) { s.Status = msg })
}

func (e heartbeatEvents) Failed(err error) {
	e.m.fail(e.gen, err)
}

type presenceEvents struct {
	m     *Manager
	gen   uint64
	coord *presence.Coordinator
}

// Updated publishes the coordinator's mapping, which owns last-write-wins.
func (e *presenceEvents) Updated(string, bool) {
	e.m.publishFor(e.gen, func(s *Snapshot) { s.Presence = e.coord.Mapping() })
}

func (e *presenceEvents) Status(msg string) {
	e.m.publishFor(e.gen, func(s *Snapshot) { s.Status = msg })
}

func (e *presenceEvents) Failed(err error) {
	e.m.fail(e.gen, err)
}
