package presence

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/stream"
	"github.com/danmuck/presencectl/internal/wire"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyStarted = errors.New("presence: already started")
	ErrClosed         = errors.New("presence: closed")
)

type State int32

const (
	StateIdle State = iota
	StateRegistering
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener receives presence events in stream order. Status carries
// non-fatal problems such as a failed registration send.
type Listener interface {
	Updated(peer string, online bool)
	Status(msg string)
	Failed(err error)
}

type Config struct {
	WatchList []string
	QueueSize int
}

// NormalizeWatchList trims entries and drops blanks and repeats, keeping the
// order of first occurrence.
func NormalizeWatchList(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Coordinator registers a watch list and tracks the last reported status of
// each watched peer.
type Coordinator struct {
	listener  Listener
	queueSize int
	watchList []string
	watched   map[string]struct{}

	mu      sync.Mutex
	state   State
	session *stream.Session[wire.FriendListenerMessage, wire.FriendStatusUpdate]
	mapping map[string]bool
}

func New(cfg Config, listener Listener) *Coordinator {
	watchList := NormalizeWatchList(cfg.WatchList)
	watched := make(map[string]struct{}, len(watchList))
	for _, id := range watchList {
		watched[id] = struct{}{}
	}
	return &Coordinator{
		listener:  listener,
		queueSize: cfg.QueueSize,
		watchList: watchList,
		watched:   watched,
		mapping:   make(map[string]bool),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) WatchList() []string {
	return append([]string(nil), c.watchList...)
}

// Mapping returns a copy of the current peer status mapping.
func (c *Coordinator) Mapping() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.mapping)
}

// Start opens the listener stream and registers the watch list.
func (c *Coordinator) Start(ctx context.Context, opener stream.Opener) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateRegistering
	c.mu.Unlock()

	sess, err := stream.Open[wire.FriendListenerMessage, wire.FriendStatusUpdate](ctx, opener, wire.Presence, stream.Handler[wire.FriendStatusUpdate]{
		OnMessage: c.onUpdate,
		OnClose:   c.onClose,
	}, stream.Options{QueueSize: c.queueSize})
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		sess.Abort()
		return ErrClosed
	}
	c.session = sess
	c.state = StateListening
	c.mu.Unlock()

	register := wire.FriendListenerMessage{FriendList: &wire.FriendList{FriendIDs: c.WatchList()}}
	if err := sess.Send(register, c.registered); err != nil {
		c.Abort()
		return fmt.Errorf("presence: register watch list: %w", err)
	}
	log.Debug().Msgf("presence.Coordinator.Start watch=%d", len(c.watchList))
	return nil
}

// Close half-closes the stream. The mapping is left as it was.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.state = StateClosed
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (c *Coordinator) Abort() {
	c.mu.Lock()
	c.state = StateClosed
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		sess.Abort()
	}
}

// Wait blocks until the stream has fully terminated or ctx expires.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Wait(ctx)
}

func (c *Coordinator) registered(err error) {
	if err != nil {
		log.Warn().Msgf("presence.Coordinator.register err=%v", err)
		if c.listener != nil {
			c.listener.Status(fmt.Sprintf("Failed to send watch list: %v", err))
		}
		return
	}
	log.Debug().Msgf("presence.Coordinator.register sent watch=%v", c.watchList)
}

func (c *Coordinator) onUpdate(update *wire.FriendStatusUpdate) {
	if _, ok := c.watched[update.ClientID]; !ok {
		observability.RecordPresenceUpdate("dropped")
		log.Debug().Msgf("presence.Coordinator.onUpdate dropped peer=%q", update.ClientID)
		return
	}

	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		observability.RecordPresenceUpdate("ignored")
		return
	}
	c.mapping[update.ClientID] = update.IsOnline
	c.mu.Unlock()

	observability.RecordPresenceUpdate("applied")
	if c.listener != nil {
		c.listener.Updated(update.ClientID, update.IsOnline)
	}
}

func (c *Coordinator) onClose(err error) {
	c.mu.Lock()
	wasListening := c.state == StateListening
	c.state = StateClosed
	c.mu.Unlock()

	if err == nil || !wasListening {
		return
	}
	observability.RecordStreamBroken(wire.Presence.FullName())
	log.Warn().Msgf("presence.Coordinator.onClose err=%v", err)
	if c.listener != nil {
		c.listener.Failed(err)
	}
}
