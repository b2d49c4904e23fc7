package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/stream"
	"github.com/danmuck/presencectl/internal/wire"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientIDRequired = errors.New("heartbeat: client id required")
	ErrAlreadyStarted   = errors.New("heartbeat: already started")
	ErrClosed           = errors.New("heartbeat: closed")
)

type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener receives heartbeat events. Status is informational; Failed is
// called at most once, when the stream breaks while active.
type Listener interface {
	Status(msg string)
	Failed(err error)
}

type Config struct {
	ClientID  string
	QueueSize int
	// Now supplies the clock used for pong parity. Defaults to time.Now.
	Now func() time.Time
}

// ParityAt returns the parity of t in milliseconds since the epoch.
func ParityAt(t time.Time) wire.Parity {
	if t.UnixMilli()%2 == 0 {
		return wire.ParityEven
	}
	return wire.ParityOdd
}

// Coordinator answers every server ping with exactly one pong. It never
// originates pings.
type Coordinator struct {
	cfg      Config
	listener Listener

	mu      sync.Mutex
	state   State
	session *stream.Session[wire.ClientMessage, wire.Ping]

	pings atomic.Uint64
	pongs atomic.Uint64
}

func New(cfg Config, listener Listener) (*Coordinator, error) {
	if cfg.ClientID == "" {
		return nil, ErrClientIDRequired
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{cfg: cfg, listener: listener}, nil
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pings reports pings received while active.
func (c *Coordinator) Pings() uint64 {
	return c.pings.Load()
}

// Pongs reports pongs the transport accepted.
func (c *Coordinator) Pongs() uint64 {
	return c.pongs.Load()
}

// Start opens the heartbeat stream and enqueues the hello. The hello result
// is reported through the listener.
func (c *Coordinator) Start(ctx context.Context, opener stream.Opener) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateInitializing
	c.mu.Unlock()

	sess, err := stream.Open[wire.ClientMessage, wire.Ping](ctx, opener, wire.Heartbeat, stream.Handler[wire.Ping]{
		OnMessage: c.onPing,
		OnClose:   c.onClose,
	}, stream.Options{QueueSize: c.cfg.QueueSize})
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
	c.state = StateActive
	c.mu.Unlock()

	hello := wire.ClientMessage{Hello: &wire.ClientHello{ClientID: c.cfg.ClientID}}
	if err := sess.Send(hello, c.helloSent); err != nil {
		c.helloSent(err)
	}
	log.Debug().Msgf("heartbeat.Coordinator.Start client_id=%s", c.cfg.ClientID)
	return nil
}

// Close half-closes the stream. Queued pongs are dropped and pings arriving
// afterwards are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.state = StateClosed
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Abort cancels the stream without waiting for the server.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	c.state = StateClosed
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		sess.Abort()
	}
}

// Wait blocks until the stream has fully terminated or ctx expires. It
// returns immediately when no stream was opened.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Wait(ctx)
}

func (c *Coordinator) helloSent(err error) {
	if err != nil {
		log.Warn().Msgf("heartbeat.Coordinator.hello client_id=%s err=%v", c.cfg.ClientID, err)
		c.status(fmt.Sprintf("Failed to send hello: %v", err))
		return
	}
	log.Debug().Msgf("heartbeat.Coordinator.hello sent client_id=%s", c.cfg.ClientID)
}

func (c *Coordinator) onPing(ping *wire.Ping) {
	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		log.Debug().Msgf("heartbeat.Coordinator.onPing ignored state=%s", state)
		return
	}
	sess := c.session
	c.mu.Unlock()

	c.pings.Add(1)
	observability.RecordPing()
	c.status("Ping from server: " + ping.Message)

	parity := ParityAt(c.cfg.Now())
	pong := wire.ClientMessage{Pong: &wire.Pong{Status: parity}}
	err := sess.Send(pong, func(err error) {
		observability.RecordPong(parity.String(), err == nil)
		if err != nil {
			log.Warn().Msgf("heartbeat.Coordinator.pong parity=%s err=%v", parity, err)
			c.status(fmt.Sprintf("Failed to send pong: %v", err))
			return
		}
		c.pongs.Add(1)
		c.status("Sent pong: " + parity.String())
	})
	if err != nil {
		observability.RecordPong(parity.String(), false)
		log.Warn().Msgf("heartbeat.Coordinator.pong parity=%s err=%v", parity, err)
		c.status(fmt.Sprintf("Failed to send pong: %v", err))
	}
}

func (c *Coordinator) onClose(err error) {
	c.mu.Lock()
	wasActive := c.state == StateActive
	c.state = StateClosed
	c.mu.Unlock()

	if err == nil || !wasActive {
		return
	}
	observability.RecordStreamBroken(wire.Heartbeat.FullName())
	log.Warn().Msgf("heartbeat.Coordinator.onClose err=%v", err)
	if c.listener != nil {
		c.listener.Failed(err)
	}
}

func (c *Coordinator) status(msg string) {
	if c.listener != nil {
		c.listener.Status(msg)
	}
}
