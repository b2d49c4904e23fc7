package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/presencectl/internal/wire"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

// State is the lifecycle of one stream session.
type State int32

const (
	StateOpening State = iota
	StateActive
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Opener opens streaming calls. *grpc.ClientConn and transport.Handle satisfy it.
type Opener interface {
	NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error)
}

// Handler receives inbound traffic for one session. OnMessage runs on a
// single goroutine in receive order. OnClose runs exactly once, after the
// last OnMessage; err is nil for a requested or clean close and a
// *StreamBrokenError otherwise.
type Handler[In any] struct {
	OnMessage func(msg *In)
	OnClose   func(err error)
}

type Options struct {
	QueueSize int
}

const DefaultQueueSize = 16

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	return o
}

type outgoing[Out any] struct {
	msg  Out
	done func(error)
}

func (o outgoing[Out]) complete(err error) {
	if o.done != nil {
		o.done(err)
	}
}

// Session wraps one bidirectional stream.
type Session[Out wire.Marshaler, In any] struct {
	method  string
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	ctx     context.Context
	handler Handler[In]
	outbox  chan outgoing[Out]

	mu       sync.Mutex
	closing  bool
	aborted  bool
	state    atomic.Int32
	written  chan struct{}
	finished chan struct{}
}

// Open starts a bidirectional call for method and begins delivering inbound
// messages to h.
func Open[Out wire.Marshaler, In any](ctx context.Context, opener Opener, method wire.Method, h Handler[In], opts Options) (*Session[Out, In], error) {
	opts = opts.withDefaults()
	sctx, cancel := context.WithCancel(ctx)
	cs, err := opener.NewStream(sctx, method.StreamDesc(), method.FullName(), wire.CallOptions()...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: open %s: %w", method.FullName(), err)
	}

	s := &Session[Out, In]{
		method:   method.FullName(),
		stream:   cs,
		cancel:   cancel,
		ctx:      sctx,
		handler:  h,
		outbox:   make(chan outgoing[Out], opts.QueueSize),
		written:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.state.Store(int32(StateActive))
	log.Debug().Msgf("stream.Open method=%s", s.method)

	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func (s *Session[Out, In]) State() State {
	return State(s.state.Load())
}

// Send enqueues msg and returns without waiting for transmission. done, if
// set, receives the transmit result from the writer goroutine.
func (s *Session[Out, In]) Send(msg Out, done func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.ctx.Err() != nil {
		return &SendError{Method: s.method, Err: ErrSessionClosed}
	}
	select {
	case s.outbox <- outgoing[Out]{msg: msg, done: done}:
		return nil
	default:
		return &SendError{Method: s.method, Err: ErrSendQueueFull}
	}
}

// Close requests a half-close. A message already being written may finish;
// queued and later sends fail with ErrSessionClosed and inbound messages are
// no longer delivered.
func (s *Session[Out, In]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeOutboxLocked()
}

// Abort cancels the call. Pending sends complete with an error.
func (s *Session[Out, In]) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.closeOutboxLocked()
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until both loops have exited and OnClose has returned, or ctx
// expires.
func (s *Session[Out, In]) Wait(ctx context.Context) error {
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session[Out, In]) closeRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session[Out, In]) closeOutboxLocked() {
	if s.closing {
		return
	}
	s.closing = true
	close(s.outbox)
}

func (s *Session[Out, In]) writeLoop() {
	defer close(s.written)
	for {
		select {
		case item, ok := <-s.outbox:
			if !ok {
				if err := s.stream.CloseSend(); err != nil {
					log.Debug().Msgf("stream.Session.writeLoop close send method=%s err=%v", s.method, err)
				}
				return
			}
			if s.closeRequested() {
				item.complete(&SendError{Method: s.method, Err: ErrSessionClosed})
				continue
			}
			if err := s.stream.SendMsg(item.msg); err != nil {
				item.complete(&SendError{Method: s.method, Err: err})
				continue
			}
			item.complete(nil)
		case <-s.ctx.Done():
			s.mu.Lock()
			s.closeOutboxLocked()
			s.mu.Unlock()
			for item := range s.outbox {
				item.complete(&SendError{Method: s.method, Err: s.ctx.Err()})
			}
			return
		}
	}
}

func (s *Session[Out, In]) readLoop() {
	var termErr error
	for {
		msg := new(In)
		if err := s.stream.RecvMsg(msg); err != nil {
			termErr = s.classify(err)
			break
		}
		if s.closeRequested() {
			log.Debug().Msgf("stream.Session.readLoop dropped after close method=%s", s.method)
			continue
		}
		if s.handler.OnMessage != nil {
			s.handler.OnMessage(msg)
		}
	}

	s.cancel()
	<-s.written
	if termErr != nil {
		s.state.Store(int32(StateFailed))
		log.Warn().Msgf("stream.Session.readLoop method=%s err=%v", s.method, termErr)
	} else {
		s.state.Store(int32(StateClosed))
		log.Debug().Msgf("stream.Session.readLoop closed method=%s", s.method)
	}
	if s.handler.OnClose != nil {
		s.handler.OnClose(termErr)
	}
	close(s.finished)
}

// classify maps the receive error that ended the stream to the terminal
// error reported to the owner.
func (s *Session[Out, In]) classify(err error) error {
	s.mu.Lock()
	requested := s.closing || s.aborted
	s.mu.Unlock()
	if requested {
		return nil
	}
	if errors.Is(err, io.EOF) {
		err = ErrServerEnded
	}
	return &StreamBrokenError{Method: s.method, Err: err}
}
