// Package streamtest is an in-memory transport handle for exercising stream
// sessions and coordinators without a network.
package streamtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const waitTimeout = 2 * time.Second

var ErrSendAfterCloseSend = errors.New("streamtest: SendMsg after CloseSend")

// Conn implements transport.Handle and stream.Opener.
type Conn struct {
	// OpenErr, when set, fails every NewStream.
	OpenErr error
	// IgnoreCloseSend keeps streams open after the client half-closes, like a
	// server that never finishes its handler.
	IgnoreCloseSend bool
	// SendErr, when set, fails every SendMsg on streams opened afterwards.
	SendErr error

	opened  chan *Stream
	opens   atomic.Int32
	ended   atomic.Int32
	closed  atomic.Bool
	mu      sync.Mutex
	streams []*Stream
}

func NewConn() *Conn {
	return &Conn{opened: make(chan *Stream, 32)}
}

func (c *Conn) NewStream(ctx context.Context, _ *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	if c.closed.Load() {
		return nil, status.Error(codes.Canceled, "grpc: the client connection is closing")
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	s := &Stream{
		Method:    method,
		conn:      c,
		ctx:       ctx,
		inbound:   make(chan inbound, 64),
		sent:      make(chan []byte, 64),
		halfClose: make(chan struct{}),
		sendErr:   c.SendErr,
	}
	c.opens.Add(1)
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	select {
	case c.opened <- s:
	default:
	}
	return s, nil
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Opens counts NewStream calls that succeeded.
func (c *Conn) Opens() int {
	return int(c.opens.Load())
}

// Ends counts streams whose terminal receive result reached the client.
func (c *Conn) Ends() int {
	return int(c.ended.Load())
}

// Next waits for the next opened stream.
func (c *Conn) Next(t testing.TB) *Stream {
	t.Helper()
	select {
	case s := <-c.opened:
		return s
	case <-time.After(waitTimeout):
		t.Fatalf("streamtest: no stream opened within %v", waitTimeout)
		return nil
	}
}

// Stream returns the opened stream for method, waiting briefly for it.
func (c *Conn) Stream(t testing.TB, method wire.Method) *Stream {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, s := range c.streams {
			if s.Method == method.FullName() {
				c.mu.Unlock()
				return s
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("streamtest: no %s stream opened", method.FullName())
	return nil
}

type inbound struct {
	data []byte
	err  error
}

// Stream is the client side of one fake call.
type Stream struct {
	Method string

	conn      *Conn
	ctx       context.Context
	inbound   chan inbound
	sent      chan []byte
	halfClose chan struct{}

	mu       sync.Mutex
	sendDone bool
	terminal error
	sendErr  error
	gate     chan struct{}
	held     atomic.Int32
}

var _ grpc.ClientStream = (*Stream)(nil)

// Push delivers msg to the client.
func (s *Stream) Push(msg wire.Marshaler) {
	data, err := wire.Codec{}.Marshal(msg)
	if err != nil {
		panic(err)
	}
	s.inbound <- inbound{data: data}
}

// Fail ends the stream with err, as a broken transport would.
func (s *Stream) Fail(err error) {
	s.inbound <- inbound{err: err}
}

// End finishes the stream cleanly from the server side.
func (s *Stream) End() {
	s.inbound <- inbound{err: io.EOF}
}

// FailSends makes later SendMsg calls return err.
func (s *Stream) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// HoldSends makes later SendMsg calls block until release is called, like a
// transport stuck on flow control.
func (s *Stream) HoldSends() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// HeldSends counts SendMsg calls currently blocked by HoldSends.
func (s *Stream) HeldSends() int {
	return int(s.held.Load())
}

// NextSent waits for the next message the client wrote and decodes it.
func (s *Stream) NextSent(t testing.TB, into wire.Unmarshaler) {
	t.Helper()
	select {
	case data := <-s.sent:
		if err := (wire.Codec{}).Unmarshal(data, into); err != nil {
			t.Fatalf("streamtest: decode sent message: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("streamtest: nothing sent on %s within %v", s.Method, waitTimeout)
	}
}

// SentPending reports written messages not yet taken by NextSent.
func (s *Stream) SentPending() int {
	return len(s.sent)
}

// HalfClosed is closed once the client called CloseSend.
func (s *Stream) HalfClosed() <-chan struct{} {
	return s.halfClose
}

func (s *Stream) Header() (metadata.MD, error) { return metadata.MD{}, nil }
func (s *Stream) Trailer() metadata.MD         { return metadata.MD{} }
func (s *Stream) Context() context.Context     { return s.ctx }

func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	close(s.halfClose)
	if !s.conn.IgnoreCloseSend {
		go s.End()
	}
	return nil
}

func (s *Stream) SendMsg(m any) error {
	if s.ctx.Err() != nil {
		return io.EOF
	}
	s.mu.Lock()
	sendDone, sendErr, gate := s.sendDone, s.sendErr, s.gate
	s.mu.Unlock()
	if gate != nil {
		s.held.Add(1)
		select {
		case <-gate:
		case <-s.ctx.Done():
		}
		s.held.Add(-1)
		if s.ctx.Err() != nil {
			return io.EOF
		}
	}
	if sendDone {
		return ErrSendAfterCloseSend
	}
	if sendErr != nil {
		return sendErr
	}
	data, err := wire.Codec{}.Marshal(m)
	if err != nil {
		return err
	}
	s.sent <- data
	return nil
}

func (s *Stream) RecvMsg(m any) error {
	s.mu.Lock()
	if s.terminal != nil {
		err := s.terminal
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	select {
	case item := <-s.inbound:
		if item.err != nil {
			return s.end(item.err)
		}
		return wire.Codec{}.Unmarshal(item.data, m)
	case <-s.ctx.Done():
		return s.end(status.FromContextError(s.ctx.Err()).Err())
	}
}

func (s *Stream) end(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		s.terminal = err
		s.conn.ended.Add(1)
	}
	return s.terminal
}
