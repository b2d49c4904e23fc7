package stream

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed = errors.New("stream: session closed")
	ErrSendQueueFull = errors.New("stream: send queue full")
	ErrServerEnded   = errors.New("stream: server ended stream")
)

// SendError reports one outbound message that was not transmitted. It is not
// fatal to the session by itself.
type SendError struct {
	Method string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("stream: send on %s: %v", e.Method, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// StreamBrokenError reports a stream that terminated without being asked to.
type StreamBrokenError struct {
	Method string
	Err    error
}

func (e *StreamBrokenError) Error() string {
	return fmt.Sprintf("stream: %s broken: %v", e.Method, e.Err)
}

func (e *StreamBrokenError) Unwrap() error {
	return e.Err
}
