package wire

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidClientMessage   = errors.New("wire: invalid client message")
	ErrInvalidListenerMessage = errors.New("wire: invalid friend listener message")
)

// Parity is the pong status enum. It carries no protocol meaning beyond
// echoing activity back to the server.
type Parity int32

const (
	ParityEven Parity = 0
	ParityOdd  Parity = 1
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return fmt.Sprintf("parity(%d)", int32(p))
	}
}

// ClientHello opens the heartbeat stream for one client identity.
type ClientHello struct {
	ClientID string
}

func (m ClientHello) AppendWire(b []byte) []byte {
	return appendString(b, 1, m.ClientID)
}

func (m *ClientHello) UnmarshalWire(b []byte) error {
	*m = ClientHello{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			m.ClientID = v
			return n, nil
		}
		return 0, nil
	})
}

// Pong answers one server ping.
type Pong struct {
	Status Parity
}

func (m Pong) AppendWire(b []byte) []byte {
	if m.Status == 0 {
		return b
	}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.Status))
}

func (m *Pong) UnmarshalWire(b []byte) error {
	*m = Pong{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Status = Parity(int32(v))
			return n, nil
		}
		return 0, nil
	})
}

// ClientMessage is the client->server envelope on the heartbeat stream.
// Exactly one of Hello or Pong is set.
type ClientMessage struct {
	Hello *ClientHello
	Pong  *Pong
}

func (m ClientMessage) Validate() error {
	switch {
	case m.Hello != nil && m.Pong != nil:
		return fmt.Errorf("%w: both client_hello and pong set", ErrInvalidClientMessage)
	case m.Hello == nil && m.Pong == nil:
		return fmt.Errorf("%w: empty oneof", ErrInvalidClientMessage)
	case m.Hello != nil && strings.TrimSpace(m.Hello.ClientID) == "":
		return fmt.Errorf("%w: missing client_id", ErrInvalidClientMessage)
	}
	return nil
}

func (m ClientMessage) AppendWire(b []byte) []byte {
	if m.Hello != nil {
		b = appendMessage(b, 1, m.Hello.AppendWire(nil))
	}
	if m.Pong != nil {
		b = appendMessage(b, 2, m.Pong.AppendWire(nil))
	}
	return b
}

func (m *ClientMessage) UnmarshalWire(b []byte) error {
	*m = ClientMessage{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			hello := &ClientHello{}
			if err := hello.UnmarshalWire(v); err != nil {
				return 0, err
			}
			m.Hello, m.Pong = hello, nil
			return n, nil
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			pong := &Pong{}
			if err := pong.UnmarshalWire(v); err != nil {
				return 0, err
			}
			m.Hello, m.Pong = nil, pong
			return n, nil
		}
		return 0, nil
	})
}

// Ping is the server->client heartbeat message.
type Ping struct {
	Message string
}

func (m Ping) AppendWire(b []byte) []byte {
	return appendString(b, 1, m.Message)
}

func (m *Ping) UnmarshalWire(b []byte) error {
	*m = Ping{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			m.Message = v
			return n, nil
		}
		return 0, nil
	})
}

// FriendList registers the peers a client wants presence updates for.
type FriendList struct {
	FriendIDs []string
}

func (m FriendList) AppendWire(b []byte) []byte {
	for _, id := range m.FriendIDs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b
}

func (m *FriendList) UnmarshalWire(b []byte) error {
	*m = FriendList{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				m.FriendIDs = append(m.FriendIDs, v)
			}
			return n, nil
		}
		return 0, nil
	})
}

// FriendListenerMessage is the client->server envelope on the presence stream.
type FriendListenerMessage struct {
	FriendList *FriendList
}

func (m FriendListenerMessage) Validate() error {
	if m.FriendList == nil {
		return fmt.Errorf("%w: missing friend_list", ErrInvalidListenerMessage)
	}
	return nil
}

func (m FriendListenerMessage) AppendWire(b []byte) []byte {
	if m.FriendList != nil {
		b = appendMessage(b, 1, m.FriendList.AppendWire(nil))
	}
	return b
}

func (m *FriendListenerMessage) UnmarshalWire(b []byte) error {
	*m = FriendListenerMessage{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			list := &FriendList{}
			if err := list.UnmarshalWire(v); err != nil {
				return 0, err
			}
			m.FriendList = list
			return n, nil
		}
		return 0, nil
	})
}

// FriendStatusUpdate reports one peer going online or offline.
type FriendStatusUpdate struct {
	ClientID string
	IsOnline bool
}

func (m FriendStatusUpdate) AppendWire(b []byte) []byte {
	b = appendString(b, 1, m.ClientID)
	if m.IsOnline {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func (m *FriendStatusUpdate) UnmarshalWire(b []byte) error {
	*m = FriendStatusUpdate{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.ClientID = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.IsOnline = protowire.DecodeBool(v)
			return n, nil
		}
		return 0, nil
	})
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

// decodeFields walks one encoded message. fn returns the number of bytes it
// consumed for a known field, or 0 to have the field skipped as unknown.
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
