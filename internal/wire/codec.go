package wire

import (
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

var ErrUnsupportedMessage = errors.New("wire: unsupported message type")

// Marshaler is implemented by every outbound message type.
type Marshaler interface {
	AppendWire(b []byte) []byte
}

// Unmarshaler is implemented by pointers to every inbound message type.
type Unmarshaler interface {
	UnmarshalWire(b []byte) error
}

// Codec encodes the hand-bound message structs with the protobuf wire format,
// so it interoperates with a server built from the service .proto.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Name() string {
	return "proto"
}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Marshaler)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, v)
	}
	return m.AppendWire(nil), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Unmarshaler)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedMessage, v)
	}
	return m.UnmarshalWire(data)
}

// CallOptions pins the codec on client streams without touching the global
// codec registry.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.ForceCodec(Codec{})}
}

// ServerOption pins the codec on a server.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}
