package wire

import "google.golang.org/grpc"

const ServiceName = "service.Server"

// Method names one bidirectional streaming RPC of the remote service.
type Method struct {
	Name string
}

var (
	// Heartbeat exchanges ClientMessage for Ping.
	Heartbeat = Method{Name: "Communicate"}
	// Presence exchanges FriendListenerMessage for FriendStatusUpdate.
	Presence = Method{Name: "FriendListener"}
)

func (m Method) FullName() string {
	return "/" + ServiceName + "/" + m.Name
}

func (m Method) StreamDesc() *grpc.StreamDesc {
	return &grpc.StreamDesc{
		StreamName:    m.Name,
		ServerStreams: true,
		ClientStreams: true,
	}
}

func (m Method) String() string {
	return m.FullName()
}

// Server is the server side of the service. Both handlers receive the raw
// stream; messages are exchanged with the types in this package.
type Server interface {
	Communicate(stream grpc.ServerStream) error
	FriendListener(stream grpc.ServerStream) error
}

// RegisterServer binds srv to s under ServiceName.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: Heartbeat.Name,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(Server).Communicate(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName: Presence.Name,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(Server).FriendListener(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "service.proto",
}
