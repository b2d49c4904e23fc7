// Package wire binds the remote heartbeat/presence service.
//
// Ownership boundary:
// - message structs for both bidirectional streams
// - protobuf wire encoding through protowire (no generated code)
// - gRPC codec and method descriptors
//
// Field numbers follow service.proto:
//
//	ClientMessage         { oneof { ClientHello client_hello = 1; Pong pong = 2; } }
//	ClientHello           { string client_id = 1; }
//	Pong                  { Parity status = 1; }   enum Parity { EVEN = 0; ODD = 1; }
//	Ping                  { string message = 1; }
//	FriendListenerMessage { oneof { FriendList friend_list = 1; } }
//	FriendList            { repeated string friend_ids = 1; }
//	FriendStatusUpdate    { string client_id = 1; bool is_online = 2; }
package wire
