// Package stream wraps one long-lived bidirectional gRPC call.
//
// Ownership boundary:
// - one reader goroutine delivering inbound messages in order
// - one writer goroutine draining a bounded send queue
// - half-close, abort and terminal error classification
//
// A Session never reopens itself. Owners decide what a broken stream means.
package stream
