// Package fabric connects the transport to the ring state machine and to the
// application layer.
//
// A Dispatcher serves every inbound connection. Each envelope is decoded once
// into a wire.Message and matched exhaustively:
//
//	RingMessage  -> ring.Server.Handle, reply ACK/NACK/REJECT, then run the
//	                returned Outbound calls in the background
//	AppMessage   -> the connection's application Session
//	Reply        -> unexpected on an inbound stream; logged and dropped
//
// Outbound ring calls are one-shot and never retried. The one exception is
// the NEWNODE walk, which moves on to the next member listed in
// Outbound.Fallback when its hop answers NACK or cannot be reached.
package fabric
