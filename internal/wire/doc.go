// Package wire defines the envelope exchanged between ring chat servers and
// the closed set of messages it can carry.
//
// Every envelope is {type, senderId, body, payload}. Decode is the only place
// a type tag is interpreted: ring protocol tags become RingMessage, account
// service tags become AppMessage, ACK/NACK/REJECT become Reply, and anything
// else is rejected with ErrUnknownType. Callers switch on the result
// exhaustively and never look at raw tags again.
//
// Ring message layout:
//
//	NEWNODE       body    "<id> <ip> <port>"
//	PREDECESSOR   payload Node
//	SUCCESSOR_FT  payload {owner, bootstrap, table: [predecessor, f1..fm]}
//	SERVER_DOWN   payload Node
package wire
