// Package bus implements the four socket kinds every simbus service talks
// through: Publisher and Subscriber for broadcast, Requester and Responder for
// request/reply. They sit on ZeroMQ XPUB, SUB, REQ and REP sockets.
//
// Messages are envelopes sent as two-part ZeroMQ messages, the topic token
// and the encoded body, so topic prefix filtering happens in ZeroMQ. Each
// Subscriber also subscribes to a private welcome topic and returns from Open
// once the Publisher has answered on it; since subscriptions travel in order,
// anything sent after Open returns reaches the subscriber.
//
// Every socket registers with a Context, which owns the ZeroMQ context.
// Closing the Context closes whatever is still open and terminates ZeroMQ,
// which is how the service runtime guarantees that no socket outlives the
// process.
package bus
