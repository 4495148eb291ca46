// Package relay is the event delivery core: it tracks live connections and
// delivers published envelopes to the right ones.
//
// A connection moves through the handshake state machine
//
//	Connecting -> Accepted -> Authenticated -> Active -> Closing -> Closed
//
// with Rejected as the terminal state of a failed handshake. The Handshaker
// drives those transitions; a connection is registered in the Registry when
// it authenticates and only becomes a delivery target once Active, after its
// Worker was started.
//
// Publishing goes Bridge.Publish -> Router.Resolve -> Router.Dispatch ->
// Connection.Enqueue -> Worker write loop. The Bridge numbers envelopes per
// (user, thread) and dispatches under the key's lock, so every connection
// receives the envelopes of a thread in sequence order. Enqueue never blocks:
// a full queue surfaces as a *QueueFullError.
//
// Thread-scoped events reach only connections that subscribed to the thread;
// events without a thread go to every connection of the user.
package relay
