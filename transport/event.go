package transport

// EventType names the kind of Event a Conn surfaces to its caller. The
// core never performs I/O itself; Events are how it reports state
// changes the application or endpoint layer must react to.
type EventType uint8

const (
	// EventHandshakeComplete fires once the TLS session reports the
	// handshake done and transport parameters are installed.
	EventHandshakeComplete EventType = iota
	// EventStream fires when a stream has new data to read, or has newly
	// become writable, or moved to a terminal state.
	EventStream
	// EventStreamReset fires when the peer reset a stream's receive half.
	EventStreamReset
	// EventStreamStopSending fires when the peer asked the local send half
	// to stop.
	EventStreamStopSending
	// EventConnectionClose fires when the connection enters Draining (a
	// close frame from the peer, an idle timeout once established, or a
	// version mismatch), carrying the reason in ConnectionError. A local
	// Close does not raise it.
	EventConnectionClose
)

// Event is one state change surfaced by Conn.Events.
type Event struct {
	Type EventType

	StreamID uint64

	// Error carries the close reason for EventConnectionClose and the
	// peer-supplied code for EventStreamReset / EventStreamStopSending.
	Error *ConnectionError
	Code  uint64
}
