package transport

// TLSSession is the abstract handshake capability this engine drives;
// it is the only place the core admits runtime polymorphism. The core
// never touches a TLS library directly; it reads and writes opaque
// handshake bytes on
// stream 0 and asks the capability for whatever it has produced or
// needs. A real binding adapts this to crypto/tls's QUICConn (Go 1.21+)
// or an equivalent QUIC-aware TLS stack.
type TLSSession interface {
	// WriteHandshakeData delivers handshake bytes received from the peer
	// (on stream 0) to the TLS session.
	WriteHandshakeData(data []byte) error
	// ReadHandshakeData drains handshake bytes the TLS session wants sent
	// to the peer (on stream 0), returning 0 when none are pending.
	ReadHandshakeData(buf []byte) (int, error)
	// ProcessNewPackets tells the session to advance the handshake state
	// machine using whatever has been written since the last call.
	ProcessNewPackets() error
	// IsHandshaking reports whether the handshake is still in progress.
	IsHandshaking() bool
	// ALPNProtocol returns the negotiated application protocol, if any.
	ALPNProtocol() string
	// ServerName returns the SNI hostname offered by a client session.
	ServerName() string
	// SetTransportParameters installs the local transport parameters into
	// the outgoing TLS extension, and QUICTransportParameters retrieves
	// the peer's, once available.
	SetTransportParameters(local []byte)
	QUICTransportParameters() ([]byte, bool)
}

// Config carries everything needed to start a connection.
type Config struct {
	Version uint32
	Params  Parameters
	TLS     TLSSession

	MaxIdleTimeout        uint64 // milliseconds
	MaxUDPPayloadSize     uint64

	CipherSuite cipherSuite
}
