package quic

import (
	"context"
	"crypto/tls"
)

// tlsSession adapts crypto/tls's native QUIC support (tls.QUICConn,
// introduced for the quic-go/quinn style handshake-bytes-over-a-stream
// model) to the transport.TLSSession boundary transport.Conn drives.
// This engine keeps a single combined handshake epoch for both the
// Initial and Handshake packet spaces (see transport/epoch.go), so every
// pre-Established handshake byte is fed to the TLS state machine at the
// Initial encryption level; a strict RFC 9001 implementation with
// separate Initial/Handshake secrets would need to track levels
// individually instead.
type tlsSession struct {
	conn     *tls.QUICConn
	isClient bool

	outgoing []byte

	peerParams     []byte
	havePeerParams bool

	handshakeDone bool

	clientSecret []byte
	serverSecret []byte
}

func newClientTLSSession(cfg *tls.Config) *tlsSession {
	return &tlsSession{conn: tls.QUICClient(&tls.QUICConfig{TLSConfig: cfg}), isClient: true}
}

func newServerTLSSession(cfg *tls.Config) *tlsSession {
	return &tlsSession{conn: tls.QUICServer(&tls.QUICConfig{TLSConfig: cfg})}
}

// SetTransportParameters hands this side's transport parameters to the
// TLS stack and starts the handshake, draining whatever the stack
// immediately has to say (the ClientHello, for a client session).
func (t *tlsSession) SetTransportParameters(local []byte) {
	t.conn.SetTransportParameters(local)
	if err := t.conn.Start(context.Background()); err != nil {
		return
	}
	t.pump()
}

func (t *tlsSession) pump() {
	for {
		ev := t.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return
		case tls.QUICWriteData:
			t.outgoing = append(t.outgoing, ev.Data...)
		case tls.QUICTransportParameters:
			t.peerParams = append([]byte(nil), ev.Data...)
			t.havePeerParams = true
		case tls.QUICHandshakeDone:
			t.handshakeDone = true
		case tls.QUICSetReadSecret:
			if ev.Level == tls.QUICEncryptionLevelApplication {
				if t.isClient {
					t.serverSecret = append([]byte(nil), ev.Data...)
				} else {
					t.clientSecret = append([]byte(nil), ev.Data...)
				}
			}
		case tls.QUICSetWriteSecret:
			if ev.Level == tls.QUICEncryptionLevelApplication {
				if t.isClient {
					t.clientSecret = append([]byte(nil), ev.Data...)
				} else {
					t.serverSecret = append([]byte(nil), ev.Data...)
				}
			}
		}
	}
}

func (t *tlsSession) WriteHandshakeData(data []byte) error {
	if err := t.conn.HandleData(tls.QUICEncryptionLevelInitial, data); err != nil {
		return err
	}
	t.pump()
	return nil
}

func (t *tlsSession) ReadHandshakeData(buf []byte) (int, error) {
	if len(t.outgoing) == 0 {
		return 0, nil
	}
	n := copy(buf, t.outgoing)
	t.outgoing = t.outgoing[n:]
	return n, nil
}

func (t *tlsSession) ProcessNewPackets() error {
	t.pump()
	return nil
}

func (t *tlsSession) IsHandshaking() bool { return !t.handshakeDone }

func (t *tlsSession) ALPNProtocol() string {
	return t.conn.ConnectionState().NegotiatedProtocol
}

func (t *tlsSession) ServerName() string {
	return t.conn.ConnectionState().ServerName
}

func (t *tlsSession) QUICTransportParameters() ([]byte, bool) {
	return t.peerParams, t.havePeerParams
}

// TrafficSecrets satisfies transport.Conn's optional secretSource
// interface, supplying the real negotiated 1-RTT secrets instead of the
// deterministic-from-odcid fallback.
func (t *tlsSession) TrafficSecrets() (client, server []byte) {
	return t.clientSecret, t.serverSecret
}
