package quic

import (
	"crypto/rand"
	"crypto/tls"
	"time"

	"github.com/goburrow/quic/transport"
)

// TLSConfig holds the TLS-specific half of Config; kept separate so a
// caller can write config.TLS.ServerName the way crypto/tls.Config is
// normally configured.
type TLSConfig struct {
	ServerName         string
	InsecureSkipVerify bool
	Certificates       []tls.Certificate
	RootCAs            *tls.Config // non-nil to reuse an existing *tls.Config verbatim
}

func (c *TLSConfig) tlsConfig() *tls.Config {
	if c.RootCAs != nil {
		return c.RootCAs
	}
	return &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Certificates:       c.Certificates,
		NextProtos:         []string{"quic-example"},
		MinVersion:         tls.VersionTLS13,
	}
}

// Config carries everything needed by an Endpoint to accept or create
// connections: the transport parameters every Conn is built with, the
// TLS material, and the idle-timeout/reset-key settings that apply
// endpoint-wide.
type Config struct {
	TLS    TLSConfig
	Params transport.Parameters

	// MaxIdleTimeout bounds how long a connection may go without any
	// network activity before the endpoint drains it.
	MaxIdleTimeout time.Duration

	// StatelessResetKey signs reset tokens for connections this endpoint
	// owns; NewConfig fills this with random bytes, but a caller that
	// wants stable reset tokens across restarts should overwrite it.
	StatelessResetKey [32]byte
}

// NewConfig returns a Config with the transport defaults this engine
// ships with and a freshly generated stateless reset key.
func NewConfig() *Config {
	c := &Config{
		Params:         defaultTransportParameters(),
		MaxIdleTimeout: 30 * time.Second,
	}
	rand.Read(c.StatelessResetKey[:])
	return c
}

func defaultTransportParameters() transport.Parameters {
	return transport.Parameters{
		MaxUDPPayloadSize:              1350,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 18,
		InitialMaxStreamDataBidiRemote: 1 << 18,
		InitialMaxStreamDataUni:        1 << 18,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		AckDelayExponent:               3,
		MaxAckDelay:                    25,
	}
}

func (c *Config) transportConfig(session transport.TLSSession, isClient bool) *transport.Config {
	cfg := &transport.Config{
		Params: c.Params,
		TLS:    session,
	}
	if c.MaxIdleTimeout > 0 {
		cfg.MaxIdleTimeout = uint64(c.MaxIdleTimeout.Milliseconds())
	}
	return cfg
}
