// Package quic implements an endpoint-level QUIC engine: UDP datagram
// demultiplexing, connection-id management, stateless reset and
// version negotiation on top of the transport package's per-connection
// state machine.
package quic

import (
	"io"
	"net"
	"time"

	"github.com/goburrow/quic/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Pseudo events, appended to a transport.Event stream by the endpoint
// layer itself rather than by transport.Conn: EventConnAccept marks a
// connection's first delivery to Handler.Serve once established,
// EventConnClose marks its final one once fully drained.
const (
	EventConnAccept transport.EventType = 0xf0 + iota
	EventConnClose
)

// Handler reacts to connection and stream events an Endpoint surfaces.
// Serve is called from the endpoint's own goroutine; it must not block.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}

// Conn is a handle to one QUIC connection, scoped to what a Handler
// needs: the peer address and access to its streams. It is a thin
// value wrapper over the endpoint's bookkeeping, not transport.Conn
// itself, so the handler never races the endpoint's own goroutine.
type Conn struct {
	endpoint *Endpoint
	rc       *remoteConn
}

// RemoteAddr returns the address this connection is talking to.
func (c Conn) RemoteAddr() net.Addr {
	return c.rc.addr
}

// Stream returns the stream with the given id, or nil if it does not
// exist (yet, or any more).
func (c Conn) Stream(id uint64) *transport.Stream {
	c.rc.mu.Lock()
	defer c.rc.mu.Unlock()
	st, ok := c.rc.conn.Stream(id)
	if !ok {
		return nil
	}
	return st
}

// OpenStream allocates a new locally-initiated stream.
func (c Conn) OpenStream(bidi bool) (*transport.Stream, error) {
	c.rc.mu.Lock()
	defer c.rc.mu.Unlock()
	return c.rc.conn.OpenStream(bidi)
}

// Close closes the connection with a no-error application code.
func (c Conn) Close() error {
	now := time.Now()
	c.rc.mu.Lock()
	c.rc.conn.Close(now, 0, nil, true)
	c.rc.mu.Unlock()
	c.endpoint.flush(c.rc, now)
	return nil
}

// Client drives outbound QUIC connections: ListenAndServe opens the
// local UDP socket the client will receive on, and Connect dials a
// remote server over it.
type Client struct {
	endpoint *Endpoint
}

// NewClient returns a Client configured with config. A nil config uses
// NewConfig's defaults.
func NewClient(config *Config) *Client {
	return &Client{endpoint: newEndpoint(config)}
}

// SetHandler installs the handler invoked for every connection and
// stream event this client's connections produce.
func (c *Client) SetHandler(h Handler) {
	c.endpoint.handler = h
}

// SetLogger enables qlog-style transaction logging at the given
// verbosity (0=off .. 4=trace), writing to w.
func (c *Client) SetLogger(level int, w io.Writer) {
	c.endpoint.logger.level = logLevel(level)
	c.endpoint.logger.setWriter(w)
}

// SetZapLogger installs the operational logger used for endpoint
// lifecycle and errors, separate from the per-transaction trace
// SetLogger controls.
func (c *Client) SetZapLogger(l *zap.Logger) {
	c.endpoint.zlog = l
}

// ListenAndServe opens the local UDP socket addr that every connection
// this client makes will use as its local endpoint.
func (c *Client) ListenAndServe(addr string) error {
	return c.endpoint.listen(addr)
}

// Connect dials addr, returning once the Initial packet has gone out;
// handshake completion is reported to the Handler as EventConnAccept.
func (c *Client) Connect(addr string) error {
	_, err := c.endpoint.connectTo(addr)
	return err
}

// Close shuts down the client's UDP socket and every connection on it.
func (c *Client) Close() error {
	return c.endpoint.close()
}

// Metrics returns this client's Prometheus collectors, for callers
// that want to register them with their own Registerer.
func (c *Client) Metrics() []prometheus.Collector {
	return c.endpoint.metrics.Collectors()
}

// Server accepts inbound QUIC connections on a UDP socket.
type Server struct {
	endpoint *Endpoint
}

// NewServer returns a Server configured with config. config.TLS must
// carry a server certificate (TLSConfig.Certificates or RootCAs).
func NewServer(config *Config) *Server {
	return &Server{endpoint: newEndpoint(config)}
}

// SetHandler installs the handler invoked for every connection and
// stream event this server's connections produce.
func (s *Server) SetHandler(h Handler) {
	s.endpoint.handler = h
}

// SetLogger enables qlog-style transaction logging at the given
// verbosity (0=off .. 4=trace), writing to w.
func (s *Server) SetLogger(level int, w io.Writer) {
	s.endpoint.logger.level = logLevel(level)
	s.endpoint.logger.setWriter(w)
}

// SetZapLogger installs the operational logger used for endpoint
// lifecycle and errors, separate from the per-transaction trace
// SetLogger controls.
func (s *Server) SetZapLogger(l *zap.Logger) {
	s.endpoint.zlog = l
}

// ListenAndServe opens addr and starts accepting inbound connections.
func (s *Server) ListenAndServe(addr string) error {
	return s.endpoint.listen(addr)
}

// Close shuts down the server's UDP socket and every connection on it.
func (s *Server) Close() error {
	return s.endpoint.close()
}

// Metrics returns this server's Prometheus collectors, for callers
// that want to register them with their own Registerer.
func (s *Server) Metrics() []prometheus.Collector {
	return s.endpoint.metrics.Collectors()
}
