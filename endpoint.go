package quic

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goburrow/quic/internal/reset"
	"github.com/goburrow/quic/transport"
	"go.uber.org/zap"
)

// localCIDLength is the length of every connection id this endpoint
// generates for itself, for both client and server connections.
const localCIDLength = 8

// remoteConn binds a transport.Conn to the network address it talks to
// and the local connection id currently filed for it in the endpoint's
// CID table. log.go's transactionLogger keys off addr/scid directly.
type remoteConn struct {
	addr net.Addr
	scid []byte
	conn *transport.Conn

	mu       sync.Mutex
	accepted bool
}

// Endpoint multiplexes one UDP socket across many QUIC connections. It
// owns the connection-id table and the stateless-reset key; inbound
// connections are handed to Handler.Serve as soon as they establish.
// Client and Server are thin wrappers adding the public API around it.
type Endpoint struct {
	config *Config
	socket net.PacketConn

	resetKey reset.Key

	mu          sync.Mutex
	connsByCID  map[string]*remoteConn
	connsByAddr map[string]*remoteConn // fallback for Initial packets before a cid is known

	closed chan struct{}
	wg     sync.WaitGroup

	handler Handler
	logger  logger // qlog-style per-transaction trace, see log.go

	zlog *zap.Logger // operational logging: accept/send failures, lifecycle

	metrics *metrics
}

func newEndpoint(config *Config) *Endpoint {
	if config == nil {
		config = NewConfig()
	}
	return &Endpoint{
		config:      config,
		resetKey:    reset.NewKey(config.StatelessResetKey),
		connsByCID:  make(map[string]*remoteConn),
		connsByAddr: make(map[string]*remoteConn),
		closed:      make(chan struct{}),
		metrics:     newMetrics(),
		zlog:        zap.NewNop(),
	}
}

func (e *Endpoint) listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		e.zlog.Error("listen failed", zap.String("addr", addr), zap.Error(err))
		return err
	}
	e.socket = conn
	e.zlog.Info("listening", zap.Stringer("addr", conn.LocalAddr()))
	e.wg.Add(1)
	go e.readLoop()
	e.wg.Add(1)
	go e.timerLoop()
	return nil
}

func (e *Endpoint) localAddr() net.Addr {
	if e.socket == nil {
		return nil
	}
	return e.socket.LocalAddr()
}

func (e *Endpoint) close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
	}
	var err error
	if e.socket != nil {
		err = e.socket.Close()
	}
	e.wg.Wait()
	return err
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := e.socket.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			e.zlog.Error("read failed", zap.Error(err))
			return
		}
		e.handleDatagram(append([]byte(nil), buf[:n]...), addr, time.Now())
	}
}

// timerLoop periodically drives every live connection's idle and
// loss-recovery timers forward, since nothing otherwise calls into a
// Conn that has no incoming packets to process.
func (e *Endpoint) timerLoop() {
	defer e.wg.Done()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-e.closed:
			return
		case now := <-t.C:
			e.pollAll(now)
		}
	}
}

func (e *Endpoint) pollAll(now time.Time) {
	e.mu.Lock()
	rcs := make([]*remoteConn, 0, len(e.connsByCID))
	seen := make(map[*transport.Conn]bool)
	for _, rc := range e.connsByCID {
		if !seen[rc.conn] {
			seen[rc.conn] = true
			rcs = append(rcs, rc)
		}
	}
	e.mu.Unlock()
	for _, rc := range rcs {
		e.drive(rc, now)
	}
}

func (e *Endpoint) handleDatagram(b []byte, addr net.Addr, now time.Time) {
	dcid, _, version, long, ok := transport.PeekPacket(b, localCIDLength)
	if !ok {
		return
	}
	rc := e.lookup(dcid, addr)
	if rc == nil {
		e.handleUnknownDestination(b, addr, version, long, now)
		return
	}
	e.ingest(rc, b, now)
}

func (e *Endpoint) lookup(dcid []byte, addr net.Addr) *remoteConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rc, ok := e.connsByCID[string(dcid)]; ok {
		return rc
	}
	return e.connsByAddr[addr.String()]
}

func (e *Endpoint) handleUnknownDestination(b []byte, addr net.Addr, version uint32, long bool, now time.Time) {
	if !long {
		e.sendStatelessReset(b, addr)
		return
	}
	if version != transport.ProtocolVersion {
		e.sendVersionNegotiation(b, addr)
		return
	}
	if e.handler == nil {
		return // pure client endpoint, nothing to accept
	}
	e.acceptNew(b, addr, now)
}

func (e *Endpoint) acceptNew(b []byte, addr net.Addr, now time.Time) {
	_, scid, _, _, ok := transport.PeekPacket(b, localCIDLength)
	if !ok {
		return
	}
	localSCID := make([]byte, localCIDLength)
	rand.Read(localSCID)

	tls := newServerTLSSession(e.config.TLS.tlsConfig())
	cfg := e.config.transportConfig(tls, false)
	cfg.Version = transport.ProtocolVersion
	conn, err := transport.Accept(now, localSCID, scid, cfg)
	if err != nil {
		e.zlog.Error("accept failed", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	rc := &remoteConn{addr: addr, scid: localSCID, conn: conn}
	e.mu.Lock()
	e.connsByCID[string(localSCID)] = rc
	e.connsByAddr[addr.String()] = rc
	e.mu.Unlock()
	e.logger.attachLogger(rc)
	e.metrics.connsAccepted.Inc()
	e.zlog.Debug("accepting connection", zap.Stringer("addr", addr), zap.Binary("scid", localSCID))
	e.ingest(rc, b, now)
}

func (e *Endpoint) sendVersionNegotiation(b []byte, addr net.Addr) {
	dcid, scid, _, _, ok := transport.PeekPacket(b, localCIDLength)
	if !ok {
		return
	}
	out := make([]byte, 1200)
	n, err := transport.EncodeVersionNegotiation(out, dcid, scid, []uint32{transport.ProtocolVersion})
	if err != nil {
		return
	}
	e.socket.WriteTo(out[:n], addr)
}

func (e *Endpoint) sendStatelessReset(b []byte, addr net.Addr) {
	if len(b) < 1+localCIDLength+5 {
		return // too small to safely disguise as a stateless reset
	}
	dcid := b[1 : 1+localCIDLength]
	token := e.resetKey.TokenFor(dcid)
	out := make([]byte, len(b))
	rand.Read(out)
	out[0] = (out[0] & 0x3f) | 0x40
	copy(out[len(out)-reset.TokenLen:], token[:])
	e.socket.WriteTo(out, addr)
}

func (e *Endpoint) ingest(rc *remoteConn, b []byte, now time.Time) {
	rc.mu.Lock()
	_, err := rc.conn.Write(b, now)
	rc.mu.Unlock()
	if err != nil {
		return
	}
	e.afterProcessing(rc, now)
}

func (e *Endpoint) drive(rc *remoteConn, now time.Time) {
	rc.mu.Lock()
	rc.conn.Tick(now)
	rc.mu.Unlock()
	e.afterProcessing(rc, now)
}

// afterProcessing drains whatever events the last Write/timer pass
// produced, hands them to the configured Handler, sends any packets
// the connection now has queued, and retires the connection once it
// has fully drained.
func (e *Endpoint) afterProcessing(rc *remoteConn, now time.Time) {
	rc.mu.Lock()
	events := rc.conn.Events()
	wasEstablished := rc.conn.IsEstablished()
	rc.mu.Unlock()

	if e.handler != nil {
		wrapped := events
		rc.mu.Lock()
		firstAccept := wasEstablished && !rc.accepted
		if firstAccept {
			rc.accepted = true
		}
		rc.mu.Unlock()
		if firstAccept {
			wrapped = append([]transport.Event{{Type: EventConnAccept}}, events...)
		}
		if len(wrapped) > 0 {
			e.handler.Serve(Conn{endpoint: e, rc: rc}, wrapped)
		}
	}

	e.flush(rc, now)

	rc.mu.Lock()
	drained := rc.conn.IsDrained()
	rc.mu.Unlock()
	if drained {
		if e.handler != nil {
			e.handler.Serve(Conn{endpoint: e, rc: rc}, []transport.Event{{Type: EventConnClose}})
		}
		e.forget(rc)
	}
}

func (e *Endpoint) flush(rc *remoteConn, now time.Time) {
	buf := make([]byte, 1452)
	for {
		rc.mu.Lock()
		n, err := rc.conn.NextPacket(now, buf)
		rc.mu.Unlock()
		if err != nil || n == 0 {
			return
		}
		e.socket.WriteTo(buf[:n], rc.addr)
		e.metrics.packetsSent.Inc()
	}
}

func (e *Endpoint) forget(rc *remoteConn) {
	e.logger.detachLogger(rc)
	e.mu.Lock()
	delete(e.connsByCID, string(rc.scid))
	delete(e.connsByAddr, rc.addr.String())
	e.mu.Unlock()
	e.metrics.connsClosed.Inc()
	e.zlog.Debug("connection drained", zap.Stringer("addr", rc.addr), zap.Binary("scid", rc.scid))
}

func (e *Endpoint) connectTo(addr string) (*remoteConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	scid := make([]byte, localCIDLength)
	rand.Read(scid)

	tls := newClientTLSSession(e.config.TLS.tlsConfig())
	cfg := e.config.transportConfig(tls, true)
	cfg.Version = transport.ProtocolVersion
	conn, err := transport.Connect(time.Now(), scid, cfg)
	if err != nil {
		e.zlog.Error("connect failed", zap.String("addr", addr), zap.Error(err))
		return nil, err
	}
	e.zlog.Info("connecting", zap.String("addr", addr), zap.Binary("scid", scid))
	rc := &remoteConn{addr: udpAddr, scid: scid, conn: conn}
	e.mu.Lock()
	e.connsByCID[string(scid)] = rc
	e.connsByAddr[udpAddr.String()] = rc
	e.mu.Unlock()
	e.logger.attachLogger(rc)
	e.flush(rc, time.Now())
	return rc, nil
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("endpoint %v", e.localAddr())
}
