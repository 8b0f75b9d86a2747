package transport

import (
	"bytes"
	"crypto/rand"
	"time"
)

// connectionState is the tagged variant of a Conn's top-level state
// machine: Handshake -> Established -> Closed, with HandshakeFailed and
// Draining/Drained reachable from either side of that line.
type connectionState uint8

const (
	stateHandshake connectionState = iota
	stateEstablished
	stateHandshakeFailed
	stateClosed
	stateDraining
	stateDrained
)

const (
	maxDatagramSize  = 1350
	minInitialSize   = 1200
	closeTimerFactor = 3
)

// Conn is a single QUIC connection: the core engine that drives the
// handshake, frames and encrypts outgoing packets, authenticates and
// decodes incoming ones, runs loss detection and congestion control, and
// multiplexes stream data. It performs no I/O of its own: Write ingests
// a datagram, NextPacket produces one, and Events drains whatever state
// changes resulted, so the engine stays independent of any particular
// clock or event loop. Unlike the three-space design of RFC 9000, this
// connection keeps a single packet-number space and loss-recovery
// instance across its whole lifetime; packetSpace only ever selects
// packet type and crypto epoch.
type Conn struct {
	isClient bool
	version  uint32

	scid  []byte // local source connection id
	dcid  []byte // current destination connection id
	odcid []byte // original destination cid chosen by the client, recorded on both sides
	rscid []byte // retry source cid, set once a Retry has been applied

	token []byte // token to echo on the next Initial, once a Retry granted one

	clienthelloPacket  *uint64 // packet number of the most recently sent ClientHello-carrying Initial
	retryToken         []byte  // token accepted from the most recent Retry, for replay comparison
	sentFirstHandshake bool    // whether the first handshake-flight packet (type Initial) has gone out

	hsEpoch  *handshakeEpoch
	appEpoch *oneRTTEpoch

	localParams   Parameters
	peerParams    Parameters
	peerParamsSet bool

	tls TLSSession

	streams *streamMap
	flow    flowControl

	recovery lossRecovery

	state connectionState

	nextPacketNumber  uint64
	largestRecvPacket uint64
	haveRecvPacket    bool
	recvd             RangeSet
	rxPacketTime      time.Time

	permitAckOnly       bool
	ackPending          bool
	pingPending         bool
	pathResponsePending *[8]byte

	pendingResets         []*resetStreamFrame
	pendingStopSendings   []*stopSendingFrame
	pendingMaxData        bool
	pendingMaxStreamsBidi bool
	pendingMaxStreamsUni  bool

	blockedStreams map[uint64]bool

	closeFrame          *connectionCloseFrame
	closeUnderHandshake bool

	idleTimeout   time.Duration
	idleDeadline  time.Time
	closeDeadline time.Time
	drainDeadline time.Time

	events []Event

	logEventFn func(LogEvent)
}

// Connect creates a client-side connection.
func Connect(now time.Time, scid []byte, config *Config) (*Conn, error) {
	return newConn(now, config, scid, nil, true)
}

// Accept creates a server-side connection from a validated inbound
// Initial packet. odcid is the destination connection id the client
// chose for that packet.
func Accept(now time.Time, scid, odcid []byte, config *Config) (*Conn, error) {
	return newConn(now, config, scid, odcid, false)
}

func newConn(now time.Time, config *Config, scid, odcid []byte, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	if len(scid) > MaxCIDLength || len(odcid) > MaxCIDLength {
		return nil, newError(ProtocolViolation, "cid too long")
	}
	s := &Conn{
		version:        config.Version,
		isClient:       isClient,
		localParams:    config.Params,
		state:          stateHandshake,
		tls:            config.TLS,
		blockedStreams: make(map[uint64]bool),
	}
	if s.version == 0 {
		s.version = 1
	}
	s.recovery = *newLossRecovery(maxDatagramSize)
	s.flow.init(s.localParams.InitialMaxData, 0)
	s.idleTimeout = time.Duration(config.MaxIdleTimeout) * time.Millisecond

	s.scid = append([]byte(nil), scid...)
	s.streams = newStreamMap(isClient, s.localParams.InitialMaxStreamsBidi, s.localParams.InitialMaxStreamsUni)
	hs := newHandshakeStream()
	hs.markFlushable = func() { s.streams.markFlushable(0) }
	s.streams.streams[0] = hs

	if len(odcid) > 0 {
		s.odcid = append([]byte(nil), odcid...)
		s.localParams.OriginalDestinationConnectionID = s.odcid
	}

	if isClient {
		s.dcid = make([]byte, MaxCIDLength)
		if _, err := rand.Read(s.dcid); err != nil {
			return nil, err
		}
		// The client's own odcid is the randomly chosen dcid of its first
		// Initial; recorded here so both ends can later agree on the same
		// stable value once dcid itself is free to change (e.g. on Retry).
		s.odcid = append([]byte(nil), s.dcid...)
		if err := s.deriveHandshakeKeys(s.dcid); err != nil {
			return nil, err
		}
	}

	if s.tls != nil {
		s.tls.SetTransportParameters(s.localParams.Marshal())
		if err := s.pumpHandshakeData(); err != nil {
			return nil, err
		}
	}
	s.resetIdleTimer(now)
	return s, nil
}

// pumpHandshakeData drains whatever handshake bytes the TLS session has
// queued for the peer and appends them to stream 0's send half, the
// only place handshake bytes and ordinary STREAM frames share a queue.
func (s *Conn) pumpHandshakeData() error {
	hs, ok := s.streams.get(0)
	if !ok {
		return nil
	}
	buf := make([]byte, 4096)
	for {
		n, err := s.tls.ReadHandshakeData(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		offset := hs.send.offset
		hs.send.offset += uint64(n)
		data := append([]byte(nil), buf[:n]...)
		if err := hs.send.push(data, offset, false); err != nil {
			return err
		}
		if hs.markFlushable != nil {
			hs.markFlushable()
		}
	}
}

func (s *Conn) deriveHandshakeKeys(dcid []byte) error {
	e, err := newHandshakeEpoch(dcid, s.isClient)
	if err != nil {
		return err
	}
	s.hsEpoch = e
	return nil
}

// IsEstablished reports whether the handshake has completed.
func (s *Conn) IsEstablished() bool { return s.state == stateEstablished }

// IsClosed reports whether the connection has reached a terminal state.
func (s *Conn) IsClosed() bool {
	return s.state == stateClosed || s.state == stateDraining || s.state == stateDrained || s.state == stateHandshakeFailed
}

// IsDrained reports whether the connection's resources can be released.
func (s *Conn) IsDrained() bool { return s.state == stateDrained }

// Events drains and returns the events accumulated since the last call.
func (s *Conn) Events() []Event {
	ev := s.events
	s.events = nil
	return ev
}

func (s *Conn) pushEvent(e Event) { s.events = append(s.events, e) }

// OnLogEvent registers fn to receive every qlog-shaped trace event this
// connection produces; pass nil to stop logging.
func (s *Conn) OnLogEvent(fn func(LogEvent)) {
	s.logEventFn = fn
}

func (s *Conn) logEvent(e LogEvent) {
	if s.logEventFn != nil {
		s.logEventFn(e)
	}
}

func (s *Conn) logPacketDropped(p *packet, now time.Time) {
	s.logEvent(newLogEventPacket(now, logEventPacketDropped, p))
}

// resetIdleTimer re-arms the idle timeout relative to now, called on
// every authenticated-packet, packet-sent, and local-close event.
func (s *Conn) resetIdleTimer(now time.Time) {
	if s.idleTimeout <= 0 {
		s.idleDeadline = time.Time{}
		return
	}
	s.idleDeadline = now.Add(s.idleTimeout)
}

// --- Ingress ---

// Write ingests a single received datagram, decoding and processing
// every coalesced packet it contains.
func (s *Conn) Write(b []byte, now time.Time) (int, error) {
	n := 0
	for n < len(b) {
		if s.state == stateDraining || s.state == stateDrained {
			break
		}
		i, err := s.recvOne(b[n:], now)
		if err != nil {
			return n, err
		}
		if i == 0 {
			break
		}
		n += i
	}
	s.checkTimeout(now)
	return n, nil
}

func (s *Conn) recvOne(b []byte, now time.Time) (int, error) {
	p := packet{header: packetHeader{dcil: uint8(len(s.scid))}}
	if _, err := p.decodeHeader(b); err != nil {
		return 0, err
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		return s.recvVersionNegotiation(b, &p, now)
	case packetTypeRetry:
		return s.recvRetry(b, &p, now)
	case packetTypeInitial:
		return s.recvLong(b, &p, now, packetSpaceInitial)
	case packetTypeZeroRTT:
		s.logPacketDropped(&p, now)
		return len(b), nil
	case packetTypeHandshake:
		return s.recvLong(b, &p, now, packetSpaceHandshake)
	case packetTypeShort:
		return s.recvShort(b, &p, now)
	default:
		return len(b), nil
	}
}

func (s *Conn) recvVersionNegotiation(b []byte, p *packet, now time.Time) (int, error) {
	if !s.isClient || s.state != stateHandshake || !bytes.Equal(p.header.dcid, s.scid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}
	for _, v := range p.supportedVersions {
		if v == s.version {
			// The server claims not to support a version it just used: spurious.
			s.logPacketDropped(p, now)
			return len(b), nil
		}
	}
	s.state = stateDraining
	s.pushEvent(Event{Type: EventConnectionClose, Error: &ConnectionError{Kind: KindVersionMismatch}})
	return len(b), nil
}

func (s *Conn) recvRetry(b []byte, p *packet, now time.Time) (int, error) {
	if !s.isClient {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if s.clienthelloPacket == nil {
		return 0, newError(ProtocolViolation, "retry before clienthello")
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}
	if s.retryToken != nil {
		// A Retry has already been applied once. A retransmit of that same
		// Retry (identical token) is a harmless duplicate and is dropped; a
		// Retry carrying any other token for this ClientHello is a replay or
		// injection attempt and must not be allowed to restart the
		// handshake again.
		if bytes.Equal(s.retryToken, p.token) {
			s.logPacketDropped(p, now)
			return len(b), nil
		}
		return 0, newError(ProtocolViolation, "retry token mismatch with already-accepted retry")
	}
	s.retryToken = append([]byte(nil), p.token...)
	s.token = append([]byte(nil), p.token...)
	s.rscid = append([]byte(nil), p.header.scid...)
	s.odcid = append([]byte(nil), s.dcid...)
	s.dcid = append([]byte(nil), p.header.scid...)
	s.nextPacketNumber = 0
	s.recvd = nil
	s.haveRecvPacket = false
	s.sentFirstHandshake = false
	if err := s.deriveHandshakeKeys(s.dcid); err != nil {
		return 0, err
	}
	s.clienthelloPacket = nil
	s.logEvent(newLogEventPacket(now, logEventPacketReceived, p))
	return len(b), nil
}

// recvLong processes an Initial or Handshake packet, both protected
// under the single handshake epoch.
func (s *Conn) recvLong(b []byte, p *packet, now time.Time, space packetSpace) (int, error) {
	if s.hsEpoch == nil {
		if s.isClient {
			s.logPacketDropped(p, now)
			return len(b), nil
		}
		if err := s.deriveHandshakeKeys(p.header.dcid); err != nil {
			return 0, err
		}
		s.odcid = append([]byte(nil), p.header.dcid...)
		s.localParams.OriginalDestinationConnectionID = s.odcid
	}
	if !s.isClient && len(s.dcid) == 0 {
		s.dcid = append([]byte(nil), p.header.scid...)
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}
	payload, err := s.openPacket(b, p, s.hsEpoch.opener, now)
	if err != nil {
		s.logPacketDropped(p, now)
		return 0, nil
	}
	if s.isClient && !s.haveRecvPacket {
		// The server's first authenticated packet names the connection id
		// it chose; every later packet is addressed to it.
		s.dcid = append([]byte(nil), p.header.scid...)
	}
	s.logEvent(newLogEventPacket(now, logEventPacketReceived, p))
	s.onPacketAuthenticated(p.packetNumber, now)
	if err := s.processFrames(payload, now, space); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *Conn) recvShort(b []byte, p *packet, now time.Time) (int, error) {
	if s.appEpoch == nil {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	payload, err := s.openPacket(b, p, s.appEpoch.opener, now)
	if err != nil {
		s.logPacketDropped(p, now)
		return 0, nil
	}
	s.logEvent(newLogEventPacket(now, logEventPacketReceived, p))
	s.onPacketAuthenticated(p.packetNumber, now)
	if err := s.processFrames(payload, now, packetSpaceApplication); err != nil {
		return 0, err
	}
	return len(b), nil
}

// openPacket removes header protection, expands the packet number, and
// authenticates the payload, choosing between the current and retained
// previous 1-RTT opener when the packet number falls before a key update
// took effect, and verifying a candidate key update otherwise.
func (s *Conn) openPacket(b []byte, p *packet, opener *aeadKeys, now time.Time) ([]byte, error) {
	pnOffset := p.headerLen
	if len(b) < pnOffset+4+16 {
		return nil, errShortBuffer
	}
	sampleOffset := pnOffset + 4
	sample := b[sampleOffset : sampleOffset+16]
	mask := opener.hp.Mask(sample)

	first := b[0]
	if first&formLong != 0 {
		first ^= mask[0] & 0x0f
	} else {
		first ^= mask[0] & 0x1f
	}
	pnLen := int(first&0x03) + 1
	pnBytes := make([]byte, pnLen)
	for i := 0; i < pnLen; i++ {
		pnBytes[i] = b[pnOffset+i] ^ mask[1+i]
	}
	b[0] = first
	copy(b[pnOffset:], pnBytes)

	truncated := getPacketNumber(b[pnOffset:], pnLen)
	pn := decodePacketNumber(s.largestRecvPacket, truncated, pnLen)
	p.packetNumber = pn
	if p.typ != packetTypeShort {
		p.keyPhase = false
	} else {
		p.keyPhase = first&0x04 != 0
	}

	payloadStart := pnOffset + pnLen
	var end int
	if p.typ == packetTypeShort {
		end = len(b)
	} else {
		end = pnOffset + p.payloadLen
		if end > len(b) {
			end = len(b)
		}
	}
	if end < payloadStart {
		return nil, newError(ProtocolViolation, "short packet body")
	}
	ciphertext := b[payloadStart:end]
	ad := b[:payloadStart]

	if p.typ == packetTypeShort && s.appEpoch != nil && p.keyPhase != s.appEpoch.keyPhase {
		if pn <= s.largestRecvPacket {
			return nil, newError(ProtocolViolation, "non-monotone key update")
		}
		next, err := s.appEpoch.keyUpdate(s.isClient, pn)
		if err != nil {
			return nil, err
		}
		plain, err := next.opener.open(nil, next.opener.nonce(pn), ciphertext, ad)
		if err != nil {
			return nil, newError(ProtocolViolation, "key update decrypt failure")
		}
		s.appEpoch = next
		return plain, nil
	}

	if p.typ == packetTypeShort && s.appEpoch != nil && s.appEpoch.havePrevOpener && pn < s.appEpoch.prevBoundary {
		return s.appEpoch.prevOpener.open(nil, s.appEpoch.prevOpener.nonce(pn), ciphertext, ad)
	}
	return opener.open(nil, opener.nonce(pn), ciphertext, ad)
}

// onPacketAuthenticated resets the idle timer and records the packet
// number for the next outgoing ACK, evicting the oldest range once more
// than maxAckBlocks distinct ranges are held.
func (s *Conn) onPacketAuthenticated(pn uint64, now time.Time) {
	s.resetIdleTimer(now)
	if !s.haveRecvPacket || pn > s.largestRecvPacket {
		s.largestRecvPacket = pn
		s.rxPacketTime = now
		s.haveRecvPacket = true
	}
	s.recvd.InsertOne(pn)
	for s.recvd.Len() > maxAckBlocks {
		s.recvd.PopMin()
	}
	s.ackPending = true
}

// --- Frame processing ---

func (s *Conn) processFrames(payload []byte, now time.Time, space packetSpace) error {
	b := payload
	for len(b) > 0 {
		typ := uint64(b[0])
		if isFrameAckEliciting(typ) {
			s.permitAckOnly = true
		}
		n, err := s.processFrame(typ, b, now, space)
		if err != nil {
			return err
		}
		if n == 0 {
			return frameEncodingError(typ)
		}
		b = b[n:]
	}
	return nil
}

func (s *Conn) processFrame(typ uint64, b []byte, now time.Time, space packetSpace) (int, error) {
	switch {
	case typ == frameTypePadding:
		var f paddingFrame
		return f.decode(b)
	case typ == frameTypePing:
		return 1, nil
	case typ == frameTypeAck:
		return s.recvFrameAck(b, now)
	case typ == frameTypeResetStream:
		return s.recvFrameResetStream(b, now)
	case typ == frameTypeStopSending:
		return s.recvFrameStopSending(b, now)
	case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
		return s.recvFrameStream(b, now)
	case typ == frameTypeMaxData:
		return s.recvFrameMaxData(b, now)
	case typ == frameTypeMaxStreamData:
		return s.recvFrameMaxStreamData(b, now)
	case typ == frameTypeMaxStreamIDBidi || typ == frameTypeMaxStreamIDUni:
		return s.recvFrameMaxStreams(b, now)
	case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
		return s.recvFrameConnectionClose(b, now)
	case typ == frameTypePathChallenge:
		return s.recvFramePathChallenge(b, now)
	case typ == frameTypePathResponse:
		return s.recvFramePathResponse(b, now)
	case typ == frameTypeNewConnectionID:
		return s.recvFrameNewConnectionID(b, now)
	default:
		return 0, frameEncodingError(typ)
	}
}

func (s *Conn) recvFrameAck(b []byte, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	ranges := f.toRangeSet()
	if ranges == nil {
		return 0, newError(FrameEncodingError, sprint("invalid ack ranges ", f.String()))
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))
	ackDelay := time.Duration(f.ackDelay<<s.peerParams.AckDelayExponent) * time.Microsecond

	s.recovery.onAckReceived(now, ranges, ackDelay, func(sp *sentPacket) {
		s.recovery.detectSpuriousRTO(sp.packetNumber)
		for _, fr := range sp.frames {
			switch fr := fr.(type) {
			case *streamFrame:
				if st, ok := s.streams.get(fr.streamID); ok {
					st.send.ack(fr.offset, uint64(len(fr.data)))
					if st.send.complete() {
						s.pushEvent(Event{Type: EventStream, StreamID: fr.streamID})
					}
				}
			case *resetStreamFrame:
				if st, ok := s.streams.get(fr.streamID); ok && st.send.state == sendStateResetSent {
					st.send.state = sendStateResetRecvd
				}
			}
		}
	})
	s.drainLostPackets()
	return n, nil
}

// drainLostPackets requeues whatever frames the loss-recovery ledger
// has just declared lost, so they go out again on a future packet.
func (s *Conn) drainLostPackets() {
	for _, sp := range s.recovery.drainLost() {
		s.retransmit(sp)
	}
}

// retransmit requeues the retransmittable frames of a packet declared
// lost. ACKs and PINGs are not requeued: an ACK is superseded by the
// next one built, and a PING carries no state worth recovering.
func (s *Conn) retransmit(sp *sentPacket) {
	for _, fr := range sp.frames {
		switch fr := fr.(type) {
		case *streamFrame:
			if st, ok := s.streams.get(fr.streamID); ok && st.hasSend {
				st.send.push(fr.data, fr.offset, fr.fin)
				if st.markFlushable != nil {
					st.markFlushable()
				}
			}
		case *resetStreamFrame:
			s.pendingResets = append(s.pendingResets, fr)
		case *stopSendingFrame:
			s.pendingStopSendings = append(s.pendingStopSendings, fr)
		case *maxDataFrame:
			s.pendingMaxData = true
		case *maxStreamDataFrame:
			if st, ok := s.streams.get(fr.streamID); ok {
				st.updateMaxData = true
			}
		case *maxStreamsFrame:
			if fr.bidi {
				s.pendingMaxStreamsBidi = true
			} else {
				s.pendingMaxStreamsUni = true
			}
		case *pathResponseFrame:
			data := fr.data
			s.pathResponsePending = &data
		}
	}
}

func (s *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))

	if f.streamID == 0 {
		if s.tls != nil {
			if err := s.tls.WriteHandshakeData(f.data); err != nil {
				return 0, newError(TLSHandshakeFailed, err.Error())
			}
			if err := s.tls.ProcessNewPackets(); err != nil {
				return 0, newError(TLSHandshakeFailed, err.Error())
			}
			if err := s.pumpHandshakeData(); err != nil {
				return 0, err
			}
			if err := s.advanceHandshake(now); err != nil {
				return 0, err
			}
		}
		return n, nil
	}

	st, err := s.lookupOrCreateForFrame(f.streamID)
	if err != nil {
		return 0, err
	}
	if !st.hasRecv {
		return 0, newError(StreamStateError, "stream has no recv half")
	}

	newEnd := f.offset + uint64(len(f.data))
	var delta uint64
	if newEnd > st.recv.flow.recvd {
		delta = newEnd - st.recv.flow.recvd
	}
	if delta > st.recv.flow.canRecv() || delta > s.flow.canRecv() {
		return 0, errFlowControl
	}
	if err := st.pushRecv(f.data, f.offset, f.fin); err != nil {
		return 0, err
	}
	if delta > 0 {
		st.recv.flow.addRecv(int(delta))
		s.flow.addRecv(int(delta))
	}
	st.readable = true
	s.pushEvent(Event{Type: EventStream, StreamID: f.streamID})
	return n, nil
}

func (s *Conn) lookupOrCreateForFrame(id uint64) (*Stream, error) {
	if st, ok := s.streams.get(id); ok {
		return st, nil
	}
	st, err := s.streams.getOrCreateRemote(id, &s.flow, &s.flow,
		s.peerParams.InitialMaxStreamDataBidiLocal, s.localParamsForNewStream(id))
	if err != nil {
		return nil, err
	}
	s.checkStreamLimitGrowth(streamIsBidi(id))
	return st, nil
}

// localParamsForNewStream picks the local receive-side initial credit for
// a newly (implicitly) opened stream, depending on directionality.
func (s *Conn) localParamsForNewStream(id uint64) uint64 {
	if streamIsBidi(id) {
		return s.localParams.InitialMaxStreamDataBidiRemote
	}
	return s.localParams.InitialMaxStreamDataUni
}

// checkStreamLimitGrowth raises and schedules a MAX_STREAMS update once
// the peer has used up roughly half of the previously granted limit.
func (s *Conn) checkStreamLimitGrowth(bidi bool) {
	if _, grew := s.streams.maybeGrowMaxStreams(bidi); grew {
		if bidi {
			s.pendingMaxStreamsBidi = true
		} else {
			s.pendingMaxStreamsUni = true
		}
	}
}

func (s *Conn) recvFrameResetStream(b []byte, now time.Time) (int, error) {
	var f resetStreamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))
	st, ok := s.streams.get(f.streamID)
	if !ok {
		st, err = s.lookupOrCreateForFrame(f.streamID)
		if err != nil {
			return 0, err
		}
	}
	if !st.hasRecv {
		return 0, newError(StreamStateError, sprint("reset stream ", f.streamID))
	}
	revealed, err := st.recv.reset(f.finalSize)
	if err != nil {
		return 0, err
	}
	s.flow.addRecv(revealed)
	s.pushEvent(Event{Type: EventStreamReset, StreamID: f.streamID, Code: f.errorCode})
	return n, nil
}

func (s *Conn) recvFrameStopSending(b []byte, now time.Time) (int, error) {
	var f stopSendingFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))
	st, ok := s.streams.get(f.streamID)
	if !ok || !st.hasSend {
		return 0, newError(StreamStateError, sprint("stop sending stream ", f.streamID))
	}
	stop := f.errorCode
	st.send.stopReason = &stop
	if rf := st.Reset(f.errorCode); rf != nil {
		s.pendingResets = append(s.pendingResets, rf)
	}
	s.pushEvent(Event{Type: EventStreamStopSending, StreamID: f.streamID, Code: f.errorCode})
	return n, nil
}

func (s *Conn) recvFrameMaxData(b []byte, now time.Time) (int, error) {
	var f maxDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))
	wasBlocked := s.flow.canSend() == 0
	s.flow.setMaxSend(f.maximumData)
	if wasBlocked && s.flow.canSend() > 0 {
		for id := range s.blockedStreams {
			delete(s.blockedStreams, id)
			s.pushEvent(Event{Type: EventStream, StreamID: id})
		}
	}
	return n, nil
}

func (s *Conn) recvFrameMaxStreamData(b []byte, now time.Time) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))
	st, ok := s.streams.get(f.streamID)
	if !ok {
		return n, nil
	}
	wasBlocked := st.send.flow.canSend() == 0
	st.send.flow.setMaxSend(f.maximumData)
	if wasBlocked && st.send.flow.canSend() > 0 {
		delete(s.blockedStreams, f.streamID)
		s.pushEvent(Event{Type: EventStream, StreamID: f.streamID})
	}
	return n, nil
}

func (s *Conn) recvFrameMaxStreams(b []byte, now time.Time) (int, error) {
	var f maxStreamsFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))
	if f.bidi {
		s.streams.setPeerMaxStreamsBidi(f.maximumStreams)
	} else {
		s.streams.setPeerMaxStreamsUni(f.maximumStreams)
	}
	return n, nil
}

func (s *Conn) recvFrameConnectionClose(b []byte, now time.Time) (int, error) {
	var f connectionCloseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logEvent(newLogEventFrame(now, logEventFramesProcessed, &f))
	s.state = stateDraining
	s.drainDeadline = now.Add(closeTimerFactor * s.recovery.rto())
	kind := KindConnectionClosed
	if f.application {
		kind = KindApplicationClosed
	}
	s.pushEvent(Event{Type: EventConnectionClose, Error: &ConnectionError{
		Kind: kind, ApplicationError: f.errorCode, Reason: string(f.reasonPhrase),
	}})
	return n, nil
}

func (s *Conn) recvFramePathChallenge(b []byte, now time.Time) (int, error) {
	var f pathChallengeFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	data := f.data
	s.pathResponsePending = &data
	return n, nil
}

func (s *Conn) recvFramePathResponse(b []byte, now time.Time) (int, error) {
	var f pathResponseFrame
	if _, err := f.decode(b); err != nil {
		return 0, err
	}
	// This engine never sends PATH_CHALLENGE itself, so any PATH_RESPONSE
	// received is necessarily unsolicited.
	return 0, newError(UnsolicitedPathResponse, "")
}

func (s *Conn) recvFrameNewConnectionID(b []byte, now time.Time) (int, error) {
	var f newConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if len(f.connectionID) == 0 {
		return 0, newError(ProtocolViolation, "empty connection id")
	}
	return n, nil
}

// advanceHandshake checks whether the TLS session has completed and
// installs 1-RTT keys and peer transport parameters the first time it
// reports done.
func (s *Conn) advanceHandshake(now time.Time) error {
	if s.state != stateHandshake || s.tls == nil {
		return nil
	}
	if s.tls.IsHandshaking() {
		return nil
	}
	raw, ok := s.tls.QUICTransportParameters()
	if ok {
		var p Parameters
		if err := p.Unmarshal(raw); err != nil {
			return err
		}
		s.peerParams = p
		s.peerParamsSet = true
		s.streams.setPeerMaxStreamsBidi(p.InitialMaxStreamsBidi)
		s.streams.setPeerMaxStreamsUni(p.InitialMaxStreamsUni)
		s.flow.setMaxSend(p.InitialMaxData)
		if p.MaxIdleTimeout > 0 {
			peerTimeout := time.Duration(p.MaxIdleTimeout) * time.Millisecond
			if s.idleTimeout == 0 || peerTimeout < s.idleTimeout {
				s.idleTimeout = peerTimeout
			}
		}
		s.recovery.maxAckDelay = time.Duration(p.MaxAckDelay) * time.Millisecond
	}
	epoch, err := s.deriveAppEpoch()
	if err != nil {
		return err
	}
	s.appEpoch = epoch
	s.state = stateEstablished
	s.recovery.handshakeComplete = true
	s.pushEvent(Event{Type: EventHandshakeComplete})
	return nil
}

// deriveAppEpoch asks the TLS session for the 1-RTT traffic secrets it
// derived during the handshake. A session that cannot supply them (for
// example while exercising this engine without a full TLS binding) falls
// back to deriving from the handshake secret, so the connection stays
// exercisable end to end.
func (s *Conn) deriveAppEpoch() (*oneRTTEpoch, error) {
	type secretSource interface {
		TrafficSecrets() (client, server []byte)
	}
	if src, ok := s.tls.(secretSource); ok {
		client, server := src.TrafficSecrets()
		return newOneRTTEpoch(suiteAES128GCM, client, server, s.isClient)
	}
	client, server := initialSecrets(s.odcid)
	return newOneRTTEpoch(suiteAES128GCM, client, server, s.isClient)
}

// --- Timers ---

func (s *Conn) checkTimeout(now time.Time) {
	if !s.drainDeadline.IsZero() && !now.Before(s.drainDeadline) {
		s.state = stateDrained
		return
	}
	if !s.closeDeadline.IsZero() && !now.Before(s.closeDeadline) {
		s.state = stateDrained
		return
	}
	if !s.idleDeadline.IsZero() && !now.Before(s.idleDeadline) {
		if s.state == stateEstablished {
			s.state = stateDraining
			s.drainDeadline = now.Add(closeTimerFactor * s.recovery.rto())
			s.pushEvent(Event{Type: EventConnectionClose, Error: &ConnectionError{Kind: KindTimedOut}})
		} else {
			s.state = stateDrained
		}
		return
	}
	if !s.recovery.lossDetectionAlarm.IsZero() && !now.Before(s.recovery.lossDetectionAlarm) {
		s.onLossDetectionAlarm(now)
	}
}

func (s *Conn) onLossDetectionAlarm(now time.Time) {
	if probe, _ := s.recovery.onLossDetectionAlarm(now); probe {
		s.pingPending = true
	}
	s.drainLostPackets()
}

// Tick advances the connection's idle and loss-recovery timers to now,
// for a caller driving a Conn that isn't currently receiving packets.
// It surfaces whatever state changes result through Events, the same
// as processing an incoming datagram would.
func (s *Conn) Tick(now time.Time) {
	s.checkTimeout(now)
}

// --- Local operations ---

// OpenStream allocates a new locally-initiated stream.
func (s *Conn) OpenStream(bidi bool) (*Stream, error) {
	sendMax := s.peerParams.InitialMaxStreamDataUni
	if bidi {
		sendMax = s.peerParams.InitialMaxStreamDataBidiRemote
	}
	recvMax := s.localParams.InitialMaxStreamDataUni
	if bidi {
		recvMax = s.localParams.InitialMaxStreamDataBidiLocal
	}
	return s.streams.openLocal(bidi, &s.flow, &s.flow, sendMax, recvMax)
}

// Stream returns the stream with the given id, if it exists.
func (s *Conn) Stream(id uint64) (*Stream, bool) {
	return s.streams.get(id)
}

// Ping schedules a PING-only frame on the next outgoing packet.
func (s *Conn) Ping() { s.pingPending = true }

// Close schedules a CONNECTION_CLOSE/APPLICATION_CLOSE to be sent on the
// next NextPacket call and begins the close/drain sequence.
func (s *Conn) Close(now time.Time, appError uint64, reason []byte, application bool) {
	if s.closeFrame != nil {
		return
	}
	s.closeFrame = newConnectionCloseFrame(appError, 0, reason, application)
	s.closeUnderHandshake = s.state != stateEstablished
	s.state = stateClosed
	s.closeDeadline = now.Add(closeTimerFactor * s.recovery.rto())
}

// --- Egress ---

// NextPacket produces the next datagram-ready packet into buf, or
// returns (0, nil) if there is nothing to send.
func (s *Conn) NextPacket(now time.Time, buf []byte) (int, error) {
	if s.closeFrame != nil {
		return s.writeClosePacket(now, buf)
	}
	if s.state == stateDraining || s.state == stateDrained {
		return 0, nil
	}
	if s.state == stateHandshake || s.hasPendingHandshakeWork() {
		return s.writeHandshakePacket(now, buf)
	}
	return s.writeShortPacket(now, buf)
}

// hasPendingHandshakeWork reports whether stream 0 still has unsent
// handshake bytes queued. The handshake can flip this side to
// Established before the peer has seen all of its flight, so NextPacket
// keeps routing through the handshake epoch until that queue drains,
// rather than switching straight to 1-RTT packets the peer cannot yet
// decrypt.
func (s *Conn) hasPendingHandshakeWork() bool {
	if s.hsEpoch == nil {
		return false
	}
	hs, ok := s.streams.get(0)
	return ok && hs.hasSend && len(hs.send.queue) > 0
}

func (s *Conn) ackDelayField(now time.Time) uint64 {
	if s.rxPacketTime.IsZero() {
		return 0
	}
	d := now.Sub(s.rxPacketTime)
	if d < 0 {
		d = 0
	}
	return uint64(d.Microseconds()) >> s.localParams.AckDelayExponent
}

// refreshFlowControlUpdates schedules a MAX_DATA / MAX_STREAM_DATA frame
// wherever the application has consumed enough of the current window to
// justify raising the peer's send limit.
func (s *Conn) refreshFlowControlUpdates() {
	if s.flow.shouldUpdateMaxRecv() {
		s.pendingMaxData = true
	}
	for _, st := range s.streams.streams {
		if st.hasRecv && st.recv.flow.shouldUpdateMaxRecv() {
			st.updateMaxData = true
		}
	}
}

// buildFrames drains pending work into frames under the given budget, in
// priority order: PING, ACK, PATH_RESPONSE, RESET_STREAM, STOP_SENDING,
// MAX_DATA, MAX_STREAM_DATA, MAX_STREAMS, then STREAM data. It reports
// whether an ACK frame was included, so the caller can clear the
// permit-ack-only flag.
func (s *Conn) buildFrames(now time.Time, budget int) ([]frame, bool) {
	s.refreshFlowControlUpdates()
	var frames []frame
	n := 0

	if s.pingPending {
		f := &pingFrame{}
		if n+f.encodedLen() <= budget {
			frames = append(frames, f)
			n += f.encodedLen()
			s.pingPending = false
		}
	}

	includedAck := false
	if s.ackPending && len(s.recvd) > 0 {
		f := newAckFrame(s.ackDelayField(now), s.recvd)
		if n+f.encodedLen() <= budget {
			frames = append(frames, f)
			n += f.encodedLen()
			s.ackPending = false
			includedAck = true
		}
	}

	if s.pathResponsePending != nil {
		f := newPathResponseFrame(*s.pathResponsePending)
		if n+f.encodedLen() <= budget {
			frames = append(frames, f)
			n += f.encodedLen()
			s.pathResponsePending = nil
		}
	}

	for len(s.pendingResets) > 0 {
		f := s.pendingResets[0]
		if n+f.encodedLen() > budget {
			break
		}
		frames = append(frames, f)
		n += f.encodedLen()
		s.pendingResets = s.pendingResets[1:]
	}

	for len(s.pendingStopSendings) > 0 {
		f := s.pendingStopSendings[0]
		if n+f.encodedLen() > budget {
			break
		}
		frames = append(frames, f)
		n += f.encodedLen()
		s.pendingStopSendings = s.pendingStopSendings[1:]
	}

	if s.pendingMaxData {
		f := newMaxDataFrame(s.flow.maxRecvNext)
		if n+f.encodedLen() <= budget {
			frames = append(frames, f)
			n += f.encodedLen()
			s.flow.commitMaxRecv()
			s.pendingMaxData = false
		}
	}

	for id, st := range s.streams.streams {
		if st.hasRecv && st.updateMaxData {
			f := newMaxStreamDataFrame(id, st.recv.flow.maxRecvNext)
			if n+f.encodedLen() > budget {
				continue
			}
			frames = append(frames, f)
			n += f.encodedLen()
			st.ackMaxData()
		}
	}

	if s.pendingMaxStreamsBidi {
		f := newMaxStreamsFrame(s.streams.maxLocalBidi, true)
		if n+f.encodedLen() <= budget {
			frames = append(frames, f)
			n += f.encodedLen()
			s.pendingMaxStreamsBidi = false
		}
	}
	if s.pendingMaxStreamsUni {
		f := newMaxStreamsFrame(s.streams.maxLocalUni, false)
		if n+f.encodedLen() <= budget {
			frames = append(frames, f)
			n += f.encodedLen()
			s.pendingMaxStreamsUni = false
		}
	}

	// Drain streams with pending send work off the flushable set rather
	// than rescanning every stream in the map. attempted stops the walk
	// once nextFlushable starts handing back a stream already tried this
	// packet (out of budget); a stream that still has data queued when
	// its turn ends stays flushable for the next packet instead of
	// losing its place.
	attempted := make(map[uint64]bool)
	for n < budget {
		id, ok := s.streams.nextFlushable()
		if !ok || attempted[id] {
			break
		}
		st, ok := s.streams.get(id)
		if !ok || !st.hasSend {
			s.streams.clearFlushable(id)
			continue
		}
		for n < budget {
			data, offset, fin := st.popSend(budget - n - 16)
			if data == nil && !fin {
				break
			}
			f := newStreamFrame(id, data, offset, fin)
			if n+f.encodedLen() > budget {
				break
			}
			frames = append(frames, f)
			n += f.encodedLen()
		}
		if len(st.send.queue) == 0 {
			s.streams.clearFlushable(id)
		} else {
			attempted[id] = true
		}
	}

	return frames, includedAck
}

func (s *Conn) hasPendingWork() bool {
	if s.pingPending || (s.ackPending && len(s.recvd) > 0) || s.pathResponsePending != nil {
		return true
	}
	if len(s.pendingResets) > 0 || len(s.pendingStopSendings) > 0 {
		return true
	}
	if s.pendingMaxData || s.pendingMaxStreamsBidi || s.pendingMaxStreamsUni {
		return true
	}
	for _, st := range s.streams.streams {
		if st.hasSend && len(st.send.queue) > 0 {
			return true
		}
		if st.hasRecv && st.recv.flow.shouldUpdateMaxRecv() {
			return true
		}
	}
	return false
}

func (s *Conn) writeHandshakePacket(now time.Time, buf []byte) (int, error) {
	if s.hsEpoch == nil {
		return 0, nil
	}
	if !s.hasPendingWork() && !s.permitAckOnly {
		return 0, nil
	}
	budget := maxDatagramSize - aeadTagSize
	frames, includedAck := s.buildFrames(now, budget)
	if len(frames) == 0 {
		return 0, nil
	}

	typ := packetTypeHandshake
	isFirstInitial := false
	if !s.sentFirstHandshake {
		typ = packetTypeInitial
		isFirstInitial = true
	}

	p := &packet{
		typ: typ,
		header: packetHeader{
			version: s.version,
			dcid:    s.dcid,
			scid:    s.scid,
		},
		packetNumber: s.nextPacketNumber,
	}
	if typ == packetTypeInitial {
		p.token = s.token
	}

	encoded, sent, err := s.sealAndEncode(p, frames, s.hsEpoch.sealer, buf)
	if err != nil {
		return 0, err
	}
	if typ == packetTypeInitial && encoded < minInitialSize {
		pad := minInitialSize - encoded
		if pad > len(buf)-encoded {
			pad = len(buf) - encoded
		}
		for i := 0; i < pad; i++ {
			buf[encoded+i] = 0
		}
		encoded += pad
	}

	if isFirstInitial {
		s.sentFirstHandshake = true
		if s.isClient {
			pn := s.nextPacketNumber
			s.clienthelloPacket = &pn
		}
	}
	s.recordSent(p, sent, frames, now, true, includedAck)
	return encoded, nil
}

func (s *Conn) writeShortPacket(now time.Time, buf []byte) (int, error) {
	if s.appEpoch == nil {
		return 0, nil
	}
	if s.recovery.congestionBlocked() {
		return 0, nil
	}
	if !s.hasPendingWork() && !s.permitAckOnly {
		return 0, nil
	}
	budget := maxDatagramSize - aeadTagSize
	frames, includedAck := s.buildFrames(now, budget)
	if len(frames) == 0 {
		return 0, nil
	}
	p := &packet{
		typ:          packetTypeShort,
		header:       packetHeader{dcid: s.dcid},
		packetNumber: s.nextPacketNumber,
		keyPhase:     s.appEpoch.keyPhase,
	}
	encoded, sent, err := s.sealAndEncode(p, frames, s.appEpoch.sealer, buf)
	if err != nil {
		return 0, err
	}
	s.recordSent(p, sent, frames, now, true, includedAck)
	return encoded, nil
}

func (s *Conn) writeClosePacket(now time.Time, buf []byte) (int, error) {
	typ := packetTypeHandshake
	var sealer *aeadKeys
	if !s.closeUnderHandshake && s.appEpoch != nil {
		typ = packetTypeShort
		sealer = s.appEpoch.sealer
	} else if s.hsEpoch != nil {
		sealer = s.hsEpoch.sealer
	} else {
		return 0, nil
	}
	p := &packet{
		typ:          typ,
		packetNumber: s.nextPacketNumber,
	}
	if typ == packetTypeShort {
		p.header = packetHeader{dcid: s.dcid}
		p.keyPhase = s.appEpoch.keyPhase
	} else {
		p.header = packetHeader{version: s.version, dcid: s.dcid, scid: s.scid}
	}
	frames := []frame{s.closeFrame}
	encoded, sent, err := s.sealAndEncode(p, frames, sealer, buf)
	if err != nil {
		return 0, err
	}
	s.closeFrame = nil
	s.recordSent(p, sent, frames, now, false, false)
	return encoded, nil
}

// sealAndEncode writes the header, encrypts the payload under sealer,
// and applies header protection, per RFC 9001 §5.
func (s *Conn) sealAndEncode(p *packet, frames []frame, sealer *aeadKeys, buf []byte) (int, *sentPacket, error) {
	plainLen := 0
	for _, f := range frames {
		plainLen += f.encodedLen()
	}
	pnLen := packetNumberLen(p.packetNumber, s.recovery.largestAckedPacket)
	p.payloadLen = pnLen + plainLen + aeadTagSize

	headerLen, _, err := p.encode(buf, s.recovery.largestAckedPacket)
	if err != nil {
		return 0, nil, err
	}
	plain := make([]byte, plainLen)
	if _, err := encodeFrames(plain, frames); err != nil {
		return 0, nil, err
	}
	nonce := sealer.nonce(p.packetNumber)
	sealed := sealer.seal(buf[:headerLen], nonce, plain, buf[:headerLen])
	total := len(sealed)

	pnOffset := headerLen - pnLen
	sampleOffset := pnOffset + 4
	if sampleOffset+16 > total {
		return 0, nil, errShortBuffer
	}
	mask := sealer.hp.Mask(sealed[sampleOffset : sampleOffset+16])
	if sealed[0]&formLong != 0 {
		sealed[0] ^= mask[0] & 0x0f
	} else {
		sealed[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		sealed[pnOffset+i] ^= mask[1+i]
	}
	if &sealed[0] != &buf[0] {
		copy(buf, sealed)
	}

	ackEliciting := false
	for _, f := range frames {
		if _, ok := f.(*ackFrame); !ok {
			ackEliciting = true
			break
		}
	}
	sp := &sentPacket{
		packetNumber: p.packetNumber,
		size:         total,
		ackEliciting: ackEliciting,
		inFlight:     ackEliciting,
		frames:       frames,
	}
	return total, sp, nil
}

func (s *Conn) recordSent(p *packet, sp *sentPacket, frames []frame, now time.Time, trackLoss bool, includedAck bool) {
	s.logEvent(newLogEventPacket(now, logEventPacketSent, p))
	if trackLoss {
		s.recovery.onPacketSent(now, p.packetNumber, sp.size, sp.ackEliciting, sp.inFlight, frames)
		if p.typ != packetTypeShort {
			s.recovery.timeOfLastSentHandshakePacket = now
		}
	}
	if includedAck {
		s.permitAckOnly = false
	}
	s.nextPacketNumber++
	s.resetIdleTimer(now)
}
