package transport

// Stream IDs encode initiator and directionality in their low two bits:
// bit 0 is the initiator (0 client, 1 server), bit 1 is directionality
// (0 bidi, 1 uni).
const (
	streamIDClientBidi  = 0x0
	streamIDServerBidi  = 0x1
	streamIDClientUni   = 0x2
	streamIDServerUni   = 0x3
	streamIDInitiatorBit = 0x1
	streamIDDirBit       = 0x2
)

func streamIsBidi(id uint64) bool   { return id&streamIDDirBit == 0 }
func streamIsLocal(id uint64, isClient bool) bool {
	clientInitiated := id&streamIDInitiatorBit == 0
	return clientInitiated == isClient
}

// streamMap owns every Stream of a connection plus the locally- and
// peer-granted stream-count limits, kept as separate bidi/uni counters
// in both directions.
type streamMap struct {
	isClient bool
	streams  map[uint64]*Stream

	nextIDBidi uint64
	nextIDUni  uint64

	maxLocalBidi  uint64
	maxLocalUni   uint64
	maxRemoteBidi uint64
	maxRemoteUni  uint64

	peerMaxBidi uint64 // peer-granted limit on streams we may open, bidi
	peerMaxUni  uint64

	openedRemoteBidi uint64
	openedRemoteUni  uint64

	flushable map[uint64]bool
}

func newStreamMap(isClient bool, maxLocalBidi, maxLocalUni uint64) *streamMap {
	m := &streamMap{
		isClient:      isClient,
		streams:       make(map[uint64]*Stream),
		maxLocalBidi:  maxLocalBidi,
		maxLocalUni:   maxLocalUni,
		flushable:     make(map[uint64]bool),
	}
	if isClient {
		// Stream 0 (ordinal 0 of the client-bidi space) is reserved for
		// handshake bytes, so the first stream Open hands out is ordinal 1.
		m.nextIDBidi = streamIDClientBidi + 4
		m.nextIDUni = streamIDClientUni
	} else {
		m.nextIDBidi = streamIDServerBidi
		m.nextIDUni = streamIDServerUni
	}
	return m
}

func (m *streamMap) get(id uint64) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// create allocates a stream for local use (Open) or lazily materializes
// one implied by an incoming frame referencing a remote-initiated
// stream ID. Only that stream is created: lower-numbered streams of the
// same type are not opened here and exist only once a frame names them.
func (m *streamMap) create(id uint64, connFlowSend, connFlowRecv *flowControl, maxStreamSend, maxStreamRecv uint64) *Stream {
	s := &Stream{id: id, bidi: streamIsBidi(id), local: streamIsLocal(id, m.isClient)}
	if s.local || s.bidi {
		s.hasSend = true
		s.send.init(maxStreamSend)
	}
	if !s.local || s.bidi {
		s.hasRecv = true
		s.recv.init(maxStreamRecv)
	}
	if s.hasSend {
		s.connFlow = connFlowSend
	} else if s.hasRecv {
		s.connFlow = connFlowRecv
	}
	if s.hasSend {
		s.markFlushable = func() { m.markFlushable(id) }
	}
	m.streams[id] = s
	return s
}

// openLocal allocates the next available locally-initiated stream,
// enforcing that the peer-granted MAX_STREAMS limit is never exceeded.
func (m *streamMap) openLocal(bidi bool, connFlowSend, connFlowRecv *flowControl, maxStreamSend, maxStreamRecv uint64) (*Stream, error) {
	if bidi {
		if m.streamOrdinal(m.nextIDBidi) >= m.peerMaxBidi {
			return nil, newError(StreamIDError, "bidi stream limit")
		}
		id := m.nextIDBidi
		m.nextIDBidi += 4
		return m.create(id, connFlowSend, connFlowRecv, maxStreamSend, maxStreamRecv), nil
	}
	if m.streamOrdinal(m.nextIDUni) >= m.peerMaxUni {
		return nil, newError(StreamIDError, "uni stream limit")
	}
	id := m.nextIDUni
	m.nextIDUni += 4
	return m.create(id, connFlowSend, connFlowRecv, maxStreamSend, maxStreamRecv), nil
}

func (m *streamMap) streamOrdinal(id uint64) uint64 {
	return id >> 2
}

// getOrCreateRemote validates and, if needed, implicitly opens a
// remote-initiated stream referenced by an incoming frame, returning a
// STREAM_ID_ERROR if it would exceed the locally-advertised limit.
func (m *streamMap) getOrCreateRemote(id uint64, connFlowSend, connFlowRecv *flowControl, maxStreamSend, maxStreamRecv uint64) (*Stream, error) {
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	ordinal := m.streamOrdinal(id)
	if streamIsBidi(id) {
		if ordinal >= m.maxLocalBidi {
			return nil, newError(StreamIDError, "peer exceeded bidi stream limit")
		}
		if ordinal+1 > m.openedRemoteBidi {
			m.openedRemoteBidi = ordinal + 1
		}
	} else {
		if ordinal >= m.maxLocalUni {
			return nil, newError(StreamIDError, "peer exceeded uni stream limit")
		}
		if ordinal+1 > m.openedRemoteUni {
			m.openedRemoteUni = ordinal + 1
		}
	}
	return m.create(id, connFlowSend, connFlowRecv, maxStreamSend, maxStreamRecv), nil
}

// maybeGrowMaxStreams doubles the local stream-count limit once the peer
// has opened at least half of it, so MAX_STREAMS updates happen on a
// predictable schedule rather than one at a time.
func (m *streamMap) maybeGrowMaxStreams(bidi bool) (uint64, bool) {
	if bidi {
		if m.maxLocalBidi > 0 && m.openedRemoteBidi*2 < m.maxLocalBidi {
			return 0, false
		}
		m.maxLocalBidi += m.maxLocalBidi
		if m.maxLocalBidi == 0 {
			m.maxLocalBidi = 1
		}
		return m.maxLocalBidi, true
	}
	if m.maxLocalUni > 0 && m.openedRemoteUni*2 < m.maxLocalUni {
		return 0, false
	}
	m.maxLocalUni += m.maxLocalUni
	if m.maxLocalUni == 0 {
		m.maxLocalUni = 1
	}
	return m.maxLocalUni, true
}

func (m *streamMap) setPeerMaxStreamsBidi(max uint64) {
	if max > m.peerMaxBidi {
		m.peerMaxBidi = max
	}
}

func (m *streamMap) setPeerMaxStreamsUni(max uint64) {
	if max > m.peerMaxUni {
		m.peerMaxUni = max
	}
}

func (m *streamMap) markFlushable(id uint64) {
	m.flushable[id] = true
}

func (m *streamMap) clearFlushable(id uint64) {
	delete(m.flushable, id)
}

func (m *streamMap) hasFlushable() bool {
	return len(m.flushable) > 0
}

// nextFlushable returns an arbitrary stream ID with pending send work,
// so buildFrames can round-robin across ready streams instead of
// rescanning every stream in the map on every packet built.
func (m *streamMap) nextFlushable() (uint64, bool) {
	for id := range m.flushable {
		return id, true
	}
	return 0, false
}
