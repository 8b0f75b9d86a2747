package transport

// sendState is the tagged variant of a stream's send half.
type sendState uint8

const (
	sendStateReady sendState = iota
	sendStateDataSent
	sendStateDataRecvd
	sendStateResetSent
	sendStateResetRecvd
)

// recvState is the tagged variant of a stream's receive half.
type recvState uint8

const (
	recvStateRecv recvState = iota
	recvStateSizeKnown
	recvStateDataRecvd
	recvStateResetRecvd
	recvStateClosed
)

// pendingStreamFrame is one queued-but-unsent STREAM frame, retained so
// a lost packet can re-queue the exact same bytes on retransmit.
type pendingStreamFrame struct {
	offset uint64
	data   []byte
	fin    bool
}

// sendHalf is the outbound side of a stream.
type sendHalf struct {
	offset        uint64 // next byte to assign
	flow          flowControl
	bytesInFlight uint64
	state         sendState
	stopReason    *uint64 // set when STOP_SENDING preceded a local reset

	queue []pendingStreamFrame
	finSent bool
}

func (s *sendHalf) init(maxSend uint64) {
	s.flow.init(0, maxSend)
}

// push queues data for sending at the given offset; used both for fresh
// application writes and for re-queuing data from a lost packet.
func (s *sendHalf) push(data []byte, offset uint64, fin bool) error {
	s.queue = append(s.queue, pendingStreamFrame{offset: offset, data: data, fin: fin})
	return nil
}

// popSend drains up to `max` bytes from the front of the queue,
// preserving frame boundaries where possible, and returns the data,
// its absolute offset, and whether it carries fin.
func (s *sendHalf) popSend(max int) ([]byte, uint64, bool) {
	if len(s.queue) == 0 {
		return nil, 0, false
	}
	f := &s.queue[0]
	if len(f.data) <= max {
		data, offset, fin := f.data, f.offset, f.fin
		s.queue = s.queue[1:]
		s.bytesInFlight += uint64(len(data))
		if fin {
			s.finSent = true
		}
		return data, offset, fin
	}
	data := f.data[:max]
	offset := f.offset
	f.data = f.data[max:]
	f.offset += uint64(max)
	s.bytesInFlight += uint64(max)
	return data, offset, false
}

// ack marks [offset, offset+n) delivered; the caller (the acked-packet
// callback in Conn.recvFrameAck) then checks complete(), which uses
// bytesInFlight, to decide whether all sent data has been delivered.
func (s *sendHalf) ack(offset, n uint64) {
	if s.bytesInFlight >= n {
		s.bytesInFlight -= n
	} else {
		s.bytesInFlight = 0
	}
}

func (s *sendHalf) complete() bool {
	return s.state == sendStateDataSent && s.bytesInFlight == 0
}

// finish transitions Ready->DataSent.
func (s *sendHalf) finish() *streamFrame {
	if s.state != sendStateReady {
		return nil
	}
	s.state = sendStateDataSent
	if len(s.queue) > 0 && s.queue[len(s.queue)-1].offset+uint64(len(s.queue[len(s.queue)-1].data)) == s.offset {
		s.queue[len(s.queue)-1].fin = true
		return nil
	}
	s.queue = append(s.queue, pendingStreamFrame{offset: s.offset, fin: true})
	return nil
}

// recvHalf is the inbound side of a stream.
type recvHalf struct {
	assembler  assembler
	recvd      RangeSet
	flow       flowControl
	readOffset uint64
	finalSize  *uint64
	state      recvState
	errorCode  uint64
	fresh      bool
}

func (r *recvHalf) init(maxRecv uint64) {
	r.flow.init(maxRecv, 0)
	r.fresh = true
}

// push inserts received stream bytes, enforcing that a fin is at a
// single final offset: any further byte at or past that offset is a
// FINAL_OFFSET_ERROR.
func (r *recvHalf) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if r.finalSize != nil {
		if end > *r.finalSize || (fin && offset+uint64(len(data)) != *r.finalSize) {
			return newError(FinalOffsetError, "")
		}
	}
	if fin {
		final := end
		r.finalSize = &final
	}
	if len(data) > 0 {
		r.assembler.insert(offset, data)
		r.recvd.Insert(offset, end-1)
	}
	if r.state == recvStateRecv && r.finalSize != nil && r.recvd.Len() == 1 &&
		r.recvd.Min() == 0 && r.recvd.Max()+1 == *r.finalSize {
		r.state = recvStateDataRecvd
	}
	r.fresh = true
	return nil
}

// reset transitions the receive half to ResetRecvd, returning the number
// of bytes newly revealed by the final size so the caller can add them
// to data_recvd RST_STREAM handling.
func (r *recvHalf) reset(finalSize uint64) (int, error) {
	if r.finalSize != nil && finalSize != *r.finalSize {
		return 0, newError(FinalOffsetError, "")
	}
	var revealed uint64
	if finalSize > r.flow.recvd {
		revealed = finalSize - r.flow.recvd
	}
	r.flow.addRecv(int(revealed))
	r.finalSize = &finalSize
	r.state = recvStateResetRecvd
	r.fresh = true
	return int(revealed), nil
}

// read drains ordered bytes from the assembler, extending local flow
// control credit by the consumed amount.
func (r *recvHalf) read(buf []byte) (int, error) {
	switch r.state {
	case recvStateResetRecvd:
		return 0, newError(0, "reset") // the peer's code arrives in EventStreamReset
	}
	n := r.assembler.read(r.readOffset, buf)
	r.readOffset += uint64(n)
	r.flow.extendMaxRecv(n)
	if n == 0 && r.state == recvStateDataRecvd && r.assembler.empty() {
		return 0, errStreamFinished
	}
	return n, nil
}

func (r *recvHalf) readUnordered() (uint64, []byte, bool) {
	offset, data, ok := r.assembler.readUnordered()
	if ok {
		r.flow.extendMaxRecv(len(data))
	}
	return offset, data, ok
}

var errStreamFinished = newError(0, "stream finished")

// Stream is a single QUIC stream, combining a send half, a receive half
// (absent for locally-initiated unidirectional streams), and the
// connection-level flow control it draws from.
type Stream struct {
	id       uint64
	bidi     bool
	local    bool
	send     sendHalf
	recv     recvHalf
	hasRecv  bool
	hasSend  bool
	connFlow *flowControl

	updateMaxData bool // MAX_STREAM_DATA scheduled
	readable      bool

	// markFlushable notifies the owning streamMap that this stream has
	// send work pending, so buildFrames's nextFlushable walk picks it up.
	// For the handshake pseudo-stream it is installed by newConn (conn.go).
	markFlushable func()
}

// newHandshakeStream builds the send-only pseudo-stream reserved at id 0
// for TLS handshake bytes; it carries no flow control since handshake
// data is exempt from it, and has no receive half since incoming
// handshake bytes go straight to the TLS session rather than through a
// Stream.
func newHandshakeStream() *Stream {
	s := &Stream{id: 0, bidi: true, local: true, hasSend: true}
	s.send.init(^uint64(0))
	return s
}

func (s *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	return s.recv.push(data, offset, fin)
}

func (s *Stream) popSend(max int) ([]byte, uint64, bool) {
	return s.send.popSend(max)
}

func (s *Stream) ackMaxData() {
	s.recv.flow.commitMaxRecv()
	s.updateMaxData = false
}

// Write queues data for sending, clipped to the minimum of connection
// and stream flow-control budgets.
func (s *Stream) Write(data []byte) (int, error) {
	if !s.hasSend {
		return 0, newError(StreamStateError, "stream has no send half")
	}
	if s.send.state != sendStateReady {
		if s.send.stopReason != nil {
			return 0, newError(0, "stopped")
		}
		return 0, newError(0, "blocked")
	}
	budget := s.send.flow.canSend()
	if s.connFlow != nil {
		if cb := s.connFlow.canSend(); cb < budget {
			budget = cb
		}
	}
	n := len(data)
	if uint64(n) > budget {
		n = int(budget)
	}
	if n == 0 {
		return 0, newError(0, "blocked")
	}
	offset := s.send.offset
	s.send.offset += uint64(n)
	s.send.flow.addSend(n)
	if s.connFlow != nil {
		s.connFlow.addSend(n)
	}
	_ = s.send.push(append([]byte(nil), data[:n]...), offset, false)
	if s.markFlushable != nil {
		s.markFlushable()
	}
	if n < len(data) {
		return n, newError(0, "blocked")
	}
	return n, nil
}

// Read drains ordered bytes.
func (s *Stream) Read(buf []byte) (int, error) {
	if !s.hasRecv {
		return 0, newError(StreamStateError, "stream has no recv half")
	}
	n, err := s.recv.read(buf)
	if s.connFlow != nil && n > 0 {
		s.connFlow.extendMaxRecv(n)
	}
	return n, err
}

// ReadUnordered returns an arbitrary ready segment with its absolute
// offset.
func (s *Stream) ReadUnordered() (uint64, []byte, bool) {
	if !s.hasRecv {
		return 0, nil, false
	}
	offset, data, ok := s.recv.readUnordered()
	if ok && s.connFlow != nil {
		s.connFlow.extendMaxRecv(len(data))
	}
	return offset, data, ok
}

// Close finishes the send half.
func (s *Stream) Close() error {
	if !s.hasSend {
		return nil
	}
	s.send.finish()
	if s.markFlushable != nil {
		s.markFlushable()
	}
	return nil
}

// Reset abandons the send half; a no-op on already-terminal streams.
func (s *Stream) Reset(errorCode uint64) *resetStreamFrame {
	if !s.hasSend {
		return nil
	}
	switch s.send.state {
	case sendStateDataRecvd, sendStateResetSent, sendStateResetRecvd:
		return nil
	}
	s.send.state = sendStateResetSent
	return newResetStreamFrame(s.id, errorCode, s.send.offset)
}
