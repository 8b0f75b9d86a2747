package transport

import "fmt"

// Frame type codes, matching RFC 9000 §19 so the wire format stays
// interoperable even though the engine only understands a subset.
const (
	frameTypePadding        = 0x00
	frameTypePing           = 0x01
	frameTypeAck            = 0x02
	frameTypeResetStream    = 0x04
	frameTypeStopSending    = 0x05
	frameTypeStream         = 0x08
	frameTypeStreamEnd      = 0x0f
	frameTypeMaxData        = 0x10
	frameTypeMaxStreamData  = 0x11
	frameTypeMaxStreamIDBidi = 0x12
	frameTypeMaxStreamIDUni = 0x13
	frameTypeNewConnectionID = 0x18
	frameTypeConnectionClose = 0x1c
	frameTypeApplicationClose = 0x1d
	frameTypePathChallenge  = 0x1a
	frameTypePathResponse   = 0x1b
)

// frame is implemented by every decoded/encoded frame type.
type frame interface {
	encodedLen() int
	encode(b []byte) (int, error)
}

func isFrameAckEliciting(typ uint64) bool {
	return typ != frameTypeAck
}

// --- PADDING ---

type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame {
	return &paddingFrame{length: length}
}

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	f.length = n
	if n == 0 {
		return 0, frameEncodingError(frameTypePadding)
	}
	return n, nil
}

func (f *paddingFrame) encodedLen() int { return f.length }

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = frameTypePadding
	}
	return f.length, nil
}

// --- PING ---

type pingFrame struct{}

func (f *pingFrame) encodedLen() int { return 1 }

func (f *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePing
	return 1, nil
}

// --- ACK ---

type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []uint64 // alternating gap, ackRangeLength, following the first range
}

func newAckFrame(ackDelay uint64, recvd RangeSet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	if len(recvd) == 0 {
		return f
	}
	last := recvd[len(recvd)-1]
	f.largestAck = last.End
	f.firstAckRange = last.End - last.Start
	prevStart := last.Start
	for i := len(recvd) - 2; i >= 0; i-- {
		r := recvd[i]
		gap := prevStart - r.End - 2
		length := r.End - r.Start
		f.ranges = append(f.ranges, gap, length)
		prevStart = r.Start
	}
	return f
}

// toRangeSet reconstructs the acknowledged packet-number RangeSet,
// validating each gap and length as it goes.
func (f *ackFrame) toRangeSet() RangeSet {
	if f.firstAckRange > f.largestAck {
		return nil
	}
	var out RangeSet
	start := f.largestAck - f.firstAckRange
	out = append(RangeSet{{start, f.largestAck}}, out...)
	smallest := start
	for i := 0; i+1 < len(f.ranges); i += 2 {
		gap := f.ranges[i]
		length := f.ranges[i+1]
		if smallest < gap+2 {
			return nil
		}
		end := smallest - gap - 2
		if length > end {
			return nil
		}
		start := end - length
		out = append(RangeSet{{start, end}}, out...)
		smallest = start
	}
	return out
}

func (f *ackFrame) decode(b []byte) (int, error) {
	n := 1
	var v uint64
	m := getVarint(b[n:], &v)
	if m == 0 {
		return 0, frameEncodingError(frameTypeAck)
	}
	f.largestAck = v
	n += m
	m = getVarint(b[n:], &v)
	if m == 0 {
		return 0, frameEncodingError(frameTypeAck)
	}
	f.ackDelay = v
	n += m
	var rangeCount uint64
	m = getVarint(b[n:], &rangeCount)
	if m == 0 {
		return 0, frameEncodingError(frameTypeAck)
	}
	n += m
	m = getVarint(b[n:], &v)
	if m == 0 {
		return 0, frameEncodingError(frameTypeAck)
	}
	f.firstAckRange = v
	n += m
	f.ranges = f.ranges[:0]
	for i := uint64(0); i < rangeCount; i++ {
		var gap, length uint64
		m = getVarint(b[n:], &gap)
		if m == 0 {
			return 0, frameEncodingError(frameTypeAck)
		}
		n += m
		m = getVarint(b[n:], &length)
		if m == 0 {
			return 0, frameEncodingError(frameTypeAck)
		}
		n += m
		f.ranges = append(f.ranges, gap, length)
	}
	return n, nil
}

func (f *ackFrame) encodedLen() int {
	n := 1 + varintLen(f.largestAck) + varintLen(f.ackDelay)
	n += varintLen(uint64(len(f.ranges) / 2))
	n += varintLen(f.firstAckRange)
	for _, v := range f.ranges {
		n += varintLen(v)
	}
	return n
}

func (f *ackFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = frameTypeAck
	n++
	n += putVarint(b[n:], f.largestAck)
	n += putVarint(b[n:], f.ackDelay)
	n += putVarint(b[n:], uint64(len(f.ranges)/2))
	n += putVarint(b[n:], f.firstAckRange)
	for _, v := range f.ranges {
		n += putVarint(b[n:], v)
	}
	return n, nil
}

func (f *ackFrame) String() string {
	return fmt.Sprintf("largest=%d delay=%d first_range=%d", f.largestAck, f.ackDelay, f.firstAckRange)
}

// --- RESET_STREAM ---

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID, errorCode, finalSize}
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	n := 1
	n += decodeVarintField(b[n:], &f.streamID)
	n += decodeVarintField(b[n:], &f.errorCode)
	n += decodeVarintField(b[n:], &f.finalSize)
	if n <= 1 {
		return 0, frameEncodingError(frameTypeResetStream)
	}
	return n, nil
}

func (f *resetStreamFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = frameTypeResetStream
	n++
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.errorCode)
	n += putVarint(b[n:], f.finalSize)
	return n, nil
}

func (f *resetStreamFrame) String() string {
	return fmt.Sprintf("stream=%d error=%d final_size=%d", f.streamID, f.errorCode, f.finalSize)
}

// --- STOP_SENDING ---

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID, errorCode}
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	n := 1
	n += decodeVarintField(b[n:], &f.streamID)
	n += decodeVarintField(b[n:], &f.errorCode)
	if n <= 1 {
		return 0, frameEncodingError(frameTypeStopSending)
	}
	return n, nil
}

func (f *stopSendingFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = frameTypeStopSending
	n++
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.errorCode)
	return n, nil
}

// --- STREAM ---

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

func (f *streamFrame) decode(b []byte) (int, error) {
	typ := b[0]
	n := 1
	n += decodeVarintField(b[n:], &f.streamID)
	if typ&0x04 != 0 { // OFF bit
		n += decodeVarintField(b[n:], &f.offset)
	} else {
		f.offset = 0
	}
	f.fin = typ&0x01 != 0
	if typ&0x02 != 0 { // LEN bit
		var length uint64
		m := getVarint(b[n:], &length)
		if m == 0 {
			return 0, frameEncodingError(frameTypeStream)
		}
		n += m
		if len(b) < n+int(length) {
			return 0, frameEncodingError(frameTypeStream)
		}
		f.data = b[n : n+int(length)]
		n += int(length)
	} else {
		f.data = b[n:]
		n = len(b)
	}
	return n, nil
}

func (f *streamFrame) encodedLen() int {
	n := 1 + varintLen(f.streamID)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	n += varintLen(uint64(len(f.data))) + len(f.data)
	return n
}

func (f *streamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	typ := byte(frameTypeStream) | 0x02 // always include explicit length
	if f.offset > 0 {
		typ |= 0x04
	}
	if f.fin {
		typ |= 0x01
	}
	n := 0
	b[n] = typ
	n++
	n += putVarint(b[n:], f.streamID)
	if f.offset > 0 {
		n += putVarint(b[n:], f.offset)
	}
	n += putVarint(b[n:], uint64(len(f.data)))
	n += copy(b[n:], f.data)
	return n, nil
}

func (f *streamFrame) String() string {
	return fmt.Sprintf("stream=%d offset=%d len=%d fin=%v", f.streamID, f.offset, len(f.data), f.fin)
}

// --- MAX_DATA ---

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{max} }

func (f *maxDataFrame) decode(b []byte) (int, error) {
	n := 1
	n += decodeVarintField(b[n:], &f.maximumData)
	if n <= 1 {
		return 0, frameEncodingError(frameTypeMaxData)
	}
	return n, nil
}

func (f *maxDataFrame) encodedLen() int { return 1 + varintLen(f.maximumData) }

func (f *maxDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	b[0] = frameTypeMaxData
	n := 1 + putVarint(b[1:], f.maximumData)
	return n, nil
}

// --- MAX_STREAM_DATA ---

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID, max}
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	n := 1
	n += decodeVarintField(b[n:], &f.streamID)
	n += decodeVarintField(b[n:], &f.maximumData)
	if n <= 1 {
		return 0, frameEncodingError(frameTypeMaxStreamData)
	}
	return n, nil
}

func (f *maxStreamDataFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	b[0] = frameTypeMaxStreamData
	n := 1
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.maximumData)
	return n, nil
}

// --- MAX_STREAM_ID (MAX_STREAMS) ---

type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{max, bidi}
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	f.bidi = b[0] == frameTypeMaxStreamIDBidi
	n := 1
	n += decodeVarintField(b[n:], &f.maximumStreams)
	if n <= 1 {
		return 0, frameEncodingError(uint64(b[0]))
	}
	return n, nil
}

func (f *maxStreamsFrame) encodedLen() int { return 1 + varintLen(f.maximumStreams) }

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	if f.bidi {
		b[0] = frameTypeMaxStreamIDBidi
	} else {
		b[0] = frameTypeMaxStreamIDUni
	}
	n := 1 + putVarint(b[1:], f.maximumStreams)
	return n, nil
}

// --- PATH_CHALLENGE / PATH_RESPONSE ---

type pathChallengeFrame struct {
	data [8]byte
}

func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, frameEncodingError(frameTypePathChallenge)
	}
	copy(f.data[:], b[1:9])
	return 9, nil
}

func (f *pathChallengeFrame) encodedLen() int { return 9 }

func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePathChallenge
	copy(b[1:9], f.data[:])
	return 9, nil
}

type pathResponseFrame struct {
	data [8]byte
}

func newPathResponseFrame(data [8]byte) *pathResponseFrame {
	return &pathResponseFrame{data: data}
}

func (f *pathResponseFrame) decode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, frameEncodingError(frameTypePathResponse)
	}
	copy(f.data[:], b[1:9])
	return 9, nil
}

func (f *pathResponseFrame) encodedLen() int { return 9 }

func (f *pathResponseFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePathResponse
	copy(b[1:9], f.data[:])
	return 9, nil
}

// --- NEW_CONNECTION_ID (parsed only) ---

type newConnectionIDFrame struct {
	sequenceNumber uint64
	retirePriorTo  uint64
	connectionID   []byte
	statelessReset [16]byte
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	n := 1
	n += decodeVarintField(b[n:], &f.sequenceNumber)
	n += decodeVarintField(b[n:], &f.retirePriorTo)
	if len(b) < n+1 {
		return 0, frameEncodingError(frameTypeNewConnectionID)
	}
	length := int(b[n])
	n++
	if len(b) < n+length+16 {
		return 0, frameEncodingError(frameTypeNewConnectionID)
	}
	f.connectionID = b[n : n+length]
	n += length
	copy(f.statelessReset[:], b[n:n+16])
	n += 16
	return n, nil
}

// --- CONNECTION_CLOSE / APPLICATION_CLOSE ---

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reason []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{application: application, errorCode: errorCode, frameType: frameType, reasonPhrase: reason}
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	f.application = b[0] == frameTypeApplicationClose
	n := 1
	n += decodeVarintField(b[n:], &f.errorCode)
	if !f.application {
		n += decodeVarintField(b[n:], &f.frameType)
	}
	var reasonLen uint64
	m := getVarint(b[n:], &reasonLen)
	if m == 0 {
		return 0, frameEncodingError(uint64(b[0]))
	}
	n += m
	if len(b) < n+int(reasonLen) {
		return 0, frameEncodingError(uint64(b[0]))
	}
	f.reasonPhrase = b[n : n+int(reasonLen)]
	n += int(reasonLen)
	return n, nil
}

func (f *connectionCloseFrame) encodedLen() int {
	n := 1 + varintLen(f.errorCode)
	if !f.application {
		n += varintLen(f.frameType)
	}
	n += varintLen(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	return n
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	if f.application {
		b[0] = frameTypeApplicationClose
	} else {
		b[0] = frameTypeConnectionClose
	}
	n++
	n += putVarint(b[n:], f.errorCode)
	if !f.application {
		n += putVarint(b[n:], f.frameType)
	}
	n += putVarint(b[n:], uint64(len(f.reasonPhrase)))
	n += copy(b[n:], f.reasonPhrase)
	return n, nil
}

func (f *connectionCloseFrame) String() string {
	return fmt.Sprintf("error=%d reason=%s", f.errorCode, f.reasonPhrase)
}

func decodeVarintField(b []byte, v *uint64) int {
	return getVarint(b, v)
}

// encodeFrames writes each frame in order into b, returning the total
// number of bytes written.
func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := f.encode(b[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}
