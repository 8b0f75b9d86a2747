package transport

import "testing"

func TestSendHalfPushPopSend(t *testing.T) {
	var s sendHalf
	s.init(1000)
	s.push([]byte("hello"), 0, false)
	data, offset, fin := s.popSend(10)
	if string(data) != "hello" || offset != 0 || fin {
		t.Fatalf("unexpected popSend result: %q %d %v", data, offset, fin)
	}
	if s.bytesInFlight != 5 {
		t.Fatalf("expected bytesInFlight 5, got %d", s.bytesInFlight)
	}
}

func TestSendHalfPopSendSplitsAcrossMax(t *testing.T) {
	var s sendHalf
	s.init(1000)
	s.push([]byte("hello world"), 0, false)
	data, offset, fin := s.popSend(5)
	if string(data) != "hello" || offset != 0 || fin {
		t.Fatalf("unexpected first chunk: %q %d %v", data, offset, fin)
	}
	if s.bytesInFlight != 5 {
		t.Fatalf("expected bytesInFlight 5, got %d", s.bytesInFlight)
	}
	data, offset, fin = s.popSend(100)
	if string(data) != " world" || offset != 5 || fin {
		t.Fatalf("unexpected second chunk: %q %d %v", data, offset, fin)
	}
}

func TestSendHalfPopSendEmpty(t *testing.T) {
	var s sendHalf
	s.init(1000)
	data, offset, fin := s.popSend(10)
	if data != nil || offset != 0 || fin {
		t.Fatalf("expected empty popSend result, got %q %d %v", data, offset, fin)
	}
}

func TestSendHalfAck(t *testing.T) {
	var s sendHalf
	s.init(1000)
	s.bytesInFlight = 10
	s.ack(0, 4)
	if s.bytesInFlight != 6 {
		t.Fatalf("expected bytesInFlight 6, got %d", s.bytesInFlight)
	}
	s.ack(0, 100)
	if s.bytesInFlight != 0 {
		t.Fatalf("expected bytesInFlight clamped to 0, got %d", s.bytesInFlight)
	}
}

func TestSendHalfFinishQueuesFinOnEmptyQueue(t *testing.T) {
	var s sendHalf
	s.init(1000)
	s.offset = 5
	s.finish()
	if s.state != sendStateDataSent {
		t.Fatalf("expected sendStateDataSent, got %v", s.state)
	}
	if len(s.queue) != 1 || !s.queue[0].fin || s.queue[0].offset != 5 {
		t.Fatalf("expected a fin-only frame queued at offset 5, got %+v", s.queue)
	}
}

func TestSendHalfFinishMergesFinIntoTrailingFrame(t *testing.T) {
	var s sendHalf
	s.init(1000)
	s.push([]byte("abc"), 0, false)
	s.offset = 3
	s.finish()
	if len(s.queue) != 1 {
		t.Fatalf("expected fin merged into existing frame, got %d frames", len(s.queue))
	}
	if !s.queue[0].fin {
		t.Fatal("expected trailing frame to carry fin")
	}
}

func TestSendHalfFinishNoopWhenNotReady(t *testing.T) {
	var s sendHalf
	s.init(1000)
	s.state = sendStateDataSent
	s.finish()
	if len(s.queue) != 0 {
		t.Fatalf("expected no-op finish on non-ready state, got queue %+v", s.queue)
	}
}

func TestSendHalfComplete(t *testing.T) {
	var s sendHalf
	s.init(1000)
	if s.complete() {
		t.Fatal("expected not complete before DataSent")
	}
	s.state = sendStateDataSent
	s.bytesInFlight = 1
	if s.complete() {
		t.Fatal("expected not complete while bytes remain in flight")
	}
	s.bytesInFlight = 0
	if !s.complete() {
		t.Fatal("expected complete once DataSent and nothing in flight")
	}
}

func TestRecvHalfPushOrderedRead(t *testing.T) {
	var r recvHalf
	r.init(1000)
	if err := r.push([]byte("hello"), 0, false); err != nil {
		t.Fatalf("push: %v", err)
	}
	buf := make([]byte, 10)
	n, err := r.read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf[:n])
	}
	if r.flow.maxRecvNext != 1000+5 {
		t.Fatalf("expected maxRecvNext extended by 5, got %d", r.flow.maxRecvNext)
	}
}

func TestRecvHalfPushFinalOffsetError(t *testing.T) {
	var r recvHalf
	r.init(1000)
	if err := r.push([]byte("hello"), 0, true); err != nil {
		t.Fatalf("push: %v", err)
	}
	// Any further byte at or past the final offset is a violation.
	if err := r.push([]byte("x"), 5, false); err == nil {
		t.Fatal("expected FinalOffsetError for data past the final size")
	} else if e, ok := err.(*Error); !ok || e.Code != FinalOffsetError {
		t.Fatalf("expected FinalOffsetError, got %v", err)
	}
}

func TestRecvHalfPushFinAtDifferentOffsetIsError(t *testing.T) {
	var r recvHalf
	r.init(1000)
	if err := r.push([]byte("hello"), 0, true); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := r.push([]byte("x"), 3, true); err == nil {
		t.Fatal("expected FinalOffsetError for a second, conflicting fin")
	}
}

func TestRecvHalfPushTransitionsToDataRecvd(t *testing.T) {
	var r recvHalf
	r.init(1000)
	if err := r.push([]byte("hi"), 0, true); err != nil {
		t.Fatalf("push: %v", err)
	}
	if r.state != recvStateDataRecvd {
		t.Fatalf("expected recvStateDataRecvd, got %v", r.state)
	}
}

func TestRecvHalfReadReturnsStreamFinishedOnceDrained(t *testing.T) {
	var r recvHalf
	r.init(1000)
	if err := r.push([]byte("hi"), 0, true); err != nil {
		t.Fatalf("push: %v", err)
	}
	buf := make([]byte, 10)
	n, err := r.read(buf)
	if err != nil || n != 2 {
		t.Fatalf("expected to read 2 bytes with no error, got n=%d err=%v", n, err)
	}
	n, err = r.read(buf)
	if n != 0 || err != errStreamFinished {
		t.Fatalf("expected errStreamFinished on next read, got n=%d err=%v", n, err)
	}
}

func TestRecvHalfReset(t *testing.T) {
	var r recvHalf
	r.init(1000)
	r.flow.addRecv(2)
	revealed, err := r.reset(10)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if revealed != 8 {
		t.Fatalf("expected 8 newly revealed bytes, got %d", revealed)
	}
	if r.state != recvStateResetRecvd {
		t.Fatalf("expected recvStateResetRecvd, got %v", r.state)
	}
}

func TestRecvHalfResetConflictingFinalSize(t *testing.T) {
	var r recvHalf
	r.init(1000)
	if err := r.push([]byte("hi"), 0, true); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := r.reset(99); err == nil {
		t.Fatal("expected error for reset with final size conflicting with an earlier fin")
	}
}

func TestRecvHalfReadUnordered(t *testing.T) {
	var r recvHalf
	r.init(1000)
	if err := r.push([]byte("world"), 5, false); err != nil {
		t.Fatalf("push: %v", err)
	}
	offset, data, ok := r.readUnordered()
	if !ok || offset != 5 || string(data) != "world" {
		t.Fatalf("unexpected readUnordered result: offset=%d data=%q ok=%v", offset, data, ok)
	}
	if r.flow.maxRecvNext != 1000+5 {
		t.Fatalf("expected maxRecvNext extended by len(data), got %d", r.flow.maxRecvNext)
	}
}

func newTestStream(bidi, local bool) *Stream {
	id := uint64(0)
	if !bidi {
		id |= streamIDDirBit
	}
	if !local {
		id |= streamIDInitiatorBit
	}
	s := &Stream{id: id, bidi: bidi, local: local}
	if local || bidi {
		s.hasSend = true
		s.send.init(1000)
	}
	if !local || bidi {
		s.hasRecv = true
		s.recv.init(1000)
	}
	return s
}

func TestStreamWriteClipsToStreamFlowControl(t *testing.T) {
	s := newTestStream(true, true)
	s.send.flow.maxSend = 3
	n, err := s.Write([]byte("hello"))
	if n != 3 {
		t.Fatalf("expected write clipped to 3 bytes, got %d", n)
	}
	if err == nil {
		t.Fatal("expected a blocked error when fewer bytes were accepted than requested")
	}
}

func TestStreamWriteClipsToConnFlowControl(t *testing.T) {
	s := newTestStream(true, true)
	var connFlow flowControl
	connFlow.init(0, 2)
	s.connFlow = &connFlow
	n, _ := s.Write([]byte("hello"))
	if n != 2 {
		t.Fatalf("expected write clipped to connection flow control of 2, got %d", n)
	}
	if connFlow.sent != 2 {
		t.Fatalf("expected connection flow control to record 2 bytes sent, got %d", connFlow.sent)
	}
}

func TestStreamWriteBlockedWhenNoBudget(t *testing.T) {
	s := newTestStream(true, true)
	s.send.flow.maxSend = 0
	n, err := s.Write([]byte("x"))
	if n != 0 || err == nil {
		t.Fatalf("expected blocked write, got n=%d err=%v", n, err)
	}
}

func TestStreamWriteNoSendHalf(t *testing.T) {
	s := newTestStream(false, false) // remote-initiated uni stream: recv only
	_, err := s.Write([]byte("x"))
	if err == nil {
		t.Fatal("expected error writing to a stream with no send half")
	}
}

func TestStreamReadNoRecvHalf(t *testing.T) {
	s := newTestStream(false, true) // local-initiated uni stream: send only
	_, err := s.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected error reading from a stream with no recv half")
	}
}

func TestStreamReadExtendsConnFlowControl(t *testing.T) {
	s := newTestStream(true, true)
	var connFlow flowControl
	connFlow.init(0, 1000)
	s.connFlow = &connFlow
	if err := s.pushRecv([]byte("hi"), 0, false); err != nil {
		t.Fatalf("pushRecv: %v", err)
	}
	buf := make([]byte, 10)
	n, err := s.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("expected to read 2 bytes, got n=%d err=%v", n, err)
	}
	if connFlow.maxRecvNext != 2 {
		t.Fatalf("expected connection flow control extended by 2, got %d", connFlow.maxRecvNext)
	}
}

func TestStreamCloseFinishesSendHalf(t *testing.T) {
	s := newTestStream(true, true)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.send.state != sendStateDataSent {
		t.Fatalf("expected send half to transition to DataSent, got %v", s.send.state)
	}
}

func TestStreamResetReturnsFrame(t *testing.T) {
	s := newTestStream(true, true)
	s.send.offset = 42
	f := s.Reset(7)
	if f == nil {
		t.Fatal("expected a non-nil reset_stream frame")
	}
	if f.errorCode != 7 || f.finalSize != 42 {
		t.Fatalf("unexpected reset frame: %+v", f)
	}
	if s.send.state != sendStateResetSent {
		t.Fatalf("expected sendStateResetSent, got %v", s.send.state)
	}
}

func TestStreamResetNoopOnTerminalState(t *testing.T) {
	s := newTestStream(true, true)
	s.send.state = sendStateResetRecvd
	if f := s.Reset(1); f != nil {
		t.Fatalf("expected nil reset on already-terminal stream, got %+v", f)
	}
}

func TestStreamResetNoSendHalf(t *testing.T) {
	s := newTestStream(false, false)
	if f := s.Reset(1); f != nil {
		t.Fatalf("expected nil reset on a stream with no send half, got %+v", f)
	}
}

func TestStreamAckMaxData(t *testing.T) {
	s := newTestStream(true, true)
	s.recv.flow.maxRecvNext = 500
	s.updateMaxData = true
	s.ackMaxData()
	if s.recv.flow.maxRecv != 500 {
		t.Fatalf("expected maxRecv committed to 500, got %d", s.recv.flow.maxRecv)
	}
	if s.updateMaxData {
		t.Fatal("expected updateMaxData cleared")
	}
}
