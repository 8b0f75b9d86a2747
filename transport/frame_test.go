package transport

import (
	"bytes"
	"testing"
)

func TestFramePaddingRoundTrip(t *testing.T) {
	f := newPaddingFrame(3)
	buf := make([]byte, f.encodedLen())
	n, err := f.encode(buf)
	if err != nil || n != 3 {
		t.Fatalf("encode: n=%d err=%v", n, err)
	}
	var d paddingFrame
	dn, err := d.decode(buf)
	if err != nil || dn != 3 {
		t.Fatalf("decode: n=%d err=%v", dn, err)
	}
}

func TestFrameAckRoundTrip(t *testing.T) {
	var recvd RangeSet
	recvd.Insert(0, 2)
	recvd.Insert(5, 9)
	f := newAckFrame(42, recvd)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d ackFrame
	if _, err := d.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := d.toRangeSet()
	want := recvd.Clone()
	if len(got) != len(want) {
		t.Fatalf("range mismatch: got %v want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("range mismatch at %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestFrameAckToRangeSetInvalid(t *testing.T) {
	f := &ackFrame{largestAck: 1, firstAckRange: 5}
	if rs := f.toRangeSet(); rs != nil {
		t.Fatalf("expected nil range set for inconsistent ack frame, got %v", rs)
	}
}

func TestFrameResetStreamRoundTrip(t *testing.T) {
	f := newResetStreamFrame(4, 0x10, 1000)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d resetStreamFrame
	n, err := d.decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.streamID != 4 || d.errorCode != 0x10 || d.finalSize != 1000 {
		t.Fatalf("decoded mismatch: %+v", d)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume %d bytes, got %d", len(buf), n)
	}
}

func TestFrameStopSendingRoundTrip(t *testing.T) {
	f := newStopSendingFrame(4, 0x11)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d stopSendingFrame
	if _, err := d.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.streamID != 4 || d.errorCode != 0x11 {
		t.Fatalf("decoded mismatch: %+v", d)
	}
}

func TestFrameStreamRoundTrip(t *testing.T) {
	data := []byte("hello world")
	f := newStreamFrame(8, data, 16, true)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d streamFrame
	if _, err := d.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.streamID != 8 || d.offset != 16 || !d.fin {
		t.Fatalf("decoded mismatch: %+v", d)
	}
	if !bytes.Equal(d.data, data) {
		t.Fatalf("data mismatch: %q vs %q", d.data, data)
	}
}

func TestFrameStreamZeroOffset(t *testing.T) {
	data := []byte("abc")
	f := newStreamFrame(0, data, 0, false)
	buf := make([]byte, f.encodedLen())
	n, err := f.encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d streamFrame
	if _, err := d.decode(buf[:n]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.offset != 0 || d.fin {
		t.Fatalf("decoded mismatch: %+v", d)
	}
}

func TestFrameMaxDataRoundTrip(t *testing.T) {
	f := newMaxDataFrame(1 << 20)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d maxDataFrame
	if _, err := d.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.maximumData != 1<<20 {
		t.Fatalf("decoded mismatch: %+v", d)
	}
}

func TestFrameMaxStreamDataRoundTrip(t *testing.T) {
	f := newMaxStreamDataFrame(4, 2048)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d maxStreamDataFrame
	if _, err := d.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.streamID != 4 || d.maximumData != 2048 {
		t.Fatalf("decoded mismatch: %+v", d)
	}
}

func TestFrameMaxStreamsRoundTrip(t *testing.T) {
	for _, bidi := range []bool{true, false} {
		f := newMaxStreamsFrame(10, bidi)
		buf := make([]byte, f.encodedLen())
		if _, err := f.encode(buf); err != nil {
			t.Fatalf("encode: %v", err)
		}
		var d maxStreamsFrame
		if _, err := d.decode(buf); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if d.maximumStreams != 10 || d.bidi != bidi {
			t.Fatalf("decoded mismatch: %+v", d)
		}
	}
}

func TestFramePathChallengeResponseRoundTrip(t *testing.T) {
	var data [8]byte
	copy(data[:], []byte("abcdefgh"))
	c := &pathChallengeFrame{data: data}
	buf := make([]byte, c.encodedLen())
	if _, err := c.encode(buf); err != nil {
		t.Fatalf("encode challenge: %v", err)
	}
	var dc pathChallengeFrame
	if _, err := dc.decode(buf); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if dc.data != data {
		t.Fatalf("challenge data mismatch: %v vs %v", dc.data, data)
	}

	r := newPathResponseFrame(data)
	buf2 := make([]byte, r.encodedLen())
	if _, err := r.encode(buf2); err != nil {
		t.Fatalf("encode response: %v", err)
	}
	var dr pathResponseFrame
	if _, err := dr.decode(buf2); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if dr.data != data {
		t.Fatalf("response data mismatch: %v vs %v", dr.data, data)
	}
}

func TestFrameConnectionCloseRoundTrip(t *testing.T) {
	f := newConnectionCloseFrame(uint64(ProtocolViolation), 8, []byte("bye"), false)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d connectionCloseFrame
	if _, err := d.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.application || d.errorCode != uint64(ProtocolViolation) || d.frameType != 8 {
		t.Fatalf("decoded mismatch: %+v", d)
	}
	if !bytes.Equal(d.reasonPhrase, []byte("bye")) {
		t.Fatalf("reason mismatch: %q", d.reasonPhrase)
	}
}

func TestFrameApplicationCloseRoundTrip(t *testing.T) {
	f := newConnectionCloseFrame(7, 0, []byte("done"), true)
	buf := make([]byte, f.encodedLen())
	if _, err := f.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d connectionCloseFrame
	if _, err := d.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.application || d.errorCode != 7 {
		t.Fatalf("decoded mismatch: %+v", d)
	}
}

func TestIsFrameAckEliciting(t *testing.T) {
	if isFrameAckEliciting(frameTypeAck) {
		t.Fatal("ACK frames must not be ack-eliciting")
	}
	if !isFrameAckEliciting(frameTypeStream) {
		t.Fatal("STREAM frames must be ack-eliciting")
	}
}

func TestEncodeFrames(t *testing.T) {
	frames := []frame{newPaddingFrame(2), &pingFrame{}, newMaxDataFrame(5)}
	total := 0
	for _, f := range frames {
		total += f.encodedLen()
	}
	buf := make([]byte, total)
	n, err := encodeFrames(buf, frames)
	if err != nil {
		t.Fatalf("encodeFrames: %v", err)
	}
	if n != total {
		t.Fatalf("expected %d bytes written, got %d", total, n)
	}
}
