package transport

// flowControl tracks one direction's worth of byte-level flow control,
// shared by the connection (data_sent/data_recvd) and every stream
// (send-half offset/max_data, receive-half limit/max_data). Bytes sent
// never exceed the peer-granted limit; bytes received never exceed the
// locally-granted limit.
type flowControl struct {
	// Send side: bytes already sent/assigned, and the peer-granted limit.
	sent    uint64
	maxSend uint64

	// Receive side: bytes the local endpoint has accounted for, and the
	// limit granted to the peer. maxRecvNext is the next limit to grant
	// once a MAX_DATA/MAX_STREAM_DATA update actually gets sent; window
	// is the initial limit, fixed at init, used to decide when to update.
	recvd       uint64
	maxRecv     uint64
	maxRecvNext uint64
	window      uint64
}

func (f *flowControl) init(maxRecv, maxSend uint64) {
	f.maxRecv = maxRecv
	f.maxRecvNext = maxRecv
	f.maxSend = maxSend
	f.window = maxRecv
}

// canSend returns how many more bytes may be sent before hitting the
// peer-granted limit.
func (f *flowControl) canSend() uint64 {
	if f.sent >= f.maxSend {
		return 0
	}
	return f.maxSend - f.sent
}

func (f *flowControl) addSend(n int) {
	f.sent += uint64(n)
}

// setMaxSend raises the peer-granted send limit on a MAX_DATA or
// MAX_STREAM_DATA frame; the limit only ever moves up.
func (f *flowControl) setMaxSend(max uint64) {
	if max > f.maxSend {
		f.maxSend = max
	}
}

// canRecv returns how many more bytes may be received before hitting
// the locally-granted limit.
func (f *flowControl) canRecv() uint64 {
	if f.recvd >= f.maxRecv {
		return 0
	}
	return f.maxRecv - f.recvd
}

func (f *flowControl) addRecv(n int) {
	f.recvd += uint64(n)
}

// shouldUpdateMaxRecv reports whether enough of the current window has
// been consumed to justify sending a new limit: fewer than window/2
// bytes remain below maxRecvNext. The window itself is never resized.
func (f *flowControl) shouldUpdateMaxRecv() bool {
	if f.window == 0 {
		return false
	}
	return f.maxRecvNext-f.recvd < f.window/2
}

// extendMaxRecv is called when the application consumes bytes (read),
// growing the local limit so the peer is not starved.
func (f *flowControl) extendMaxRecv(consumed int) {
	f.maxRecvNext += uint64(consumed)
}

// commitMaxRecv is called once a MAX_DATA/MAX_STREAM_DATA frame carrying
// maxRecvNext has actually been queued for sending.
func (f *flowControl) commitMaxRecv() {
	f.maxRecv = f.maxRecvNext
}
