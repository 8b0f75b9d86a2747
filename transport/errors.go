package transport

import "fmt"

// TransportErrorCode is a QUIC transport error code.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-20
type TransportErrorCode uint64

// Standard QUIC transport error codes.
const (
	NoError                  TransportErrorCode = 0x0
	InternalError            TransportErrorCode = 0x1
	ServerBusy               TransportErrorCode = 0x2
	FlowControlError         TransportErrorCode = 0x3
	StreamIDError            TransportErrorCode = 0x4
	StreamStateError         TransportErrorCode = 0x5
	FinalOffsetError         TransportErrorCode = 0x6
	FrameEncodingError       TransportErrorCode = 0x7
	TransportParameterError TransportErrorCode = 0x8
	ProtocolViolation        TransportErrorCode = 0xa
	UnsolicitedPathResponse  TransportErrorCode = 0xb
	TLSHandshakeFailed       TransportErrorCode = 0x201
	TLSFatalAlertReceived    TransportErrorCode = 0x202
	// cryptoErrorBase is added to a TLS alert description (RFC 8446 §6) to
	// form a CRYPTO_ERROR transport error code (RFC 9000 §20.1).
	cryptoErrorBase TransportErrorCode = 0x100
)

// String renders the error code the way qlog expects it, e.g.
// "protocol_violation" or "crypto_error_42".
func (c TransportErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ServerBusy:
		return "server_busy"
	case FlowControlError:
		return "flow_control_error"
	case StreamIDError:
		return "stream_id_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalOffsetError:
		return "final_offset_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ProtocolViolation:
		return "protocol_violation"
	case UnsolicitedPathResponse:
		return "unsolicited_path_response"
	case TLSHandshakeFailed:
		return "tls_handshake_failed"
	case TLSFatalAlertReceived:
		return "tls_fatal_alert_received"
	}
	if c >= cryptoErrorBase && c < cryptoErrorBase+0x100 {
		return fmt.Sprintf("crypto_error_%d", c-cryptoErrorBase)
	}
	return fmt.Sprintf("unknown_error_0x%x", uint64(c))
}

func errorCodeString(c uint64) string {
	return TransportErrorCode(c).String()
}

// Error is a QUIC transport-level error, raised by frame or packet
// processing. It always carries the error code that will be put on the
// wire in a CONNECTION_CLOSE frame.
type Error struct {
	Code   TransportErrorCode
	Reason string
}

func newError(code TransportErrorCode, reason string) error {
	return &Error{Code: code, Reason: reason}
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Reason)
}

// frameEncodingError builds a FRAME_ENCODING_ERROR with the offending
// frame type embedded in the reason.
func frameEncodingError(frameType uint64) error {
	return newError(FrameEncodingError, fmt.Sprintf("frame type 0x%x", frameType))
}

// ConnectionError is reported to the application through an Event when a
// connection is lost. It is distinct from Error (which is only ever the
// wire-visible QUIC transport error) because it also covers peer-reported
// and locally-detected conditions that never travel as a transport error
// code: ApplicationClosed, Reset, TimedOut and VersionMismatch.
type ConnectionError struct {
	// TransportError is set when the connection was closed locally or by
	// the peer due to a QUIC transport error.
	TransportError *Error
	// ApplicationError holds the peer's application-level close code and
	// reason, when Kind is KindApplicationClosed.
	ApplicationError uint64
	Reason           string
	Kind             ConnectionErrorKind
}

// ConnectionErrorKind classifies a ConnectionError.
type ConnectionErrorKind uint8

const (
	KindTransportError ConnectionErrorKind = iota
	KindApplicationClosed
	KindConnectionClosed
	KindReset
	KindTimedOut
	KindVersionMismatch
)

func (e *ConnectionError) Error() string {
	switch e.Kind {
	case KindApplicationClosed:
		return fmt.Sprintf("application closed: code=%d reason=%s", e.ApplicationError, e.Reason)
	case KindConnectionClosed:
		if e.TransportError != nil {
			return fmt.Sprintf("connection closed: %s reason=%s", e.TransportError, e.Reason)
		}
		return fmt.Sprintf("connection closed: reason=%s", e.Reason)
	case KindReset:
		return "stateless reset"
	case KindTimedOut:
		return "timed out"
	case KindVersionMismatch:
		return "version mismatch"
	default:
		if e.TransportError != nil {
			return e.TransportError.Error()
		}
		return "transport error"
	}
}

var (
	errFlowControl  = newError(FlowControlError, "")
	errInvalidToken = newError(ProtocolViolation, "invalid retry token")
	errShortBuffer  = newError(InternalError, "short buffer")
)
