package transport

// Transport parameter identifiers (the subset this engine negotiates;
// codes match RFC 9000 §18.2 where the name overlaps so a qlog trace
// reads the same as any other QUIC stack's).
const (
	paramOriginalDestinationConnectionID uint64 = 0x00
	paramMaxIdleTimeout                  uint64 = 0x01
	paramStatelessResetToken             uint64 = 0x02
	paramMaxUDPPayloadSize               uint64 = 0x03
	paramInitialMaxData                  uint64 = 0x04
	paramInitialMaxStreamDataBidiLocal   uint64 = 0x05
	paramInitialMaxStreamDataBidiRemote  uint64 = 0x06
	paramInitialMaxStreamDataUni         uint64 = 0x07
	paramInitialMaxStreamsBidi           uint64 = 0x08
	paramInitialMaxStreamsUni            uint64 = 0x09
	paramAckDelayExponent                uint64 = 0x0a
	paramMaxAckDelay                     uint64 = 0x0b
	paramDisableActiveMigration          uint64 = 0x0c
)

// Parameters is the set of values exchanged during the handshake that
// configure a connection's limits. Fields absent from the
// peer's transport parameters keep their protocol-mandated defaults.
type Parameters struct {
	OriginalDestinationConnectionID []byte
	StatelessResetToken             []byte

	MaxIdleTimeout       uint64 // milliseconds, 0 = disabled
	MaxUDPPayloadSize    uint64
	InitialMaxData       uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi uint64
	InitialMaxStreamsUni  uint64
	AckDelayExponent      uint64
	MaxAckDelay           uint64
	DisableActiveMigration bool
}

// defaultParameters returns the protocol defaults applied before the
// peer's transport parameters are received.
func defaultParameters() Parameters {
	return Parameters{
		MaxUDPPayloadSize: 65527,
		AckDelayExponent:  3,
		MaxAckDelay:       25,
	}
}

// Marshal encodes the parameter set as a sequence of (varint id, varint
// length, value) entries, each field a QUIC variable-length integer.
func (p *Parameters) Marshal() []byte {
	var b []byte
	b = appendParam(b, paramMaxIdleTimeout, p.MaxIdleTimeout)
	if len(p.OriginalDestinationConnectionID) > 0 {
		b = appendParamBytes(b, paramOriginalDestinationConnectionID, p.OriginalDestinationConnectionID)
	}
	if len(p.StatelessResetToken) > 0 {
		b = appendParamBytes(b, paramStatelessResetToken, p.StatelessResetToken)
	}
	b = appendParam(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	b = appendParam(b, paramInitialMaxData, p.InitialMaxData)
	b = appendParam(b, paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	b = appendParam(b, paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	b = appendParam(b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	b = appendParam(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	b = appendParam(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	b = appendParam(b, paramAckDelayExponent, p.AckDelayExponent)
	b = appendParam(b, paramMaxAckDelay, p.MaxAckDelay)
	if p.DisableActiveMigration {
		b = appendParamBytes(b, paramDisableActiveMigration, nil)
	}
	return b
}

func appendVarint(b []byte, v uint64) []byte {
	tmp := make([]byte, varintLen(v))
	putVarint(tmp, v)
	return append(b, tmp...)
}

func appendParam(b []byte, id, value uint64) []byte {
	b = appendVarint(b, id)
	b = appendVarint(b, uint64(varintLen(value)))
	return appendVarint(b, value)
}

func appendParamBytes(b []byte, id uint64, value []byte) []byte {
	b = appendVarint(b, id)
	b = appendVarint(b, uint64(len(value)))
	return append(b, value...)
}

// Unmarshal decodes a peer's transport parameter set, starting from the
// protocol defaults and overwriting whichever ids are present. Unknown
// parameter ids are ignored (forward compatibility, matching RFC 9000
// §18.1).
func (p *Parameters) Unmarshal(b []byte) error {
	*p = defaultParameters()
	for len(b) > 0 {
		var id, length uint64
		n := getVarint(b, &id)
		if n == 0 {
			return newError(TransportParameterError, "")
		}
		b = b[n:]
		n = getVarint(b, &length)
		if n == 0 {
			return newError(TransportParameterError, "")
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return newError(TransportParameterError, "")
		}
		value := b[:length]
		b = b[length:]
		var err error
		switch id {
		case paramOriginalDestinationConnectionID:
			p.OriginalDestinationConnectionID = append([]byte(nil), value...)
		case paramStatelessResetToken:
			p.StatelessResetToken = append([]byte(nil), value...)
		case paramMaxIdleTimeout:
			p.MaxIdleTimeout, err = decodeVarintParam(value)
		case paramMaxUDPPayloadSize:
			p.MaxUDPPayloadSize, err = decodeVarintParam(value)
		case paramInitialMaxData:
			p.InitialMaxData, err = decodeVarintParam(value)
		case paramInitialMaxStreamDataBidiLocal:
			p.InitialMaxStreamDataBidiLocal, err = decodeVarintParam(value)
		case paramInitialMaxStreamDataBidiRemote:
			p.InitialMaxStreamDataBidiRemote, err = decodeVarintParam(value)
		case paramInitialMaxStreamDataUni:
			p.InitialMaxStreamDataUni, err = decodeVarintParam(value)
		case paramInitialMaxStreamsBidi:
			p.InitialMaxStreamsBidi, err = decodeVarintParam(value)
		case paramInitialMaxStreamsUni:
			p.InitialMaxStreamsUni, err = decodeVarintParam(value)
		case paramAckDelayExponent:
			p.AckDelayExponent, err = decodeVarintParam(value)
		case paramMaxAckDelay:
			p.MaxAckDelay, err = decodeVarintParam(value)
		case paramDisableActiveMigration:
			p.DisableActiveMigration = true
		default:
			// unknown parameter: ignore per forward-compatibility rule
		}
		if err != nil {
			return newError(TransportParameterError, "")
		}
	}
	return nil
}

func decodeVarintParam(value []byte) (uint64, error) {
	var v uint64
	n := getVarint(value, &v)
	if n == 0 || n != len(value) {
		return 0, newError(TransportParameterError, "")
	}
	return v, nil
}
