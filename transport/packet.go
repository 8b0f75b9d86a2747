package transport

import (
	"crypto/rand"
	"fmt"
)

// MaxCIDLength is the maximum length of a connection ID, per
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#cid
const MaxCIDLength = 20

// ProtocolVersion is the QUIC version this engine speaks. Config.Version
// defaults to it when left zero.
const ProtocolVersion uint32 = 1

// EncodeVersionNegotiation writes a version negotiation packet echoing
// the peer's connection IDs, for an endpoint that has just rejected an
// unsupported version on a long-header packet.
func EncodeVersionNegotiation(b []byte, dcid, scid []byte, versions []uint32) (int, error) {
	if len(b) < 1+4+1+len(dcid)+1+len(scid)+4*len(versions) {
		return 0, errShortBuffer
	}
	var rnd [1]byte
	rand.Read(rnd[:])
	b[0] = rnd[0] | formLong
	n := 1
	putUint32(b[n:], 0) // version 0 marks version negotiation
	n += 4
	b[n] = byte(len(dcid))
	n++
	n += copy(b[n:], dcid)
	b[n] = byte(len(scid))
	n++
	n += copy(b[n:], scid)
	for _, v := range versions {
		putUint32(b[n:], v)
		n += 4
	}
	return n, nil
}

// packetType identifies the long-header packet types plus the two
// pseudo-types (version negotiation, short header) that share the same
// dispatch path in Conn.recvOne.
type packetType uint8

const (
	packetTypeInitial packetType = iota
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeShort
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0RTT"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeShort:
		return "1RTT"
	default:
		return "unknown"
	}
}

// Long-header type bits, as transmitted in bits 4-5 (mask 0x30) of the
// first byte; header protection does not cover them.
const (
	longTypeInitial   = 0x0
	longTypeZeroRTT   = 0x1
	longTypeHandshake = 0x2
	longTypeRetry     = 0x3
)

const (
	formLong  = 0x80
	formFixed = 0x40
)

// packetHeader carries every field decoded from either a long or a short
// form header.
type packetHeader struct {
	version uint32
	dcid    []byte
	scid    []byte
	dcil    uint8 // expected length of short-header dcid, from local scid
}

// packet is a single QUIC packet, either being decoded from the wire or
// assembled for transmission.
type packet struct {
	typ               packetType
	header            packetHeader
	token             []byte
	packetNumber      uint64
	keyPhase          bool
	payloadLen        int // length of payload including packet-number bytes, set before encode
	headerLen         int // bytes consumed/produced for the header only
	supportedVersions []uint32
}

func (p *packet) String() string {
	return fmt.Sprintf("type=%s pn=%d dcid=%x scid=%x", p.typ, p.packetNumber, p.header.dcid, p.header.scid)
}

func packetTypeFromSpace(space packetSpace) packetType {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	default:
		return packetTypeShort
	}
}

// PeekPacket extracts the destination/source connection IDs and version
// of the first packet in a datagram without any crypto epoch, for use
// by a demultiplexer deciding which Conn (or whether a new one) should
// receive it. dcil is the local connection ID length, needed to parse a
// short header. ok is false if b is too short to contain a header.
func PeekPacket(b []byte, dcil int) (dcid, scid []byte, version uint32, long bool, ok bool) {
	if len(b) < 1 {
		return nil, nil, 0, false, false
	}
	if b[0]&formLong == 0 {
		if len(b) < 1+dcil {
			return nil, nil, 0, false, false
		}
		return b[1 : 1+dcil], nil, 0, false, true
	}
	if len(b) < 6 {
		return nil, nil, 0, true, false
	}
	version = getUint32(b[1:5])
	n := 5
	dcl := int(b[n])
	n++
	if len(b) < n+dcl+1 {
		return nil, nil, 0, true, false
	}
	dcid = b[n : n+dcl]
	n += dcl
	scl := int(b[n])
	n++
	if len(b) < n+scl {
		return nil, nil, 0, true, false
	}
	scid = b[n : n+scl]
	return dcid, scid, version, true, true
}

// decodeHeader decodes the invariant portion of the header (enough to
// dispatch on packet type) and, for long headers, the CIDs and version.
// It returns the number of bytes consumed by the invariant header.
func (p *packet) decodeHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, newError(ProtocolViolation, "short packet")
	}
	first := b[0]
	if first&formLong == 0 {
		// Short header: form bit clear. Key phase and packet-number length
		// are still header-protected; defer to decodeBody after HP removal.
		if len(b) < 1+int(p.header.dcil) {
			return 0, newError(ProtocolViolation, "short header too small")
		}
		p.typ = packetTypeShort
		p.header.dcid = b[1 : 1+int(p.header.dcil)]
		p.headerLen = 1 + int(p.header.dcil)
		return p.headerLen, nil
	}
	if len(b) < 5 {
		return 0, newError(ProtocolViolation, "long header too small")
	}
	version := getUint32(b[1:5])
	n := 5
	if n >= len(b) {
		return 0, newError(ProtocolViolation, "long header too small")
	}
	dcil := int(b[n])
	n++
	if len(b) < n+dcil {
		return 0, newError(ProtocolViolation, "dcid too long")
	}
	dcid := b[n : n+dcil]
	n += dcil
	if len(b) < n+1 {
		return 0, newError(ProtocolViolation, "long header too small")
	}
	scil := int(b[n])
	n++
	if len(b) < n+scil {
		return 0, newError(ProtocolViolation, "scid too long")
	}
	scid := b[n : n+scil]
	n += scil
	p.header.version = version
	p.header.dcid = dcid
	p.header.scid = scid
	p.headerLen = n
	if version == 0 {
		p.typ = packetTypeVersionNegotiation
		return n, nil
	}
	switch (first >> 4) & 0x3 {
	case longTypeInitial:
		p.typ = packetTypeInitial
	case longTypeZeroRTT:
		p.typ = packetTypeZeroRTT
	case longTypeHandshake:
		p.typ = packetTypeHandshake
	case longTypeRetry:
		p.typ = packetTypeRetry
	}
	return n, nil
}

// decodeBody decodes the type-specific long-header fields beyond the
// invariant header (token, length, supported versions). It does not
// decode the packet number, which is protected until header protection
// is removed in the crypto epoch.
func (p *packet) decodeBody(b []byte) (int, error) {
	n := p.headerLen
	switch p.typ {
	case packetTypeVersionNegotiation:
		for n+4 <= len(b) {
			p.supportedVersions = append(p.supportedVersions, getUint32(b[n:n+4]))
			n += 4
		}
		return n - p.headerLen, nil
	case packetTypeRetry:
		if len(b) < n+retryIntegrityTagLen {
			return 0, newError(ProtocolViolation, "retry too small")
		}
		p.token = b[n : len(b)-retryIntegrityTagLen]
		n = len(b)
		return n - p.headerLen, nil
	case packetTypeInitial:
		var tokenLen uint64
		m := getVarint(b[n:], &tokenLen)
		if m == 0 {
			return 0, newError(ProtocolViolation, "bad token length")
		}
		n += m
		if len(b) < n+int(tokenLen) {
			return 0, newError(ProtocolViolation, "token too long")
		}
		p.token = b[n : n+int(tokenLen)]
		n += int(tokenLen)
		return p.decodeLength(b, n)
	default:
		return p.decodeLength(b, n)
	}
}

func (p *packet) decodeLength(b []byte, n int) (int, error) {
	var length uint64
	m := getVarint(b[n:], &length)
	if m == 0 {
		return 0, newError(ProtocolViolation, "bad packet length")
	}
	n += m
	p.payloadLen = int(length)
	p.headerLen = n
	return n - p.headerLen + m, nil
}

// encodedLen returns an upper bound on the encoded header size,
// excluding the packet-number bytes (caller adds pnLen separately since
// it is not known until the packet number is chosen).
func (p *packet) encodedLen() int {
	switch p.typ {
	case packetTypeShort:
		return 1 + len(p.header.dcid)
	default:
		n := 1 + 4 + 1 + len(p.header.dcid) + 1 + len(p.header.scid)
		switch p.typ {
		case packetTypeInitial:
			n += varintLen(uint64(len(p.token))) + len(p.token)
			n += 2 // length varint, reserve 2 bytes (grown if needed by caller)
		case packetTypeHandshake, packetTypeZeroRTT:
			n += 2
		}
		return n
	}
}

// encode writes the header (long or short) for p into b, choosing the
// packet-number length, and returns the offset at which the
// (still-unencrypted) payload begins. The packet number is written in
// the clear; header protection is applied separately once the payload
// has been sealed.
func (p *packet) encode(b []byte, largestAcked uint64) (int, int, error) {
	pnLen := packetNumberLen(p.packetNumber, largestAcked)
	switch p.typ {
	case packetTypeShort:
		if len(b) < 1+len(p.header.dcid)+pnLen {
			return 0, 0, errShortBuffer
		}
		first := byte(0x01<<5) | formFixed | byte(pnLen-1)
		if p.keyPhase {
			first |= 0x04
		}
		b[0] = first
		n := 1
		n += copy(b[n:], p.header.dcid)
		putPacketNumber(b[n:], p.packetNumber, pnLen)
		n += pnLen
		p.headerLen = n
		return n, pnLen, nil
	default:
		longType := byte(0)
		switch p.typ {
		case packetTypeInitial:
			longType = longTypeInitial
		case packetTypeZeroRTT:
			longType = longTypeZeroRTT
		case packetTypeHandshake:
			longType = longTypeHandshake
		case packetTypeRetry:
			longType = longTypeRetry
		}
		need := 1 + 4 + 1 + len(p.header.dcid) + 1 + len(p.header.scid)
		if len(b) < need {
			return 0, 0, errShortBuffer
		}
		b[0] = formLong | formFixed | (longType << 4) | byte(pnLen-1)
		n := 1
		putUint32(b[n:], p.header.version)
		n += 4
		b[n] = byte(len(p.header.dcid))
		n++
		n += copy(b[n:], p.header.dcid)
		b[n] = byte(len(p.header.scid))
		n++
		n += copy(b[n:], p.header.scid)
		if p.typ == packetTypeInitial {
			tokenLenSize := varintLen(uint64(len(p.token)))
			if len(b) < n+tokenLenSize+len(p.token) {
				return 0, 0, errShortBuffer
			}
			n += putVarint(b[n:], uint64(len(p.token)))
			n += copy(b[n:], p.token)
		}
		// Reserve 2 bytes for the length varint (covers packet number +
		// payload + AEAD tag) and always write it in the 2-byte form, which
		// holds any length up to 16383 and so any packet up to maxDatagramSize.
		if len(b) < n+2 {
			return 0, 0, errShortBuffer
		}
		putUint16(b[n:], 0x4000|uint16(p.payloadLen))
		n += 2
		if len(b) < n+pnLen {
			return 0, 0, errShortBuffer
		}
		putPacketNumber(b[n:], p.packetNumber, pnLen)
		n += pnLen
		p.headerLen = n
		return n, pnLen, nil
	}
}
