package transport

import "testing"

func TestPacketTypeString(t *testing.T) {
	cases := []struct {
		typ  packetType
		want string
	}{
		{packetTypeInitial, "initial"},
		{packetTypeZeroRTT, "0RTT"},
		{packetTypeHandshake, "handshake"},
		{packetTypeRetry, "retry"},
		{packetTypeVersionNegotiation, "version_negotiation"},
		{packetTypeShort, "1RTT"},
	}
	for _, c := range cases {
		if got := c.typ.String(); got != c.want {
			t.Errorf("%d.String() = %q, want %q", c.typ, got, c.want)
		}
	}
}

func TestPacketEncodeDecodeLongHeader(t *testing.T) {
	dcid := []byte{1, 2, 3, 4}
	scid := []byte{5, 6, 7, 8}
	p := &packet{
		typ:          packetTypeInitial,
		header:       packetHeader{version: 1, dcid: dcid, scid: scid},
		packetNumber: 7,
		payloadLen:   100,
	}
	buf := make([]byte, 256)
	n, pnLen, err := p.encode(buf, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if pnLen != 1 {
		t.Fatalf("expected 1-byte packet number for pn=7, got %d", pnLen)
	}

	var decoded packet
	decoded.header.dcil = 0
	hn, err := decoded.decodeHeader(buf[:n])
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if decoded.typ != packetTypeInitial {
		t.Fatalf("expected initial, got %v", decoded.typ)
	}
	if decoded.header.version != 1 {
		t.Fatalf("expected version 1, got %d", decoded.header.version)
	}
	if string(decoded.header.dcid) != string(dcid) {
		t.Fatalf("dcid mismatch: %x vs %x", decoded.header.dcid, dcid)
	}
	if string(decoded.header.scid) != string(scid) {
		t.Fatalf("scid mismatch: %x vs %x", decoded.header.scid, scid)
	}

	bn, err := decoded.decodeBody(buf[:n])
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	_ = hn
	_ = bn
	if decoded.payloadLen != 100 {
		t.Fatalf("expected payloadLen 100, got %d", decoded.payloadLen)
	}
}

func TestPacketEncodeDecodeShortHeader(t *testing.T) {
	dcid := []byte{9, 9, 9, 9}
	p := &packet{
		typ:          packetTypeShort,
		header:       packetHeader{dcid: dcid},
		packetNumber: 1000,
	}
	buf := make([]byte, 64)
	n, pnLen, err := p.encode(buf, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if pnLen != 2 {
		t.Fatalf("expected 2-byte packet number for pn=1000, got %d", pnLen)
	}

	var decoded packet
	decoded.header.dcil = uint8(len(dcid))
	_, err = decoded.decodeHeader(buf[:n])
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if decoded.typ != packetTypeShort {
		t.Fatalf("expected short header, got %v", decoded.typ)
	}
	if string(decoded.header.dcid) != string(dcid) {
		t.Fatalf("dcid mismatch: %x vs %x", decoded.header.dcid, dcid)
	}
}

func TestPacketDecodeVersionNegotiation(t *testing.T) {
	buf := []byte{0x80, 0, 0, 0, 0, 2, 0xaa, 0xbb, 3, 0xcc, 0xdd, 0xee, 1, 0, 0, 0}
	var p packet
	n, err := p.decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if p.typ != packetTypeVersionNegotiation {
		t.Fatalf("expected version_negotiation, got %v", p.typ)
	}
	if _, err := p.decodeBody(buf); err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if len(p.supportedVersions) != 1 {
		t.Fatalf("expected 1 supported version, got %d", len(p.supportedVersions))
	}
	_ = n
}

func TestPacketDecodeHeaderShortBuffer(t *testing.T) {
	var p packet
	if _, err := p.decodeHeader(nil); err == nil {
		t.Fatal("expected error decoding empty buffer")
	}
}

func TestPacketTypeFromSpace(t *testing.T) {
	cases := []struct {
		space packetSpace
		want  packetType
	}{
		{packetSpaceInitial, packetTypeInitial},
		{packetSpaceHandshake, packetTypeHandshake},
		{packetSpaceApplication, packetTypeShort},
	}
	for _, c := range cases {
		if got := packetTypeFromSpace(c.space); got != c.want {
			t.Errorf("packetTypeFromSpace(%v) = %v, want %v", c.space, got, c.want)
		}
	}
}
