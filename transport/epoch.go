package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// aeadTagSize is the authentication tag length added by every cipher
// suite this engine supports.
const aeadTagSize = 16

// retryIntegrityTagLen is the length of the AEAD tag appended to a Retry
// packet (RFC 9001 §5.8); the engine only needs its length to locate the
// token, since Retry integrity is not itself an in-scope AEAD primitive.
const retryIntegrityTagLen = 16

// initialSalt is the version 1 salt used to derive Initial secrets from
// the client's destination connection ID (RFC 9001 §5.2). Initial
// secret derivation lives in the crypto epoch rather than the opaque
// TLS session, since it never depends on the handshake transcript.
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// aeadKeys is the sealer or opener for one traffic secret: the AEAD
// cipher plus the header-protection mask generator for the same secret.
type aeadKeys struct {
	aead   cipher.AEAD
	hp     hpMasker
	ivBase []byte
}

// hpMasker produces the 5-byte header-protection mask from a ciphertext
// sample (RFC 9001 §5.4).
type hpMasker interface {
	Mask(sample []byte) [5]byte
}

type aesHPMasker struct {
	block cipher.Block
}

func (m *aesHPMasker) Mask(sample []byte) [5]byte {
	var out [5]byte
	var buf [16]byte
	m.block.Encrypt(buf[:], sample)
	copy(out[:], buf[:5])
	return out
}

type chachaHPMasker struct {
	key [32]byte
}

func (m *chachaHPMasker) Mask(sample []byte) [5]byte {
	// RFC 9001 §5.4.4: the sample is used as counter||nonce for the
	// ChaCha20 block function; 5 bytes of keystream become the mask.
	counter := binary.LittleEndian.Uint32(sample[:4])
	nonce := sample[4:16]
	var out [5]byte
	s, err := chacha20.NewUnauthenticatedCipher(m.key[:], nonce)
	if err == nil {
		s.SetCounter(counter)
		var block [5]byte
		s.XORKeyStream(block[:], block[:])
		out = block
	}
	return out
}

func (k *aeadKeys) seal(dst, nonce, plaintext, ad []byte) []byte {
	return k.aead.Seal(dst, nonce, plaintext, ad)
}

func (k *aeadKeys) open(dst, nonce, ciphertext, ad []byte) ([]byte, error) {
	return k.aead.Open(dst, nonce, ciphertext, ad)
}

// nonce XORs the packet number into the fixed IV, per RFC 9001 §5.3.
func (k *aeadKeys) nonce(packetNumber uint64) []byte {
	n := make([]byte, len(k.ivBase))
	copy(n, k.ivBase)
	for i := 0; i < 8; i++ {
		n[len(n)-1-i] ^= byte(packetNumber >> (8 * i))
	}
	return n
}

// cipherSuite names the AEAD construction used for a traffic secret.
// The handshake and 1-RTT epochs are always built with AES-128-GCM, the
// QUIC v1 mandatory-to-implement suite. deriveAEADKeys can also build
// ChaCha20-Poly1305 keys from golang.org/x/crypto, but no negotiation
// selects that suite (see SPEC_FULL.md Domain Stack).
type cipherSuite uint8

const (
	suiteAES128GCM cipherSuite = iota
	suiteChaCha20Poly1305
)

func deriveAEADKeys(suite cipherSuite, secret []byte) (*aeadKeys, error) {
	key := hkdfExpandLabel(secret, "quic key", nil, keyLenFor(suite))
	iv := hkdfExpandLabel(secret, "quic iv", nil, 12)
	hpKey := hkdfExpandLabel(secret, "quic hp", nil, keyLenFor(suite))
	var aead cipher.AEAD
	var hp hpMasker
	switch suite {
	case suiteChaCha20Poly1305:
		a, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		aead = a
		var hpk [32]byte
		copy(hpk[:], hpKey)
		hp = &chachaHPMasker{key: hpk}
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		a, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		aead = a
		hpBlock, err := aes.NewCipher(hpKey)
		if err != nil {
			return nil, err
		}
		hp = &aesHPMasker{block: hpBlock}
	}
	return &aeadKeys{aead: aead, hp: hp, ivBase: iv}, nil
}

func keyLenFor(suite cipherSuite) int {
	if suite == suiteChaCha20Poly1305 {
		return chacha20poly1305.KeySize
	}
	return 16 // AES-128
}

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction
// (RFC 8446 §7.1) used throughout RFC 9001 key derivation.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 2+1+len(full)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, byte(len(context)))
	info = append(info, context...)
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	_, _ = r.Read(out)
	return out
}

// initialSecrets derives the client and server Initial traffic secrets
// from the client's chosen destination connection ID, per RFC 9001 §5.2.
func initialSecrets(dcid []byte) (client, server []byte) {
	initialSecret := hkdf.Extract(sha256.New, dcid, initialSalt)
	client = hkdfExpandLabel(initialSecret, "client in", nil, sha256.Size)
	server = hkdfExpandLabel(initialSecret, "server in", nil, sha256.Size)
	return client, server
}

// handshakeEpoch holds the single handshake AEAD pair used for both
// Initial and Handshake packets, derived deterministically from the
// initial destination CID; this engine does not distinguish
// Initial-space keys from Handshake-space keys the way RFC 9001 does,
// both packet types share one epoch.
type handshakeEpoch struct {
	sealer *aeadKeys
	opener *aeadKeys
}

func newHandshakeEpoch(dcid []byte, isClient bool) (*handshakeEpoch, error) {
	clientSecret, serverSecret := initialSecrets(dcid)
	clientKeys, err := deriveAEADKeys(suiteAES128GCM, clientSecret)
	if err != nil {
		return nil, err
	}
	serverKeys, err := deriveAEADKeys(suiteAES128GCM, serverSecret)
	if err != nil {
		return nil, err
	}
	if isClient {
		return &handshakeEpoch{sealer: clientKeys, opener: serverKeys}, nil
	}
	return &handshakeEpoch{sealer: serverKeys, opener: clientKeys}, nil
}

// oneRTTEpoch holds the current and, across a key update, the previous
// 1-RTT traffic secrets plus the packet-number boundary at which the
// new epoch takes over.
type oneRTTEpoch struct {
	suite cipherSuite

	sealer *aeadKeys
	opener *aeadKeys

	prevOpener     *aeadKeys
	prevBoundary   uint64
	havePrevOpener bool

	keyPhase bool

	// clientSecret/serverSecret are kept so a later key update can derive
	// the next generation from the current traffic secrets.
	clientSecret []byte
	serverSecret []byte
}

func newOneRTTEpoch(suite cipherSuite, clientSecret, serverSecret []byte, isClient bool) (*oneRTTEpoch, error) {
	e := &oneRTTEpoch{suite: suite, clientSecret: clientSecret, serverSecret: serverSecret}
	var err error
	sealSecret, openSecret := serverSecret, clientSecret
	if isClient {
		sealSecret, openSecret = clientSecret, serverSecret
	}
	e.sealer, err = deriveAEADKeys(suite, sealSecret)
	if err != nil {
		return nil, err
	}
	e.opener, err = deriveAEADKeys(suite, openSecret)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// updateSecret derives the next-generation traffic secret from the
// current one, per RFC 9001 §6 ("quic ku" label).
func updateSecret(secret []byte) []byte {
	return hkdfExpandLabel(secret, "quic ku", nil, len(secret))
}

// keyUpdate installs a new epoch derived from the current traffic
// secrets, retaining the previous opener so packets reordered across the
// boundary can still be decrypted.
func (e *oneRTTEpoch) keyUpdate(isClient bool, boundary uint64) (*oneRTTEpoch, error) {
	nextClient := updateSecret(e.clientSecret)
	nextServer := updateSecret(e.serverSecret)
	next, err := newOneRTTEpoch(e.suite, nextClient, nextServer, isClient)
	if err != nil {
		return nil, err
	}
	next.prevOpener = e.opener
	next.havePrevOpener = true
	next.prevBoundary = boundary
	next.keyPhase = !e.keyPhase
	return next, nil
}
