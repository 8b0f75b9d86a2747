// Package reset derives stateless reset tokens for connection IDs.
//
// A stateless reset token lets an endpoint that has lost all state for a
// connection (after a restart, for example) still produce a recognizable
// signal telling the peer to stop retransmitting, without storing
// anything per connection: the token is an HMAC of the connection ID
// under a key the endpoint keeps for its own lifetime, mirroring
// quinn-proto's reset_token_for/ListenKeys.
package reset

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

// TokenLen is the length of a QUIC stateless reset token, fixed by
// RFC 9000 §10.3.
const TokenLen = 16

// Key signs connection IDs into stateless reset tokens. The zero Key is
// not valid; use NewKey or Generate.
type Key struct {
	secret [32]byte
}

// NewKey builds a Key from a caller-supplied 32-byte secret, for callers
// that persist the key across restarts so reset tokens stay stable.
func NewKey(secret [32]byte) Key {
	return Key{secret: secret}
}

// Generate returns a Key seeded from a cryptographically random secret.
func Generate() (Key, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return Key{}, err
	}
	return Key{secret: secret}, nil
}

// TokenFor derives the stateless reset token for a connection ID.
func (k Key) TokenFor(cid []byte) [TokenLen]byte {
	h := hmac.New(sha256.New, k.secret[:])
	h.Write(cid)
	sum := h.Sum(nil)
	var token [TokenLen]byte
	copy(token[:], sum)
	return token
}
