// Package cryptotunnel implements the AES-256-GCM framed record layer that
// carries all multiplexed channel traffic over a single TCP connection, and
// the HKDF-based derivation that turns a KEM shared secret and a ticket into
// that layer's keys. It plays the same role the teacher's internal/crypto
// package plays for its end-to-end stream encryption, adapted to a fixed
// AES-256-GCM cipher and a sequence-number nonce instead of a
// ChaCha20-Poly1305 construction with a counter-in-nonce scheme.
package cryptotunnel

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyMaterialInfo is the HKDF info string binding derived key material
	// to this protocol, distinct from any other HKDF user of the same
	// shared secret.
	KeyMaterialInfo = "openuds-ticket-crypt"

	aesKeyLen        = 32
	keyPayloadLen    = 32
	noncePayloadLen  = 12
	keyMaterialBytes = keyPayloadLen + aesKeyLen + aesKeyLen + noncePayloadLen
)

// SharedSecretLength is the expected size of the KEM-derived shared secret
// fed into Derive.
const SharedSecretLength = 32

// TicketLength is the expected size of the session ticket used as the HKDF
// salt.
const TicketLength = 48

// KeyMaterial holds the keys derived for one tunnel session. SendKey and
// ReceiveKey are the AES-256-GCM keys for the two directions, already
// cross-wired for this side's role: a client's SendKey equals the server's
// ReceiveKey and vice versa, since both sides run the same HKDF expand over
// the same (shared_secret, ticket) pair and only differ in which half they
// call "send".
//
// KeyPayload and NoncePayload are reserved key material the tunnel core
// does not interpret; they exist so a future layer above this one (e.g. a
// script execution channel) can derive its own keys from the same HKDF
// output without a second round trip. They are exposed read-only.
type KeyMaterial struct {
	SendKey      [aesKeyLen]byte
	ReceiveKey   [aesKeyLen]byte
	KeyPayload   []byte
	NoncePayload []byte
}

// Derive expands (sharedSecret, ticket) into exactly keyMaterialBytes (108)
// bytes of HKDF-SHA-256 output, using the ticket as salt and
// KeyMaterialInfo as the info parameter: okm[0:32] is KeyPayload,
// okm[32:64] and okm[64:96] are the two raw 32-byte AES keys, and
// okm[96:108] is NoncePayload.
//
// isClient controls the cross-wiring described on KeyMaterial: the raw HKDF
// output is identical on both ends of a session (it depends only on the
// shared secret and ticket, not on role), so the role determines which
// raw key becomes SendKey and which becomes ReceiveKey. A client's SendKey
// is okm[64:96] and ReceiveKey is okm[32:64]; a server's assignment is the
// mirror image, so a client's SendKey equals the server's ReceiveKey.
func Derive(sharedSecret, ticket []byte, isClient bool) (KeyMaterial, error) {
	if len(sharedSecret) != SharedSecretLength {
		return KeyMaterial{}, fmt.Errorf("cryptotunnel: shared secret must be %d bytes, got %d", SharedSecretLength, len(sharedSecret))
	}
	if len(ticket) != TicketLength {
		return KeyMaterial{}, fmt.Errorf("cryptotunnel: ticket must be %d bytes, got %d", TicketLength, len(ticket))
	}

	reader := hkdf.New(sha256.New, sharedSecret, ticket, []byte(KeyMaterialInfo))

	okm := make([]byte, keyMaterialBytes)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return KeyMaterial{}, fmt.Errorf("cryptotunnel: hkdf expand: %w", err)
	}

	keyA := okm[keyPayloadLen : keyPayloadLen+aesKeyLen]
	keyB := okm[keyPayloadLen+aesKeyLen : keyPayloadLen+2*aesKeyLen]

	km := KeyMaterial{
		KeyPayload:   append([]byte(nil), okm[0:keyPayloadLen]...),
		NoncePayload: append([]byte(nil), okm[keyPayloadLen+2*aesKeyLen:]...),
	}

	if isClient {
		copy(km.SendKey[:], keyB)
		copy(km.ReceiveKey[:], keyA)
	} else {
		copy(km.SendKey[:], keyA)
		copy(km.ReceiveKey[:], keyB)
	}

	return km, nil
}
