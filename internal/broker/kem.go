package broker

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size, in bytes, of a KEM public key and of the shared
// secret it produces.
const KeySize = 32

// KEMKeypair is the key-encapsulation keypair this client presents to the
// broker when requesting a ticket: its public key is sent in the request.
// The Script the broker returns carries the shared secret itself
// (Script.SharedSecret), not a peer public key, and that decoded secret is
// what the run command passes on to cryptotunnel.Derive.
//
// This is an X25519 ECDH keypair, not a post-quantum KEM: the broker
// protocol in this rewrite has no standardized PQ KEM available in the
// example corpus, so this stands in as a placeholder with the same
// shape (generate keypair, publish public key, combine with peer
// contribution into a shared secret) until a real KEM is wired in. It
// makes no post-quantum security claim.
type KEMKeypair struct {
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte
}

// GenerateKEMKeypair creates a fresh ephemeral keypair for one ticket
// request.
func GenerateKEMKeypair() (KEMKeypair, error) {
	var kp KEMKeypair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return kp, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp per the X25519 spec.
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// SharedSecret combines this keypair's private key with a peer's X25519
// public key into a 32-byte shared secret. The broker request/response
// path does not call it.
func (kp KEMKeypair) SharedSecret(peerPublicKey [KeySize]byte) ([KeySize]byte, error) {
	var secret [KeySize]byte
	var zero [KeySize]byte

	if peerPublicKey == zero {
		return secret, fmt.Errorf("broker: invalid peer public key: zero key")
	}

	curve25519.ScalarMult(&secret, &kp.PrivateKey, &peerPublicKey)

	if secret == zero {
		return secret, fmt.Errorf("broker: invalid ECDH result: low-order point")
	}

	return secret, nil
}

// Zero clears the private key from memory once the shared secret has been
// computed.
func (kp *KEMKeypair) Zero() {
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
}
