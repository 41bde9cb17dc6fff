package cryptotunnel

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrStaleSequence is returned by Decrypt, conceptually, when a record
// carries a sequence number already consumed. Decrypt does not actually
// return this error: per the replay-defense rule a stale record decodes to
// a synthetic no-op instead (see Decrypt's doc comment), but the sentinel
// is exported so callers can recognize the condition if they inspect
// Decrypt's stale return value.
var ErrStaleSequence = errors.New("cryptotunnel: stale sequence number")

const channelIDLen = 2

// Crypt is the AES-256-GCM record cipher for one tunnel connection. It
// tracks independent monotone sequence numbers for the send and receive
// directions: the sequence number doubles as both the GCM nonce (expanded
// to 12 bytes with four trailing zero bytes, since GCM requires a 96-bit
// nonce) and the additional authenticated data, so a record cannot be
// replayed at a different position in the stream without failing
// authentication.
type Crypt struct {
	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	mu      sync.Mutex
	sendSeq uint64
	recvSeq uint64 // next sequence number this side will accept
}

// NewCrypt builds a Crypt from a pair of 32-byte AES-256-GCM keys, one per
// direction. Passing independent keys per direction (rather than one key
// shared both ways) is what makes the sequence-number nonce safe to reuse
// across directions.
func NewCrypt(sendKey, recvKey [32]byte) (*Crypt, error) {
	sendAEAD, err := newGCM(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("cryptotunnel: send cipher: %w", err)
	}
	recvAEAD, err := newGCM(recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("cryptotunnel: recv cipher: %w", err)
	}
	return &Crypt{sendAEAD: sendAEAD, recvAEAD: recvAEAD}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func buildNonce(seq uint64) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[0:8], seq)
	return nonce
}

func buildAAD(seq uint64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, seq)
	return aad
}

// Encrypt seals channelID||plaintext under the next send sequence number
// and returns the ciphertext (including the GCM tag) and the sequence
// number used, so the caller can place both on the wire.
func (c *Crypt) Encrypt(channelID uint16, plaintext []byte) (ciphertext []byte, seq uint64) {
	c.mu.Lock()
	c.sendSeq++
	seq = c.sendSeq
	c.mu.Unlock()

	inner := make([]byte, channelIDLen+len(plaintext))
	binary.BigEndian.PutUint16(inner[0:channelIDLen], channelID)
	copy(inner[channelIDLen:], plaintext)

	ciphertext = c.sendAEAD.Seal(nil, buildNonce(seq), inner, buildAAD(seq))
	return ciphertext, seq
}

// Decrypt opens a record received with the given sequence number.
//
// If seq is older than the next sequence this side expects, the record is
// a duplicate delivered during connection recovery replay: Decrypt reports
// stale=true and returns a zero channel id and nil plaintext rather than an
// error, so callers can treat it as a harmless no-op instead of tearing
// the connection down.
//
// Otherwise Decrypt authenticates and decrypts the record; a failure here
// (truncated ciphertext, wrong tag) is always a hard error.
func (c *Crypt) Decrypt(seq uint64, ciphertext []byte) (channelID uint16, plaintext []byte, stale bool, err error) {
	c.mu.Lock()
	if seq < c.recvSeq {
		c.mu.Unlock()
		return 0, nil, true, nil
	}
	c.mu.Unlock()

	c.mu.Lock()
	if seq+1 > c.recvSeq {
		c.recvSeq = seq + 1
	}
	c.mu.Unlock()

	if len(ciphertext) < channelIDLen+c.recvAEAD.Overhead() {
		return 0, nil, false, fmt.Errorf("cryptotunnel: ciphertext too short: %d bytes", len(ciphertext))
	}

	inner, err := c.recvAEAD.Open(nil, buildNonce(seq), ciphertext, buildAAD(seq))
	if err != nil {
		return 0, nil, false, fmt.Errorf("cryptotunnel: decrypt: %w", err)
	}
	if len(inner) < channelIDLen {
		return 0, nil, false, fmt.Errorf("cryptotunnel: decrypted record shorter than channel id")
	}

	channelID = binary.BigEndian.Uint16(inner[0:channelIDLen])
	plaintext = inner[channelIDLen:]
	return channelID, plaintext, false, nil
}
