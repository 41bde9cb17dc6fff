package cryptotunnel

import (
	"fmt"
	"io"

	"github.com/postalsys/tunnelclient/internal/protocol"
)

// WriteRecord fragments plaintext is the caller's responsibility; WriteRecord
// seals exactly one record and writes its header and ciphertext to w.
func WriteRecord(w io.Writer, crypt *Crypt, channelID uint16, plaintext []byte) error {
	ciphertext, seq := crypt.Encrypt(channelID, plaintext)
	if len(ciphertext) > protocol.MaxPacketSize {
		return fmt.Errorf("cryptotunnel: sealed record of %d bytes: %w", len(ciphertext), protocol.ErrPacketTooLarge)
	}

	header := protocol.BuildHeader(seq, uint16(len(ciphertext)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("cryptotunnel: write header: %w", err)
	}
	if _, err := w.Write(ciphertext); err != nil {
		return fmt.Errorf("cryptotunnel: write ciphertext: %w", err)
	}
	return nil
}

// ReadRecord reads one header-framed, AES-256-GCM-sealed record from r and
// decrypts it.
//
// An EOF before any header byte is read is reported as closed=true with a
// nil error: this is how a tidy remote shutdown looks on the wire. An EOF
// in the middle of a header or body is a genuine transport error and is
// returned as such, since a well-behaved peer never stops mid-frame.
//
// A stale (already-seen) sequence number decodes successfully at the
// transport layer but carries no usable payload; ReadRecord reports it as
// a channel-0 record with nil plaintext so the caller's normal dispatch
// loop naturally treats it as a no-op without special-casing recovery
// replay at every call site.
func ReadRecord(r io.Reader, crypt *Crypt) (channelID uint16, plaintext []byte, closed bool, err error) {
	header := make([]byte, protocol.HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, true, nil
		}
		return 0, nil, false, fmt.Errorf("cryptotunnel: read header: %w", err)
	}

	seq, length, err := protocol.ParseHeader(header)
	if err != nil {
		return 0, nil, false, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, false, fmt.Errorf("cryptotunnel: read body: %w", err)
	}

	channelID, plaintext, stale, err := crypt.Decrypt(seq, body)
	if err != nil {
		return 0, nil, false, err
	}
	if stale {
		return protocol.ControlChannelID, nil, false, nil
	}
	return channelID, plaintext, false, nil
}
