package protocol

import (
	"bytes"
	"fmt"
)

// HandshakeSignature is the fixed 8-byte preface written in plaintext at the
// start of every TCP connection, before any encrypted record. It lets a
// listener reject connections from an incompatible client before spending
// any crypto work on them.
var HandshakeSignature = []byte("TNLv0005")

// Handshake commands, carried as the single byte immediately after
// HandshakeSignature.
const (
	HandshakeTest    byte = 0x00 // liveness probe; carries no ticket and gets no response
	HandshakeOpen    byte = 0x01 // establish a brand new session
	HandshakeRecover byte = 0x02 // resume an existing session after a transport failure
)

// HandshakeLength is the size of an Open/Recover plaintext preface:
// signature, the one-byte command, and the fixed-size ticket. A Test
// preface is shorter: it omits the ticket entirely.
const HandshakeLength = 8 + 1 + TicketLength

// BuildHandshake serializes the plaintext preface written before the first
// encrypted record: signature | cmd | ticket. HandshakeTest carries no
// ticket; ticket must be empty for it and exactly TicketLength otherwise.
func BuildHandshake(cmd byte, ticket []byte) ([]byte, error) {
	switch cmd {
	case HandshakeTest:
		if len(ticket) != 0 {
			return nil, fmt.Errorf("%w: Test handshake carries no ticket", ErrInvalidFrame)
		}
	case HandshakeOpen, HandshakeRecover:
		if len(ticket) != TicketLength {
			return nil, fmt.Errorf("%w: ticket must be %d bytes, got %d", ErrInvalidFrame, TicketLength, len(ticket))
		}
	default:
		return nil, fmt.Errorf("%w: unknown handshake command %#x", ErrInvalidFrame, cmd)
	}

	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, HandshakeSignature...)
	buf = append(buf, cmd)
	buf = append(buf, ticket...)
	return buf, nil
}

// ParseHandshake decodes the plaintext preface. It returns ErrInvalidFrame
// if the signature does not match, which callers should treat as "not our
// protocol" and close the connection without further reads. ticket is nil
// for a Test handshake.
func ParseHandshake(buf []byte) (cmd byte, ticket []byte, err error) {
	if len(buf) < len(HandshakeSignature)+1 {
		return 0, nil, fmt.Errorf("%w: handshake preface too short", ErrInvalidFrame)
	}
	if !bytes.Equal(buf[:len(HandshakeSignature)], HandshakeSignature) {
		return 0, nil, fmt.Errorf("%w: signature mismatch", ErrInvalidFrame)
	}

	cmd = buf[len(HandshakeSignature)]
	rest := buf[len(HandshakeSignature)+1:]

	switch cmd {
	case HandshakeTest:
		if len(rest) != 0 {
			return 0, nil, fmt.Errorf("%w: Test handshake must carry no ticket", ErrInvalidFrame)
		}
		return cmd, nil, nil
	case HandshakeOpen, HandshakeRecover:
		if len(rest) != TicketLength {
			return 0, nil, fmt.Errorf("%w: handshake preface must be %d bytes, got %d", ErrInvalidFrame, HandshakeLength, len(buf))
		}
		ticket = make([]byte, TicketLength)
		copy(ticket, rest)
		return cmd, ticket, nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown handshake command %#x", ErrInvalidFrame, cmd)
	}
}
