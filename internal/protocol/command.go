package protocol

import (
	"encoding/binary"
	"fmt"
)

// CommandType identifies the kind of control message sent over channel 0.
type CommandType uint8

const (
	CmdOk CommandType = iota
	CmdOpenChannel
	CmdCloseChannel
	CmdClose
	CmdChannelError
	CmdConnectionError
	CmdNop
)

func (c CommandType) String() string {
	switch c {
	case CmdOk:
		return "Ok"
	case CmdOpenChannel:
		return "OpenChannel"
	case CmdCloseChannel:
		return "CloseChannel"
	case CmdClose:
		return "Close"
	case CmdChannelError:
		return "ChannelError"
	case CmdConnectionError:
		return "ConnectionError"
	case CmdNop:
		return "Nop"
	default:
		return fmt.Sprintf("CommandType(%d)", uint8(c))
	}
}

// Command is the decoded form of a channel-0 control message.
//
// ChannelID is meaningful for OpenChannel, CloseChannel and ChannelError.
// Message carries the human-readable detail for ChannelError and
// ConnectionError and is bounded to MaxErrorMsgLength bytes on encode.
type Command struct {
	Type      CommandType
	ChannelID uint16
	Message   string
}

// IsClose reports whether the command instructs the receiver to tear down
// the channel or connection it names, as opposed to merely informing it.
// Close is not counted here, although the proxy controller does stop the
// session when it receives one.
func (c Command) IsClose() bool {
	switch c.Type {
	case CmdCloseChannel, CmdChannelError, CmdConnectionError:
		return true
	default:
		return false
	}
}

// Encode serializes a Command to its channel-0 payload form. The layout is
// per-variant rather than fixed-width:
//
//	Ok, Close, Nop:            type:u8
//	OpenChannel, CloseChannel: type:u8 | channel_id:u16_BE
//	ChannelError:              type:u8 | channel_id:u16_BE | msg
//	ConnectionError:           type:u8 | msg
func Encode(cmd Command) ([]byte, error) {
	msg := cmd.Message
	if len(msg) > MaxErrorMsgLength {
		msg = msg[:MaxErrorMsgLength]
	}

	switch cmd.Type {
	case CmdOk, CmdClose, CmdNop:
		return []byte{byte(cmd.Type)}, nil
	case CmdOpenChannel, CmdCloseChannel:
		buf := make([]byte, 3)
		buf[0] = byte(cmd.Type)
		binary.BigEndian.PutUint16(buf[1:3], cmd.ChannelID)
		return buf, nil
	case CmdChannelError:
		buf := make([]byte, 3+len(msg))
		buf[0] = byte(cmd.Type)
		binary.BigEndian.PutUint16(buf[1:3], cmd.ChannelID)
		copy(buf[3:], msg)
		return buf, nil
	case CmdConnectionError:
		buf := make([]byte, 1+len(msg))
		buf[0] = byte(cmd.Type)
		copy(buf[1:], msg)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %d", ErrInvalidFrame, cmd.Type)
	}
}

// Decode parses a channel-0 payload into a Command.
func Decode(buf []byte) (Command, error) {
	if len(buf) < 1 {
		return Command{}, fmt.Errorf("%w: command payload too short", ErrInvalidFrame)
	}

	typ := CommandType(buf[0])
	rest := buf[1:]

	switch typ {
	case CmdOk, CmdClose, CmdNop:
		return Command{Type: typ}, nil

	case CmdOpenChannel, CmdCloseChannel:
		if len(rest) < 2 {
			return Command{}, fmt.Errorf("%w: %s command data too short", ErrInvalidFrame, typ)
		}
		channelID := binary.BigEndian.Uint16(rest[0:2])
		return Command{Type: typ, ChannelID: channelID}, nil

	case CmdChannelError:
		if len(rest) < 2 {
			return Command{}, fmt.Errorf("%w: ChannelError command data too short", ErrInvalidFrame)
		}
		channelID := binary.BigEndian.Uint16(rest[0:2])
		msg := rest[2:]
		if len(msg) > MaxErrorMsgLength {
			return Command{}, fmt.Errorf("%w: command message exceeds maximum length", ErrInvalidFrame)
		}
		return Command{Type: typ, ChannelID: channelID, Message: string(msg)}, nil

	case CmdConnectionError:
		if len(rest) > MaxErrorMsgLength {
			return Command{}, fmt.Errorf("%w: command message exceeds maximum length", ErrInvalidFrame)
		}
		return Command{Type: typ, Message: string(rest)}, nil

	default:
		return Command{}, fmt.Errorf("%w: unknown command type %d", ErrInvalidFrame, typ)
	}
}
