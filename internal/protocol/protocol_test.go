package protocol

import (
	"bytes"
	"testing"
)

// ============================================================================
// Header
// ============================================================================

func TestHeader_BuildParse_RoundTrip(t *testing.T) {
	tests := []struct {
		seq    uint64
		length uint16
	}{
		{0, 0},
		{1, 18},
		{0xFFFFFFFFFFFFFFFF, 0xFFFF},
		{12345, 4096},
	}

	for _, tt := range tests {
		buf := BuildHeader(tt.seq, tt.length)
		if len(buf) != HeaderLength {
			t.Fatalf("BuildHeader(%d, %d) produced %d bytes, want %d", tt.seq, tt.length, len(buf), HeaderLength)
		}
		seq, length, err := ParseHeader(buf)
		if err != nil {
			t.Fatalf("ParseHeader returned error: %v", err)
		}
		if seq != tt.seq || length != tt.length {
			t.Errorf("round trip mismatch: got (%d, %d), want (%d, %d)", seq, length, tt.seq, tt.length)
		}
	}
}

func TestParseHeader_TooShort(t *testing.T) {
	if _, _, err := ParseHeader(make([]byte, HeaderLength-1)); err == nil {
		t.Fatal("expected error for short header")
	}
}

// ============================================================================
// Command
// ============================================================================

func TestCommandType_String(t *testing.T) {
	tests := []struct {
		typ  CommandType
		want string
	}{
		{CmdOk, "Ok"},
		{CmdOpenChannel, "OpenChannel"},
		{CmdCloseChannel, "CloseChannel"},
		{CmdClose, "Close"},
		{CmdChannelError, "ChannelError"},
		{CmdConnectionError, "ConnectionError"},
		{CmdNop, "Nop"},
		{CommandType(0xFE), "CommandType(254)"},
	}

	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestCommand_EncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"ok", Command{Type: CmdOk}},
		{"open channel", Command{Type: CmdOpenChannel, ChannelID: 7}},
		{"close channel", Command{Type: CmdCloseChannel, ChannelID: 7}},
		{"close", Command{Type: CmdClose}},
		{"channel error", Command{Type: CmdChannelError, ChannelID: 3, Message: "write failed"}},
		{"connection error", Command{Type: CmdConnectionError, Message: "remote reset"}},
		{"nop", Command{Type: CmdNop}},
		{"empty message", Command{Type: CmdChannelError, ChannelID: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.cmd)
			if err != nil {
				t.Fatalf("Encode returned error: %v", err)
			}
			got, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode returned error: %v", err)
			}
			if got != tt.cmd {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tt.cmd)
			}
		})
	}
}

func TestCommand_Encode_TruncatesLongMessage(t *testing.T) {
	long := bytes.Repeat([]byte("x"), MaxErrorMsgLength+100)
	cmd := Command{Type: CmdChannelError, Message: string(long)}

	buf, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if len(got.Message) != MaxErrorMsgLength {
		t.Errorf("Message length = %d, want %d", len(got.Message), MaxErrorMsgLength)
	}
}

func TestCommand_IsClose(t *testing.T) {
	closing := []CommandType{CmdCloseChannel, CmdChannelError, CmdConnectionError}
	notClosing := []CommandType{CmdOk, CmdOpenChannel, CmdClose, CmdNop}

	for _, typ := range closing {
		if !(Command{Type: typ}).IsClose() {
			t.Errorf("%s.IsClose() = false, want true", typ)
		}
	}
	for _, typ := range notClosing {
		if (Command{Type: typ}).IsClose() {
			t.Errorf("%s.IsClose() = true, want false", typ)
		}
	}
}

func TestDecode_PayloadTooShort(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error for empty command payload")
	}
}

func TestDecode_OpenChannelTooShort(t *testing.T) {
	buf := []byte{byte(CmdOpenChannel), 0x01} // channel_id truncated to one byte
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for truncated OpenChannel payload")
	}
}

func TestDecode_MessageLengthOutOfBounds(t *testing.T) {
	buf := make([]byte, 3+MaxErrorMsgLength+1)
	buf[0] = byte(CmdChannelError)
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for out-of-bounds message length")
	}
}

func TestDecode_UnknownCommandType(t *testing.T) {
	cmd := Command{Type: CmdOk}
	buf, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	buf[0] = 0xFE
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

// ============================================================================
// Handshake
// ============================================================================

func makeTicket(b byte) []byte {
	ticket := make([]byte, TicketLength)
	for i := range ticket {
		ticket[i] = b
	}
	return ticket
}

func TestHandshake_BuildParse_RoundTrip(t *testing.T) {
	tests := []byte{HandshakeOpen, HandshakeRecover}

	for _, cmd := range tests {
		ticket := makeTicket(0xAB)
		buf, err := BuildHandshake(cmd, ticket)
		if err != nil {
			t.Fatalf("BuildHandshake returned error: %v", err)
		}
		if len(buf) != HandshakeLength {
			t.Fatalf("handshake length = %d, want %d", len(buf), HandshakeLength)
		}

		gotCmd, gotTicket, err := ParseHandshake(buf)
		if err != nil {
			t.Fatalf("ParseHandshake returned error: %v", err)
		}
		if gotCmd != cmd {
			t.Errorf("cmd = %#x, want %#x", gotCmd, cmd)
		}
		if !bytes.Equal(gotTicket, ticket) {
			t.Errorf("ticket mismatch: got %x, want %x", gotTicket, ticket)
		}
	}
}

func TestHandshake_Test_BuildParse_RoundTrip(t *testing.T) {
	buf, err := BuildHandshake(HandshakeTest, nil)
	if err != nil {
		t.Fatalf("BuildHandshake returned error: %v", err)
	}
	if len(buf) != len(HandshakeSignature)+1 {
		t.Fatalf("Test handshake length = %d, want %d", len(buf), len(HandshakeSignature)+1)
	}

	gotCmd, gotTicket, err := ParseHandshake(buf)
	if err != nil {
		t.Fatalf("ParseHandshake returned error: %v", err)
	}
	if gotCmd != HandshakeTest {
		t.Errorf("cmd = %#x, want %#x", gotCmd, HandshakeTest)
	}
	if gotTicket != nil {
		t.Errorf("ticket = %x, want nil", gotTicket)
	}
}

func TestBuildHandshake_TestCommandRejectsTicket(t *testing.T) {
	if _, err := BuildHandshake(HandshakeTest, makeTicket(0x01)); err == nil {
		t.Fatal("expected error for a Test handshake carrying a ticket")
	}
}

func TestBuildHandshake_WrongTicketLength(t *testing.T) {
	if _, err := BuildHandshake(HandshakeOpen, make([]byte, TicketLength-1)); err == nil {
		t.Fatal("expected error for wrong ticket length")
	}
}

func TestBuildHandshake_UnknownCommand(t *testing.T) {
	if _, err := BuildHandshake(0x99, makeTicket(0x01)); err == nil {
		t.Fatal("expected error for unknown handshake command")
	}
}

func TestParseHandshake_SignatureMismatch(t *testing.T) {
	buf, err := BuildHandshake(HandshakeOpen, makeTicket(0x01))
	if err != nil {
		t.Fatalf("BuildHandshake returned error: %v", err)
	}
	buf[0] ^= 0xFF
	if _, _, err := ParseHandshake(buf); err == nil {
		t.Fatal("expected error for signature mismatch")
	}
}

func TestParseHandshake_WrongLength(t *testing.T) {
	buf, err := BuildHandshake(HandshakeOpen, makeTicket(0x01))
	if err != nil {
		t.Fatalf("BuildHandshake returned error: %v", err)
	}
	if _, _, err := ParseHandshake(buf[:HandshakeLength-1]); err == nil {
		t.Fatal("expected error for wrong-length handshake buffer")
	}
}

func TestParseHandshake_UnknownCommand(t *testing.T) {
	buf, err := BuildHandshake(HandshakeOpen, makeTicket(0x01))
	if err != nil {
		t.Fatalf("BuildHandshake returned error: %v", err)
	}
	buf[len(HandshakeSignature)] = 0x99
	if _, _, err := ParseHandshake(buf); err == nil {
		t.Fatal("expected error for unknown handshake command")
	}
}
