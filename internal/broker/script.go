package broker

import (
	"bytes"
	"compress/bzip2"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Script is the connection script the broker returns for a ticket: the
// tunnel server to dial and the key material needed to derive the
// record-layer keys for it.
type Script struct {
	SharedSecretB64  string         `json:"shared_secret_b64"`
	TicketB64        string         `json:"ticket_b64"`
	TunnelServerAddr string         `json:"tunnel_server_addr"`
	InitialTimeoutMS int            `json:"initial_timeout_ms"`
	Extra            map[string]any `json:"-"`
}

// scriptWire is the JSON shape of a Script, split out so Extra can collect
// whatever additional fields the broker sends without the tunnel core
// needing to know their meaning.
type scriptWire struct {
	SharedSecretB64  string `json:"shared_secret_b64"`
	TicketB64        string `json:"ticket_b64"`
	TunnelServerAddr string `json:"tunnel_server_addr"`
	InitialTimeoutMS int    `json:"initial_timeout_ms"`
}

// SharedSecret decodes the shared secret into the fixed-size array
// cryptotunnel.Derive expects.
func (s *Script) SharedSecret() ([32]byte, error) {
	return decodeFixed32(s.SharedSecretB64, "shared_secret_b64")
}

// Ticket decodes the session ticket into the fixed-size array
// cryptotunnel.Derive expects.
func (s *Script) Ticket() ([48]byte, error) {
	var out [48]byte
	raw, err := base64.StdEncoding.DecodeString(s.TicketB64)
	if err != nil {
		return out, fmt.Errorf("broker: decode ticket_b64: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("broker: ticket_b64 decodes to %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}

// InitialTimeout returns InitialTimeoutMS as a time.Duration.
func (s *Script) InitialTimeout() time.Duration {
	return time.Duration(s.InitialTimeoutMS) * time.Millisecond
}

func decodeFixed32(b64 string, field string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("broker: decode %s: %w", field, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("broker: %s decodes to %d bytes, want %d", field, len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}

// decodeScript reverses the broker's response encoding: base64, then
// bzip2, then JSON, with any field the wire struct does not recognize
// preserved in Extra. The bzip2 layer is optional: brokers that send
// plain base64(JSON) without compression are accepted transparently,
// since the compressed form only exists to shrink a fairly small script
// payload and nothing depends on it being present.
func decodeScript(body []byte) (*Script, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, fmt.Errorf("broker: base64 decode response: %w", err)
	}

	jsonBytes, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(raw)))
	if err != nil {
		jsonBytes = raw
	}

	return parseScriptJSON(jsonBytes)
}

// parseScriptJSON decodes the already-decompressed JSON body of a broker
// response, split out from decodeScript so the JSON shape can be tested
// independently of the bzip2 framing around it.
func parseScriptJSON(jsonBytes []byte) (*Script, error) {
	var wire scriptWire
	if err := json.Unmarshal(jsonBytes, &wire); err != nil {
		return nil, fmt.Errorf("broker: decode script JSON: %w", err)
	}

	var extra map[string]any
	if err := json.Unmarshal(jsonBytes, &extra); err != nil {
		return nil, fmt.Errorf("broker: decode script extras: %w", err)
	}
	delete(extra, "shared_secret_b64")
	delete(extra, "ticket_b64")
	delete(extra, "tunnel_server_addr")
	delete(extra, "initial_timeout_ms")

	return &Script{
		SharedSecretB64:  wire.SharedSecretB64,
		TicketB64:        wire.TicketB64,
		TunnelServerAddr: wire.TunnelServerAddr,
		InitialTimeoutMS: wire.InitialTimeoutMS,
		Extra:            extra,
	}, nil
}
