// Package broker implements the ticket-broker HTTP client: it exchanges
// a session ticket for the tunnel server address and key material needed
// to open a connection, grounded on the teacher's internal/control.Client
// (an http.Client wrapping a custom DialContext), here dialing the
// broker's remote HTTPS endpoint instead of a local Unix socket.
package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Version is reported to the broker in the ticket request so it can
// reject clients speaking an incompatible protocol.
const Version = "5"

// Config configures a Client.
type Config struct {
	// URL is the broker's base URL, e.g. https://broker.example.com
	URL string

	// VerifySSL disables certificate verification on this HTTP client
	// when false. It never touches the tunnel's own AES-GCM framing,
	// which has no TLS layer of its own.
	VerifySSL bool

	// SkipProxy bypasses the environment's HTTP_PROXY/HTTPS_PROXY when
	// true.
	SkipProxy bool

	// Timeout bounds the ticket request. Defaults to 10s.
	Timeout time.Duration

	// Hostname is reported to the broker for diagnostics. It is sent as
	// given; NewClient does not fill in a default when it is empty.
	Hostname string
}

// Client requests connection scripts from the ticket broker.
type Client struct {
	baseURL    string
	hostname   string
	httpClient *http.Client
}

// NewClient creates a new broker client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifySSL,
		},
	}
	if cfg.SkipProxy {
		transport.Proxy = nil
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &Client{
		baseURL:  cfg.URL,
		hostname: cfg.Hostname,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// ticketRequest is the JSON body POSTed to {broker}/{ticket}/ticket.
type ticketRequest struct {
	Scrambler          string `json:"scrambler"`
	KEMPublicKeyBase64 string `json:"kem_public_key_base64"`
	Hostname           string `json:"hostname"`
	Version            string `json:"version"`
}

// RequestScript exchanges a ticket and this client's KEM public key for a
// connection Script.
func (c *Client) RequestScript(ctx context.Context, ticket string, scrambler string, kem KEMKeypair) (*Script, error) {
	reqBody := ticketRequest{
		Scrambler:          scrambler,
		KEMPublicKeyBase64: base64.StdEncoding.EncodeToString(kem.PublicKey[:]),
		Hostname:           c.hostname,
		Version:            Version,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("broker: encode ticket request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/ticket", c.baseURL, ticket)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker: ticket request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return decodeScript(body)
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
