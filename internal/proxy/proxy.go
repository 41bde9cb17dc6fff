// Package proxy implements the top-level controller that owns the tunnel
// session: it connects, performs the Open or Recover handshake, spawns the
// per-connection tunnel.Client task, and reconnects (replaying the one
// packet that failed to send) when that task reports a local write
// failure. It is the direct analogue of the teacher's internal/peer
// reconnect-and-handshake orchestration, generalized from a mesh peer
// connection to this protocol's single upstream tunnel connection.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/tunnelclient/internal/channels"
	"github.com/postalsys/tunnelclient/internal/cryptotunnel"
	"github.com/postalsys/tunnelclient/internal/metrics"
	"github.com/postalsys/tunnelclient/internal/protocol"
	"github.com/postalsys/tunnelclient/internal/recovery"
	"github.com/postalsys/tunnelclient/internal/trigger"
	"github.com/postalsys/tunnelclient/internal/tunnel"
	"golang.org/x/time/rate"
)

// Config carries everything a Proxy needs to open and maintain its
// session. Ticket is the initial session ticket from the broker; the
// handshake response may replace it, after which Proxy uses the
// replacement for any subsequent Recover.
type Config struct {
	DialAddr       string
	SharedSecret   []byte
	Ticket         []byte
	InitialTimeout time.Duration
	RecoverPerMin  float64 // Recover attempts allowed per minute; <= 0 uses a safe default
	Logger         *slog.Logger

	// Metrics, if set, receives counters and gauges for this session's
	// channel lifecycle, reconnects, and handshake latency.
	Metrics *metrics.Metrics
}

// Proxy is the session controller for one tunnel connection.
type Proxy struct {
	cfg      Config
	registry *channels.Registry
	logger   *slog.Logger

	stop *trigger.Trigger

	recoverLimiter *rate.Limiter
	reconnect      *backoff

	mu     sync.Mutex
	ticket []byte
	client *tunnel.Client
}

// New builds a Proxy. The returned Proxy does not connect until Run is
// called.
func New(cfg Config) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perMin := cfg.RecoverPerMin
	if perMin <= 0 {
		perMin = 6 // one attempt every ten seconds, sustained
	}

	return &Proxy{
		cfg:            cfg,
		registry:       channels.New(),
		logger:         logger,
		stop:           trigger.New(),
		recoverLimiter: rate.NewLimiter(rate.Limit(perMin/60.0), 1),
		reconnect:      newBackoff(),
		ticket:         append([]byte(nil), cfg.Ticket...),
	}
}

// Registry exposes the channel registry so a local listener (forward
// package) can register, send on, and release channels.
func (p *Proxy) Registry() *channels.Registry {
	return p.registry
}

// Stop fires the proxy's stop trigger, causing Run to wind down the
// current connection and return.
func (p *Proxy) Stop() {
	p.stop.Fire()
}

// RequestChannel registers a new channel and asks the remote to attach its
// side of it.
func (p *Proxy) RequestChannel(id uint16) (*channels.Channel, error) {
	ch, err := p.registry.RegisterServer(id)
	if err != nil {
		return nil, err
	}
	if err := p.sendCommand(protocol.Command{Type: protocol.CmdOpenChannel, ChannelID: id}); err != nil {
		p.registry.CloseServer(id)
		return nil, err
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordChannelOpen()
	}
	return ch, nil
}

// ReleaseChannel closes a channel locally and tells the remote to do the
// same.
func (p *Proxy) ReleaseChannel(id uint16) error {
	p.registry.CloseServer(id)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordChannelClose()
	}
	return p.sendCommand(protocol.Command{Type: protocol.CmdCloseChannel, ChannelID: id})
}

// Send queues data to be written on channel id.
func (p *Proxy) Send(id uint16, data []byte) error {
	return p.registry.Send(id, data)
}

func (p *Proxy) sendCommand(cmd protocol.Command) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return fmt.Errorf("proxy: not connected")
	}
	return client.Send(cmd)
}

func (p *Proxy) setClient(c *tunnel.Client) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

// Run drives the connection lifecycle until Stop is called, the remote
// sends Close/ConnectionError, the remote closes the connection, or the
// reconnect rate limit is exhausted. ctx bounds each dial and the backoff
// wait after a failed connect; cancelling it does not end an already
// established connection.
func (p *Proxy) Run(ctx context.Context) error {
	var recoveryPkt *tunnel.RecoveryPacket
	handshakeCmd := protocol.HandshakeOpen

	for {
		if p.stop.IsSet() {
			return nil
		}

		handshakeStart := time.Now()
		conn, crypt, err := p.connect(ctx, handshakeCmd)
		if err != nil {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.RecordHandshakeError(handshakeErrorType(handshakeCmd))
			}
			p.logger.Warn("tunnel connect failed", "error", err)
			if !p.waitBackoff(ctx) {
				return ctx.Err()
			}
			continue
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordHandshake(time.Since(handshakeStart).Seconds())
			p.cfg.Metrics.SetConnectionUp(true)
			if handshakeCmd == protocol.HandshakeRecover {
				p.cfg.Metrics.RecordRecoveryAttempt()
			}
		}
		p.reconnect.reset()

		client := tunnel.NewClient(conn, crypt, p.registry, p.stop, p.logger)
		client.SetMetrics(p.cfg.Metrics)
		p.setClient(client)

		commandDone := make(chan struct{})
		go p.handleCommands(client, commandDone)

		result := client.Run(recoveryPkt)
		conn.Close()
		close(commandDone)

		if p.cfg.Metrics != nil {
			p.cfg.Metrics.SetConnectionUp(false)
		}

		if p.stop.IsSet() {
			return nil
		}
		if result.RemoteClosed {
			p.registry.StopAllServers()
			return fmt.Errorf("proxy: tunnel connection closed by remote")
		}
		if result.Err == nil {
			return nil
		}

		if !p.recoverLimiter.Allow() {
			return fmt.Errorf("proxy: recover attempt rate exceeded: %w", result.Err)
		}

		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordReconnect()
		}
		p.logger.Warn("tunnel connection failed, reconnecting", "error", result.Err)
		recoveryPkt = result.Recovery
		handshakeCmd = protocol.HandshakeRecover
	}
}

// handshakeErrorType labels a failed connect attempt by which handshake it
// was attempting, for the handshake_errors_total error_type label.
func handshakeErrorType(handshakeCmd byte) string {
	if handshakeCmd == protocol.HandshakeRecover {
		return "recover"
	}
	return "open"
}

func (p *Proxy) waitBackoff(ctx context.Context) bool {
	timer := time.NewTimer(p.reconnect.next())
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-p.stop.Done():
		return false
	}
}

func (p *Proxy) handleCommands(client *tunnel.Client, done <-chan struct{}) {
	defer recovery.RecoverWithLog(p.logger, "proxy.handleCommands")

	for {
		select {
		case <-done:
			return
		case <-p.stop.Done():
			return
		case cmd := <-client.Commands():
			switch cmd.Type {
			case protocol.CmdOpenChannel:
				p.logger.Debug("remote requested channel open", "channel_id", cmd.ChannelID)
			case protocol.CmdCloseChannel:
				p.registry.CloseServer(cmd.ChannelID)
			case protocol.CmdChannelError:
				p.logger.Warn("remote reported channel error", "channel_id", cmd.ChannelID, "message", cmd.Message)
				p.registry.CloseServer(cmd.ChannelID)
			case protocol.CmdConnectionError:
				p.logger.Error("remote reported connection error", "message", cmd.Message)
				p.stop.Fire()
			case protocol.CmdClose:
				p.logger.Info("remote requested connection close")
				p.stop.Fire()
			case protocol.CmdOk, protocol.CmdNop:
				// acknowledgement / keepalive, nothing to do
			}
		}
	}
}

// connect dials the tunnel server, performs the plaintext handshake
// preface, derives the session cipher, writes the encrypted ticket on
// channel 0, and waits for the server's OpenResponse. Once that response
// decodes, its session id replaces the session ticket for any future
// Recover; on an earlier failure the ticket is left unchanged.
func (p *Proxy) connect(ctx context.Context, handshakeCmd byte) (net.Conn, *cryptotunnel.Crypt, error) {
	dialer := net.Dialer{Timeout: p.cfg.InitialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.DialAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: dial %s: %w", p.cfg.DialAddr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	if p.cfg.InitialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.cfg.InitialTimeout))
	}

	p.mu.Lock()
	ticket := append([]byte(nil), p.ticket...)
	p.mu.Unlock()

	preface, err := protocol.BuildHandshake(handshakeCmd, ticket)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: build handshake: %w", err)
	}
	if _, err := conn.Write(preface); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: write handshake: %w", err)
	}

	km, err := cryptotunnel.Derive(p.cfg.SharedSecret, ticket, true)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: derive key material: %w", err)
	}
	crypt, err := cryptotunnel.NewCrypt(km.SendKey, km.ReceiveKey)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: new crypt: %w", err)
	}

	// The ticket itself travels encrypted on channel 0, right after the
	// plaintext preface; the server cannot derive the session cipher
	// until it has read the preface, so this is the first record sent.
	if err := cryptotunnel.WriteRecord(conn, crypt, protocol.ControlChannelID, ticket); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: write handshake ticket: %w", err)
	}

	channelID, plaintext, closed, err := cryptotunnel.ReadRecord(conn, crypt)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: handshake response: %w", err)
	}
	if closed {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: remote closed during handshake")
	}
	if channelID != protocol.ControlChannelID {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: unexpected channel %d in handshake response", channelID)
	}

	openResp, err := protocol.DecodeOpenResponse(plaintext)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("proxy: decode handshake response: %w", err)
	}
	p.mu.Lock()
	p.ticket = openResp.SessionID
	p.mu.Unlock()

	_ = conn.SetDeadline(time.Time{})
	return conn, crypt, nil
}
