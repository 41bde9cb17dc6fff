// Package tunnel runs the per-connection task that owns one TCP connection
// to the tunnel server: it demultiplexes inbound records into the channel
// registry and the control-command stream, and multiplexes outbound
// channel payloads and control commands onto the wire, fragmenting large
// payloads to protocol.CryptPacketSize. It is the direct analogue of the
// teacher's internal/peer.Connection, generalized from a peer-mesh frame
// reader/writer pair to this protocol's sequence-numbered AEAD records.
package tunnel

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/postalsys/tunnelclient/internal/channels"
	"github.com/postalsys/tunnelclient/internal/cryptotunnel"
	"github.com/postalsys/tunnelclient/internal/metrics"
	"github.com/postalsys/tunnelclient/internal/protocol"
	"github.com/postalsys/tunnelclient/internal/recovery"
	"github.com/postalsys/tunnelclient/internal/trigger"
)

const commandQueueDepth = 16

// RecoveryPacket names the single in-flight write that failed when a
// Client's Run loop gave up on its connection. The proxy controller
// replays exactly this payload as the first thing written on the
// reconnected, recovered session.
type RecoveryPacket struct {
	ChannelID uint16
	Data      []byte
}

// Result reports why Run returned.
//
//   - RemoteClosed is set when the remote end closed the connection
//     cleanly (TCP EOF before any header byte); the proxy controller
//     treats this as terminal, not recoverable. A zero-length channel-0
//     record is skipped as a stale-sequence no-op, not treated as a close.
//   - Recovery is set when a local write failed partway through; the
//     proxy controller should reconnect and replay it.
//   - Err carries the underlying error when a write failed (alongside
//     Recovery) and when a read or command decode failed. It is nil when
//     RemoteClosed is set and when Run returned because its stop trigger
//     fired.
type Result struct {
	RemoteClosed bool
	Recovery     *RecoveryPacket
	Err          error
}

// Client is one running tunnel connection task.
type Client struct {
	conn     net.Conn
	crypt    *cryptotunnel.Crypt
	registry *channels.Registry
	stop     *trigger.Trigger
	logger   *slog.Logger

	commandsIn  chan protocol.Command
	commandsOut chan protocol.Command

	metrics *metrics.Metrics
}

// NewClient wraps an already-handshaken connection and its session cipher
// into a runnable Client.
func NewClient(conn net.Conn, crypt *cryptotunnel.Crypt, registry *channels.Registry, stop *trigger.Trigger, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:        conn,
		crypt:       crypt,
		registry:    registry,
		stop:        stop,
		logger:      logger,
		commandsIn:  make(chan protocol.Command, commandQueueDepth),
		commandsOut: make(chan protocol.Command, commandQueueDepth),
	}
}

// SetMetrics attaches a metrics sink that byte counters report to. It is
// optional; a Client with no metrics attached behaves identically except
// for the missing counts.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Commands returns the channel of control commands decoded from inbound
// channel-0 records. The proxy controller is the sole reader.
func (c *Client) Commands() <-chan protocol.Command {
	return c.commandsIn
}

// Send enqueues a control command to be written on the wire. It returns an
// error only if the client has already stopped.
func (c *Client) Send(cmd protocol.Command) error {
	select {
	case c.commandsOut <- cmd:
		return nil
	case <-c.stop.Done():
		return fmt.Errorf("tunnel: client stopped")
	}
}

// Run drives the connection until its stop trigger fires, the remote
// closes, or a local write fails. If pending is non-nil, its payload is
// replayed on channel pending.ChannelID before anything else is written,
// matching the wire-level expectation that a Recover handshake is
// immediately followed by the one packet the prior connection failed to
// deliver.
func (c *Client) Run(pending *RecoveryPacket) Result {
	if pending != nil {
		if rec, err := c.writeChunked(pending.ChannelID, pending.Data); err != nil {
			return Result{Recovery: rec, Err: fmt.Errorf("tunnel: replay write failed: %w", err)}
		}
	}

	readDone := make(chan readOutcome, 1)
	go c.readLoop(readDone)

	for {
		select {
		case <-c.stop.Done():
			return Result{}

		case outcome := <-readDone:
			if outcome.closed {
				return Result{RemoteClosed: true}
			}
			return Result{Err: outcome.err}

		case cmd := <-c.commandsOut:
			if err := c.writeCommand(cmd); err != nil {
				return Result{Err: fmt.Errorf("tunnel: command write failed: %w", err)}
			}

		case payload, ok := <-c.registry.Recv():
			if !ok {
				return Result{}
			}
			if rec, err := c.writeChunked(payload.ChannelID, payload.Data); err != nil {
				return Result{Recovery: rec, Err: fmt.Errorf("tunnel: channel write failed: %w", err)}
			}
		}
	}
}

type readOutcome struct {
	closed bool
	err    error
}

func (c *Client) readLoop(out chan<- readOutcome) {
	defer recovery.RecoverWithLog(c.logger, "tunnel.readLoop")

	for {
		channelID, plaintext, closed, err := cryptotunnel.ReadRecord(c.conn, c.crypt)
		if err != nil {
			out <- readOutcome{err: err}
			return
		}
		if closed {
			out <- readOutcome{closed: true}
			return
		}

		if channelID == protocol.ControlChannelID {
			if len(plaintext) == 0 {
				// Stale-sequence replay resolved to a synthetic no-op; nothing to dispatch.
				continue
			}
			cmd, err := protocol.Decode(plaintext)
			if err != nil {
				out <- readOutcome{err: fmt.Errorf("tunnel: decode command: %w", err)}
				return
			}
			select {
			case c.commandsIn <- cmd:
			case <-c.stop.Done():
				return
			}
			continue
		}

		if c.metrics != nil {
			c.metrics.RecordBytesReceived(len(plaintext))
		}
		c.registry.Dispatch(channelID, plaintext)
	}
}

// writeChunked fragments data into protocol.CryptPacketSize pieces and
// writes each as its own record. On failure it returns a RecoveryPacket
// covering the chunk that failed to send and every chunk after it: every
// earlier chunk already reached the wire and must not be replayed.
func (c *Client) writeChunked(channelID uint16, data []byte) (*RecoveryPacket, error) {
	for len(data) > 0 {
		n := len(data)
		if n > protocol.CryptPacketSize {
			n = protocol.CryptPacketSize
		}
		chunk := data[:n]

		if err := cryptotunnel.WriteRecord(c.conn, c.crypt, channelID, chunk); err != nil {
			return &RecoveryPacket{ChannelID: channelID, Data: append([]byte(nil), data...)}, err
		}
		if c.metrics != nil {
			c.metrics.RecordBytesSent(n)
		}
		data = data[n:]
	}
	return nil, nil
}

func (c *Client) writeCommand(cmd protocol.Command) error {
	buf, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	return cryptotunnel.WriteRecord(c.conn, c.crypt, protocol.ControlChannelID, buf)
}
