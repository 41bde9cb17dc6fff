// Package forward implements the local TCP listener that accepts
// connections destined for the tunnel: each accepted connection becomes
// one multiplexed channel, fed by pumping bytes between the local socket
// and the proxy controller's channel registry. It is adapted from the
// teacher's internal/forward.Listener (a TCP listener with bounded
// connection tracking and a bidirectional relay loop); the teacher relays
// into a second dialed net.Conn, this one relays into a registered tunnel
// channel instead.
package forward

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/tunnelclient/internal/channels"
	"github.com/postalsys/tunnelclient/internal/logging"
	"github.com/postalsys/tunnelclient/internal/protocol"
	"github.com/postalsys/tunnelclient/internal/recovery"
)

// ChannelOpener is the subset of the proxy controller a Listener needs: it
// registers a new channel and tells the remote to attach to it, sends
// local data out on a channel, and releases a channel when the local
// connection ends.
type ChannelOpener interface {
	RequestChannel(id uint16) (*channels.Channel, error)
	ReleaseChannel(id uint16) error
	Send(id uint16, data []byte) error
}

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Name labels this listener in logs; it carries no routing meaning.
	Name string

	// Address is the local address to listen on.
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	Logger *slog.Logger
}

// Listener is a TCP listener that turns each accepted connection into one
// tunnel channel.
type Listener struct {
	cfg      ListenerConfig
	proxy    ChannelOpener
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64
	nextID      uint32

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a new forward listener.
func NewListener(cfg ListenerConfig, proxy ChannelOpener) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Listener{
		cfg:         cfg,
		proxy:       proxy,
		logger:      logger,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
		nextID:      1, // channel 0 is reserved for control traffic
	}
}

// Start starts accepting connections.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("forward: listener already running")
	}

	listener, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("forward: listen on %s: %w", l.cfg.Address, err)
	}

	l.listener = listener
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("forward listener started",
		"name", l.cfg.Name,
		"address", l.listener.Addr().String())

	return nil
}

// Stop gracefully stops the listener and waits for in-flight connections
// to finish unwinding.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			err = l.listener.Close()
		}

		l.mu.Lock()
		for conn := range l.connections {
			conn.Close()
		}
		l.mu.Unlock()

		l.logger.Info("forward listener stopped", "name", l.cfg.Name)
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

func (l *Listener) allocateChannelID() uint16 {
	for {
		id := atomic.AddUint32(&l.nextID, 1)
		if uint16(id) != protocol.ControlChannelID {
			return uint16(id)
		}
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", "name", l.cfg.Name, logging.KeyError, err)
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached", "name", l.cfg.Name, "limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.connections[conn] = struct{}{}
		l.mu.Unlock()
		l.connCount.Add(1)

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.connections, conn)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}()

	remoteAddr := conn.RemoteAddr().String()
	channelID := l.allocateChannelID()

	ch, err := l.proxy.RequestChannel(channelID)
	if err != nil {
		l.logger.Debug("channel request failed", "name", l.cfg.Name, "remote", remoteAddr, logging.KeyError, err)
		return
	}
	defer l.proxy.ReleaseChannel(channelID)

	l.logger.Debug("forward channel opened", "name", l.cfg.Name, "remote", remoteAddr, "channel_id", channelID)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpLocalToChannel(conn, l.proxy, channelID)
		ch.Stop.Fire()
	}()
	go func() {
		defer wg.Done()
		pumpChannelToLocal(conn, ch)
	}()

	wg.Wait()

	l.logger.Debug("forward channel closed", "name", l.cfg.Name, "remote", remoteAddr, "channel_id", channelID)
}

// pumpLocalToChannel reads from the local connection in bounded chunks and
// forwards each chunk on the channel, until the local side hits EOF or
// errors.
func pumpLocalToChannel(conn net.Conn, proxy ChannelOpener, channelID uint16) {
	buf := make([]byte, protocol.CryptPacketSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := proxy.Send(channelID, chunk); sendErr != nil {
				return
			}
		}
		if err != nil {
			if hc, ok := conn.(halfCloser); ok {
				_ = hc.CloseWrite()
			}
			return
		}
	}
}

// pumpChannelToLocal writes data dispatched onto this channel's inbound
// queue to the local connection, until the channel stops (remote closed, was
// replaced, or the local side finished reading).
func pumpChannelToLocal(conn net.Conn, ch *channels.Channel) {
	for {
		select {
		case data, ok := <-ch.Inbound:
			if !ok {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		case <-ch.Stop.Done():
			if hc, ok := conn.(halfCloser); ok {
				_ = hc.CloseWrite()
			}
			return
		}
	}
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}
