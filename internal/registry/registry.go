// Package registry tracks the tunnels active in this process. It exists so
// the CLI entrypoint can answer "is anything still using the tunnel"
// before exiting, and so a tunnel that dies implausibly fast after
// starting (a misconfigured broker, a server that accepts the handshake
// and immediately hangs up) gets flagged rather than silently retried
// forever in the background.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnelclient/internal/recovery"
	"github.com/postalsys/tunnelclient/internal/trigger"
)

// TunnelInfo is the bookkeeping record for one registered tunnel.
type TunnelInfo struct {
	StartedAt       time.Time
	MinimumLifetime time.Duration
	Stop            *trigger.Trigger

	activeConnections atomic.Int64
}

// IncActiveConnections records one more local connection proxied through
// this tunnel.
func (t *TunnelInfo) IncActiveConnections() {
	t.activeConnections.Add(1)
}

// DecActiveConnections records that a proxied local connection ended.
func (t *TunnelInfo) DecActiveConnections() {
	t.activeConnections.Add(-1)
}

// ActiveConnections returns the current number of proxied local
// connections.
func (t *TunnelInfo) ActiveConnections() int64 {
	return t.activeConnections.Load()
}

// Registry is the process-wide table of active tunnels, keyed by an
// arbitrary caller-chosen id (typically the session ticket's string form).
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*TunnelInfo
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tunnels: make(map[string]*TunnelInfo)}
}

// RegisterTunnel records a newly starting tunnel and spawns a watchdog
// goroutine that flags it if its Stop trigger fires before
// minimumLifetime has elapsed. The entry is removed once Stop fires,
// whether that happens early or not.
func (r *Registry) RegisterTunnel(id string, minimumLifetime time.Duration, logger *slog.Logger) *TunnelInfo {
	if logger == nil {
		logger = slog.Default()
	}

	info := &TunnelInfo{
		StartedAt:       time.Now(),
		MinimumLifetime: minimumLifetime,
		Stop:            trigger.New(),
	}

	r.mu.Lock()
	r.tunnels[id] = info
	r.mu.Unlock()

	go r.watch(id, info, logger)

	return info
}

func (r *Registry) watch(id string, info *TunnelInfo, logger *slog.Logger) {
	defer recovery.RecoverWithLog(logger, "registry.watchdog")

	if info.MinimumLifetime > 0 && info.Stop.WaitTimeout(info.MinimumLifetime) {
		logger.Warn("tunnel stopped before minimum lifetime elapsed",
			"tunnel_id", id,
			"uptime", time.Since(info.StartedAt),
			"minimum_lifetime", info.MinimumLifetime)
	} else {
		info.Stop.Wait()
	}

	r.mu.Lock()
	delete(r.tunnels, id)
	r.mu.Unlock()
}

// IsAnyTunnelActive reports whether at least one registered tunnel has not
// yet stopped.
func (r *Registry) IsAnyTunnelActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels) > 0
}

// Get returns the TunnelInfo registered under id, if any.
func (r *Registry) Get(id string) (*TunnelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tunnels[id]
	return info, ok
}

// Count returns the number of currently registered tunnels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}
