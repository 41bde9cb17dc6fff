package registry

import (
	"testing"
	"time"
)

// ============================================================================
// Basic lifecycle
// ============================================================================

func TestRegisterTunnel_TracksActiveState(t *testing.T) {
	r := New()
	if r.IsAnyTunnelActive() {
		t.Fatal("new registry should report no active tunnels")
	}

	info := r.RegisterTunnel("session-1", time.Hour, nil)
	time.Sleep(20 * time.Millisecond)

	if !r.IsAnyTunnelActive() {
		t.Fatal("expected an active tunnel after RegisterTunnel")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	info.Stop.Fire()
	waitUntil(t, func() bool { return !r.IsAnyTunnelActive() })
}

func TestRegisterTunnel_RemovedAfterStop(t *testing.T) {
	r := New()
	info := r.RegisterTunnel("session-2", time.Millisecond, nil)

	info.Stop.Fire()
	waitUntil(t, func() bool {
		_, ok := r.Get("session-2")
		return !ok
	})
}

// ============================================================================
// Active connection counting
// ============================================================================

func TestTunnelInfo_ActiveConnectionCounting(t *testing.T) {
	info := &TunnelInfo{}
	if info.ActiveConnections() != 0 {
		t.Fatalf("ActiveConnections() = %d, want 0", info.ActiveConnections())
	}

	info.IncActiveConnections()
	info.IncActiveConnections()
	if info.ActiveConnections() != 2 {
		t.Fatalf("ActiveConnections() = %d, want 2", info.ActiveConnections())
	}

	info.DecActiveConnections()
	if info.ActiveConnections() != 1 {
		t.Fatalf("ActiveConnections() = %d, want 1", info.ActiveConnections())
	}
}

// ============================================================================
// helpers
// ============================================================================

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
