package proxy

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/tunnelclient/internal/cryptotunnel"
	"github.com/postalsys/tunnelclient/internal/metrics"
	"github.com/postalsys/tunnelclient/internal/protocol"
)

func fixedBytes(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// fakeServer accepts exactly one connection, performs the server side of
// the handshake (reading the plaintext preface, reading the client's
// encrypted ticket write, replying with an OpenResponse carrying
// sessionID), and hands the connection plus its server-side Crypt to
// onConnect for further scripted behavior.
func fakeServer(t *testing.T, sharedSecret, ticket, sessionID []byte, onConnect func(conn net.Conn, crypt *cryptotunnel.Crypt)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer ln.Close()

		header := make([]byte, protocol.HandshakeLength)
		if _, err := readFull(conn, header); err != nil {
			conn.Close()
			return
		}
		_, _, err = protocol.ParseHandshake(header)
		if err != nil {
			conn.Close()
			return
		}

		serverKM, err := cryptotunnel.Derive(sharedSecret, ticket, false)
		if err != nil {
			conn.Close()
			return
		}
		crypt, err := cryptotunnel.NewCrypt(serverKM.SendKey, serverKM.ReceiveKey)
		if err != nil {
			conn.Close()
			return
		}

		if _, _, closed, err := cryptotunnel.ReadRecord(conn, crypt); err != nil || closed {
			conn.Close()
			return
		}

		resp, _ := protocol.EncodeOpenResponse(protocol.OpenResponse{SessionID: sessionID})
		if err := cryptotunnel.WriteRecord(conn, crypt, protocol.ControlChannelID, resp); err != nil {
			conn.Close()
			return
		}

		onConnect(conn, crypt)
	}()

	return ln.Addr().String()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestProxy_Run_ConnectsAndStops(t *testing.T) {
	secret := fixedBytes(32, 0x01)
	ticket := fixedBytes(48, 0x02)

	connected := make(chan struct{})
	addr := fakeServer(t, secret, ticket, ticket, func(conn net.Conn, crypt *cryptotunnel.Crypt) {
		close(connected)
		defer conn.Close()
		buf := make([]byte, 1)
		_, _ = conn.Read(buf) // block until the client disconnects
	})

	p := New(Config{
		DialAddr:       addr,
		SharedSecret:   secret,
		Ticket:         ticket,
		InitialTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never connected")
	}

	p.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestProxy_Connect_AdoptsSessionIDFromOpenResponse(t *testing.T) {
	secret := fixedBytes(32, 0x07)
	ticket := fixedBytes(48, 0x08)
	sessionID := fixedBytes(48, 0xEE)

	connected := make(chan struct{})
	addr := fakeServer(t, secret, ticket, sessionID, func(conn net.Conn, crypt *cryptotunnel.Crypt) {
		close(connected)
		defer conn.Close()
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})

	p := New(Config{
		DialAddr:       addr,
		SharedSecret:   secret,
		Ticket:         ticket,
		InitialTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never connected")
	}

	p.mu.Lock()
	got := append([]byte(nil), p.ticket...)
	p.mu.Unlock()

	if !bytes.Equal(got, sessionID) {
		t.Errorf("ticket after handshake = %x, want the OpenResponse session id %x", got, sessionID)
	}
}

func TestProxy_ChannelSend_RoundTrip(t *testing.T) {
	secret := fixedBytes(32, 0x03)
	ticket := fixedBytes(48, 0x04)

	received := make(chan []byte, 1)
	addr := fakeServer(t, secret, ticket, ticket, func(conn net.Conn, crypt *cryptotunnel.Crypt) {
		defer conn.Close()
		for {
			channelID, plaintext, closed, err := cryptotunnel.ReadRecord(conn, crypt)
			if err != nil || closed {
				return
			}
			if channelID == protocol.ControlChannelID {
				continue
			}
			received <- plaintext
			return
		}
	})

	p := New(Config{
		DialAddr:       addr,
		SharedSecret:   secret,
		Ticket:         ticket,
		InitialTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	// Give the connect loop a moment to finish the handshake before the
	// channel is registered and sent on.
	time.Sleep(100 * time.Millisecond)

	if _, err := p.RequestChannel(9); err != nil {
		t.Fatalf("RequestChannel returned error: %v", err)
	}
	if err := p.Send(9, []byte("ping")); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	select {
	case data := <-received:
		if !bytes.Equal(data, []byte("ping")) {
			t.Errorf("server received %q, want %q", data, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the channel payload")
	}
}

func TestProxy_RecordsMetrics(t *testing.T) {
	secret := fixedBytes(32, 0x05)
	ticket := fixedBytes(48, 0x06)

	addr := fakeServer(t, secret, ticket, ticket, func(conn net.Conn, crypt *cryptotunnel.Crypt) {
		defer conn.Close()
		for {
			_, _, closed, err := cryptotunnel.ReadRecord(conn, crypt)
			if err != nil || closed {
				return
			}
		}
	})

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	p := New(Config{
		DialAddr:       addr,
		SharedSecret:   secret,
		Ticket:         ticket,
		InitialTimeout: time.Second,
		Metrics:        m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	time.Sleep(100 * time.Millisecond)

	if testutil.ToFloat64(m.ConnectionUp) != 1 {
		t.Errorf("ConnectionUp = %v, want 1 after a successful handshake", testutil.ToFloat64(m.ConnectionUp))
	}

	if _, err := p.RequestChannel(9); err != nil {
		t.Fatalf("RequestChannel returned error: %v", err)
	}
	if testutil.ToFloat64(m.ChannelsOpened) != 1 {
		t.Errorf("ChannelsOpened = %v, want 1", testutil.ToFloat64(m.ChannelsOpened))
	}

	if err := p.Send(9, []byte("ping")); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if testutil.ToFloat64(m.BytesSent) != 4 {
		t.Errorf("BytesSent = %v, want 4", testutil.ToFloat64(m.BytesSent))
	}

	if err := p.ReleaseChannel(9); err != nil {
		t.Fatalf("ReleaseChannel returned error: %v", err)
	}
	if testutil.ToFloat64(m.ChannelsClosed) != 1 {
		t.Errorf("ChannelsClosed = %v, want 1", testutil.ToFloat64(m.ChannelsClosed))
	}
}
