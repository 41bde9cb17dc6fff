package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"

	"github.com/postalsys/tunnelclient/internal/broker"
	"github.com/postalsys/tunnelclient/internal/config"
	"github.com/postalsys/tunnelclient/internal/forward"
	"github.com/postalsys/tunnelclient/internal/logging"
	"github.com/postalsys/tunnelclient/internal/metrics"
	"github.com/postalsys/tunnelclient/internal/proxy"
	"github.com/postalsys/tunnelclient/internal/registry"
)

// statusInterval paces the periodic human-readable status line logged
// while a tunnel is running.
const statusInterval = 30 * time.Second

func runCmd() *cobra.Command {
	var (
		configPath string
		ticket     string
		scrambler  string
		listenAddr string
		hostname   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Request a ticket script from the broker and run the tunnel",
		Long: `Run exchanges a session ticket for a connection script with the
configured broker, opens the tunnel it describes, and forwards local TCP
connections on --listen through it as multiplexed channels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			m := metrics.Default()
			stopMetricsServer := startMetricsServer(cfg.Metrics.Listen, logger)
			defer stopMetricsServer()

			kem, err := broker.GenerateKEMKeypair()
			if err != nil {
				return fmt.Errorf("generate KEM keypair: %w", err)
			}
			defer kem.Zero()

			effectiveHostname := hostname
			if effectiveHostname == "" {
				effectiveHostname = currentHostname()
			}

			brokerClient := broker.NewClient(broker.Config{
				URL:       cfg.Broker.URL,
				VerifySSL: cfg.VerifySSL,
				SkipProxy: cfg.SkipProxy,
				Hostname:  effectiveHostname,
			})
			defer brokerClient.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			logger.Info("requesting connection script from broker", "broker", cfg.Broker.URL)
			script, err := brokerClient.RequestScript(ctx, ticket, scrambler, kem)
			if err != nil {
				return fmt.Errorf("request connection script: %w", err)
			}

			sharedSecret, err := script.SharedSecret()
			if err != nil {
				return fmt.Errorf("decode connection script: %w", err)
			}
			sessionTicket, err := script.Ticket()
			if err != nil {
				return fmt.Errorf("decode connection script: %w", err)
			}

			px := proxy.New(proxy.Config{
				DialAddr:       script.TunnelServerAddr,
				SharedSecret:   sharedSecret[:],
				Ticket:         sessionTicket[:],
				InitialTimeout: script.InitialTimeout(),
				Logger:         logger,
				Metrics:        m,
			})

			reg := registry.New()
			tunnelInfo := reg.RegisterTunnel(ticket, cfg.Tunnel.MinimumLifetime, logger)
			defer tunnelInfo.Stop.Fire()

			listenCfg := forward.ListenerConfig{
				Name:    "local",
				Address: resolveListenAddr(listenAddr, cfg.Tunnel.EnableIPv6),
				Logger:  logger,
			}
			listener := forward.NewListener(listenCfg, px)
			if err := listener.Start(); err != nil {
				return fmt.Errorf("start local listener: %w", err)
			}

			proxyDone := make(chan error, 1)
			go func() { proxyDone <- px.Run(ctx) }()

			logger.Info("tunnel client running",
				"listen", listener.Address().String(),
				"tunnel_server", script.TunnelServerAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			statusTicker := time.NewTicker(statusInterval)
			defer statusTicker.Stop()

			for {
				select {
				case sig := <-sigCh:
					logger.Info("received signal, shutting down", "signal", sig.String())
					px.Stop()
					_ = listener.Stop()
					<-proxyDone
					return nil

				case err := <-proxyDone:
					_ = listener.Stop()
					if err != nil {
						return fmt.Errorf("tunnel run: %w", err)
					}
					return nil

				case <-statusTicker.C:
					logStatus(logger, m, listener)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults are used if omitted)")
	cmd.Flags().StringVarP(&ticket, "ticket", "t", "", "Session ticket to exchange with the broker (required)")
	cmd.Flags().StringVar(&scrambler, "scrambler", "", "Scrambler value to send with the ticket request")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:0", "Local address to accept connections on")
	cmd.Flags().StringVar(&hostname, "hostname", "", "Hostname reported to the broker (defaults to the local hostname)")
	_ = cmd.MarkFlagRequired("ticket")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// resolveListenAddr swaps an unqualified loopback address for a
// dual-stack one when IPv6 is enabled, so a caller does not have to know
// the wildcard syntax for their platform.
func resolveListenAddr(addr string, enableIPv6 bool) string {
	if enableIPv6 && addr == "127.0.0.1:0" {
		return "[::]:0"
	}
	return addr
}

// startMetricsServer serves the Prometheus exposition endpoint in the
// background when listen is non-empty, matching the teacher's pattern of
// an optional sidecar HTTP server alongside the main process. It returns
// a function that shuts the server down.
func startMetricsServer(listen string, logger *slog.Logger) func() {
	if listen == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		logger.Info("metrics endpoint listening", "address", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// logStatus logs a human-readable summary of tunnel activity so far.
func logStatus(logger *slog.Logger, m *metrics.Metrics, listener *forward.Listener) {
	sent := humanize.Bytes(uint64(testutil.ToFloat64(m.BytesSent)))
	received := humanize.Bytes(uint64(testutil.ToFloat64(m.BytesReceived)))
	logger.Info("tunnel status",
		"connections", listener.ConnectionCount(),
		"bytes_sent", sent,
		"bytes_received", received,
		"connection_up", testutil.ToFloat64(m.ConnectionUp) == 1,
	)
}
