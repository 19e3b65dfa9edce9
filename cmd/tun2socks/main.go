// Package main is the tun2socks process entrypoint: it parses flags,
// opens the tun device, wires the multiplexer to the SOCKS5 and DNS
// upstreams, and runs until a signal or a fatal tun I/O error shuts it
// down (SPEC_FULL.md §4.8).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-metroo/internal/config"
	"github.com/postalsys/muti-metroo/internal/dns"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/mux"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/socksclient"
	"github.com/postalsys/muti-metroo/internal/tun"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes per SPEC_FULL.md §6.
const (
	exitOK           = 0
	exitArgError     = 1
	exitTunIOError   = 2
	exitUpstreamDown = 3
	exitConfigError  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath      string
		tunFD        int
		tunName      string
		tunAddr      string
		tunMask      string
		socksAddr    string
		dnsAddr      string
		metricsAddr  string
		logLevel     string
		logFormat    string
		newFlowRate  float64
		newFlowBurst int
	)

	cfg := config.Default()
	exitCode := exitOK

	root := &cobra.Command{
		Use:          "tun2socks",
		Short:        "Userspace transport translator: tun -> SOCKS5 TCP + UDP DNS relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					exitCode = exitConfigError
					return err
				}
				cfg = loaded
			}

			applyFlagOverrides(cfg, cmd.Flags(), tunFD, tunName, tunAddr, tunMask, socksAddr, dnsAddr, metricsAddr, logLevel, logFormat, newFlowRate, newFlowBurst)

			if err := cfg.Validate(); err != nil {
				exitCode = exitArgError
				if cfgPath != "" {
					exitCode = exitConfigError
				}
				return err
			}

			code, err := runWithConfig(cfg)
			exitCode = code
			return err
		},
	}

	flags := root.Flags()
	flags.IntVar(&tunFD, "tun-fd", 0, "already-open tun file descriptor")
	flags.StringVar(&tunName, "tun-name", "", "tun interface name to open")
	flags.StringVar(&tunAddr, "tun-addr", "", "IPv4 address to assign to the tun device")
	flags.StringVar(&tunMask, "tun-mask", "", "IPv4 netmask to assign to the tun device")
	flags.StringVar(&socksAddr, "socks", "", "SOCKS5 endpoint, host:port")
	flags.StringVar(&dnsAddr, "dns", "", "UDP DNS endpoint, host:port")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (optional)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text, json")
	flags.StringVar(&cfgPath, "config", "", "YAML config file providing defaults (flags take precedence)")
	flags.Float64Var(&newFlowRate, "new-flow-rate", 0, "new-flow token bucket rate (flows/sec), 0 disables")
	flags.IntVar(&newFlowBurst, "new-flow-burst", 0, "new-flow token bucket burst size")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tun2socks:", err)
		if exitCode == exitOK {
			exitCode = exitArgError
		}
		return exitCode
	}
	return exitCode
}

func applyFlagOverrides(cfg *config.Config, flags interface{ Changed(string) bool }, tunFD int, tunName, tunAddr, tunMask, socksAddr, dnsAddr, metricsAddr, logLevel, logFormat string, newFlowRate float64, newFlowBurst int) {
	if flags.Changed("tun-fd") {
		cfg.Tun.FD = tunFD
		cfg.Tun.Name = ""
	}
	if flags.Changed("tun-name") {
		cfg.Tun.Name = tunName
		cfg.Tun.FD = 0
	}
	if flags.Changed("tun-addr") {
		cfg.Tun.Addr = tunAddr
	}
	if flags.Changed("tun-mask") {
		cfg.Tun.Mask = tunMask
	}
	if flags.Changed("socks") {
		cfg.SOCKS5.Address = socksAddr
	}
	if flags.Changed("dns") {
		cfg.DNS.Address = dnsAddr
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.ListenAddr = metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if flags.Changed("new-flow-rate") {
		cfg.Limits.NewFlowRate = newFlowRate
	}
	if flags.Changed("new-flow-burst") {
		cfg.Limits.NewFlowBurst = newFlowBurst
	}
}

func runWithConfig(cfg *config.Config) (int, error) {
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.NewMetrics()

	dnsUDPAddr, err := net.ResolveUDPAddr("udp", cfg.DNS.Address)
	if err != nil {
		return exitArgError, fmt.Errorf("resolve dns address: %w", err)
	}

	device, err := tun.Open(tun.Config{
		FD:   cfg.Tun.FD,
		Name: cfg.Tun.Name,
		Addr: cfg.Tun.Addr,
		Mask: cfg.Tun.Mask,
		MTU:  cfg.Tun.MTU,
	})
	if err != nil {
		return exitTunIOError, fmt.Errorf("open tun: %w", err)
	}
	defer device.Close()

	if err := checkUpstreamReachable(cfg.SOCKS5.Address); err != nil {
		return exitUpstreamDown, fmt.Errorf("socks5 upstream unreachable: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	egress := mux.NewEgressQueue(cfg.Limits.EgressQueue, logger, m)
	dnsRelay := dns.NewRelay(dnsUDPAddr, cfg.DNS.Timeout, logger, m)
	dialer := socksclient.Dialer{ServerAddr: cfg.SOCKS5.Address, DialTimeout: cfg.SOCKS5.DialTimeout}

	dispatcher := mux.NewDispatcher(ctx, mux.Config{
		Dialer:         dialer,
		DNS:            dnsRelay,
		Egress:         egress,
		Logger:         logger,
		Metrics:        m,
		NewFlowRate:    cfg.Limits.NewFlowRate,
		NewFlowBurst:   cfg.Limits.NewFlowBurst,
		ConnectTimeout: cfg.SOCKS5.DialTimeout,
	})
	defer dispatcher.Close()

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer recovery.RecoverWithLog(logger, "egress-writer")
		egress.Run(ctx, device)
	}()

	ingressErr := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithLog(logger, "tun-reader")
		ingressErr <- runIngress(ctx, device, dispatcher)
	}()

	logger.Info("tun2socks started",
		logging.KeyComponent, "main",
		"socks5", cfg.SOCKS5.Address,
		"dns", cfg.DNS.Address,
	)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
		cancel()
		return exitOK, nil
	case err := <-ingressErr:
		if err != nil {
			logger.Error("fatal tun read error", logging.KeyError, err)
			cancel()
			return exitTunIOError, err
		}
		cancel()
		return exitOK, nil
	}
}

// runIngress drives the tun read loop, feeding every frame to the
// dispatcher's ingress pipeline until ctx is canceled or the tun
// collaborator returns an unrecoverable error (SPEC_FULL.md §7 "Fatal").
func runIngress(ctx context.Context, device tun.Device, dispatcher *mux.Dispatcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		pkt, err := device.ReadPacket()
		if err != nil {
			return err
		}
		dispatcher.HandleInbound(pkt)
	}
}

func checkUpstreamReachable(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func serveMetrics(addr string, logger *slog.Logger) {
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Error("metrics listener failed", logging.KeyError, err)
	}
}
