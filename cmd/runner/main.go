package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loppo-llc/runner/internal/backend"
	"github.com/loppo-llc/runner/internal/config"
	"github.com/loppo-llc/runner/internal/notify"
	"github.com/loppo-llc/runner/internal/server"
	"github.com/loppo-llc/runner/internal/session"
	"github.com/loppo-llc/runner/internal/stats"
	"github.com/loppo-llc/runner/internal/store"
	"tailscale.com/tsnet"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	dev := flag.Bool("dev", false, "enable debug logging")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	showQR := flag.Bool("qr", false, "print a QR code of the access URL")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("runner", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the container runtime is optional; shell instances work without it
	var launchOpts []backend.Option
	var containerStats stats.ContainerStats
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	dockerCli, err := backend.NewDockerClient(pingCtx, cfg.DockerHost)
	pingCancel()
	if err != nil {
		logger.Warn("docker unavailable, container instances disabled", "err", err)
	} else {
		defer dockerCli.Close()
		launchOpts = append(launchOpts, backend.WithDocker(dockerCli))
		containerStats = dockerCli
	}

	st := store.New(cfg.DataDir, logger)
	sessions := session.NewManager(backend.NewLauncher(cfg.Shell, logger, launchOpts...), st, cfg, logger)

	notifier, err := notify.NewManager(notify.Options{
		DataDir:         cfg.DataDir,
		PushEnabled:     cfg.PushEnabled,
		SlackWebhookURL: cfg.SlackWebhookURL,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize notifications", "err", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Addr:          fmt.Sprintf(":%d", *port),
		Logger:        logger,
		Version:       version,
		Sessions:      sessions,
		Store:         st,
		Users:         store.NewUsers(cfg.DataDir),
		NotifyManager: notifier,
	})

	sampler := stats.New(sessions, srv.Hub(), containerStats, cfg.StatsInterval, logger)
	if err := sampler.Start(); err != nil {
		logger.Error("failed to start stats sampler", "err", err)
		os.Exit(1)
	}
	defer sampler.Stop()

	var urls []string
	if *local {
		// local mode: listen on localhost with port fallback
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		urls = append(urls, "http://"+ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		// tailscale mode: listen via tsnet with HTTPS
		tsServer := &tsnet.Server{
			Hostname: "runner",
			Dir:      filepath.Join(cfg.DataDir, "tsnet"),
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}
		urls = tailnetURLs(ctx, tsServer, *port, logger)

		// tsnet.ListenTLS returns a tls.Listener, serve directly
		go func() {
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		defer tsServer.Close()
	}

	fmt.Fprintf(os.Stderr, "\n  runner v%s running at:\n\n", version)
	for _, u := range urls {
		fmt.Fprintf(os.Stderr, "    %s\n", u)
	}
	fmt.Fprintln(os.Stderr)
	if *showQR && len(urls) > 0 {
		if qr, err := renderQR(urls[0]); err != nil {
			logger.Warn("failed to render QR code", "err", err)
		} else {
			fmt.Fprintln(os.Stderr, qr)
		}
	}

	// adopt containers that survived the last run and honor autoStartOnBoot
	go func() {
		if err := sessions.Reconcile(ctx); err != nil {
			logger.Error("reconcile failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func tailnetURLs(ctx context.Context, tsServer *tsnet.Server, port int, logger *slog.Logger) []string {
	lc, err := tsServer.LocalClient()
	if err != nil {
		logger.Warn("could not get tailscale client", "err", err)
		return nil
	}
	status, err := lc.Status(ctx)
	if err != nil {
		logger.Warn("could not get tailscale status", "err", err)
		return []string{fmt.Sprintf("https://runner.<tailnet>.ts.net:%d", port)}
	}
	var urls []string
	// DNS name first (e.g. runner.<tailnet>.ts.net)
	if status.Self != nil {
		if dnsName := strings.TrimSuffix(status.Self.DNSName, "."); dnsName != "" {
			if port == 443 {
				urls = append(urls, "https://"+dnsName)
			} else {
				urls = append(urls, fmt.Sprintf("https://%s:%d", dnsName, port))
			}
		}
	}
	for _, ip := range status.TailscaleIPs {
		urls = append(urls, "https://"+net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return urls
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
