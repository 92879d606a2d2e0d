package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bbarni2020/deskextend/annexb"
	"github.com/bbarni2020/deskextend/certs"
	"github.com/bbarni2020/deskextend/receiver"
	"github.com/bbarni2020/deskextend/transport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := flag.String("addr", envOr("DESKRECV_ADDR", ":5900"), "listen address")
	protocol := flag.String("protocol", envOr("DESKRECV_PROTOCOL", "tcp"), "tcp, srt or quic")
	out := flag.String("out", "", "write the received Annex B stream to this file (- for stdout)")
	statsEvery := flag.Duration("stats", 5*time.Second, "peer stats log interval (0 disables)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cfg := receiver.Config{Addr: *addr, Protocol: transport.Protocol(*protocol)}
	if cfg.Protocol == transport.ProtocolQUIC {
		cert, err := certs.Generate(14 * 24 * time.Hour)
		if err != nil {
			slog.Error("failed to generate cert", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		cfg.Cert = cert
	}

	sink, closeSink, err := openSink(*out)
	if err != nil {
		slog.Error("failed to open output", "error", err)
		os.Exit(1)
	}
	defer closeSink()

	w := &unitWriter{w: sink}
	srv := receiver.NewServer(cfg, w.write, nil)
	if err := srv.Listen(); err != nil {
		slog.Error("listen failed", "error", err)
		os.Exit(1)
	}
	slog.Info("deskrecv starting", "version", version, "addr", srv.Addr(), "protocol", *protocol)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if *statsEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					for _, p := range srv.Peers() {
						slog.Info("peer",
							"remote", p.RemoteAddr,
							"units", p.Units,
							"keyframes", p.Keyframes,
							"bytes", p.BytesReceived,
							"uptime_ms", p.UptimeMs,
						)
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("receiver error", "error", err)
		os.Exit(1)
	}
}

// unitWriter appends received units to the output and logs the stream
// format the first time parameter sets arrive.
type unitWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	logged bool
}

func (u *unitWriter) write(peer string, unit []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.logged && annexb.StartsWithSPS(unit) {
		var nalus [][]byte
		for _, n := range annexb.Parse(unit) {
			nalus = append(nalus, n.Data)
		}
		if info, err := annexb.Describe(annexb.ExtractParameterSets(nalus)); err == nil {
			slog.Info("stream format", "peer", peer, "codec", info.CodecString(), "width", info.Width, "height", info.Height)
			u.logged = true
		}
	}
	if u.w == nil {
		return
	}
	if _, err := u.w.Write(unit); err != nil {
		slog.Warn("output write failed", "error", err)
		return
	}
	if annexb.ContainsKeyframe(unit) {
		_ = u.w.Flush()
	}
}

func openSink(path string) (*bufio.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		w := bufio.NewWriter(os.Stdout)
		return w, func() { _ = w.Flush() }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	return w, func() {
		_ = w.Flush()
		_ = f.Close()
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
