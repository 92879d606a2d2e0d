package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bbarni2020/deskextend/capture"
	"github.com/bbarni2020/deskextend/config"
	"github.com/bbarni2020/deskextend/encoder"
	"github.com/bbarni2020/deskextend/pipeline"
	"github.com/bbarni2020/deskextend/transport"
)

var version = "dev"

var errSessionEnded = errors.New("session ended")

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	configPath := flag.String("config", envOr("DESKEXTEND_CONFIG", ""), "path to the YAML config file")
	listDevices := flag.Bool("list-devices", false, "list USB serial devices and exit")
	listDisplays := flag.Bool("list-displays", false, "list capturable displays and exit")
	encoderName := flag.String("encoder", "", "encoder backend (overrides config)")
	sourceName := flag.String("source", "", "frame source: screenshot, gst or pattern (overrides config)")
	statsJSON := flag.Bool("stats-json", false, "print stats snapshots as JSON lines on stdout")
	flag.Parse()

	if *listDevices {
		if err := printDevices(); err != nil {
			slog.Error("device scan failed", "error", err)
			os.Exit(1)
		}
		return
	}
	if *listDisplays {
		if err := printDisplays(*sourceName); err != nil {
			slog.Error("display listing failed", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *encoderName != "" {
		cfg.Encoder = *encoderName
	}
	if *sourceName != "" {
		cfg.Source = *sourceName
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	req, err := cfg.Request()
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	open, err := encoder.Lookup(cfg.Encoder)
	if err != nil {
		slog.Error("encoder unavailable", "error", err)
		os.Exit(1)
	}
	src, err := capture.Open(cfg.Source, cfg.Display.Width, cfg.Display.Height, nil)
	if err != nil {
		slog.Error("capture source unavailable", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("deskextend starting",
		"version", version,
		"mode", req.Mode.String(),
		"source", cfg.Source,
		"encoder", cfg.Encoder,
		"resolution", req.Config.Resolution(),
		"fps", req.Config.FPS,
	)

	ctrl := pipeline.NewController(src, pipeline.Options{
		Opener:           open,
		Callbacks:        callbacks(*statsJSON),
		StatsInterval:    cfg.StatsInterval(),
		TransportOptions: cfg.TransportOptions(),
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctrl.Connect(ctx, req); err != nil {
			return err
		}
		<-ctx.Done()
		ctrl.Stop()
		return nil
	})

	// A session that tears itself down (capture refused to start) ends the
	// process instead of idling.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if ctrl.State() == pipeline.StateIdle {
					return errSessionEnded
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("sender error", "error", err)
		os.Exit(1)
	}
}

func callbacks(statsJSON bool) pipeline.Callbacks {
	enc := json.NewEncoder(os.Stdout)
	return pipeline.Callbacks{
		OnStatus: func(connected bool, address string) {
			slog.Info("link status", "connected", connected, "address", address)
		},
		OnLog: func(line string) {
			fmt.Fprintf(os.Stderr, "%s %s\n", time.Now().Format("15:04:05"), line)
		},
		OnStats: func(s pipeline.Snapshot) {
			if statsJSON {
				_ = enc.Encode(s)
				return
			}
			slog.Info("stats",
				"address", s.Address,
				"bitrate_mbps", fmt.Sprintf("%.2f", s.BitrateMbps),
				"fps", fmt.Sprintf("%.1f/%d", s.MeasuredFPS, s.FPS),
				"resolution", s.Resolution,
				"encoded", s.FramesEncoded,
				"dropped", s.FramesDropped,
				"uptime", s.Uptime().Truncate(time.Second),
			)
		},
	}
}

func printDevices() error {
	found, err := transport.ScanDevices("/dev", transport.DefaultDevicePrefixes)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no USB serial devices found")
		return nil
	}
	for _, d := range found {
		fmt.Println(d)
	}
	return nil
}

func printDisplays(sourceName string) error {
	src, err := capture.Open(sourceName, 1920, 1080, nil)
	if err != nil {
		return err
	}
	l, ok := src.(capture.Lister)
	if !ok {
		return fmt.Errorf("source %q cannot list displays", sourceName)
	}
	displays, err := l.Displays()
	if err != nil {
		return err
	}
	for _, d := range displays {
		primary := ""
		if d.Primary {
			primary = " (primary)"
		}
		fmt.Printf("%d: %s %dx%d%s\n", d.Index, d.Name, d.Width, d.Height, primary)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
