package pipeline

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bbarni2020/deskextend/annexb"
	"github.com/bbarni2020/deskextend/capture"
	"github.com/bbarni2020/deskextend/receiver"
	"github.com/bbarni2020/deskextend/transport"
)

type received struct {
	mu    sync.Mutex
	units [][]byte
}

func (r *received) add(_ string, unit []byte) {
	r.mu.Lock()
	r.units = append(r.units, append([]byte(nil), unit...))
	r.mu.Unlock()
}

func (r *received) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.units...)
}

func startReceiver(t *testing.T, got *received) (*receiver.Server, context.CancelFunc) {
	t.Helper()
	srv := receiver.NewServer(receiver.Config{Addr: "127.0.0.1:0"}, got.add, quietLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return srv, stop
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func TestEndToEndPatternOverTCP(t *testing.T) {
	t.Parallel()
	got := &received{}
	srv, _ := startReceiver(t, got)
	host, port := hostPort(t, srv.Addr())

	var statsMu sync.Mutex
	var stats []Snapshot
	src := capture.NewPatternSource(testConfig.Width, testConfig.Height, quietLogger())
	ctrl := NewController(src, Options{
		Opener: stubOpener,
		Callbacks: Callbacks{
			OnStats: func(s Snapshot) {
				statsMu.Lock()
				stats = append(stats, s)
				statsMu.Unlock()
			},
		},
		StatsInterval: 50 * time.Millisecond,
		Logger:        quietLogger(),
	})
	t.Cleanup(ctrl.Stop)

	req := Request{Mode: transport.Network(host, port), Config: testConfig}
	if err := ctrl.Connect(context.Background(), req); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "ten units at the receiver", func() bool { return len(got.snapshot()) >= 10 })

	units := got.snapshot()
	if !annexb.StartsWithSPS(units[0]) {
		t.Error("first received unit does not start with SPS")
	}
	if !annexb.ContainsKeyframe(units[0]) {
		t.Error("first received unit is not a keyframe")
	}
	for i, u := range units[1:] {
		if annexb.StartsWithSPS(u) {
			t.Errorf("unit %d repeats parameter sets without a keyframe", i+1)
		}
	}

	waitFor(t, "stats", func() bool {
		statsMu.Lock()
		defer statsMu.Unlock()
		return len(stats) >= 2
	})
	statsMu.Lock()
	last := stats[len(stats)-1]
	statsMu.Unlock()
	if !last.Connected || last.Address != net.JoinHostPort(host, strconv.Itoa(port)) {
		t.Errorf("stats link = connected %v address %q", last.Connected, last.Address)
	}
	if last.FramesEncoded == 0 {
		t.Error("stats report no encoded frames")
	}
	maxMbps := float64(testConfig.BitrateBps) * 1.5 / 1e6
	statsMu.Lock()
	for _, s := range stats {
		if s.BitrateMbps < 0 || s.BitrateMbps > maxMbps {
			t.Errorf("bitrate = %.3f Mb/s, want within [0, %.3f]", s.BitrateMbps, maxMbps)
		}
	}
	statsMu.Unlock()

	peers := srv.Peers()
	if len(peers) != 1 {
		t.Fatalf("receiver has %d peers, want 1", len(peers))
	}
	if peers[0].Keyframes != 1 {
		t.Errorf("receiver saw %d keyframes, want 1", peers[0].Keyframes)
	}
}

func TestEndToEndReceiverRestart(t *testing.T) {
	t.Parallel()
	got := &received{}
	srv, stopFirst := startReceiver(t, got)
	addr := srv.Addr()
	host, port := hostPort(t, addr)

	src := capture.NewPatternSource(testConfig.Width, testConfig.Height, quietLogger())
	var statusMu sync.Mutex
	var statuses []bool
	ctrl := NewController(src, Options{
		Opener: stubOpener,
		Callbacks: Callbacks{
			OnStatus: func(connected bool, _ string) {
				statusMu.Lock()
				statuses = append(statuses, connected)
				statusMu.Unlock()
			},
		},
		TransportOptions: transport.Options{ReconnectDelay: 50 * time.Millisecond},
		Logger:           quietLogger(),
	})
	t.Cleanup(ctrl.Stop)

	req := Request{Mode: transport.Network(host, port), Config: testConfig}
	if err := ctrl.Connect(context.Background(), req); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "first units", func() bool { return len(got.snapshot()) >= 3 })

	stopFirst()
	waitFor(t, "capture paused", func() bool { return ctrl.State() == StateConnecting })

	// Rebind the same port; the transport keeps retrying until it succeeds.
	second := &received{}
	srv2 := receiver.NewServer(receiver.Config{Addr: addr}, second.add, quietLogger())
	var err error
	for i := 0; i < 50; i++ {
		if err = srv2.Listen(); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv2.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "units after reconnect", func() bool { return len(second.snapshot()) >= 3 })
	if first := second.snapshot()[0]; !annexb.StartsWithSPS(first) {
		t.Error("first unit after reconnect does not carry parameter sets")
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	// Every refused redial reports disconnected again, so only the shape
	// is fixed: connected, one or more disconnects, connected.
	if len(statuses) < 3 || !statuses[0] || statuses[1] || !statuses[len(statuses)-1] {
		t.Errorf("statuses = %v, want connected, disconnected..., connected", statuses)
	}
}

func TestHybridFallsBackToNetworkAfterRetry(t *testing.T) {
	t.Parallel()
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := reserved.Addr().String()
	reserved.Close()
	host, port := hostPort(t, addr)

	src := &fakeSource{displays: []capture.Display{{Index: 0}}}
	ev := &events{}
	ctrl := NewController(src, Options{
		Opener:           stubOpener,
		Callbacks:        ev.callbacks(),
		TransportOptions: transport.Options{ReconnectDelay: 50 * time.Millisecond},
		Logger:           quietLogger(),
	})
	t.Cleanup(ctrl.Stop)

	usbPath := filepath.Join(t.TempDir(), "missing")
	req := Request{Mode: transport.Hybrid(usbPath, host, port), Config: testConfig}
	if err := ctrl.Connect(context.Background(), req); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "first network failure", func() bool { return len(ev.linesContaining("Connection failed")) > 0 })
	if starts, _ := src.counts(); starts != 0 {
		t.Fatalf("capture started with no link up")
	}

	var ln net.Listener
	for i := 0; i < 50; i++ {
		if ln, err = net.Listen("tcp", addr); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	waitFor(t, "capturing over the network", func() bool { return ctrl.State() == StateCapturing })
	time.Sleep(100 * time.Millisecond)
	if starts, _ := src.counts(); starts != 1 {
		t.Errorf("capture starts = %d, want 1", starts)
	}
	st := ev.statusList()
	if len(st) != 1 || !st[0].Connected || st[0].Address != addr {
		t.Errorf("statuses = %+v, want one connect to %s", st, addr)
	}
}
