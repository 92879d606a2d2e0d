// Command h264-push replays an Annex B .h264 file through a deskextend
// transport at a fixed frame rate, looping forever. It exercises a
// receiver without a screen or a hardware encoder.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bbarni2020/deskextend/annexb"
	"github.com/bbarni2020/deskextend/transport"
)

func main() {
	fileFlag := flag.String("file", "", "Annex B H.264 file to push")
	modeFlag := flag.String("mode", "network", "usb, network or hybrid")
	hostFlag := flag.String("host", "127.0.0.1", "receiver host")
	portFlag := flag.Int("port", transport.DefaultPort, "receiver port")
	protoFlag := flag.String("protocol", "tcp", "tcp, srt or quic")
	deviceFlag := flag.String("device", "", "USB serial device")
	fpsFlag := flag.Int("fps", 30, "access units per second")
	fpFlag := flag.String("fingerprint", "", "QUIC certificate fingerprint (hex)")
	flag.Parse()

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  h264-push --file capture.h264 --host 10.0.0.2\n")
		fmt.Fprintf(os.Stderr, "  h264-push --file capture.h264 --mode usb --device /dev/ttyACM0\n")
		os.Exit(1)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		os.Exit(1)
	}
	units := splitAccessUnits(data)
	if len(units) == 0 {
		fmt.Fprintf(os.Stderr, "No access units found in %s\n", filePath)
		os.Exit(1)
	}
	fmt.Printf("File: %s (%d access units, %.1fs at %d fps)\n",
		filePath, len(units), float64(len(units))/float64(*fpsFlag), *fpsFlag)

	kind, err := transport.ParseKind(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	mode := transport.Mode{
		Kind:       kind,
		DevicePath: *deviceFlag,
		Host:       *hostFlag,
		Port:       *portFlag,
		Protocol:   transport.Protocol(*protoFlag),
	}

	connected := make(chan bool, 16)
	tr, err := transport.New(mode, transport.Options{
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		CertFingerprint: *fpFlag,
		OnLog:           func(line string) { fmt.Println(line) },
		OnStatus: func(s transport.Status) {
			select {
			case connected <- s.Connected:
			default:
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	tr.Connect()
	defer tr.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interval := time.Second / time.Duration(max(*fpsFlag, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var up bool
	var sent, loops int
	lastLog := time.Now()
	const logInterval = 10 * time.Second
	for {
		select {
		case <-sigCh:
			fmt.Printf("Stopping after %d units\n", sent)
			return
		case up = <-connected:
			if up {
				// Restart at a keyframe so the receiver can decode at once.
				sent -= sent % len(units)
			}
		case <-ticker.C:
			if !up {
				continue
			}
			i := sent % len(units)
			if i == 0 && sent > 0 {
				loops++
			}
			tr.Send(units[i])
			sent++
			if time.Since(lastLog) >= logInterval {
				st := tr.Stats()
				fmt.Printf("loop=%d unit=%d/%d rate=%.2f Mb/s addr=%s\n",
					loops, i, len(units), st.BitrateMbps, st.Address)
				lastLog = time.Now()
			}
		}
	}
}

// splitAccessUnits groups the NAL units of an Annex B stream into access
// units, each re-encoded with 4-byte start codes. A new unit begins at an
// access unit delimiter, or at an SPS, PPS or SEI following a slice, or at
// a slice whose first_mb_in_slice is zero following a slice.
func splitAccessUnits(data []byte) [][]byte {
	var units [][]byte
	var cur []byte
	var haveSlice bool
	flush := func() {
		if len(cur) > 0 {
			units = append(units, cur)
		}
		cur, haveSlice = nil, false
	}
	for _, nal := range annexb.Parse(data) {
		if len(nal.Data) == 0 {
			continue
		}
		switch typ := nal.Data[0] & 0x1F; {
		case typ == 9:
			flush()
		case typ == 6 || typ == 7 || typ == 8:
			if haveSlice {
				flush()
			}
		case typ == 1 || typ == 5:
			firstMB := len(nal.Data) > 1 && nal.Data[1]&0x80 != 0
			if haveSlice && firstMB {
				flush()
			}
			haveSlice = true
		}
		cur = append(cur, annexb.StartCode...)
		cur = append(cur, nal.Data...)
	}
	flush()
	return units
}
