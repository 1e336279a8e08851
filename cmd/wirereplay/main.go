// Command wirereplay replays a captured client command stream against a
// GPU device and reports the resulting server state.
//
// Usage:
//
//	wirereplay [-config wirereplay.toml] [-backend noop] [-replies out.bin] [-snapshot state.cbor] capture.bin
//
// The SHA-256 of the canonical state snapshot is printed on success, so two
// replays of the same capture can be compared by their last line.
package main

import (
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/gpuwire"
	"github.com/gogpu/gpuwire/native/halnative"
	"github.com/gogpu/gpuwire/protocol"
	"github.com/gogpu/gpuwire/server"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("wirereplay: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("wirereplay", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "TOML configuration file")
		backend    = fs.String("backend", "", "native backend: noop or vulkan")
		replies    = fs.String("replies", "", "write the reply stream to this file")
		snapshot   = fs.String("snapshot", "", "write the CBOR state snapshot to this file")
		verbose    = fs.Bool("v", false, "log server diagnostics to stderr")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected exactly one capture file")
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *replies != "" {
		cfg.Output.Replies = *replies
	}
	if *snapshot != "" {
		cfg.Output.Snapshot = *snapshot
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *verbose {
		gpuwire.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	frames, err := ReadFrames(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Release()

	res, err := replay(dev, frames, cfg)
	if err != nil {
		return err
	}
	if err := writeOutputs(cfg.Output, res); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "frames:    %d\n", len(frames))
	fmt.Fprintf(stdout, "consumed:  %d bytes\n", res.consumed)
	fmt.Fprintf(stdout, "replies:   %d bytes\n", len(res.replies))
	fmt.Fprintf(stdout, "lost:      %v\n", res.lost)
	fmt.Fprintf(stdout, "snapshot:  %x\n", sha256.Sum256(res.snapshot))
	return res.err
}

func openDevice(cfg Config) (*halnative.Device, error) {
	opts := []halnative.Option{halnative.WithLabel(cfg.Label)}
	if cfg.FenceTimeout > 0 {
		opts = append(opts, halnative.WithFenceTimeout(cfg.FenceTimeout))
	}
	if cfg.Backend == backendVulkan {
		return halnative.NewVulkan(opts...)
	}
	return halnative.NewNoop(opts...)
}

type result struct {
	consumed int
	lost     bool
	replies  []byte
	snapshot []byte

	// err is the fatal command error that ended the replay early, if any.
	err error
}

// replay feeds frames to a fresh server, waits for outstanding requests
// and captures the final state before closing the server.
func replay(dev *halnative.Device, frames [][]byte, cfg Config) (*result, error) {
	out := protocol.NewBufferSerializer()
	srv, err := server.New(dev, out,
		server.WithMaxTrailingBytes(cfg.MaxTrailingBytes),
		server.WithMaxObjectsPerType(cfg.MaxObjectsPerType),
		server.WithMaxSubmitCount(cfg.MaxSubmitCount),
	)
	if err != nil {
		return nil, err
	}

	res := &result{}
	for i, frame := range frames {
		n, err := srv.HandleCommands(frame)
		res.consumed += n
		if err != nil {
			res.err = fmt.Errorf("frame %d: %w", i, err)
			break
		}
	}
	if res.err == nil {
		drain(srv, cfg.DrainTimeout)
	}

	res.lost = srv.DeviceLost()
	if res.snapshot, err = srv.MarshalSnapshot(); err != nil {
		_ = srv.Close()
		return nil, err
	}
	if err := srv.Close(); err != nil {
		return nil, err
	}
	res.replies = out.Take()
	return res, nil
}

// drain ticks the device until every pending request has completed or the
// timeout expires.
func drain(srv *server.Server, timeout time.Duration) {
	tick := protocol.Encode(protocol.DeviceTickCmd{Device: server.DeviceID})
	deadline := time.Now().Add(timeout)
	for srv.PendingRequests() > 0 && time.Now().Before(deadline) {
		if _, err := srv.HandleCommands(tick); err != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func writeOutputs(o Output, res *result) error {
	if o.Replies != "" {
		if err := os.WriteFile(o.Replies, res.replies, 0o644); err != nil {
			return err
		}
	}
	if o.Snapshot != "" {
		if err := os.WriteFile(o.Snapshot, res.snapshot, 0o644); err != nil {
			return err
		}
	}
	return nil
}
