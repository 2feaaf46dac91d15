package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/compiledkernel-idk/kdl/internal/checksum"
	"github.com/compiledkernel-idk/kdl/internal/config"
	"github.com/compiledkernel-idk/kdl/internal/eventbus"
	"github.com/compiledkernel-idk/kdl/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var getFlags struct {
	output      string
	mirrors     []string
	connections int
	unsafeCap   int
	segments    int
	timeout     int
	bandwidth   string
	resume      bool
	sha256      string
	jsonLines   bool
}

func init() {
	getCmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	getCmd.Flags().StringVarP(&getFlags.output, "output", "o", "", "output file or directory (default: current directory)")
	getCmd.Flags().StringArrayVar(&getFlags.mirrors, "mirror", nil, "additional source URL for the same content, may repeat")
	getCmd.Flags().IntVar(&getFlags.connections, "connections", 0, "max connections per host (0 = default)")
	getCmd.Flags().IntVar(&getFlags.unsafeCap, "unsafe-cap", 0, "raise the connections-per-host ceiling above the default 16")
	getCmd.Flags().IntVar(&getFlags.segments, "segments", 0, "initial segment count (0 = default)")
	getCmd.Flags().IntVar(&getFlags.timeout, "timeout", 0, "per-request timeout in seconds (0 = default)")
	getCmd.Flags().StringVar(&getFlags.bandwidth, "bandwidth-limit", "", "cap total throughput, e.g. 5M, 500K/s")
	getCmd.Flags().BoolVar(&getFlags.resume, "resume", true, "resume from an existing sidecar file if present")
	getCmd.Flags().StringVar(&getFlags.sha256, "sha256", "", "verify against a 64-hex digest or checksum file after completion")
	getCmd.Flags().BoolVar(&getFlags.jsonLines, "json", false, "emit newline-delimited JSON events instead of a progress line")

	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	url := args[0]

	v := viper.New()
	v.Set("url", url)
	if getFlags.output != "" {
		v.Set("output_path", getFlags.output)
	} else {
		v.Set("output_path", ".")
	}
	if len(getFlags.mirrors) > 0 {
		v.Set("mirrors", getFlags.mirrors)
	}
	if getFlags.connections > 0 {
		v.Set("connections_per_host", getFlags.connections)
	}
	if getFlags.unsafeCap > 0 {
		v.Set("unsafe_cap", getFlags.unsafeCap)
	}
	if getFlags.segments > 0 {
		v.Set("initial_segments", getFlags.segments)
	}
	if getFlags.timeout > 0 {
		v.Set("timeout_secs", getFlags.timeout)
	}
	if getFlags.bandwidth != "" {
		v.Set("bandwidth_limit", getFlags.bandwidth)
	}
	v.Set("resume", getFlags.resume)
	if getFlags.sha256 != "" {
		v.Set("sha256", getFlags.sha256)
	}

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	bus := eventbus.New()
	t := transfer.New(cfg, bus, nil)

	events, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go consumeEvents(events, getFlags.jsonLines, done)

	outputPath, runErr := t.Run(ctx)
	bus.Close()
	<-done

	if runErr != nil {
		return runErr
	}

	if cfg.Verify.SHA256 != "" {
		log := logger("checksum")
		log.InfoContext(ctx, "verifying checksum", "output", outputPath)
		if err := checksum.Verify(outputPath, cfg.Verify.SHA256); err != nil {
			return err
		}
	}

	fmt.Printf("saved %s\n", outputPath)
	return nil
}

// consumeEvents drains the event channel until it closes, rendering each
// event either as a JSON line or a human-readable progress line.
func consumeEvents(events <-chan eventbus.Event, asJSON bool, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			_ = enc.Encode(ev)
			continue
		}
		renderHuman(ev)
	}
}

func renderHuman(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.KindStarted:
		fmt.Printf("starting download: %s total\n", humanize.Bytes(uint64(ev.Started.Total)))
	case eventbus.KindProgress:
		p := ev.Progress
		fmt.Printf("\r%s done, %s/s, %d active, %d pending, parallelism %d",
			humanize.Bytes(uint64(p.BytesDone)), humanize.Bytes(uint64(p.Throughput)), p.Active, p.Pending, p.TargetParallelism)
	case eventbus.KindSourceDemoted:
		fmt.Printf("\nsource demoted: %s (%s)\n", ev.SourceDemoted.URL, ev.SourceDemoted.Reason)
	case eventbus.KindCompleted:
		fmt.Printf("\ndone: %s\n", humanize.Bytes(uint64(ev.Completed.Bytes)))
	case eventbus.KindFailed:
		fmt.Printf("\nfailed: %s: %s\n", ev.Failed.Kind, ev.Failed.Message)
	}
}
