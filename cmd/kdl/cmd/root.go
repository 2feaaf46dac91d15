package cmd

import (
	"errors"
	"log/slog"
	"os"

	"github.com/compiledkernel-idk/kdl/internal/checksum"
	"github.com/compiledkernel-idk/kdl/internal/config"
	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
	"github.com/spf13/cobra"
)

// configFile is the optional path to a config file, bound by the root
// command's persistent flag and read by every subcommand via
// config.Load.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "kdl",
	Short: "A segmented, resumable, multi-source downloader",
	Long:  `kdl fetches a file over one or more HTTP sources using range requests, splitting it into segments fetched in parallel and resuming from a sidecar file if interrupted.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml, json, toml)")
}

// Execute runs the root command, returning the terminal error (if any) for
// main to report and map to an exit code.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCodeFor maps a terminal error to a process exit code via
// kdlerr.ExitCode, defaulting to 1 for errors not expressed in that
// vocabulary.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, checksum.ErrMismatch) {
		return 3
	}
	if errors.Is(err, config.ErrInvalid) {
		return 4
	}
	var kerr *kdlerr.Error
	if errors.As(err, &kerr) {
		return kdlerr.ExitCode(kerr.Kind)
	}
	var result kdlerr.Result
	if errors.As(err, &result) {
		return kdlerr.ExitCode(result.Kind)
	}
	return 1
}

func logger(component string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", component)
}
