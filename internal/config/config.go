// Package config loads and validates the transfer engine's recognized
// options: viper-backed layering of flags, environment, and an optional
// file, decoded into one sectioned Config struct with a Validate method
// that returns descriptive errors.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/compiledkernel-idk/kdl/internal/limiter"
)

// ErrInvalid is wrapped by Validate's returned error, so a caller can map
// a malformed configuration to the invalid-arguments exit code without
// string matching.
var ErrInvalid = errors.New("invalid configuration")

// OutputConfig controls where the downloaded bytes land.
type OutputConfig struct {
	// Path is a file or directory. If it names a directory, the filename
	// is derived from the first URL's final path component.
	Path string

	// Resume reuses an existing PartMap sidecar next to Path if one
	// validates against the current sources.
	Resume bool
}

// TransferConfig controls fan-out and pacing.
type TransferConfig struct {
	ConnectionsPerHost int
	UnsafeCap          int // overrides the 16-connection hard ceiling when > 0
	InitialSegments    int
	TimeoutSecs        int
	BandwidthLimit     string // raw config value; parsed via limiter.ParseRate
}

// VerifyConfig controls optional post-transfer checksum verification.
type VerifyConfig struct {
	SHA256 string // a 64-hex digest, or a path to a checksum file
}

// Config is the fully validated set of options a transfer run needs.
type Config struct {
	URL      string
	Mirrors  []string
	Output   OutputConfig
	Transfer TransferConfig
	Verify   VerifyConfig
}

const (
	defaultConnectionsPerHost = 16
	defaultInitialSegments    = 16
	defaultTimeoutSecs        = 30
	hardConnectionCeiling     = 16
)

// Load builds a Config by layering, in increasing priority: defaults,
// an optional config file at path (if non-empty), KDL_-prefixed
// environment variables, and explicit overrides already bound to v by
// the caller (e.g. cobra flags via v.BindPFlag).
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetDefault("connections_per_host", defaultConnectionsPerHost)
	v.SetDefault("initial_segments", defaultInitialSegments)
	v.SetDefault("timeout_secs", defaultTimeoutSecs)
	v.SetDefault("resume", true)

	v.SetEnvPrefix("kdl")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		URL:     v.GetString("url"),
		Mirrors: v.GetStringSlice("mirrors"),
		Output: OutputConfig{
			Path:   v.GetString("output_path"),
			Resume: v.GetBool("resume"),
		},
		Transfer: TransferConfig{
			ConnectionsPerHost: v.GetInt("connections_per_host"),
			UnsafeCap:          v.GetInt("unsafe_cap"),
			InitialSegments:    v.GetInt("initial_segments"),
			TimeoutSecs:        v.GetInt("timeout_secs"),
			BandwidthLimit:     v.GetString("bandwidth_limit"),
		},
		Verify: VerifyConfig{
			SHA256: v.GetString("sha256"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the Config describes a runnable transfer, returning
// a descriptive error naming the offending option on the first problem
// found.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url: at least one source URL is required", ErrInvalid)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("%w: output_path: must be set", ErrInvalid)
	}

	ceiling := hardConnectionCeiling
	if c.Transfer.UnsafeCap > 0 {
		ceiling = c.Transfer.UnsafeCap
	}
	if c.Transfer.ConnectionsPerHost < 1 {
		return fmt.Errorf("%w: connections_per_host: must be at least 1, got %d", ErrInvalid, c.Transfer.ConnectionsPerHost)
	}
	if c.Transfer.ConnectionsPerHost > ceiling {
		return fmt.Errorf("%w: connections_per_host: %d exceeds ceiling %d (set unsafe_cap to raise it)", ErrInvalid, c.Transfer.ConnectionsPerHost, ceiling)
	}

	if c.Transfer.InitialSegments < 1 {
		return fmt.Errorf("%w: initial_segments: must be at least 1, got %d", ErrInvalid, c.Transfer.InitialSegments)
	}
	if c.Transfer.TimeoutSecs < 1 {
		return fmt.Errorf("%w: timeout_secs: must be at least 1, got %d", ErrInvalid, c.Transfer.TimeoutSecs)
	}

	if c.Transfer.BandwidthLimit != "" {
		if _, err := limiter.ParseRate(c.Transfer.BandwidthLimit); err != nil {
			return fmt.Errorf("%w: bandwidth_limit: %w", ErrInvalid, err)
		}
	}

	return nil
}

// AllURLs returns the primary URL followed by every mirror, the list the
// Prober fans out across.
func (c *Config) AllURLs() []string {
	urls := make([]string, 0, 1+len(c.Mirrors))
	urls = append(urls, c.URL)
	urls = append(urls, c.Mirrors...)
	return urls
}
