package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	return &Config{
		URL: "http://example.com/file.bin",
		Output: OutputConfig{
			Path: "/tmp/file.bin",
		},
		Transfer: TransferConfig{
			ConnectionsPerHost: 16,
			InitialSegments:    16,
			TimeoutSecs:        30,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		errContains string
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:        "missing url",
			mutate:      func(c *Config) { c.URL = "" },
			wantErr:     true,
			errContains: "url",
		},
		{
			name:        "missing output path",
			mutate:      func(c *Config) { c.Output.Path = "" },
			wantErr:     true,
			errContains: "output_path",
		},
		{
			name:        "zero connections per host",
			mutate:      func(c *Config) { c.Transfer.ConnectionsPerHost = 0 },
			wantErr:     true,
			errContains: "connections_per_host",
		},
		{
			name:        "connections per host over hard ceiling",
			mutate:      func(c *Config) { c.Transfer.ConnectionsPerHost = 32 },
			wantErr:     true,
			errContains: "ceiling",
		},
		{
			name: "connections per host over ceiling allowed with unsafe_cap",
			mutate: func(c *Config) {
				c.Transfer.ConnectionsPerHost = 32
				c.Transfer.UnsafeCap = 64
			},
			wantErr: false,
		},
		{
			name:        "zero initial segments",
			mutate:      func(c *Config) { c.Transfer.InitialSegments = 0 },
			wantErr:     true,
			errContains: "initial_segments",
		},
		{
			name:        "zero timeout",
			mutate:      func(c *Config) { c.Transfer.TimeoutSecs = 0 },
			wantErr:     true,
			errContains: "timeout_secs",
		},
		{
			name:    "valid bandwidth limit",
			mutate:  func(c *Config) { c.Transfer.BandwidthLimit = "5M" },
			wantErr: false,
		},
		{
			name:        "invalid bandwidth limit",
			mutate:      func(c *Config) { c.Transfer.BandwidthLimit = "not-a-rate" },
			wantErr:     true,
			errContains: "bandwidth_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfig_AllURLs_IncludesMirrors(t *testing.T) {
	cfg := baseConfig()
	cfg.Mirrors = []string{"http://mirror1/file.bin", "http://mirror2/file.bin"}

	urls := cfg.AllURLs()
	assert.Equal(t, []string{
		"http://example.com/file.bin",
		"http://mirror1/file.bin",
		"http://mirror2/file.bin",
	}, urls)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	v := viper.New()
	v.Set("url", "http://example.com/file.bin")
	v.Set("output_path", "/tmp/out.bin")

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, defaultConnectionsPerHost, cfg.Transfer.ConnectionsPerHost)
	assert.Equal(t, defaultInitialSegments, cfg.Transfer.InitialSegments)
	assert.Equal(t, defaultTimeoutSecs, cfg.Transfer.TimeoutSecs)
	assert.True(t, cfg.Output.Resume)
}

func TestLoad_MissingURLFailsValidation(t *testing.T) {
	v := viper.New()
	v.Set("output_path", "/tmp/out.bin")

	_, err := Load(v, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}
