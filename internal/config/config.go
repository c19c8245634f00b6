// Package config loads xtrieved's server configuration: flag defaults
// overridden by a HuJSON config file, in turn overridden by whatever the
// caller passed explicitly on the command line.
//
// Grounded on _examples/cuemby-warren/cmd/warren/main.go's cobra
// persistent-flags + cobra.OnInitialize shape, and on
// _examples/calvinalkan-agent-task/config.go's hujson.Standardize-then-
// json.Unmarshal loading pattern.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"
)

// Config holds everything cmd/xtrieved needs to start serving.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	MetricsAddr   string `json:"metrics_addr"`
	DataDir       string `json:"data_dir"`
	PageCacheSize int    `json:"page_cache_size"`
	LogLevel      string `json:"log_level"`
	LogJSON       bool   `json:"log_json"`
}

// Default returns the configuration xtrieved starts with before any
// config file or flag is applied.
func Default() Config {
	return Config{
		ListenAddr:    ":3351",
		MetricsAddr:   ":9351",
		DataDir:       ".",
		PageCacheSize: 4096,
		LogLevel:      "info",
		LogJSON:       false,
	}
}

// RegisterFlags attaches the flags that FromFlags reads back. cmd is
// typically a cobra root command's PersistentFlags owner.
func RegisterFlags(cmd *cobra.Command) {
	d := Default()
	cmd.PersistentFlags().String("config", "", "path to a HuJSON config file")
	cmd.PersistentFlags().String("listen", d.ListenAddr, "address the server listens on")
	cmd.PersistentFlags().String("metrics-addr", d.MetricsAddr, "address the Prometheus /metrics endpoint listens on")
	cmd.PersistentFlags().String("data-dir", d.DataDir, "directory containing .xtr data files")
	cmd.PersistentFlags().Int("page-cache-size", d.PageCacheSize, "number of pages held per open file's clean-page cache")
	cmd.PersistentFlags().String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", d.LogJSON, "emit logs as JSON instead of a console writer")
}

// FromFlags reads cmd's persistent flags into a Config, starting from
// Default() and then the config file named by --config (if any), then
// applying every flag the caller actually set on the command line (so an
// unset flag never clobbers a config-file value with its own default).
func FromFlags(cmd *cobra.Command) (Config, error) {
	cfg := Default()

	if path, _ := cmd.PersistentFlags().GetString("config"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}

	flags := cmd.PersistentFlags()
	if flags.Changed("listen") {
		cfg.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("page-cache-size") {
		cfg.PageCacheSize, _ = flags.GetInt("page-cache-size")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	return cfg, nil
}

// LoadFile reads a HuJSON (JSON with comments and trailing commas)
// config file, starting from Default() so a file only needs to set the
// fields it wants to override.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s is not valid HuJSON: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}
