// Package config collects server settings from command-line flags with
// environment variable fallbacks.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
)

// Defaults.
const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8787
	DefaultGRPCPort  = 8788
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Config holds the server settings.
type Config struct {
	Host           string
	Port           int
	GRPCPort       int
	DefinitionsDir string
	DBPath         string
	MaxDepth       int
	LogLevel       string
	LogFormat      string
}

// RegisterFlags adds the server flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("port", 0, "HTTP server port (default 8787, env PORT)")
	fs.Int("grpc-port", 0, "gRPC server port (default 8788, env GRPC_PORT)")
	fs.String("host", "", "Bind address (default 0.0.0.0, env HOST)")
	fs.String("definitions-dir", "", "Directory of definition YAML/JSON files to load and watch (env DEFINITIONS_DIR)")
	fs.String("db", "", "bbolt database file for persisting definitions (env DB_PATH)")
	fs.Int("max-depth", 0, "Maximum expression nesting depth (default 256, env MAX_DEPTH)")
	fs.String("log-level", "", "Log level: debug, info, warn, error (default info, env LOG_LEVEL)")
	fs.String("log-format", "", "Log format: text or json (default text, env LOG_FORMAT)")
}

// Load reads the settings from fs, falling back to the environment and then
// to the defaults. Flags that were not registered are ignored.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		Host:           envOrDefault("HOST", DefaultHost),
		DefinitionsDir: os.Getenv("DEFINITIONS_DIR"),
		DBPath:         os.Getenv("DB_PATH"),
		LogLevel:       envOrDefault("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      envOrDefault("LOG_FORMAT", DefaultLogFormat),
	}

	var err error
	if cfg.Port, err = envInt("PORT", DefaultPort); err != nil {
		return nil, err
	}
	if cfg.GRPCPort, err = envInt("GRPC_PORT", DefaultGRPCPort); err != nil {
		return nil, err
	}
	if cfg.MaxDepth, err = envInt("MAX_DEPTH", expr.DefaultMaxDepth); err != nil {
		return nil, err
	}

	if fs != nil {
		overrideInt(fs, "port", &cfg.Port)
		overrideInt(fs, "grpc-port", &cfg.GRPCPort)
		overrideInt(fs, "max-depth", &cfg.MaxDepth)
		overrideString(fs, "host", &cfg.Host)
		overrideString(fs, "definitions-dir", &cfg.DefinitionsDir)
		overrideString(fs, "db", &cfg.DBPath)
		overrideString(fs, "log-level", &cfg.LogLevel)
		overrideString(fs, "log-format", &cfg.LogFormat)
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("grpc port %d out of range", c.GRPCPort))
	}
	if c.Port == c.GRPCPort {
		errs = append(errs, fmt.Errorf("port and grpc port must differ, both are %d", c.Port))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max depth must be positive, got %d", c.MaxDepth))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GRPCAddr returns the gRPC listen address.
func (c *Config) GRPCAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.GRPCPort))
}

// NewLogger builds a logger writing to w at the configured level and format.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func overrideInt(fs *pflag.FlagSet, name string, dst *int) {
	if fs.Lookup(name) == nil {
		return
	}
	if v, _ := fs.GetInt(name); v != 0 {
		*dst = v
	}
}

func overrideString(fs *pflag.FlagSet, name string, dst *string) {
	if fs.Lookup(name) == nil {
		return
	}
	if v, _ := fs.GetString(name); v != "" {
		*dst = v
	}
}
