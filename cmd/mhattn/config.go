package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/logger"
)

// Config represents the mhattn configuration file (~/.config/mhattn/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Device
	GemmBackend string `yaml:"gemm_backend"`
	Workers     *int64 `yaml:"workers"`
	Handles     *int64 `yaml:"handles"`

	// Numeric mode override for run and serve (float, int8).
	Mode string `yaml:"mode"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// cfg is loaded once in setup and read by the subcommands.
var cfg Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mhattn", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; an explicit path must exist.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// setup loads the config file and installs the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	c, err := LoadConfig(configFile)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	cfg = c
	applyLoggingConfig(cmd, cfg)

	if debug {
		logLevel = "debug"
	}
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, logger.Open(os.Stderr, format, level)), nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyDeviceConfig applies config file defaults to the device flags when the
// corresponding flag was not explicitly set.
func applyDeviceConfig(c *cli.Command, cfg Config) {
	if cfg.GemmBackend != "" && !c.IsSet("gemm-backend") {
		gemmBackend = cfg.GemmBackend
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applyModeConfig applies the config file's mode when --mode was not set.
func applyModeConfig(c *cli.Command, cfg Config, mode *string) {
	if cfg.Mode != "" && !c.IsSet("mode") {
		*mode = cfg.Mode
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, handles *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.Handles != nil && !c.IsSet("handles") {
		*handles = *cfg.Handles
	}
}

func handleOptions(log logger.Logger) (device.HandleOptions, error) {
	b, err := device.ParseBackend(gemmBackend)
	if err != nil {
		return device.HandleOptions{}, err
	}
	return device.HandleOptions{Backend: b, Workers: int(workers), Logger: log}, nil
}
