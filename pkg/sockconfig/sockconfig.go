// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// client settings: defaults, settings.yaml, .env and CMDSOCK_* variables, in that order
package sockconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SettingsFileName = "settings.yaml"
	DefaultUrl       = "ws://localhost:8080/cmd-socket"
	DefaultCodec     = "msgpack"

	EnvConfigHome       = "CMDSOCK_CONFIG_HOME"
	EnvUrl              = "CMDSOCK_URL"
	EnvSessId           = "CMDSOCK_SESSID"
	EnvCodec            = "CMDSOCK_CODEC"
	EnvDebug            = "CMDSOCK_DEBUG"
	EnvPingInterval     = "CMDSOCK_PING_INTERVAL"
	EnvHandshakeTimeout = "CMDSOCK_HANDSHAKE_TIMEOUT"
)

type Config struct {
	Url              string            `yaml:"url"`
	SessId           string            `yaml:"sessid"`
	Codec            string            `yaml:"codec"`
	Debug            bool              `yaml:"debug"`
	PingInterval     time.Duration     `yaml:"pinginterval"`
	HandshakeTimeout time.Duration     `yaml:"handshaketimeout"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
}

func Defaults() Config {
	return Config{
		Url:              DefaultUrl,
		Codec:            DefaultCodec,
		PingInterval:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// ConfigDir is $CMDSOCK_CONFIG_HOME, or ~/.config/cmdsock
func ConfigDir() string {
	if dir := os.Getenv(EnvConfigHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "cmdsock")
	}
	return filepath.Join(home, ".config", "cmdsock")
}

func SettingsPath() string {
	return filepath.Join(ConfigDir(), SettingsFileName)
}

type LoadOpts struct {
	SettingsPath string // empty means SettingsPath()
	DotEnvPath   string // empty means ".env"
	SkipDotEnv   bool
}

// Load layers the settings file, the .env file and the process environment over Defaults.
// Missing files are fine, malformed ones are errors.
func Load(opts LoadOpts) (Config, error) {
	cfg := Defaults()
	settingsPath := opts.SettingsPath
	if settingsPath == "" {
		settingsPath = SettingsPath()
	}
	if err := readSettingsFile(settingsPath, &cfg); err != nil {
		return cfg, err
	}
	env := make(map[string]string)
	if !opts.SkipDotEnv {
		dotEnvPath := opts.DotEnvPath
		if dotEnvPath == "" {
			dotEnvPath = ".env"
		}
		fileEnv, err := godotenv.Read(dotEnvPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("cannot read %s: %w", dotEnvPath, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, key := range []string{EnvUrl, EnvSessId, EnvCodec, EnvDebug, EnvPingInterval, EnvHandshakeTimeout} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	if err := applyEnv(&cfg, env); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readSettingsFile(settingsPath string, cfg *Config) error {
	barr, err := os.ReadFile(settingsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read settings file: %w", err)
	}
	if err := yaml.Unmarshal(barr, cfg); err != nil {
		return fmt.Errorf("cannot parse %s: %w", settingsPath, err)
	}
	return nil
}

func applyEnv(cfg *Config, env map[string]string) error {
	if v := env[EnvUrl]; v != "" {
		cfg.Url = v
	}
	if v := env[EnvSessId]; v != "" {
		cfg.SessId = v
	}
	if v := env[EnvCodec]; v != "" {
		cfg.Codec = strings.ToLower(v)
	}
	if v := env[EnvDebug]; v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvDebug, v, err)
		}
		cfg.Debug = debug
	}
	for key, dest := range map[string]*time.Duration{
		EnvPingInterval:     &cfg.PingInterval,
		EnvHandshakeTimeout: &cfg.HandshakeTimeout,
	} {
		v := env[key]
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dest = dur
	}
	return nil
}
