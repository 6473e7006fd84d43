package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/voxbridge/voxbridge/internal/tools/mcpbridge"
)

// ValidProviderNames lists the backend provider names shipped with the
// server. Used by [Validate] to warn about unrecognised names; unknown
// names are not an error because third-party factories may be registered.
var ValidProviderNames = []string{"bedrock", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied. It is a
// convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals. An empty document yields
// the same config as [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := fromEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config built from environment variables and defaults
// alone, for running without a config file.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := fromEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromEnv overrides config fields from the process environment. Variables
// win over file values so that deployments driving the proxy through
// HOST/PORT/AWS_DEFAULT_REGION keep working when a config file appears.
func fromEnv(cfg *Config) error {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT %q is not a number: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
		cfg.Backend.Region = v
	}
	return nil
}

// applyDefaults fills unset fields with the package defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = DefaultProvider
	}
	if cfg.Backend.Region == "" {
		cfg.Backend.Region = DefaultRegion
	}
	if cfg.Backend.ModelID == "" {
		cfg.Backend.ModelID = DefaultModelID
	}
	if cfg.Audio.VoiceID == "" {
		cfg.Audio.VoiceID = DefaultVoiceID
	}
}

// Validate checks that cfg contains a coherent set of values. Defaults are
// expected to have been applied already. It returns a joined error listing
// all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}

	// Backend. Unknown provider names warn instead of failing so that
	// third-party factories registered at wiring time still work.
	if cfg.Backend.Provider != "" && !slices.Contains(ValidProviderNames, cfg.Backend.Provider) {
		slog.Warn("unknown backend provider name, may be a typo or third-party provider",
			"name", cfg.Backend.Provider,
			"known", ValidProviderNames,
		)
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpbridge.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpbridge.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
