// Package config provides the configuration schema, loader, and backend
// provider registry for the VoxBridge server.
package config

import (
	"net"
	"strconv"

	"github.com/voxbridge/voxbridge/internal/tools/mcpbridge"
)

// LogLevel controls log verbosity for the VoxBridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by the loader when the file leaves a field unset.
// HOST, PORT, and AWS_DEFAULT_REGION environment variables override their
// fields, preserving the conventional container surface of the proxy.
const (
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 8080
	DefaultProvider = "bedrock"
	DefaultRegion   = "us-east-1"
	DefaultModelID  = "amazon.nova-sonic-v1:0"
	DefaultVoiceID  = "matthew"
)

// Config is the root configuration structure for VoxBridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// an all-defaults config (no file) comes from [Default].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Audio   AudioConfig   `yaml:"audio"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// Host is the interface the HTTP server binds to. Overridden by the
	// HOST environment variable.
	Host string `yaml:"host"`

	// Port is the TCP port the HTTP server listens on. Overridden by the
	// PORT environment variable.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ListenAddr returns the host:port address the server listens on.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BackendConfig selects and configures the streaming inference backend.
type BackendConfig struct {
	// Provider selects the registered backend implementation
	// (e.g., "bedrock"). Factories are looked up in the [Registry].
	Provider string `yaml:"provider"`

	// Region is the AWS region for the backend. Overridden by the
	// AWS_DEFAULT_REGION environment variable.
	Region string `yaml:"region"`

	// ModelID is the model identifier passed when opening a stream
	// (e.g., "amazon.nova-sonic-v1:0").
	ModelID string `yaml:"model_id"`
}

// AudioConfig holds speech defaults applied to new sessions.
type AudioConfig struct {
	// VoiceID is the voice used when a client connects without a
	// voice_id query parameter.
	VoiceID string `yaml:"voice_id"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools
// are merged into the tool registry at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport mcpbridge.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http"
	// (e.g., "https://mcp.example.com/mcp"). Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// Bridge converts the YAML entry into the mcpbridge connection config.
func (s MCPServerConfig) Bridge() mcpbridge.ServerConfig {
	return mcpbridge.ServerConfig{
		Name:      s.Name,
		Transport: s.Transport,
		Command:   s.Command,
		URL:       s.URL,
		Env:       s.Env,
	}
}
