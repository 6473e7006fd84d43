package config

import "maps"

// ConfigDiff describes what changed between two configs. Log level, default
// voice, and the MCP server set can be hot-reloaded; changes to the listen
// address or backend only take effect after a restart and are reported in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged reports a new default voice for future sessions.
	// Live sessions keep the voice they were opened with.
	VoiceChanged bool
	NewVoiceID   string

	MCPChanged bool
	MCPChanges []MCPServerDiff

	// RestartRequired lists dotted field paths whose new values cannot be
	// applied to a running server.
	RestartRequired []string
}

// MCPServerDiff describes what changed for a single MCP server between two
// configs. Servers are matched by name.
type MCPServerDiff struct {
	Name    string
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.VoiceID != new.Audio.VoiceID {
		d.VoiceChanged = true
		d.NewVoiceID = new.Audio.VoiceID
	}

	if old.Server.Host != new.Server.Host {
		d.RestartRequired = append(d.RestartRequired, "server.host")
	}
	if old.Server.Port != new.Server.Port {
		d.RestartRequired = append(d.RestartRequired, "server.port")
	}
	if old.Backend.Provider != new.Backend.Provider {
		d.RestartRequired = append(d.RestartRequired, "backend.provider")
	}
	if old.Backend.Region != new.Backend.Region {
		d.RestartRequired = append(d.RestartRequired, "backend.region")
	}
	if old.Backend.ModelID != new.Backend.ModelID {
		d.RestartRequired = append(d.RestartRequired, "backend.model_id")
	}

	// Build server lookup maps keyed by name.
	oldSrvs := make(map[string]*MCPServerConfig, len(old.MCP.Servers))
	for i := range old.MCP.Servers {
		oldSrvs[old.MCP.Servers[i].Name] = &old.MCP.Servers[i]
	}
	newSrvs := make(map[string]*MCPServerConfig, len(new.MCP.Servers))
	for i := range new.MCP.Servers {
		newSrvs[new.MCP.Servers[i].Name] = &new.MCP.Servers[i]
	}

	// Detect modified and removed servers.
	for name, oldSrv := range oldSrvs {
		newSrv, exists := newSrvs[name]
		if !exists {
			d.MCPChanges = append(d.MCPChanges, MCPServerDiff{Name: name, Removed: true})
			d.MCPChanged = true
			continue
		}
		if !sameServer(oldSrv, newSrv) {
			d.MCPChanges = append(d.MCPChanges, MCPServerDiff{Name: name, Changed: true})
			d.MCPChanged = true
		}
	}

	// Detect added servers.
	for name := range newSrvs {
		if _, exists := oldSrvs[name]; !exists {
			d.MCPChanges = append(d.MCPChanges, MCPServerDiff{Name: name, Added: true})
			d.MCPChanged = true
		}
	}

	return d
}

// sameServer reports whether two MCP server entries with the same name are
// equivalent. The Env map keeps the struct from being comparable with ==.
func sameServer(a, b *MCPServerConfig) bool {
	return a.Transport == b.Transport &&
		a.Command == b.Command &&
		a.URL == b.URL &&
		maps.Equal(a.Env, b.Env)
}
