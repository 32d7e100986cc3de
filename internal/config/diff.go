package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only fields that
// are safe to apply without restarting the daemon are tracked; a change to
// server.listen_addr, for instance, requires a fresh listener and is not
// represented here — NewWatcher's caller is expected to restart for that.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MCPServersChanged bool
	MCPServerChanges  []MCPServerDiff

	LLMProviderChanged bool
}

// MCPServerDiff describes what changed for a single named MCP server between
// two configs.
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

	if !reflect.DeepEqual(old.Providers.LLM, new.Providers.LLM) {
		d.LLMProviderChanged = true
	}

	oldServers := make(map[string]MCPServerConfig, len(old.MCP.Servers))
	for _, s := range old.MCP.Servers {
		oldServers[s.Name] = s
	}
	newServers := make(map[string]MCPServerConfig, len(new.MCP.Servers))
	for _, s := range new.MCP.Servers {
		newServers[s.Name] = s
	}

	for name, oldSrv := range oldServers {
		newSrv, exists := newServers[name]
		if !exists {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{Name: name, Removed: true})
			d.MCPServersChanged = true
			continue
		}
		if !reflect.DeepEqual(oldSrv, newSrv) {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{Name: name, Changed: true})
			d.MCPServersChanged = true
		}
	}
	for name := range newServers {
		if _, exists := oldServers[name]; !exists {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{Name: name, Added: true})
			d.MCPServersChanged = true
		}
	}

	return d
}
