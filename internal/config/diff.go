package config

import (
	"reflect"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectionChanged is set when any detection parameter changed;
	// NewDetection then holds the snapshot to install.
	DetectionChanged bool
	NewDetection     detect.Config

	// RestartRequired names the top-level sections that changed but are
	// only read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Detection != new.Detection {
		d.DetectionChanged = true
		d.NewDetection = new.Detection.Detect()
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"audio", old.Audio, new.Audio},
		{"providers", old.Providers, new.Providers},
		{"store", old.Store, new.Store},
		{"keywords", old.Keywords, new.Keywords},
		{"mcp", old.MCP, new.MCP},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
