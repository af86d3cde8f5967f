package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged     bool
	NewLogLevel         LogLevel
	RetrievalWeights    bool
	SealServersChanged  bool
	EvictIdleChanged    bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; provider
// selection, blob bucket, and index dimension require a process restart and
// are intentionally not tracked here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !maps.Equal(old.Retrieval.ModeWeights, new.Retrieval.ModeWeights) {
		d.RetrievalWeights = true
	}

	if !equalSealServers(old.Seal.Servers, new.Seal.Servers) {
		d.SealServersChanged = true
	}

	if old.Index.EvictIdle != new.Index.EvictIdle {
		d.EvictIdleChanged = true
	}

	return d
}

func equalSealServers(a, b []KeyServerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
