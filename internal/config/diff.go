package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AnalysisChanged is true when the analysis provider, model, or sampling
	// settings changed. The analysis client can be rebuilt without touching
	// live sessions.
	AnalysisChanged bool

	// VoiceChanged is true when the lab voice changed. Applies to the next
	// session; an active session keeps its voice.
	VoiceChanged bool
	NewVoice     string
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if analysisChanged(old.Analysis, new.Analysis) {
		d.AnalysisChanged = true
	}

	if old.Lab.Voice != new.Lab.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Lab.Voice
	}

	return d
}

func analysisChanged(old, new AnalysisConfig) bool {
	if old.Provider.Name != new.Provider.Name ||
		old.Provider.Model != new.Provider.Model ||
		old.Provider.APIKey != new.Provider.APIKey ||
		old.Provider.BaseURL != new.Provider.BaseURL {
		return true
	}
	return old.Temperature != new.Temperature || old.MaxTokens != new.MaxTokens
}
