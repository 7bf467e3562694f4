package config_test

import (
	"testing"

	"github.com/phishguard/phishguard/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Analysis: config.AnalysisConfig{
			Provider:    config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
			Temperature: 0.2,
		},
		Lab: config.LabConfig{Voice: "Puck"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.AnalysisChanged || d.VoiceChanged {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
}

func TestDiff_AnalysisModelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Analysis.Provider.Model = "gpt-4o-mini"

	d := config.Diff(old, new)
	if !d.AnalysisChanged {
		t.Error("expected AnalysisChanged=true for model change")
	}
}

func TestDiff_AnalysisTemperatureChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Analysis.Temperature = 0.7

	d := config.Diff(old, new)
	if !d.AnalysisChanged {
		t.Error("expected AnalysisChanged=true for temperature change")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Lab.Voice = "Charon"

	d := config.Diff(old, new)
	if !d.VoiceChanged {
		t.Fatal("expected VoiceChanged=true")
	}
	if d.NewVoice != "Charon" {
		t.Errorf("NewVoice = %q, want Charon", d.NewVoice)
	}
}

func TestDiff_UnrelatedFieldIgnored(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":9090"

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.AnalysisChanged || d.VoiceChanged {
		t.Errorf("listen_addr change should not appear in hot-reload diff, got %+v", d)
	}
}
