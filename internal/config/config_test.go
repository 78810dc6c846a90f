package config

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/vox/internal/sentence"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

func defaultTestConfig() Config {
	return Config{
		SplitStrategy:   "punctuation",
		InitialStrategy: "offline_only",
		InitialVoice:    "en_US-lessac-medium",
		InitialSpeed:    1.0,
		InitialVolume:   1.0,
		CacheTTLDays:    7,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := defaultTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{name: "valid config", modify: func(c *Config) {}, wantErr: false},
		{
			name:    "invalid split strategy",
			modify:  func(c *Config) { c.SplitStrategy = "word-count" },
			wantErr: true,
			errMsg:  "invalid split strategy",
		},
		{
			name:    "invalid strategy",
			modify:  func(c *Config) { c.InitialStrategy = "auto" },
			wantErr: true,
			errMsg:  "invalid strategy",
		},
		{
			name:    "volume too high",
			modify:  func(c *Config) { c.InitialVolume = 1.5 },
			wantErr: true,
			errMsg:  "volume must be between",
		},
		{
			name:    "volume negative",
			modify:  func(c *Config) { c.InitialVolume = -0.1 },
			wantErr: true,
			errMsg:  "volume must be between",
		},
		{
			name:    "speed zero",
			modify:  func(c *Config) { c.InitialSpeed = 0 },
			wantErr: true,
			errMsg:  "speed must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultTestConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestOverlayFromViperAppliesSetKeysOnly(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("vox.voice", "from-viper")
	viper.Set("vox.volume", 0.25)

	cfg := defaultTestConfig()
	overlayFromViper(&cfg)

	if cfg.InitialVoice != "from-viper" {
		t.Errorf("InitialVoice = %q, want from-viper", cfg.InitialVoice)
	}
	if cfg.InitialVolume != 0.25 {
		t.Errorf("InitialVolume = %v, want 0.25", cfg.InitialVolume)
	}
	// Untouched key keeps its env/default value.
	if cfg.InitialSpeed != 1.0 {
		t.Errorf("InitialSpeed = %v, want unchanged 1.0", cfg.InitialSpeed)
	}
}

func TestToOrchestratorConfigMapsStrategyAndSplitter(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.InitialStrategy = "online_preferred"
	cfg.SplitStrategy = "newline"

	oc := cfg.ToOrchestratorConfig()
	if oc.InitialStrategy != ttypes.OnlinePreferred {
		t.Errorf("InitialStrategy = %v, want %v", oc.InitialStrategy, ttypes.OnlinePreferred)
	}
	if oc.SplitStrategy != sentence.Newline {
		t.Errorf("SplitStrategy = %v, want %v", oc.SplitStrategy, sentence.Newline)
	}
	if oc.InitialVoice != cfg.InitialVoice {
		t.Errorf("InitialVoice = %q, want %q", oc.InitialVoice, cfg.InitialVoice)
	}
	if oc.CacheConfig == nil {
		t.Fatal("expected a non-nil cache config")
	}
}
