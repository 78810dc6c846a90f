// Package config loads the orchestrator's settings from the environment
// and, optionally, a config file read through Viper — the same two-layer
// shape tts/config.go (env-tag defaults, `env:"..."`/`envDefault:"..."`)
// and tts/config_loader.go (a Viper overlay keyed under a "tts." prefix,
// applied only where viper.IsSet) use, generalized from the Glow TTS
// plugin's settings to the standalone orchestrator's.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/vox/internal/cache"
	"github.com/dgnsrekt/vox/internal/engine/online"
	"github.com/dgnsrekt/vox/internal/orchestrator"
	"github.com/dgnsrekt/vox/internal/sentence"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

// Config is the orchestrator's full configuration surface, populated first
// from the environment (struct tags, `env.ParseAs`) and then overlaid by
// any Viper-backed config file the caller has already configured.
type Config struct {
	OfflineVoicesDir string `env:"VOX_OFFLINE_VOICES_DIR"`

	OnlineEndpoint          string `env:"VOX_ONLINE_ENDPOINT"`
	OnlineToken             string `env:"VOX_ONLINE_TOKEN"`
	OnlineRequestsPerMinute int    `env:"VOX_ONLINE_REQUESTS_PER_MINUTE" envDefault:"50"`

	CacheDir              string `env:"VOX_CACHE_DIR"`
	CacheMemoryCapacityMB int64  `env:"VOX_CACHE_MEMORY_CAPACITY_MB" envDefault:"100"`
	CacheDiskCapacityMB   int64  `env:"VOX_CACHE_DISK_CAPACITY_MB" envDefault:"1024"`
	CacheTTLDays          int    `env:"VOX_CACHE_TTL_DAYS" envDefault:"7"`

	// SplitStrategy is "punctuation" or "newline".
	SplitStrategy  string `env:"VOX_SPLIT_STRATEGY" envDefault:"punctuation"`
	MarkdownInput  bool   `env:"VOX_MARKDOWN_INPUT" envDefault:"false"`
	SkipCodeBlocks bool   `env:"VOX_SKIP_CODE_BLOCKS" envDefault:"true"`

	// InitialStrategy is "offline_only", "online_preferred", or "online_only".
	InitialStrategy string  `env:"VOX_STRATEGY" envDefault:"offline_only"`
	InitialVoice    string  `env:"VOX_VOICE" envDefault:"en_US-lessac-medium"`
	InitialSpeed    float64 `env:"VOX_SPEED" envDefault:"1.0"`
	InitialVolume   float64 `env:"VOX_VOLUME" envDefault:"1.0"`

	NetmonTarget   string        `env:"VOX_NETMON_TARGET"`
	NetmonInterval time.Duration `env:"VOX_NETMON_INTERVAL" envDefault:"5s"`

	LogLevel string `env:"VOX_LOG_LEVEL" envDefault:"info"`
}

// Load reads the environment into a Config and then, if the caller has
// already pointed Viper at a config file (viper.SetConfigFile / AddConfigPath
// + ReadInConfig, as cmd/vox's root command does before calling Load), overlays
// any "vox.*" keys Viper has set. Mirrors tts.LoadConfigFromViper's
// env-defaults-then-viper-overlay order, generalized from a hardcoded
// "tts." prefix scan to one pass per field driven by a table.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	overlayFromViper(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFromViper(cfg *Config) {
	strFields := map[string]*string{
		"vox.offline_voices_dir": &cfg.OfflineVoicesDir,
		"vox.online_endpoint":    &cfg.OnlineEndpoint,
		"vox.online_token":       &cfg.OnlineToken,
		"vox.cache_dir":          &cfg.CacheDir,
		"vox.split_strategy":     &cfg.SplitStrategy,
		"vox.strategy":           &cfg.InitialStrategy,
		"vox.voice":              &cfg.InitialVoice,
		"vox.netmon_target":      &cfg.NetmonTarget,
		"vox.log_level":          &cfg.LogLevel,
	}
	for key, dst := range strFields {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}

	int64Fields := map[string]*int64{
		"vox.cache_memory_capacity_mb": &cfg.CacheMemoryCapacityMB,
		"vox.cache_disk_capacity_mb":   &cfg.CacheDiskCapacityMB,
	}
	for key, dst := range int64Fields {
		if viper.IsSet(key) {
			*dst = viper.GetInt64(key)
		}
	}

	boolFields := map[string]*bool{
		"vox.markdown_input":   &cfg.MarkdownInput,
		"vox.skip_code_blocks": &cfg.SkipCodeBlocks,
	}
	for key, dst := range boolFields {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}

	if viper.IsSet("vox.cache_ttl_days") {
		cfg.CacheTTLDays = viper.GetInt("vox.cache_ttl_days")
	}
	if viper.IsSet("vox.online_requests_per_minute") {
		cfg.OnlineRequestsPerMinute = viper.GetInt("vox.online_requests_per_minute")
	}

	floatFields := map[string]*float64{
		"vox.speed":  &cfg.InitialSpeed,
		"vox.volume": &cfg.InitialVolume,
	}
	for key, dst := range floatFields {
		if viper.IsSet(key) {
			*dst = viper.GetFloat64(key)
		}
	}

	if viper.IsSet("vox.netmon_interval") {
		cfg.NetmonInterval = viper.GetDuration("vox.netmon_interval")
	}
}

// Validate checks the loaded configuration, mirroring tts/config.go's
// Config.Validate style of enum/range checks with descriptive errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.SplitStrategy) {
	case "punctuation", "newline":
	default:
		return fmt.Errorf("config: invalid split strategy %q: must be punctuation or newline", c.SplitStrategy)
	}

	switch strings.ToLower(c.InitialStrategy) {
	case "offline_only", "online_preferred", "online_only":
	default:
		return fmt.Errorf("config: invalid strategy %q: must be offline_only, online_preferred, or online_only", c.InitialStrategy)
	}

	if c.InitialVolume < 0.0 || c.InitialVolume > 1.0 {
		return fmt.Errorf("config: volume must be between 0.0 and 1.0, got %f", c.InitialVolume)
	}

	if c.InitialSpeed <= 0 {
		return fmt.Errorf("config: speed must be positive, got %f", c.InitialSpeed)
	}

	return nil
}

func (c *Config) splitStrategy() sentence.Strategy {
	if strings.EqualFold(c.SplitStrategy, "newline") {
		return sentence.Newline
	}
	return sentence.Punctuation
}

func (c *Config) strategy() ttypes.Strategy {
	switch strings.ToLower(c.InitialStrategy) {
	case "online_preferred":
		return ttypes.OnlinePreferred
	case "online_only":
		return ttypes.OnlineOnly
	default:
		return ttypes.OfflineOnly
	}
}

// ToOrchestratorConfig builds the orchestrator.Config this Config
// describes. A fixed OnlineToken becomes a StaticToken; a deployment that
// needs real rotation builds orchestrator.Config directly and sets
// OnlineTokens itself instead of going through this helper.
func (c *Config) ToOrchestratorConfig() orchestrator.Config {
	cacheCfg := &cache.CacheConfig{
		MemoryCapacity:    c.CacheMemoryCapacityMB * 1024 * 1024,
		DiskCapacity:      c.CacheDiskCapacityMB * 1024 * 1024,
		DiskPath:          c.CacheDir,
		TTLDays:           c.CacheTTLDays,
		CleanupInterval:   time.Hour,
		CompressionLevel:  3,
		EnableMetrics:     true,
		EnableCompression: true,
	}

	return orchestrator.Config{
		OfflineVoicesDir:        c.OfflineVoicesDir,
		OnlineEndpoint:          c.OnlineEndpoint,
		OnlineTokens:            online.StaticToken(c.OnlineToken),
		OnlineRequestsPerMinute: c.OnlineRequestsPerMinute,
		CacheConfig:             cacheCfg,
		SplitStrategy:    c.splitStrategy(),
		MarkdownInput:    c.MarkdownInput,
		SkipCodeBlocks:   c.SkipCodeBlocks,
		InitialStrategy:  c.strategy(),
		InitialVoice:     c.InitialVoice,
		InitialSpeed:     c.InitialSpeed,
		InitialVolume:    c.InitialVolume,
		NetmonTarget:     c.NetmonTarget,
		NetmonInterval:   c.NetmonInterval,
	}
}
