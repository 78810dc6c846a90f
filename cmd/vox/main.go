// Package main provides the entry point for the vox CLI, a command-line
// driver for the streaming TTS orchestrator.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/vox/internal/config"
	"github.com/dgnsrekt/vox/internal/orchestrator"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile     string
	voice          string
	speed          float64
	volume         float64
	strategyFlag   string
	splitStrategy  string
	markdownInput  bool
	offlineVoices  string
	onlineEndpoint string
	onlineToken    string
	onlineRPM      int
	logLevel       string

	rootCmd = &cobra.Command{
		Use:   "vox [TEXT|FILE]",
		Short: "Speak text through the offline/online TTS orchestrator",
		Long:  "vox reads text from an argument, a file, or stdin and speaks it,\nfalling back between an on-device voice and a remote API per --strategy.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
)

func main() {
	logger := setupLog()
	if err := rootCmd.Execute(); err != nil {
		logger.Error("vox exited with an error", "err", err)
		os.Exit(1)
	}
}

func setupLog() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
	})
	lvl, err := log.ParseLevel(logLevelOrDefault())
	if err == nil {
		logger.SetLevel(lvl)
	}
	log.SetDefault(logger)
	return logger
}

func logLevelOrDefault() string {
	if v := os.Getenv("VOX_LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyFlagOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	text, err := readInput(args)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("no text to speak (pass it as an argument, a file path, or pipe it on stdin)")
	}

	ocfg := cfg.ToOrchestratorConfig()
	ocfg.Logger = logger

	orch, err := orchestrator.New(ocfg)
	if err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer func() {
		memBytes, diskBytes := orch.CacheSize()
		logger.Debugf("cache footprint at exit: %s memory, %s disk",
			humanize.Bytes(uint64(memBytes)), humanize.Bytes(uint64(diskBytes)))
		if err := orch.Release(); err != nil {
			logger.Error("release failed", "err", err)
		}
	}()

	done := make(chan error, 1)
	orch.SetCallback(ttypes.Callbacks{
		OnSynthesisStart: func() {
			logger.Info("synthesis started")
		},
		OnSentenceStart: func(index int, text string, total int) {
			logger.Infof("sentence %d/%d: %s", index+1, total, truncate(text, 80))
		},
		OnStateChanged: func(state ttypes.State) {
			logger.Debug("state changed", "state", state.String())
		},
		OnSynthesisComplete: func() {
			done <- nil
		},
		OnError: func(msg string) {
			done <- errors.New(msg)
		},
	})

	if err := orch.Speak(text); err != nil {
		return fmt.Errorf("speak: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-done:
		return err
	case <-sigCh:
		logger.Info("interrupted, stopping")
		orch.Stop()
		return nil
	}
}

// applyFlagOverrides layers any flags the user actually set on top of the
// env/file-loaded Config, the same precedence order cmd/vox's viper
// bindings give file/env settings: explicit flags win last.
func applyFlagOverrides(cfg *config.Config) {
	if voice != "" {
		cfg.InitialVoice = voice
	}
	if speed != 0 {
		cfg.InitialSpeed = speed
	}
	if volume != 0 {
		cfg.InitialVolume = volume
	}
	if strategyFlag != "" {
		cfg.InitialStrategy = strategyFlag
	}
	if splitStrategy != "" {
		cfg.SplitStrategy = splitStrategy
	}
	if rootCmd.Flags().Changed("markdown") {
		cfg.MarkdownInput = markdownInput
	}
	if offlineVoices != "" {
		cfg.OfflineVoicesDir = offlineVoices
	}
	if onlineEndpoint != "" {
		cfg.OnlineEndpoint = onlineEndpoint
	}
	if onlineToken != "" {
		cfg.OnlineToken = onlineToken
	}
	if onlineRPM != 0 {
		cfg.OnlineRequestsPerMinute = onlineRPM
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

// readInput resolves the text to speak: an explicit argument that names an
// existing file is read from disk, any other argument is spoken verbatim,
// and no argument at all falls back to stdin.
func readInput(args []string) (string, error) {
	if len(args) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	arg := args[0]
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		b, err := os.ReadFile(arg)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return arg, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func init() {
	cobra.OnInitialize(tryLoadConfigFromDefaultPlaces)
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/vox/vox.yaml)")
	rootCmd.Flags().StringVar(&voice, "voice", "", "offline voice name")
	rootCmd.Flags().Float64Var(&speed, "speed", 0, "playback speed multiplier")
	rootCmd.Flags().Float64Var(&volume, "volume", 0, "playback volume, 0.0-1.0")
	rootCmd.Flags().StringVar(&strategyFlag, "strategy", "", "offline_only, online_preferred, or online_only")
	rootCmd.Flags().StringVar(&splitStrategy, "split", "", "sentence split strategy: punctuation or newline")
	rootCmd.Flags().BoolVar(&markdownInput, "markdown", false, "treat input as markdown and strip formatting before speaking")
	rootCmd.Flags().StringVar(&offlineVoices, "offline-voices-dir", "", "directory containing offline voice models")
	rootCmd.Flags().StringVar(&onlineEndpoint, "online-endpoint", "", "remote TTS API base URL")
	rootCmd.Flags().StringVar(&onlineToken, "online-token", "", "remote TTS API bearer token")
	rootCmd.Flags().IntVar(&onlineRPM, "online-requests-per-minute", 0, "cap requests/minute to the remote TTS API (default 50)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")

	_ = viper.BindPFlag("vox.voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("vox.strategy", rootCmd.Flags().Lookup("strategy"))
	_ = viper.BindPFlag("vox.split_strategy", rootCmd.Flags().Lookup("split"))
	_ = viper.BindPFlag("vox.markdown_input", rootCmd.Flags().Lookup("markdown"))
	_ = viper.BindPFlag("vox.offline_voices_dir", rootCmd.Flags().Lookup("offline-voices-dir"))
	_ = viper.BindPFlag("vox.online_endpoint", rootCmd.Flags().Lookup("online-endpoint"))
	_ = viper.BindPFlag("vox.log_level", rootCmd.Flags().Lookup("log-level"))
}

func tryLoadConfigFromDefaultPlaces() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		configDir, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(configDir, "vox"))
		}
		if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
			viper.AddConfigPath(filepath.Join(c, "vox"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("vox")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("vox")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "vox: could not read config file: %v\n", err)
		}
	}
}
