// Package orchestrator implements the facade (spec §4.M): it constructs
// and wires every domain-stack component (sentence splitter, DSP resampler,
// strategy manager, cooldown controller, audio sink/player, offline/online
// engines, PCM cache, synthesis loop, command actor, network prober and
// watcher) and exposes exactly spec.md §6's "Exposed API". Grounded on
// tts/controller.go's constructor, which is the teacher's own single place
// that builds every collaborator and hands back one façade object.
package orchestrator

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/vox/internal/actor"
	"github.com/dgnsrekt/vox/internal/audio"
	"github.com/dgnsrekt/vox/internal/cache"
	"github.com/dgnsrekt/vox/internal/cooldown"
	"github.com/dgnsrekt/vox/internal/engine/offline"
	"github.com/dgnsrekt/vox/internal/engine/online"
	"github.com/dgnsrekt/vox/internal/netmon"
	"github.com/dgnsrekt/vox/internal/netwatch"
	"github.com/dgnsrekt/vox/internal/sentence"
	"github.com/dgnsrekt/vox/internal/strategy"
	"github.com/dgnsrekt/vox/internal/synth"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

// Config bundles everything the facade needs to build its collaborators.
// Zero-valued fields fall back to sensible defaults, the way
// tts/config.go's Config does for an unconfigured install.
type Config struct {
	// OfflineVoicesDir is passed straight to engine/offline.New.
	OfflineVoicesDir string

	// OnlineEndpoint is the remote TTS API's base URL.
	OnlineEndpoint string
	// OnlineTokens supplies/refreshes the bearer token. Defaults to a
	// StaticToken("") if nil, so an orchestrator built without online
	// credentials still constructs (it just can't reach OnlineUnavailable
	// success and always falls back/fails per the OnlineOnly/OnlinePreferred
	// rules already in the synthesis loop).
	OnlineTokens online.TokenSource

	// OnlineRequestsPerMinute caps how often the online repository hits
	// OnlineEndpoint. 0 uses a conservative built-in default.
	OnlineRequestsPerMinute int

	// CacheConfig configures the on-device PCM cache fronting the online
	// repository. Nil uses cache.DefaultCacheConfig.
	CacheConfig *cache.CacheConfig

	// SplitStrategy selects the sentence splitter's strategy.
	SplitStrategy sentence.Strategy
	// MarkdownInput wraps the splitter in a MarkdownSplitter, stripping
	// markdown formatting before sentences are cut. SkipCodeBlocks controls
	// whether fenced/indented code is omitted entirely or replaced with a
	// placeholder; it has no effect when MarkdownInput is false.
	MarkdownInput   bool
	SkipCodeBlocks  bool

	// InitialStrategy is the backend strategy in effect at startup.
	InitialStrategy ttypes.Strategy
	// InitialVoice/InitialSpeed/InitialVolume seed the actor's parameters.
	InitialVoice   string
	InitialSpeed   float64
	InitialVolume  float64

	// NetmonTarget overrides the reachability probe's dial target. Empty
	// derives a host:port from OnlineEndpoint; if that can't be parsed
	// either, the prober is left target-less (always reports reachable).
	NetmonTarget   string
	NetmonInterval time.Duration

	Logger *log.Logger
}

// Orchestrator is the single entry point embedding programs and cmd/vox's
// CLI drive (spec §6 "Exposed API"). Build one with New, call Release when
// done with it.
type Orchestrator struct {
	log *log.Logger

	cacheMgr    *cache.CacheManager
	offlineEng  *offline.Engine
	onlineRepo  *online.Repository
	sink        *audio.Sink
	player      *audio.Player
	strategyMgr *strategy.Manager
	cooldownCtl *cooldown.Controller
	prober      *netmon.Prober
	watcher     *netwatch.Watcher
	actor       *actor.Actor
}

// New constructs and wires every collaborator and starts the actor's
// consumer goroutine and the network watcher. The returned Orchestrator is
// ready to Speak.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr)
	}
	if cfg.InitialVolume == 0 {
		cfg.InitialVolume = 1.0
	}
	if cfg.InitialSpeed == 0 {
		cfg.InitialSpeed = 1.0
	}

	cacheCfg := cfg.CacheConfig
	if cacheCfg == nil {
		cacheCfg = cache.DefaultCacheConfig()
	}
	if cacheCfg.Logger == nil {
		cacheCfg.Logger = cfg.Logger
	}
	cacheMgr, err := cache.NewCacheManager(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cache manager: %w", err)
	}

	offlineEng, err := offline.New(cfg.OfflineVoicesDir)
	if err != nil {
		cacheMgr.Close()
		return nil, fmt.Errorf("orchestrator: offline engine: %w", err)
	}

	tokens := cfg.OnlineTokens
	if tokens == nil {
		tokens = online.StaticToken("")
	}
	onlineRepo := online.New(cfg.OnlineEndpoint, tokens, cacheMgr, cfg.OnlineRequestsPerMinute)

	sink := audio.NewSink()
	player := audio.New(sink, cfg.Logger)
	player.StartIfNeeded()

	strategyMgr := strategy.New(cfg.InitialStrategy)
	cooldownCtl := cooldown.New()
	var splitter sentence.TextSplitter = sentence.New(cfg.SplitStrategy)
	if cfg.MarkdownInput {
		splitter = sentence.NewMarkdown(sentence.New(cfg.SplitStrategy), cfg.SkipCodeBlocks)
	}
	engineState := synth.NewEngineState(offlineEng)

	a := actor.New(actor.Dependencies{
		Player:     player,
		Engine:     engineState,
		Online:     onlineRepo,
		Strategy:   strategyMgr,
		Cooldown:   cooldownCtl,
		Splitter:   splitter,
		Logger:     cfg.Logger,
		InitVoice:  cfg.InitialVoice,
		InitSpeed:  cfg.InitialSpeed,
		InitVolume: cfg.InitialVolume,
	})
	a.Start()

	target := cfg.NetmonTarget
	if target == "" {
		target = hostPortFromEndpoint(cfg.OnlineEndpoint)
	}
	prober := netmon.New(netmon.Config{Target: target, Interval: cfg.NetmonInterval}, cfg.Logger)
	watcher := netwatch.New(prober, strategyMgr, a, cfg.Logger)
	watcher.Start()

	return &Orchestrator{
		log:         cfg.Logger,
		cacheMgr:    cacheMgr,
		offlineEng:  offlineEng,
		onlineRepo:  onlineRepo,
		sink:        sink,
		player:      player,
		strategyMgr: strategyMgr,
		cooldownCtl: cooldownCtl,
		prober:      prober,
		watcher:     watcher,
		actor:       a,
	}, nil
}

// hostPortFromEndpoint derives a dial target for the reachability prober
// from the online endpoint's URL, defaulting to port 443 for an https
// endpoint with no explicit port — the prober only needs a TCP handshake,
// never a real HTTP request.
func hostPortFromEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port)
	}
	if u.Scheme == "http" {
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return net.JoinHostPort(u.Hostname(), "443")
}

// Speak implements spec §6's speak(text).
func (o *Orchestrator) Speak(text string) error { return o.actor.Speak(text) }

// Pause implements spec §6's pause().
func (o *Orchestrator) Pause() { o.actor.Pause() }

// Resume implements spec §6's resume().
func (o *Orchestrator) Resume() { o.actor.Resume() }

// Stop implements spec §6's stop().
func (o *Orchestrator) Stop() { o.actor.Stop() }

// SetSpeed implements spec §6's set_speed(f).
func (o *Orchestrator) SetSpeed(f float64) { o.actor.SetSpeed(f) }

// SetVoice implements spec §6's set_voice(spk).
func (o *Orchestrator) SetVoice(voice string) { o.actor.SetVoice(voice) }

// SetVolume implements spec §6's set_volume(f).
func (o *Orchestrator) SetVolume(f float64) { o.actor.SetVolume(f) }

// SetStrategy implements spec §6's set_strategy(e).
func (o *Orchestrator) SetStrategy(s ttypes.Strategy) { o.actor.SetStrategy(s) }

// SetCallback implements spec §6's set_callback(cb?)/set_callback(null);
// passing the zero value ttypes.Callbacks{} is the null form.
func (o *Orchestrator) SetCallback(cb ttypes.Callbacks) { o.actor.SetCallbacks(cb) }

// IsSpeaking implements spec §6's is_speaking() → bool.
func (o *Orchestrator) IsSpeaking() bool { return o.actor.IsSpeaking() }

// GetStatus implements spec §6's get_status().
func (o *Orchestrator) GetStatus() ttypes.Status { return o.actor.Status() }

// CacheSize reports the current in-memory and on-disk PCM cache footprint,
// in bytes, for diagnostic/status reporting.
func (o *Orchestrator) CacheSize() (memBytes, diskBytes int64) { return o.cacheMgr.GetCacheSize() }

// Release implements spec §6's release(): stops playback, tears down the
// offline engine, stops the network watcher and prober, and closes the
// cache. The Orchestrator must not be used after Release returns.
func (o *Orchestrator) Release() error {
	err := o.actor.Release()
	o.watcher.Close()
	o.prober.Close()
	if cerr := o.cacheMgr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
