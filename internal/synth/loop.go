// Package synth implements the synthesis loop (spec §4.F): the producer
// that walks a session's sentence list, picks offline or online production
// per sentence according to the strategy manager and cooldown controller,
// and feeds the audio player's queue. Grounded on pkg/tts/queue.go's
// queueWorker.run/synthesizeSegment (cache-check, synthesize-on-miss,
// enqueue loop), adapted from a segment-cache-and-notify worker into a
// backend-selecting, session-guarded producer.
package synth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/vox/internal/audio"
	"github.com/dgnsrekt/vox/internal/cooldown"
	"github.com/dgnsrekt/vox/internal/dsp"
	"github.com/dgnsrekt/vox/internal/strategy"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

const (
	// deferredRetryDelay is the short sleep taken when CanAccept refuses
	// offline production because another sentence holds the protection
	// window (spec §4.F.1's Deferred outcome).
	deferredRetryDelay = 20 * time.Millisecond

	// maxPrepareRetries bounds the offline engine's Prepare retry loop
	// (spec §4.F.1: "retries up to 3 times").
	maxPrepareRetries = 3

	// offlineChunkSamples sizes the read buffer handed to Engine.Synthesize.
	offlineChunkSamples = 4096
)

// EngineState serializes access to the shared offline engine across
// synthesis-loop generations. Only one loop is meant to drive the engine at
// a time, but a soft restart cancels the previous loop cooperatively, so a
// brief overlap between generations is possible; EngineState's mutex is
// what actually keeps that overlap from corrupting the subprocess.
type EngineState struct {
	mu     sync.Mutex
	Engine ttypes.OfflineEngine
	voice  string
}

// NewEngineState wraps an offline engine for use by a sequence of Loop
// generations.
func NewEngineState(engine ttypes.OfflineEngine) *EngineState {
	return &EngineState{Engine: engine}
}

// Params configures one synthesis-loop run. OnSentenceStart/OnSentenceEnd
// fire when the sink actually reaches the corresponding marker in playback
// order (not when it is produced), matching spec §4.G's
// InternalSentenceStart/InternalSentenceEnd commands; the loop wires them as
// the onReached callback of each EnqueueMarker call.
type Params struct {
	Sentences       []string
	StartIndex      int
	Session         ttypes.Session
	Voice           string
	Speed           float64
	Volume          float64
	OnSentenceStart func(index int, text string)
	OnSentenceEnd   func(index int, text string)
}

// resultKind classifies the outcome of producing one sentence (spec §4.F).
type resultKind int

const (
	resultSuccess resultKind = iota
	resultDeferred
	resultFailure
)

type produceResult struct {
	kind resultKind
	err  error
}

// Loop drives per-sentence production for one playing session.
type Loop struct {
	player   *audio.Player
	engine   *EngineState
	online   ttypes.OnlineRepository
	strategy *strategy.Manager
	cooldown *cooldown.Controller
	log      *log.Logger

	dspMu    sync.Mutex
	dsp      *dsp.Resampler
	dspRate  int
}

// New builds a Loop over shared dependencies. A Loop instance is meant to
// run exactly once (via Run) and then be discarded; the actor builds a
// fresh Loop for every synthesis generation.
func New(player *audio.Player, engine *EngineState, online ttypes.OnlineRepository, strat *strategy.Manager, cd *cooldown.Controller, logger *log.Logger) *Loop {
	return &Loop{
		player:   player,
		engine:   engine,
		online:   online,
		strategy: strat,
		cooldown: cd,
		log:      logger,
	}
}

// Run drives sentences [params.StartIndex, len(params.Sentences)) under
// params.Session until the list is exhausted, ctx is cancelled (a soft or
// hard restart superseded this generation), or production hits a fatal
// failure. onDrained is wired as the EndOfStream callback: it fires once
// the sink has actually finished playing everything enqueued before it,
// carrying whether this generation ended fatally (an OnlineOnly sentence
// with no fallback) so the actor can decide, per spec §4.F's loop-end
// behavior, whether to mark isPausedByError and pause or let the last
// SentenceEnd's own completion handling run instead.
func (l *Loop) Run(ctx context.Context, params Params, onDrained func(fatal bool, failedSentence int, err error)) {
	index := params.StartIndex
	fatal := false
	var fatalErr error

	for index < len(params.Sentences) {
		if ctx.Err() != nil {
			return
		}

		mode := l.strategy.DesiredMode()

		var result produceResult
		if mode == ttypes.ModeOffline {
			result = l.produceOffline(ctx, params, index)
		} else {
			result = l.produceOnline(ctx, params, index)
			if result.kind == resultFailure && l.strategy.Strategy() == ttypes.OnlinePreferred {
				l.log.Warn("online production failed, falling back to offline", "sentence", index, "err", result.err)
				result = l.produceOffline(ctx, params, index)
			}
		}

		if ctx.Err() != nil {
			return
		}

		switch result.kind {
		case resultSuccess:
			index++
		case resultDeferred:
			select {
			case <-ctx.Done():
				return
			case <-time.After(deferredRetryDelay):
			}
		case resultFailure:
			l.log.Error("sentence production failed", "sentence", index, "err", result.err)
			fatal = true
			fatalErr = result.err
		}

		if fatal {
			break
		}
	}

	if ctx.Err() != nil {
		return
	}

	l.dspMu.Lock()
	var tail []int16
	rate := l.dspRate
	if l.dsp != nil {
		tail = l.dsp.Flush()
	}
	l.dspMu.Unlock()

	if len(tail) > 0 {
		lastIndex := len(params.Sentences) - 1
		if lastIndex < 0 {
			lastIndex = 0
		}
		if err := l.player.EnqueuePcm(ctx, params.Session, tail, rate, ttypes.SourceOnline, lastIndex); err != nil {
			return
		}
	}

	failedAt := index
	_ = l.player.EnqueueEndOfStream(ctx, params.Session, func() {
		onDrained(fatal, failedAt, fatalErr)
	})
}

// produceOffline implements spec §4.F.1: acquire the exclusive engine lock,
// load the voice/speed/volume if they changed, retry Prepare up to 3 times,
// then stream Synthesize chunks to the player, checking CanAccept before
// every chunk so a protection window for a different sentence defers
// production instead of wasting it. Offline production never reports
// Failure: every unrecoverable engine error is a non-fatal skip (spec
// §4.F.1's "If status < 0: treat as non-fatal skip" / "If prepare fails on
// all 3 attempts: treat as non-fatal skip").
func (l *Loop) produceOffline(ctx context.Context, p Params, index int) produceResult {
	if !l.player.CanAccept(ttypes.SourceOffline, index) {
		return produceResult{kind: resultDeferred}
	}

	l.engine.mu.Lock()
	defer l.engine.mu.Unlock()

	if l.engine.voice != p.Voice {
		if err := l.engine.Engine.LoadVoice(p.Voice); err != nil {
			l.log.Warn("offline: load voice failed, skipping sentence", "sentence", index, "voice", p.Voice, "err", err)
			return produceResult{kind: resultSuccess}
		}
		l.engine.voice = p.Voice
	}
	_ = l.engine.Engine.SetSpeed(p.Speed)
	_ = l.engine.Engine.SetVolume(p.Volume)

	text := p.Sentences[index]

	var prepared bool
	for attempt := 0; attempt < maxPrepareRetries; attempt++ {
		if err := l.engine.Engine.Prepare(ctx, text); err != nil {
			l.log.Warn("offline: prepare failed, retrying", "sentence", index, "attempt", attempt, "err", err)
			continue
		}
		prepared = true
		break
	}
	defer l.engine.Engine.Reset()

	if !prepared {
		l.log.Warn("offline: prepare exhausted retries, skipping sentence", "sentence", index)
		return produceResult{kind: resultSuccess}
	}

	started := false
	buf := make([]int16, offlineChunkSamples)
	for {
		if !l.player.CanAccept(ttypes.SourceOffline, index) {
			return produceResult{kind: resultDeferred}
		}

		n, err := l.engine.Engine.Synthesize(ctx, buf)
		if err != nil {
			l.log.Warn("offline: synthesize error, ending sentence early", "sentence", index, "err", err)
			break
		}
		if n <= 0 {
			break
		}

		if !started {
			if err := l.player.EnqueueMarker(ctx, p.Session, index, ttypes.SentenceStart, ttypes.SourceOffline, l.onStart(p, index)); err != nil {
				return produceResult{kind: resultSuccess}
			}
			started = true
		}

		samples := make([]int16, n)
		copy(samples, buf[:n])
		if err := l.player.EnqueuePcm(ctx, p.Session, samples, l.engine.Engine.SampleRate(), ttypes.SourceOffline, index); err != nil {
			return produceResult{kind: resultSuccess}
		}
	}

	if started {
		_ = l.player.EnqueueMarker(ctx, p.Session, index, ttypes.SentenceEnd, ttypes.SourceOffline, l.onEnd(p, index))
	}

	return produceResult{kind: resultSuccess}
}

// onStart and onEnd build the onReached closures handed to EnqueueMarker,
// capturing the sentence text and index at production time since the
// params' sentence list may be replaced by a later Speak before the sink
// actually reaches the marker.
func (l *Loop) onStart(p Params, index int) func() {
	if p.OnSentenceStart == nil {
		return nil
	}
	text := p.Sentences[index]
	return func() { p.OnSentenceStart(index, text) }
}

func (l *Loop) onEnd(p Params, index int) func() {
	if p.OnSentenceEnd == nil {
		return nil
	}
	text := p.Sentences[index]
	return func() { p.OnSentenceEnd(index, text) }
}

// produceOnline implements spec §4.F.2: an empty (post-trim) sentence emits
// markers only; otherwise the repository is queried with
// allowNetwork=cooldown.AllowNetworkNow(), the cooldown controller is
// updated from whether that attempt actually touched the network, and the
// decoded PCM is routed through the speed DSP (recreated whenever the
// online sample rate changes) before being enqueued.
func (l *Loop) produceOnline(ctx context.Context, p Params, index int) produceResult {
	raw := p.Sentences[index]
	text := strings.TrimSpace(raw)

	if text == "" {
		if err := l.player.EnqueueMarker(ctx, p.Session, index, ttypes.SentenceStart, ttypes.SourceOnline, l.onStart(p, index)); err != nil {
			return produceResult{kind: resultSuccess}
		}
		_ = l.player.EnqueueMarker(ctx, p.Session, index, ttypes.SentenceEnd, ttypes.SourceOnline, l.onEnd(p, index))
		return produceResult{kind: resultSuccess}
	}

	allowNetwork := l.cooldown.AllowNetworkNow()
	samples, rate, err := l.online.GetDecodedPCM(ctx, raw, p.Voice, allowNetwork)
	if err != nil {
		if allowNetwork {
			l.cooldown.OnFailure()
		}
		return produceResult{kind: resultFailure, err: err}
	}
	if allowNetwork {
		l.cooldown.OnSuccess()
	}

	if len(samples) == 0 {
		return produceResult{kind: resultFailure, err: ttypes.ErrNoPCM}
	}

	if err := l.player.EnqueueMarker(ctx, p.Session, index, ttypes.SentenceStart, ttypes.SourceOnline, l.onStart(p, index)); err != nil {
		return produceResult{kind: resultSuccess}
	}

	l.dspMu.Lock()
	if l.dsp == nil || l.dspRate != rate {
		l.dsp = dsp.New()
		l.dspRate = rate
	}
	l.dsp.SetSpeed(p.Speed)
	stretched := l.dsp.Process(samples)
	l.dspMu.Unlock()

	if len(stretched) > 0 {
		if err := l.player.EnqueuePcm(ctx, p.Session, stretched, rate, ttypes.SourceOnline, index); err != nil {
			return produceResult{kind: resultSuccess}
		}
	}

	_ = l.player.EnqueueMarker(ctx, p.Session, index, ttypes.SentenceEnd, ttypes.SourceOnline, l.onEnd(p, index))
	return produceResult{kind: resultSuccess}
}
