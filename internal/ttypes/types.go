// Package ttypes contains shared types and interfaces for the TTS orchestrator.
// It exists to break import cycles between the audio, synth, engine, and actor
// packages: each of those depends on ttypes, never on each other's concrete
// types.
package ttypes

import (
	"context"
)

// Session is a monotonically increasing identifier minted on speak, stop,
// soft restart, and param-change pre-clear. Every producer task captures a
// Session at launch; every enqueue and callback fired from a queue item
// compares its captured Session against the current one and drops the work
// silently on a mismatch.
type Session uint64

// State is the externally observable playback state. Errors never become a
// fourth state: severe failures surface as a Paused transition with
// PausedByError set, never as a distinct state value.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Strategy selects which backend(s) the synthesis loop is allowed to use.
type Strategy int

const (
	OfflineOnly Strategy = iota
	OnlinePreferred
	OnlineOnly
)

func (s Strategy) String() string {
	switch s {
	case OfflineOnly:
		return "offline-only"
	case OnlinePreferred:
		return "online-preferred"
	case OnlineOnly:
		return "online-only"
	default:
		return "unknown"
	}
}

// Mode is the backend the strategy manager resolved for a given sentence.
type Mode int

const (
	ModeOffline Mode = iota
	ModeOnline
)

// Source tags a queue item with the backend that produced it.
type Source int

const (
	SourceOffline Source = iota
	SourceOnline
)

func (s Source) String() string {
	if s == SourceOnline {
		return "online"
	}
	return "offline"
}

// MarkerKind distinguishes the two marker variants a queue item may carry.
type MarkerKind int

const (
	SentenceStart MarkerKind = iota
	SentenceEnd
)

// PendingChange names a parameter accumulated while paused, to be applied
// through a parameter-aware soft restart on resume.
type PendingChange int

const (
	PendingSpeed PendingChange = iota
	PendingVoice
)

// Status is a point-in-time snapshot exposed by the orchestrator facade's
// observational API (spec §6 "Exposed API").
type Status struct {
	State                State
	TotalSentences       int
	CurrentSentenceIndex int
	CurrentSentence      string
	IsPausedByError      bool
}

// SentenceProgress is the optional per-sentence progress estimate (spec
// §3 "Sentence progress accounting", §4.E "progress estimation").
type SentenceProgress struct {
	Index    int
	Played   int64 // samples
	Total    int64 // samples (denominator used for Fraction)
	Fraction float64
}

// Callbacks are invoked best-effort, single-threaded, only from the command
// actor (spec §6 "Exposed API" / §5 "callback object").
type Callbacks struct {
	OnInitialized       func(ok bool)
	OnSynthesisStart    func()
	OnSentenceStart     func(index int, text string, total int)
	OnSentenceComplete  func(index int, text string)
	OnStateChanged      func(state State)
	OnSynthesisComplete func()
	OnPaused            func()
	OnResumed           func()
	OnError             func(msg string)
}

// OfflineEngine is the contract for the native, non-reentrant offline
// synthesis engine (spec §6 "Consumed native offline engine").
type OfflineEngine interface {
	LoadVoice(name string) error
	SetSpeed(ratio float64) error
	SetVolume(v float64) error
	// Prepare primes the engine to synthesize text. Returns a non-nil error
	// if preparation failed; the synthesis loop retries up to 3 times.
	Prepare(ctx context.Context, text string) error
	// Synthesize fills buf with up to len(buf) int16 samples and returns the
	// count produced. A count of 0 means the sentence is exhausted.
	Synthesize(ctx context.Context, buf []int16) (n int, err error)
	SampleRate() int
	Reset()
	Close() error
}

// OnlineRepository is the contract for the remote, async TTS backend (spec
// §6 "Consumed online repository").
type OnlineRepository interface {
	// GetDecodedPCM returns decoded PCM for text in the given voice. When
	// allowNetwork is false and there is no cache hit, it returns
	// ErrForbiddenNetwork.
	GetDecodedPCM(ctx context.Context, text, voice string, allowNetwork bool) (samples []int16, sampleRate int, err error)
}

// Sink is the contract for the OS audio sink (spec §6 "Consumed OS audio
// sink"): mono, 16-bit PCM, with a playback-head sample counter.
type Sink interface {
	Create(sampleRate int) error
	Write(buf []int16) (written int, err error)
	Flush() error
	Release() error
	SetVolume(v float64) error
	PlaybackHeadPosition() int64 // samples
	PlayState() PlayState
	Pause()
	Resume()
}

// PlayState mirrors the OS sink's own tri-state.
type PlayState int

const (
	SinkPlaying PlayState = iota
	SinkPaused
	SinkStopped
)

// NetworkMonitor is the contract for the OS connectivity monitor (spec §6
// "Consumed network monitor"): a reactive bool with change notifications.
type NetworkMonitor interface {
	IsGood() bool
	// Changes returns a channel that receives the new value on every edge.
	Changes() <-chan bool
	Close()
}
