// Package actor implements the command actor (spec §4.G): the single
// owner of playback state, the sentence list, indices, pending-change
// tracking, and the user-facing callbacks. Every external command and
// every internal event (sentence markers, fatal drains) is serialized
// through one unbounded queue and handled by one goroutine, so no other
// task ever mutates state directly. Grounded on tts/controller.go's field
// layout and callback-registration style and tts/state.go's State/
// StateMachine vocabulary, generalized from a mutex-guarded direct-call
// controller into a true command-channel actor, since spec.md requires
// single-consumer serialization strong enough that a soft restart mid-
// command cannot race a later command.
package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/vox/internal/audio"
	"github.com/dgnsrekt/vox/internal/cooldown"
	"github.com/dgnsrekt/vox/internal/sentence"
	"github.com/dgnsrekt/vox/internal/strategy"
	"github.com/dgnsrekt/vox/internal/synth"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

type commandKind int

const (
	cmdSpeak commandKind = iota
	cmdSetSpeed
	cmdSetVoice
	cmdSetVolume
	cmdPause
	cmdResume
	cmdStop
	cmdRelease
	cmdSetStrategy
	cmdInternalSentenceStart
	cmdInternalSentenceEnd
	cmdInternalDrained
	cmdInternalSinkError
	cmdUpgrade
	cmdSetCallbacks
)

type command struct {
	kind commandKind

	text     string
	speed    float64
	voice    string
	volume   float64
	strategy ttypes.Strategy

	sentenceIndex int
	session       ttypes.Session
	text_         string // sentence text carried by internal marker commands
	fatal         bool
	err           error
	callbacks     ttypes.Callbacks

	reply chan error
}

// Actor owns the full playback state machine and is the only task that
// mutates it. Build one with New, call Start once, then drive it through
// the exported methods.
type Actor struct {
	queue *cmdQueue
	log   *log.Logger

	player      *audio.Player
	engine      *synth.EngineState
	online      ttypes.OnlineRepository
	strategyMgr *strategy.Manager
	cooldownCtl *cooldown.Controller
	splitter    sentence.TextSplitter

	callbacks ttypes.Callbacks

	// Mutated only by the single consumer goroutine (run).
	state                ttypes.State
	session              ttypes.Session
	sentences            []string
	playingSentenceIndex int
	synthesisIndex       int
	pendingChanges       map[ttypes.PendingChange]bool
	isPausedByError      bool
	voice                string
	speed                float64
	volume               float64

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	// statusMu guards the snapshot read by Status/IsSpeaking from outside
	// the actor goroutine.
	statusMu sync.RWMutex
	status   ttypes.Status
}

// Dependencies bundles the shared components the actor wires together.
type Dependencies struct {
	Player      *audio.Player
	Engine      *synth.EngineState
	Online      ttypes.OnlineRepository
	Strategy    *strategy.Manager
	Cooldown    *cooldown.Controller
	Splitter    sentence.TextSplitter
	Logger      *log.Logger
	Callbacks   ttypes.Callbacks
	InitVoice   string
	InitSpeed   float64
	InitVolume  float64
}

// New constructs an Actor. Call Start to launch its consumer goroutine.
func New(deps Dependencies) *Actor {
	a := &Actor{
		queue:          newCmdQueue(),
		log:            deps.Logger,
		player:         deps.Player,
		engine:         deps.Engine,
		online:         deps.Online,
		strategyMgr:    deps.Strategy,
		cooldownCtl:    deps.Cooldown,
		splitter:       deps.Splitter,
		callbacks:      deps.Callbacks,
		pendingChanges: map[ttypes.PendingChange]bool{},
		voice:          deps.InitVoice,
		speed:          deps.InitSpeed,
		volume:         deps.InitVolume,
	}
	a.publishStatus()
	return a
}

// Start launches the single consumer goroutine.
func (a *Actor) Start() {
	go a.run()
}

func (a *Actor) run() {
	for {
		cmd, ok := a.queue.pop()
		if !ok {
			return
		}
		terminal := a.handle(cmd)
		if cmd.reply != nil {
			cmd.reply <- cmd.err
		}
		if terminal {
			return
		}
	}
}

func (a *Actor) send(c command) {
	a.queue.push(c)
}

func (a *Actor) sendSync(c command) error {
	c.reply = make(chan error, 1)
	a.queue.push(c)
	return <-c.reply
}

// Speak splits text into sentences and starts a new playing generation
// (spec §4.G "Speak").
func (a *Actor) Speak(text string) error {
	return a.sendSync(command{kind: cmdSpeak, text: text})
}

// SetSpeed clamps x to [dsp.MinSpeed, dsp.MaxSpeed] and applies it,
// immediately if Playing, via a pending change if Paused.
func (a *Actor) SetSpeed(x float64) { a.send(command{kind: cmdSetSpeed, speed: x}) }

// SetVoice is SetSpeed's sibling for the voice parameter.
func (a *Actor) SetVoice(voice string) { a.send(command{kind: cmdSetVoice, voice: voice}) }

// SetVolume passes straight through to the player; never restarts.
func (a *Actor) SetVolume(v float64) { a.send(command{kind: cmdSetVolume, volume: v}) }

// Pause is only meaningful from Playing.
func (a *Actor) Pause() { a.send(command{kind: cmdPause}) }

// Resume is only meaningful from Paused.
func (a *Actor) Resume() { a.send(command{kind: cmdResume}) }

// Stop bumps the session, cancels the loop, releases the sink, clears the
// sentence list, and returns to Idle.
func (a *Actor) Stop() { a.send(command{kind: cmdStop}) }

// SetStrategy updates the strategy manager without itself restarting
// anything; the network watcher is what reacts to a resulting mode change.
func (a *Actor) SetStrategy(s ttypes.Strategy) { a.send(command{kind: cmdSetStrategy, strategy: s}) }

// SetCallbacks replaces the callback set (spec §6's set_callback(cb?));
// passing the zero value is equivalent to set_callback(null). Routed
// through the command queue so it never races a callback fired from a
// command already in flight.
func (a *Actor) SetCallbacks(cb ttypes.Callbacks) { a.send(command{kind: cmdSetCallbacks, callbacks: cb}) }

// TriggerUpgrade implements spec §4.H's upgrade path: called by the network
// watcher once a false→true network-good edge has stabilized. A no-op
// unless currently Playing under OnlinePreferred; the watcher itself only
// calls this while that precondition plausibly holds, but the actor is the
// authority and re-checks it here since state may have changed by the time
// this command is dequeued. Blocks until the new loop generation has been
// launched (not until it finishes), which is what lets the watcher's own
// "upgrade in progress" guard actually mean something.
func (a *Actor) TriggerUpgrade() error { return a.sendSync(command{kind: cmdUpgrade}) }

// Release stops playback, tears down the offline engine, and exits the
// actor loop. The Actor must not be used after Release returns.
func (a *Actor) Release() error {
	return a.sendSync(command{kind: cmdRelease})
}

// Status returns a point-in-time snapshot (spec §6 "get_status").
func (a *Actor) Status() ttypes.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// IsSpeaking reports whether the actor is Playing or Paused.
func (a *Actor) IsSpeaking() bool {
	s := a.Status()
	return s.State == ttypes.StatePlaying || s.State == ttypes.StatePaused
}

// --- internal commands, posted from outside the actor goroutine ---

func (a *Actor) postSentenceStart(session ttypes.Session, index int, text string) {
	a.send(command{kind: cmdInternalSentenceStart, session: session, sentenceIndex: index, text_: text})
}

func (a *Actor) postSentenceEnd(session ttypes.Session, index int, text string) {
	a.send(command{kind: cmdInternalSentenceEnd, session: session, sentenceIndex: index, text_: text})
}

func (a *Actor) postDrained(session ttypes.Session, fatal bool, failedSentence int, err error) {
	a.send(command{kind: cmdInternalDrained, session: session, fatal: fatal, sentenceIndex: failedSentence, err: err})
}

// --- command handling, run only from the consumer goroutine ---

// handle dispatches one command and returns true if the actor loop should
// exit afterward (Release).
func (a *Actor) handle(cmd command) bool {
	switch cmd.kind {
	case cmdSpeak:
		cmd.err = a.handleSpeak(cmd.text)
	case cmdSetSpeed:
		a.handleSetSpeed(cmd.speed)
	case cmdSetVoice:
		a.handleSetVoice(cmd.voice)
	case cmdSetVolume:
		a.handleSetVolume(cmd.volume)
	case cmdPause:
		a.handlePause()
	case cmdResume:
		a.handleResume()
	case cmdStop:
		a.handleStop()
	case cmdSetStrategy:
		a.strategyMgr.SetStrategy(cmd.strategy)
	case cmdInternalSentenceStart:
		a.handleInternalSentenceStart(cmd.session, cmd.sentenceIndex, cmd.text_)
	case cmdInternalSentenceEnd:
		a.handleInternalSentenceEnd(cmd.session, cmd.sentenceIndex, cmd.text_)
	case cmdInternalDrained:
		a.handleInternalDrained(cmd.session, cmd.fatal, cmd.sentenceIndex, cmd.err)
	case cmdInternalSinkError:
		a.handleInternalSinkError(cmd.err)
	case cmdUpgrade:
		a.handleUpgrade()
	case cmdSetCallbacks:
		a.callbacks = cmd.callbacks
	case cmdRelease:
		a.handleStop()
		ctx, cancel := context.WithCancel(context.Background())
		_ = a.player.StopAndReleaseBlocking(ctx)
		cancel()
		if a.engine != nil && a.engine.Engine != nil {
			_ = a.engine.Engine.Close()
		}
		return true
	}
	return false
}

func (a *Actor) handleSpeak(text string) error {
	sentences := a.splitter.Split(text)
	if len(sentences) == 0 {
		return fmt.Errorf("actor: no sentences to speak")
	}

	if a.state == ttypes.StatePlaying || a.state == ttypes.StatePaused {
		a.stopInternal()
	}

	a.sentences = sentences
	a.playingSentenceIndex = 0
	a.synthesisIndex = 0
	a.pendingChanges = map[ttypes.PendingChange]bool{}
	a.isPausedByError = false

	a.player.StartIfNeeded()
	a.setState(ttypes.StatePlaying)
	a.session++
	a.launchLoop(0)

	if a.callbacks.OnSynthesisStart != nil {
		a.callbacks.OnSynthesisStart()
	}
	return nil
}

func (a *Actor) handleSetSpeed(x float64) {
	if x < 0.5 {
		x = 0.5
	}
	if x > 3.0 {
		x = 3.0
	}
	a.speed = x
	a.applyParamChange(ttypes.PendingSpeed)
}

func (a *Actor) handleSetVoice(voice string) {
	a.voice = voice
	a.applyParamChange(ttypes.PendingVoice)
}

// applyParamChange implements the shared SetSpeed/SetVoice pattern (spec
// §4.G's table: identical effect for both parameters).
func (a *Actor) applyParamChange(which ttypes.PendingChange) {
	switch a.state {
	case ttypes.StatePlaying:
		a.softRestart()
	case ttypes.StatePaused:
		firstPending := len(a.pendingChanges) == 0
		a.pendingChanges[which] = true
		if firstPending {
			a.session++
			a.cancelAndJoinLoop()
			a.resetPlayerBlocking()
		}
	case ttypes.StateIdle:
		// Nothing more to do: the new value is already recorded and takes
		// effect on the next Speak.
	}
}

func (a *Actor) handleSetVolume(v float64) {
	a.volume = v
	_ = a.player.SetVolume(v)
}

func (a *Actor) handlePause() {
	if a.state != ttypes.StatePlaying {
		return
	}
	a.player.Pause()
	a.setState(ttypes.StatePaused)
	if a.callbacks.OnPaused != nil {
		a.callbacks.OnPaused()
	}
}

func (a *Actor) handleResume() {
	if a.state != ttypes.StatePaused {
		return
	}
	if len(a.pendingChanges) > 0 || a.isPausedByError {
		a.session++
		a.cancelAndJoinLoop()
		a.resetPlayerBlocking()
		a.synthesisIndex = a.playingSentenceIndex
		a.pendingChanges = map[ttypes.PendingChange]bool{}
		a.isPausedByError = false
		a.launchLoop(a.synthesisIndex)
	}
	a.setState(ttypes.StatePlaying)
	a.player.Resume()
	if a.callbacks.OnResumed != nil {
		a.callbacks.OnResumed()
	}
}

func (a *Actor) handleStop() {
	a.stopInternal()
}

// stopInternal implements the Stop command and is also the first step of
// Speak when called while Playing/Paused.
func (a *Actor) stopInternal() {
	a.session++
	a.cancelAndJoinLoop()
	a.resetPlayerBlocking()
	a.sentences = nil
	a.playingSentenceIndex = 0
	a.synthesisIndex = 0
	a.pendingChanges = map[ttypes.PendingChange]bool{}
	a.isPausedByError = false
	a.setState(ttypes.StateIdle)
}

// softRestart implements spec §4.G's "Soft restart (invoked by SetSpeed/
// SetVoice while Playing)".
func (a *Actor) softRestart() {
	a.session++
	a.cancelAndJoinLoop()
	a.resetPlayerBlocking()
	a.synthesisIndex = a.playingSentenceIndex
	a.launchLoop(a.synthesisIndex)
}

// handleUpgrade implements spec §4.H's upgrade path: reset cooldown,
// cancel+join the current loop, open the protection window for the
// in-flight sentence via ResetQueueOnlyBlocking, then relaunch the loop one
// sentence past it so the preserved sentence is never re-produced.
func (a *Actor) handleUpgrade() {
	if a.state != ttypes.StatePlaying || a.strategyMgr.Strategy() != ttypes.OnlinePreferred {
		return
	}
	a.cooldownCtl.OnSuccess()
	preserve := a.playingSentenceIndex
	a.session++
	a.cancelAndJoinLoop()

	ctx, cancel := context.WithCancel(context.Background())
	_ = a.player.ResetQueueOnlyBlocking(ctx, a.session, preserve)
	cancel()

	a.synthesisIndex = preserve + 1
	a.launchLoop(a.synthesisIndex)
}

func (a *Actor) resetPlayerBlocking() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = a.player.ResetBlocking(ctx, a.session)
}

func (a *Actor) handleInternalSentenceStart(session ttypes.Session, index int, text string) {
	if session != a.session {
		return
	}
	a.playingSentenceIndex = index
	a.publishStatus()
	if a.callbacks.OnSentenceStart != nil {
		a.callbacks.OnSentenceStart(index, text, len(a.sentences))
	}
}

func (a *Actor) handleInternalSentenceEnd(session ttypes.Session, index int, text string) {
	if session != a.session {
		return
	}
	if a.callbacks.OnSentenceComplete != nil {
		a.callbacks.OnSentenceComplete(index, text)
	}
	if index == len(a.sentences)-1 && !a.isPausedByError {
		a.setState(ttypes.StateIdle)
		if a.callbacks.OnSynthesisComplete != nil {
			a.callbacks.OnSynthesisComplete()
		}
	}
}

// handleInternalDrained implements spec §4.F's loop-end drained-callback:
// a fatal generation marks isPausedByError and pauses; a clean generation
// is a no-op, letting the last sentence's own SentenceEnd drive the
// Idle/onSynthesisComplete transition instead.
func (a *Actor) handleInternalDrained(session ttypes.Session, fatal bool, failedSentence int, err error) {
	if session != a.session {
		return
	}
	if !fatal {
		return
	}
	a.isPausedByError = true
	a.setState(ttypes.StatePaused)
	if a.callbacks.OnError != nil {
		msg := fmt.Sprintf("synthesis failed at sentence %d", failedSentence)
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		a.callbacks.OnError(msg)
	}
}

// handleInternalSinkError implements spec §4.G's InternalError command: a
// report of a genuinely unrecoverable failure in a shared resource (the
// audio sink), as opposed to a per-sentence synthesis failure, which is
// handled by handleInternalDrained instead. Runs the full Stop sequence
// since there is nothing left to safely resume.
func (a *Actor) handleInternalSinkError(err error) {
	a.stopInternal()
	if a.callbacks.OnError != nil {
		a.callbacks.OnError(fmt.Sprintf("sink error: %v", err))
	}
}

func (a *Actor) setState(s ttypes.State) {
	a.state = s
	a.publishStatus()
	if a.callbacks.OnStateChanged != nil {
		a.callbacks.OnStateChanged(s)
	}
}

func (a *Actor) publishStatus() {
	status := ttypes.Status{
		State:                a.state,
		TotalSentences:       len(a.sentences),
		CurrentSentenceIndex: a.playingSentenceIndex,
		IsPausedByError:      a.isPausedByError,
	}
	if a.playingSentenceIndex >= 0 && a.playingSentenceIndex < len(a.sentences) {
		status.CurrentSentence = a.sentences[a.playingSentenceIndex]
	}
	a.statusMu.Lock()
	a.status = status
	a.statusMu.Unlock()
}

// launchLoop starts a fresh synthesis-loop generation under the current
// session, wiring its sentence-marker side effects and drained callback
// back into the actor as internal commands.
func (a *Actor) launchLoop(startIndex int) {
	session := a.session
	params := synth.Params{
		Sentences:  a.sentences,
		StartIndex: startIndex,
		Session:    session,
		Voice:      a.voice,
		Speed:      a.speed,
		Volume:     a.volume,
		OnSentenceStart: func(index int, text string) {
			a.postSentenceStart(session, index, text)
		},
		OnSentenceEnd: func(index int, text string) {
			a.postSentenceEnd(session, index, text)
		},
	}

	loop := synth.New(a.player, a.engine, a.online, a.strategyMgr, a.cooldownCtl, a.log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.loopCancel = cancel
	a.loopDone = done

	go func() {
		defer close(done)
		loop.Run(ctx, params, func(fatal bool, failedSentence int, err error) {
			a.postDrained(session, fatal, failedSentence, err)
		})
	}()
}

func (a *Actor) cancelAndJoinLoop() {
	if a.loopCancel == nil {
		return
	}
	a.loopCancel()
	<-a.loopDone
	a.loopCancel = nil
	a.loopDone = nil
}
