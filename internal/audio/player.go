package audio

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/vox/internal/dsp"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

const (
	// chunkSize is the unit PCM is handed to the sink in. Small enough that
	// the control channel is polled between chunks (preemption), large
	// enough that the syscall/goroutine overhead of Write stays modest.
	chunkSize = 2048

	queueCapacity = 256

	// eosStallWindow/eosPollInterval govern the end-of-stream barrier: the
	// sink is considered drained once its playback head stops advancing
	// for this long, or it leaves the playing state.
	eosStallWindow  = 1 * time.Second
	eosPollInterval = 100 * time.Millisecond

	// protectedDrainStallWindow/protectedDrainPollInterval govern the
	// shorter wait for the *protected* sentence specifically to finish
	// before the deferred buckets accumulated during the upgrade are
	// replayed.
	protectedDrainStallWindow  = 300 * time.Millisecond
	protectedDrainPollInterval = 50 * time.Millisecond

	pauseBackoff = 20 * time.Millisecond

	progressFreezeWindow  = 150 * time.Millisecond
	progressFreezeCeiling = 0.03
)

type controlKind int

const (
	ctrlHardReset controlKind = iota
	ctrlSoftQueueOnly
	ctrlReplayBuckets
)

// controlMsg is the single-slot, conflated control request (spec §4.E /
// §5 "control channel"): only the most recently posted request survives
// in the channel at any moment.
type controlMsg struct {
	kind     controlKind
	session  ttypes.Session
	preserve int
	ack      chan struct{}
}

// bucket accumulates the queue items the protection window deferred for
// one non-protected sentence, in arrival order, so they can be replayed
// once the protected sentence finishes.
type bucket struct {
	hasStart bool
	start    *ttypes.MarkerItem
	pcm      []*ttypes.PcmItem
	hasEnd   bool
	end      *ttypes.MarkerItem
}

// rateProvider is implemented by concrete sinks that expose the device
// sample rate their first Create call fixed.
type rateProvider interface{ Rate() int }

// Player is the audio consumer task (spec §4.E): it owns the sink handle
// exclusively, drains the bounded PCM/marker queue, and implements the
// protection-window discipline that lets an offline-to-online upgrade
// finish the in-flight sentence before switching sources.
type Player struct {
	sink ttypes.Sink
	log  *log.Logger

	items   chan ttypes.QueueItem
	control chan controlMsg
	done    chan struct{}

	started   atomic.Bool
	closeOnce sync.Once

	session atomic.Uint64
	paused  atomic.Bool

	mu                sync.Mutex
	protectionActive  bool
	protectedSentence int
	buckets           map[int]*bucket

	progressMu       sync.Mutex
	curSentence      int
	curAccepted      int64
	curPredicted     int64
	curStartedAt     time.Time
	curPlayedAtStart int64

	convMu     sync.Mutex
	converters map[int]*dsp.Resampler
}

// New constructs a Player bound to sink. Call StartIfNeeded before
// enqueuing anything.
func New(sink ttypes.Sink, logger *log.Logger) *Player {
	return &Player{
		sink:        sink,
		log:         logger,
		items:       make(chan ttypes.QueueItem, queueCapacity),
		control:     make(chan controlMsg, 1),
		done:        make(chan struct{}),
		buckets:     map[int]*bucket{},
		converters:  map[int]*dsp.Resampler{},
		curSentence: -1,
	}
}

// StartIfNeeded launches the consumer goroutine exactly once.
func (p *Player) StartIfNeeded() {
	if p.started.CompareAndSwap(false, true) {
		go p.run()
	}
}

func (p *Player) currentSession() ttypes.Session { return ttypes.Session(p.session.Load()) }

// CanAccept is the cheap predicate producers poll before doing work that
// the protection window would just discard (spec §4.F.1's early-return
// Deferred check): offline data for anything but the protected sentence
// will be dropped outright, so there is no point producing it.
func (p *Player) CanAccept(source ttypes.Source, sentenceIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.protectionActive {
		return true
	}
	if sentenceIndex == p.protectedSentence {
		return true
	}
	return source != ttypes.SourceOffline
}

// EnqueuePcm, EnqueueMarker and EnqueueEndOfStream push a queue item,
// blocking under backpressure until there is room, ctx is cancelled, or
// the player has been closed.
func (p *Player) EnqueuePcm(ctx context.Context, session ttypes.Session, samples []int16, sampleRate int, source ttypes.Source, sentenceIndex int) error {
	return p.enqueue(ctx, ttypes.PcmQueueItem(session, samples, sampleRate, source, sentenceIndex))
}

func (p *Player) EnqueueMarker(ctx context.Context, session ttypes.Session, sentenceIndex int, kind ttypes.MarkerKind, source ttypes.Source, onReached func()) error {
	return p.enqueue(ctx, ttypes.MarkerQueueItem(session, sentenceIndex, kind, source, onReached))
}

func (p *Player) EnqueueEndOfStream(ctx context.Context, session ttypes.Session, onDrained func()) error {
	return p.enqueue(ctx, ttypes.EOSQueueItem(session, onDrained))
}

func (p *Player) enqueue(ctx context.Context, item ttypes.QueueItem) error {
	select {
	case <-p.done:
		return ttypes.ErrQueueClosed
	default:
	}
	select {
	case p.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ttypes.ErrQueueClosed
	}
}

// ResetBlocking performs a hard reset (spec §4.E "Hard reset"): bumps the
// session, drops every queued item and deferred bucket, and releases the
// sink. Blocks until the consumer has applied it.
func (p *Player) ResetBlocking(ctx context.Context, newSession ttypes.Session) error {
	return p.sendControl(ctx, controlMsg{kind: ctrlHardReset, session: newSession})
}

// ResetQueueOnlyBlocking performs a soft restart that opens a protection
// window for the sentence at index preserve (spec §4.E "Soft restart"):
// the in-flight sentence keeps playing from its current source while
// everything else queued under the old session is dropped.
func (p *Player) ResetQueueOnlyBlocking(ctx context.Context, newSession ttypes.Session, preserve int) error {
	return p.sendControl(ctx, controlMsg{kind: ctrlSoftQueueOnly, session: newSession, preserve: preserve})
}

func (p *Player) sendControl(ctx context.Context, ctrl controlMsg) error {
	ctrl.ack = make(chan struct{})

	// Conflate: drop whatever's pending (it's now moot) and install ours.
	select {
	case <-p.control:
	default:
	}
	select {
	case p.control <- ctrl:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ttypes.ErrQueueClosed
	}

	select {
	case <-ctrl.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return nil
	}
}

// Pause stops the consumer from writing further chunks and pauses the
// sink; whatever the OS has already buffered to hardware may keep
// sounding briefly (spec §8 invariant 6, "pause is a soft stop").
func (p *Player) Pause() {
	p.paused.Store(true)
	p.sink.Pause()
}

func (p *Player) Resume() {
	p.sink.Resume()
	p.paused.Store(false)
}

func (p *Player) SetVolume(v float64) error {
	return p.sink.SetVolume(v)
}

// StopAndReleaseBlocking tears everything down: hard-resets, then closes
// the consumer goroutine for good. The Player is not reusable afterwards.
func (p *Player) StopAndReleaseBlocking(ctx context.Context) error {
	err := p.sendControl(ctx, controlMsg{kind: ctrlHardReset, session: p.currentSession()})
	p.closeOnce.Do(func() { close(p.done) })
	return err
}

// GetCurrentSentenceProgress is a pull-model estimate (spec §4.E, design
// notes "progress reporting as pull, not push"): fraction played of the
// larger of the producer's predicted total and whatever the sink has
// already advanced past, frozen near zero for a short warm-up window so
// an early, unreliable prediction doesn't flash a misleading value.
func (p *Player) GetCurrentSentenceProgress() (*ttypes.SentenceProgress, bool) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()

	if p.curSentence < 0 {
		return nil, false
	}

	played := p.sink.PlaybackHeadPosition() - p.curPlayedAtStart
	if played < 0 {
		played = 0
	}

	total := p.curPredicted
	if total < played {
		total = played
	}
	if total == 0 {
		total = p.curAccepted
	}

	var frac float64
	if total > 0 {
		frac = float64(played) / float64(total)
	}
	if time.Since(p.curStartedAt) < progressFreezeWindow && frac > progressFreezeCeiling {
		frac = progressFreezeCeiling
	}
	if frac > 1 {
		frac = 1
	}

	return &ttypes.SentenceProgress{Index: p.curSentence, Played: played, Total: total, Fraction: frac}, true
}

func (p *Player) run() {
	for {
		select {
		case ctrl := <-p.control:
			p.handleControl(ctrl)
			continue
		default:
		}

		if p.paused.Load() {
			select {
			case ctrl := <-p.control:
				p.handleControl(ctrl)
			case <-time.After(pauseBackoff):
			case <-p.done:
				return
			}
			continue
		}

		select {
		case ctrl := <-p.control:
			p.handleControl(ctrl)
		case item, ok := <-p.items:
			if !ok {
				return
			}
			p.handleItem(item)
		case <-p.done:
			return
		}
	}
}

func (p *Player) handleItem(item ttypes.QueueItem) {
	if item.Session != p.currentSession() {
		return
	}
	switch {
	case item.Pcm != nil:
		p.handlePcm(item.Session, item.Pcm)
	case item.Marker != nil:
		p.handleMarker(item.Session, item.Marker)
	case item.EOS != nil:
		p.handleEOS(item.Session, item.EOS)
	}
}

// handlePcm applies the protection-window policy (spec §4.E): admit data
// for the protected sentence, drop offline data for anything else, and
// bucket online data for anything else so it can be replayed in order.
func (p *Player) handlePcm(session ttypes.Session, pcm *ttypes.PcmItem) {
	p.mu.Lock()
	active, protected := p.protectionActive, p.protectedSentence
	p.mu.Unlock()

	if active && pcm.SentenceIndex != protected {
		if pcm.Source == ttypes.SourceOffline {
			return
		}
		p.bucketPcm(pcm)
		return
	}
	p.writePcm(session, pcm)
}

func (p *Player) handleMarker(session ttypes.Session, marker *ttypes.MarkerItem) {
	p.mu.Lock()
	active, protected := p.protectionActive, p.protectedSentence
	p.mu.Unlock()

	if active && marker.SentenceIndex != protected {
		if marker.Source == ttypes.SourceOffline {
			return
		}
		p.bucketMarker(marker)
		return
	}

	p.applyMarkerSideEffects(marker)
	if marker.OnReached != nil {
		marker.OnReached()
	}

	if active && marker.Kind == ttypes.SentenceEnd && marker.SentenceIndex == protected {
		p.scheduleFlush(session)
	}
}

func (p *Player) handleEOS(session ttypes.Session, eos *ttypes.EOSItem) {
	go p.watchDrain(session, eos.OnDrained)
}

func (p *Player) bucketPcm(pcm *ttypes.PcmItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.bucketFor(pcm.SentenceIndex)
	b.pcm = append(b.pcm, pcm)
}

func (p *Player) bucketMarker(marker *ttypes.MarkerItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.bucketFor(marker.SentenceIndex)
	if marker.Kind == ttypes.SentenceStart {
		b.hasStart, b.start = true, marker
	} else {
		b.hasEnd, b.end = true, marker
	}
}

// bucketFor must be called with p.mu held.
func (p *Player) bucketFor(sentenceIndex int) *bucket {
	b := p.buckets[sentenceIndex]
	if b == nil {
		b = &bucket{}
		p.buckets[sentenceIndex] = b
	}
	return b
}

// applyMarkerSideEffects updates progress-tracking state. It runs for
// every admitted marker, whether live or replayed.
func (p *Player) applyMarkerSideEffects(marker *ttypes.MarkerItem) {
	if marker.Kind != ttypes.SentenceStart {
		return
	}
	p.progressMu.Lock()
	p.curSentence = marker.SentenceIndex
	p.curAccepted = 0
	p.curPredicted = 0
	p.curStartedAt = time.Now()
	p.curPlayedAtStart = p.sink.PlaybackHeadPosition()
	p.progressMu.Unlock()
}

func (p *Player) trackAccepted(sentenceIndex int, n, predicted int64) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	if sentenceIndex != p.curSentence {
		return
	}
	p.curAccepted += n
	if predicted > p.curPredicted {
		p.curPredicted = predicted
	}
}

func (p *Player) resetProgress() {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	p.curSentence = -1
	p.curAccepted = 0
	p.curPredicted = 0
}

// writePcm is the chunked PCM writer with preemption (spec §4.E): samples
// are resampled to the sink's device rate if needed, then written in
// chunkSize pieces with a non-blocking control-channel poll between each
// so a Hard reset, or a Soft restart preserving a different sentence, can
// interrupt promptly without clipping mid-chunk. A Soft restart that
// preserves this item's own sentence is applied and the write continues.
func (p *Player) writePcm(session ttypes.Session, pcm *ttypes.PcmItem) {
	samples := p.convert(pcm.SampleRate, pcm.Samples)
	p.trackAccepted(pcm.SentenceIndex, int64(len(pcm.Samples)), pcm.PredictedTotal)

	allowCrossGeneration := false
	for offset := 0; offset < len(samples); offset += chunkSize {
		end := offset + chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[offset:end]

		if !p.pollControl(pcm.SentenceIndex, &allowCrossGeneration) {
			return
		}
		if !allowCrossGeneration && session != p.currentSession() {
			return
		}
		if !p.waitWhilePaused(pcm.SentenceIndex, &allowCrossGeneration) {
			return
		}

		if _, err := p.sink.Write(chunk); err != nil {
			p.log.Warn("sink write failed", "err", err, "sentence", pcm.SentenceIndex)
			return
		}
	}
}

// pollControl drains one pending control request, if any. It returns
// false if the rest of the current PCM item's chunks must be abandoned.
func (p *Player) pollControl(sentenceIndex int, allowCrossGeneration *bool) bool {
	select {
	case ctrl := <-p.control:
		if ctrl.kind == ctrlSoftQueueOnly && ctrl.preserve == sentenceIndex {
			p.handleControl(ctrl)
			*allowCrossGeneration = true
			return true
		}
		p.handleControl(ctrl)
		return false
	default:
		return true
	}
}

func (p *Player) waitWhilePaused(sentenceIndex int, allowCrossGeneration *bool) bool {
	for p.paused.Load() {
		select {
		case ctrl := <-p.control:
			if ctrl.kind == ctrlSoftQueueOnly && ctrl.preserve == sentenceIndex {
				p.handleControl(ctrl)
				*allowCrossGeneration = true
				continue
			}
			p.handleControl(ctrl)
			return false
		case <-time.After(pauseBackoff):
		case <-p.done:
			return false
		}
	}
	return true
}

// convert resamples samples from sourceRate to the sink's device rate.
// The first call fixes the device rate via Sink.Create; later calls at a
// different rate reuse a per-source-rate dsp.Resampler as a rate
// converter (oto/v3 allows only one context per process, so "switching
// sample rate" is realized this way rather than by reopening the device).
func (p *Player) convert(sourceRate int, samples []int16) []int16 {
	rate := p.deviceRate()
	if rate == 0 {
		if err := p.sink.Create(sourceRate); err != nil {
			p.log.Error("sink create failed", "err", err)
			return nil
		}
		return samples
	}
	if sourceRate == rate {
		return samples
	}
	conv := p.converterFor(sourceRate, rate)
	return conv.Process(samples)
}

func (p *Player) deviceRate() int {
	if rp, ok := p.sink.(rateProvider); ok {
		return rp.Rate()
	}
	return 0
}

func (p *Player) converterFor(sourceRate, deviceRate int) *dsp.Resampler {
	p.convMu.Lock()
	defer p.convMu.Unlock()
	conv, ok := p.converters[sourceRate]
	if !ok {
		conv = dsp.New()
		conv.SetSpeed(float64(sourceRate) / float64(deviceRate))
		p.converters[sourceRate] = conv
	}
	return conv
}

func (p *Player) handleControl(ctrl controlMsg) {
	switch ctrl.kind {
	case ctrlHardReset:
		p.session.Store(uint64(ctrl.session))
		p.drainItems()
		if err := p.sink.Release(); err != nil {
			p.log.Warn("sink release failed", "err", err)
		}
		p.mu.Lock()
		p.protectionActive = false
		p.buckets = map[int]*bucket{}
		p.mu.Unlock()
		p.resetProgress()

	case ctrlSoftQueueOnly:
		p.session.Store(uint64(ctrl.session))
		p.drainPreserving(ctrl.preserve, ctrl.session)
		p.mu.Lock()
		p.protectionActive = true
		p.protectedSentence = ctrl.preserve
		p.buckets = map[int]*bucket{}
		p.mu.Unlock()

	case ctrlReplayBuckets:
		if ctrl.session != p.currentSession() {
			break
		}
		p.replayBuckets(ctrl.session)
	}

	if ctrl.ack != nil {
		close(ctrl.ack)
	}
}

func (p *Player) drainItems() {
	for {
		select {
		case <-p.items:
		default:
			return
		}
	}
}

// drainPreserving empties p.items the way drainItems does, except any item
// belonging to sentence preserve is kept rather than discarded: re-stamped
// with newSession so it survives the generation bump, then pushed back in
// its original order. This is what lets SoftQueueOnly(preserve)'s protected
// sentence keep its own already-enqueued PCM and SentenceEnd marker instead
// of losing them to the reset, per spec §4.E.
func (p *Player) drainPreserving(preserve int, newSession ttypes.Session) {
	var kept []ttypes.QueueItem
	for {
		select {
		case item := <-p.items:
			if idx, ok := itemSentenceIndex(item); ok && idx == preserve {
				item.Session = newSession
				kept = append(kept, item)
			}
		default:
			for _, item := range kept {
				p.items <- item
			}
			return
		}
	}
}

// itemSentenceIndex reports the sentence a queue item belongs to. An EOS
// item has none (it marks the end of an entire session, not one sentence)
// and is never worth preserving across a reset.
func itemSentenceIndex(item ttypes.QueueItem) (int, bool) {
	switch {
	case item.Pcm != nil:
		return item.Pcm.SentenceIndex, true
	case item.Marker != nil:
		return item.Marker.SentenceIndex, true
	default:
		return 0, false
	}
}

// scheduleFlush watches the sink until the just-admitted protected
// sentence has finished playing, then asks the consumer to close the
// protection window and replay whatever was deferred while it was open.
func (p *Player) scheduleFlush(session ttypes.Session) {
	go p.watchProtectedDrain(session)
}

func (p *Player) watchProtectedDrain(session ttypes.Session) {
	lastPos := p.sink.PlaybackHeadPosition()
	lastChange := time.Now()
	ticker := time.NewTicker(protectedDrainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if session != p.currentSession() {
				return
			}
			pos := p.sink.PlaybackHeadPosition()
			if pos != lastPos {
				lastPos = pos
				lastChange = time.Now()
			}
			if time.Since(lastChange) >= protectedDrainStallWindow || p.sink.PlayState() != ttypes.SinkPlaying {
				p.requestReplay(session)
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Player) requestReplay(session ttypes.Session) {
	ctrl := controlMsg{kind: ctrlReplayBuckets, session: session}
	select {
	case p.control <- ctrl:
	case <-p.done:
	default:
		// Conflated slot is occupied by something newer (a Hard/Soft reset
		// already superseded this episode); don't clobber it.
	}
}

// replayBuckets closes the protection window and plays back whatever was
// deferred, in ascending sentence order, using the same write path live
// items use. Runs on the consumer goroutine (via ctrlReplayBuckets), so
// it naturally serializes before any PCM already sitting in p.items.
func (p *Player) replayBuckets(session ttypes.Session) {
	p.mu.Lock()
	indices := make([]int, 0, len(p.buckets))
	for idx := range p.buckets {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	snapshot := p.buckets
	p.buckets = map[int]*bucket{}
	p.protectionActive = false
	p.mu.Unlock()

	for _, idx := range indices {
		b := snapshot[idx]
		if len(b.pcm) == 0 {
			continue // nothing substantive deferred for this sentence; drop it
		}
		if b.hasStart {
			p.applyMarkerSideEffects(b.start)
			if b.start.OnReached != nil {
				b.start.OnReached()
			}
		}
		for _, pcm := range b.pcm {
			if session != p.currentSession() {
				return
			}
			p.writePcm(session, pcm)
		}
		if b.hasEnd {
			p.applyMarkerSideEffects(b.end)
			if b.end.OnReached != nil {
				b.end.OnReached()
			}
		}
	}
}

func (p *Player) watchDrain(session ttypes.Session, onDrained func()) {
	if onDrained == nil {
		return
	}
	lastPos := p.sink.PlaybackHeadPosition()
	lastChange := time.Now()
	ticker := time.NewTicker(eosPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if session != p.currentSession() {
				return
			}
			pos := p.sink.PlaybackHeadPosition()
			if pos != lastPos {
				lastPos = pos
				lastChange = time.Now()
			}
			if time.Since(lastChange) >= eosStallWindow || p.sink.PlayState() != ttypes.SinkPlaying {
				if session == p.currentSession() {
					onDrained()
				}
				return
			}
		case <-p.done:
			return
		}
	}
}
