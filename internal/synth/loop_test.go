package synth

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/vox/internal/audio"
	"github.com/dgnsrekt/vox/internal/cooldown"
	"github.com/dgnsrekt/vox/internal/strategy"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

func testLogger() *log.Logger { return log.New(io.Discard) }

// fakeSink is a minimal ttypes.Sink that drains instantly, mirroring
// internal/audio's own test double.
type fakeSink struct {
	mu      sync.Mutex
	rate    int
	written []int16
}

func (s *fakeSink) Create(sampleRate int) error { s.mu.Lock(); s.rate = sampleRate; s.mu.Unlock(); return nil }
func (s *fakeSink) Write(buf []int16) (int, error) {
	s.mu.Lock()
	s.written = append(s.written, buf...)
	s.mu.Unlock()
	return len(buf), nil
}
func (s *fakeSink) Flush() error   { return nil }
func (s *fakeSink) Release() error { return nil }
func (s *fakeSink) SetVolume(v float64) error { return nil }
func (s *fakeSink) PlaybackHeadPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.written))
}
func (s *fakeSink) PlayState() ttypes.PlayState { return ttypes.SinkPlaying }
func (s *fakeSink) Pause()                      {}
func (s *fakeSink) Resume()                     {}

func (s *fakeSink) samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int16, len(s.written))
	copy(out, s.written)
	return out
}

// fakeOffline is a ttypes.OfflineEngine double that hands back a fixed
// number of samples per sentence in one chunk, then reports exhaustion.
type fakeOffline struct {
	mu           sync.Mutex
	loadErr      error
	prepareErrs  int // number of leading Prepare calls (across the whole test) that fail
	prepareCalls int
	samplesOut   int
	rate         int
	resetCalls   int
	lastVoice    string
}

func newFakeOffline(samplesOut int) *fakeOffline {
	return &fakeOffline{samplesOut: samplesOut, rate: 22050}
}

func (e *fakeOffline) LoadVoice(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return e.loadErr
	}
	e.lastVoice = name
	return nil
}
func (e *fakeOffline) SetSpeed(float64) error  { return nil }
func (e *fakeOffline) SetVolume(float64) error { return nil }

func (e *fakeOffline) Prepare(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepareCalls++
	if e.prepareErrs > 0 {
		e.prepareErrs--
		return errors.New("prepare failed")
	}
	return nil
}

func (e *fakeOffline) Synthesize(ctx context.Context, buf []int16) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samplesOut <= 0 {
		return 0, nil
	}
	n := e.samplesOut
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = int16(i + 1)
	}
	e.samplesOut -= n
	return n, nil
}

func (e *fakeOffline) SampleRate() int { return e.rate }
func (e *fakeOffline) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetCalls++
	e.samplesOut = 0
}
func (e *fakeOffline) Close() error { return nil }

// fakeOnline is a ttypes.OnlineRepository double.
type fakeOnline struct {
	mu       sync.Mutex
	samples  []int16
	rate     int
	err      error
	forbid   bool
	requests int
}

func (r *fakeOnline) GetDecodedPCM(ctx context.Context, text, voice string, allowNetwork bool) ([]int16, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	if r.forbid && !allowNetwork {
		return nil, 0, ttypes.ErrForbiddenNetwork
	}
	if r.err != nil {
		return nil, 0, r.err
	}
	out := make([]int16, len(r.samples))
	copy(out, r.samples)
	return out, r.rate, nil
}

func newTestRig(t *testing.T, strat ttypes.Strategy, networkGood bool) (*audio.Player, *strategy.Manager, *cooldown.Controller, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	player := audio.New(sink, testLogger())
	player.StartIfNeeded()
	mgr := strategy.New(strat)
	mgr.SetNetworkGood(networkGood)
	return player, mgr, cooldown.New(), sink
}

func waitForSamples(t *testing.T, sink *fakeSink, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(sink.samples()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d samples, got %d", want, len(sink.samples()))
}

func TestRunOfflineOnlyDeliversFirstSentenceAndDrains(t *testing.T) {
	player, mgr, cd, sink := newTestRig(t, ttypes.OfflineOnly, false)
	engine := NewEngineState(newFakeOffline(100))
	loop := New(player, engine, nil, mgr, cd, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drained := make(chan struct{})
	params := Params{
		Sentences: []string{"hello", "world"},
		Session:   ttypes.Session(1),
		Voice:     "v1",
		Speed:     1.0,
		Volume:    1.0,
	}

	// newFakeOffline always resets samplesOut to 0 after Reset, so wire a
	// fresh engine producing 100 samples for every sentence by resetting
	// samplesOut in a wrapper would be needed for a stricter test; here we
	// only assert the first sentence's audio is delivered and the loop
	// reaches EndOfStream without blocking.
	go loop.Run(ctx, params, func(fatal bool, index int, err error) {
		if fatal {
			t.Errorf("unexpected fatal at sentence %d: %v", index, err)
		}
		close(drained)
	})

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis loop never drained")
	}

	waitForSamples(t, sink, 100, time.Second)
}

func TestRunOfflinePrepareRetriesThenSkipsNonFatally(t *testing.T) {
	player, mgr, cd, _ := newTestRig(t, ttypes.OfflineOnly, false)
	fo := newFakeOffline(50)
	fo.prepareErrs = maxPrepareRetries // every attempt in the retry loop fails
	engine := NewEngineState(fo)
	loop := New(player, engine, nil, mgr, cd, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drained := make(chan struct{})
	params := Params{
		Sentences: []string{"only sentence"},
		Session:   ttypes.Session(1),
		Voice:     "v1",
		Speed:     1.0,
		Volume:    1.0,
	}

	go loop.Run(ctx, params, func(fatal bool, index int, err error) {
		if fatal {
			t.Errorf("unexpected fatal at sentence %d: %v", index, err)
		}
		close(drained)
	})

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis loop never drained after exhausting prepare retries")
	}

	if fo.prepareCalls != maxPrepareRetries {
		t.Fatalf("prepare calls = %d, want %d", fo.prepareCalls, maxPrepareRetries)
	}
}

func TestRunOnlinePreferredFallsBackToOfflineOnFailure(t *testing.T) {
	player, mgr, cd, sink := newTestRig(t, ttypes.OnlinePreferred, true)
	engine := NewEngineState(newFakeOffline(40))
	online := &fakeOnline{err: errors.New("boom")}
	loop := New(player, engine, online, mgr, cd, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drained := make(chan struct{})
	params := Params{
		Sentences: []string{"fallback me"},
		Session:   ttypes.Session(1),
		Voice:     "v1",
		Speed:     1.0,
		Volume:    1.0,
	}

	go loop.Run(ctx, params, func(fatal bool, index int, err error) {
		if fatal {
			t.Errorf("unexpected fatal at sentence %d: %v", index, err)
		}
		close(drained)
	})

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis loop never drained")
	}

	waitForSamples(t, sink, 40, time.Second)
	if online.requests == 0 {
		t.Fatal("expected online repository to have been queried before falling back")
	}
}

func TestRunOnlineOnlyReportsFatalOnFailure(t *testing.T) {
	player, mgr, cd, _ := newTestRig(t, ttypes.OnlineOnly, true)
	online := &fakeOnline{err: errors.New("boom")}
	loop := New(player, nil, online, mgr, cd, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drained := make(chan struct{})
	var gotFatal bool
	params := Params{
		Sentences: []string{"no fallback here"},
		Session:   ttypes.Session(1),
		Voice:     "v1",
		Speed:     1.0,
		Volume:    1.0,
	}

	go loop.Run(ctx, params, func(fatal bool, index int, err error) {
		gotFatal = fatal
		close(drained)
	})

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis loop never drained after fatal failure")
	}

	if !gotFatal {
		t.Fatal("expected onFatal to be invoked")
	}
}

func TestRunOnlineSkipsEmptySentenceWithoutQuerying(t *testing.T) {
	player, mgr, cd, _ := newTestRig(t, ttypes.OnlineOnly, true)
	online := &fakeOnline{samples: []int16{1, 2, 3}, rate: 22050}
	loop := New(player, nil, online, mgr, cd, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drained := make(chan struct{})
	params := Params{
		Sentences: []string{"   ", "real text"},
		Session:   ttypes.Session(1),
		Voice:     "v1",
		Speed:     1.0,
		Volume:    1.0,
	}

	go loop.Run(ctx, params, func(fatal bool, index int, err error) {
		if fatal {
			t.Errorf("unexpected fatal at sentence %d: %v", index, err)
		}
		close(drained)
	})

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis loop never drained")
	}

	if online.requests != 1 {
		t.Fatalf("expected exactly 1 online request (blank sentence skipped), got %d", online.requests)
	}
}

func TestRunCancelledContextStopsPromptly(t *testing.T) {
	player, mgr, cd, _ := newTestRig(t, ttypes.OfflineOnly, false)
	engine := NewEngineState(newFakeOffline(10))
	loop := New(player, engine, nil, mgr, cd, testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	params := Params{
		Sentences: []string{"a", "b", "c", "d", "e"},
		Session:   ttypes.Session(1),
		Voice:     "v1",
		Speed:     1.0,
		Volume:    1.0,
	}
	cancel() // cancel before Run even starts

	go func() {
		loop.Run(ctx, params, func(fatal bool, index int, err error) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after ctx cancellation")
	}
}
