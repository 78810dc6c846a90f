package actor

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
	"github.com/dgnsrekt/vox/internal/sentence"
	"github.com/dgnsrekt/vox/internal/strategy"
	"github.com/dgnsrekt/vox/internal/synth"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

func testLogger() *log.Logger { return log.New(io.Discard) }

type fakeSink struct {
	mu      sync.Mutex
	written []int16
}

func (s *fakeSink) Create(int) error { return nil }
func (s *fakeSink) Write(buf []int16) (int, error) {
	s.mu.Lock()
	s.written = append(s.written, buf...)
	s.mu.Unlock()
	return len(buf), nil
}
func (s *fakeSink) Flush() error              { return nil }
func (s *fakeSink) Release() error            { return nil }
func (s *fakeSink) SetVolume(float64) error   { return nil }
func (s *fakeSink) PlaybackHeadPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.written))
}
func (s *fakeSink) PlayState() ttypes.PlayState { return ttypes.SinkPlaying }
func (s *fakeSink) Pause()                      {}
func (s *fakeSink) Resume()                     {}

// fakeOffline always succeeds and hands back a short, fixed chunk per
// sentence so every test completes promptly.
type fakeOffline struct {
	mu   sync.Mutex
	left int
}

func newFakeOffline() *fakeOffline { return &fakeOffline{} }

func (e *fakeOffline) LoadVoice(string) error  { return nil }
func (e *fakeOffline) SetSpeed(float64) error  { return nil }
func (e *fakeOffline) SetVolume(float64) error { return nil }
func (e *fakeOffline) Prepare(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left = 20
	return nil
}
func (e *fakeOffline) Synthesize(ctx context.Context, buf []int16) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.left <= 0 {
		return 0, nil
	}
	n := e.left
	if n > len(buf) {
		n = len(buf)
	}
	e.left -= n
	return n, nil
}
func (e *fakeOffline) SampleRate() int { return 22050 }
func (e *fakeOffline) Reset()          {}
func (e *fakeOffline) Close() error    { return nil }

// fakeOnline fails every request, forcing the OnlineOnly scenario fatal.
type fakeOnline struct{ err error }

func (r *fakeOnline) GetDecodedPCM(ctx context.Context, text, voice string, allowNetwork bool) ([]int16, int, error) {
	return nil, 0, r.err
}

func newTestActor(t *testing.T, strat ttypes.Strategy, online ttypes.OnlineRepository, cb ttypes.Callbacks) *Actor {
	t.Helper()
	player := audio.New(&fakeSink{}, testLogger())
	a := New(Dependencies{
		Player:     player,
		Engine:     synth.NewEngineState(newFakeOffline()),
		Online:     online,
		Strategy:   strategy.New(strat),
		Cooldown:   cooldown.New(),
		Splitter:   sentence.New(sentence.Punctuation),
		Logger:     testLogger(),
		Callbacks:  cb,
		InitVoice:  "v1",
		InitSpeed:  1.0,
		InitVolume: 1.0,
	})
	a.Start()
	return a
}

func waitForState(t *testing.T, a *Actor, want ttypes.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, last was %v", want, a.Status().State)
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	a := newTestActor(t, ttypes.OfflineOnly, nil, ttypes.Callbacks{})
	if err := a.Speak("   "); err == nil {
		t.Fatal("expected error speaking empty text")
	}
	if a.Status().State != ttypes.StateIdle {
		t.Fatalf("state = %v, want Idle", a.Status().State)
	}
}

func TestSpeakPlaysToCompletion(t *testing.T) {
	var mu sync.Mutex
	var completed bool
	cb := ttypes.Callbacks{
		OnSynthesisComplete: func() {
			mu.Lock()
			completed = true
			mu.Unlock()
		},
	}
	a := newTestActor(t, ttypes.OfflineOnly, nil, cb)

	if err := a.Speak("Hello there. How are you?"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitForState(t, a, ttypes.StateIdle, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if !completed {
		t.Fatal("expected onSynthesisComplete to fire")
	}
}

func TestPauseThenResume(t *testing.T) {
	var mu sync.Mutex
	var paused, resumed bool
	cb := ttypes.Callbacks{
		OnPaused:  func() { mu.Lock(); paused = true; mu.Unlock() },
		OnResumed: func() { mu.Lock(); resumed = true; mu.Unlock() },
	}
	a := newTestActor(t, ttypes.OfflineOnly, nil, cb)

	if err := a.Speak("One. Two. Three. Four. Five."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitForState(t, a, ttypes.StatePlaying, time.Second)

	a.Pause()
	waitForState(t, a, ttypes.StatePaused, time.Second)

	a.Resume()
	// Either Playing (still has sentences left) or Idle (finished in the
	// meantime) is an acceptable outcome; what matters is it left Paused.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := a.Status().State; s != ttypes.StatePaused {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !paused {
		t.Fatal("expected onPaused to fire")
	}
	if !resumed {
		t.Fatal("expected onResumed to fire")
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	a := newTestActor(t, ttypes.OfflineOnly, nil, ttypes.Callbacks{})
	if err := a.Speak("One. Two. Three."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitForState(t, a, ttypes.StatePlaying, time.Second)

	a.Stop()
	waitForState(t, a, ttypes.StateIdle, 2*time.Second)

	if got := a.Status().TotalSentences; got != 0 {
		t.Fatalf("expected sentence list cleared after Stop, got %d", got)
	}
}

func TestOnlineOnlyFatalPausesWithError(t *testing.T) {
	var mu sync.Mutex
	var errMsg string
	var synthesisCompleteFired bool
	cb := ttypes.Callbacks{
		OnError:             func(msg string) { mu.Lock(); errMsg = msg; mu.Unlock() },
		OnSynthesisComplete: func() { mu.Lock(); synthesisCompleteFired = true; mu.Unlock() },
	}
	a := newTestActor(t, ttypes.OnlineOnly, &fakeOnline{err: errors.New("network down")}, cb)

	if err := a.Speak("Only one sentence here."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitForState(t, a, ttypes.StatePaused, 2*time.Second)

	status := a.Status()
	if !status.IsPausedByError {
		t.Fatal("expected IsPausedByError to be set")
	}

	mu.Lock()
	defer mu.Unlock()
	if errMsg == "" {
		t.Fatal("expected onError to fire with a message")
	}
	if synthesisCompleteFired {
		t.Fatal("onSynthesisComplete must not fire on a fatal failure")
	}
}

func TestSpeakWhilePlayingRestartsCleanly(t *testing.T) {
	a := newTestActor(t, ttypes.OfflineOnly, nil, ttypes.Callbacks{})
	if err := a.Speak("First utterance here."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitForState(t, a, ttypes.StatePlaying, time.Second)

	if err := a.Speak("Second utterance entirely."); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	waitForState(t, a, ttypes.StateIdle, 2*time.Second)
}

func TestSetVolumeDoesNotChangeState(t *testing.T) {
	a := newTestActor(t, ttypes.OfflineOnly, nil, ttypes.Callbacks{})
	if err := a.Speak("One. Two. Three. Four."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitForState(t, a, ttypes.StatePlaying, time.Second)

	a.SetVolume(0.5)
	time.Sleep(20 * time.Millisecond)
	if a.Status().State != ttypes.StatePlaying {
		t.Fatalf("SetVolume should not change state, got %v", a.Status().State)
	}
}

func TestReleaseStopsConsumerLoop(t *testing.T) {
	a := newTestActor(t, ttypes.OfflineOnly, nil, ttypes.Callbacks{})
	if err := a.Speak("Something to say."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
