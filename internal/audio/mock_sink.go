package audio

import (
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/vox/internal/ttypes"
)

// mockSink is an in-memory ttypes.Sink double used by tests: instead of
// talking to a real device, it appends every written sample to a buffer
// and reports PlaybackHeadPosition as "everything written so far", i.e.
// an instantly-draining device. Tests that need to observe an in-flight,
// not-yet-drained state use delayedMockSink below.
type mockSink struct {
	mu         sync.Mutex
	rate       int
	written    []int16
	volume     float64
	playState  atomic.Int32
	writeCount atomic.Int64
}

func newMockSink() *mockSink {
	s := &mockSink{volume: 1.0}
	s.playState.Store(int32(ttypes.SinkStopped))
	return s
}

func (s *mockSink) Create(sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = sampleRate
	s.playState.Store(int32(ttypes.SinkPlaying))
	return nil
}

func (s *mockSink) Rate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *mockSink) Write(buf []int16) (int, error) {
	s.mu.Lock()
	s.written = append(s.written, buf...)
	s.mu.Unlock()
	s.writeCount.Add(1)
	return len(buf), nil
}

func (s *mockSink) Flush() error { return nil }

func (s *mockSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playState.Store(int32(ttypes.SinkStopped))
	return nil
}

func (s *mockSink) SetVolume(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	return nil
}

func (s *mockSink) PlaybackHeadPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.written))
}

func (s *mockSink) PlayState() ttypes.PlayState {
	return ttypes.PlayState(s.playState.Load())
}

func (s *mockSink) Pause() { s.playState.Store(int32(ttypes.SinkPaused)) }
func (s *mockSink) Resume() {
	s.mu.Lock()
	created := s.rate != 0
	s.mu.Unlock()
	if created {
		s.playState.Store(int32(ttypes.SinkPlaying))
	}
}

func (s *mockSink) samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int16, len(s.written))
	copy(out, s.written)
	return out
}
