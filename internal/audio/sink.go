package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"

	"github.com/dgnsrekt/vox/internal/ttypes"
)

const channels = 1 // TTS output is mono throughout.

// pcmPipe is the io.Reader oto.Player drains. Writes block until oto pulls
// the previous chunk, which is exactly the backpressure the chunked-write
// loop in player.go wants: a blocked Write is a natural point to have
// already checked the control channel before committing to it.
type pcmPipe struct {
	pr       *io.PipeReader
	pw       *io.PipeWriter
	position atomic.Int64 // bytes handed to oto so far
}

func newPCMPipe() *pcmPipe {
	pr, pw := io.Pipe()
	return &pcmPipe{pr: pr, pw: pw}
}

// Read satisfies io.Reader for oto.Player. The pipe writer blocks until we
// finish copying its buffer out, so unlike the teacher's one-shot player
// (which had to pin a whole pre-built buffer against the GC) there's no
// separate buffer lifetime to manage here.
func (p *pcmPipe) Read(b []byte) (int, error) {
	n, err := p.pr.Read(b)
	p.position.Add(int64(n))
	return n, err
}

// Sink is the oto/v3-backed realization of ttypes.Sink. oto/v3 allows
// exactly one context per process, so the context is opened lazily on the
// first Create call and never torn down; later Create calls (a sample-rate
// switch between sentences) only replace the player and pipe bound to it.
// A caller writing samples at a rate other than Rate() must resample
// before calling Write — the sink itself never resamples.
type Sink struct {
	mu        sync.Mutex
	ctx       *oto.Context
	ctxRate   int
	player    *oto.Player
	pipe      *pcmPipe
	playState atomic.Int32
	volume    atomic.Uint64
}

// NewSink constructs an unopened Sink; Create must be called before Write.
func NewSink() *Sink {
	s := &Sink{}
	s.volume.Store(floatBits(1.0))
	s.playState.Store(int32(ttypes.SinkStopped))
	return s
}

// Create opens (or reopens) the output stream. The very first call fixes
// the process-wide oto context's sample rate; later calls only replace the
// player/pipe pair, matching whatever rate the context already has.
func (s *Sink) Create(sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		op := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			return err
		}
		<-ready
		s.ctx = ctx
		s.ctxRate = sampleRate
	}

	if s.player != nil {
		s.player.Close()
	}
	if s.pipe != nil {
		s.pipe.pw.CloseWithError(errors.New("sink stream replaced"))
	}

	s.pipe = newPCMPipe()
	player := s.ctx.NewPlayer(s.pipe)
	player.SetBufferSize(4096)
	player.SetVolume(floatFromBits(s.volume.Load()))
	player.Play()
	s.player = player
	s.playState.Store(int32(ttypes.SinkPlaying))
	return nil
}

// Rate returns the process-wide device sample rate fixed by the first
// Create call. Zero before any Create.
func (s *Sink) Rate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctxRate
}

// Write pushes PCM samples, already at Rate(), to the platform device. It
// blocks until oto has consumed the previous chunk.
func (s *Sink) Write(buf []int16) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return 0, ttypes.ErrEngineNotReady
	}

	raw := make([]byte, len(buf)*2)
	for i, v := range buf {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	n, err := pipe.pw.Write(raw)
	return n / 2, err
}

// Flush is a no-op: io.Pipe is unbuffered on our side, so nothing is
// queued once Write returns. It exists to satisfy ttypes.Sink for sinks
// that do buffer internally (e.g. a test double).
func (s *Sink) Flush() error { return nil }

// PlaybackHeadPosition approximates playback progress as samples handed to
// oto so far. oto does not expose a true hardware head position; this is
// the same approximation the teacher's positionTrackingReader used.
func (s *Sink) PlaybackHeadPosition() int64 {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return 0
	}
	return pipe.position.Load() / 2
}

func (s *Sink) PlayState() ttypes.PlayState {
	return ttypes.PlayState(s.playState.Load())
}

func (s *Sink) SetVolume(v float64) error {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	s.volume.Store(floatBits(v))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.SetVolume(v)
	}
	return nil
}

func (s *Sink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.Pause()
	}
	s.playState.Store(int32(ttypes.SinkPaused))
}

func (s *Sink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.Play()
	}
	s.playState.Store(int32(ttypes.SinkPlaying))
}

// Release tears the current player and pipe down. The oto.Context itself
// is never released: oto/v3 cannot reopen a context within the same
// process, so the context outlives every Release/Create cycle.
func (s *Sink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	if s.pipe != nil {
		s.pipe.pw.CloseWithError(errors.New("sink released"))
		s.pipe = nil
	}
	s.playState.Store(int32(ttypes.SinkStopped))
	return nil
}

func floatBits(v float64) uint64     { return uint64(int64(v * 1e9)) }
func floatFromBits(b uint64) float64 { return float64(int64(b)) / 1e9 }
