// Package dsp implements the speed DSP (spec §4.B): a stateful,
// single-channel, 16-bit resampler that changes playback speed by linear
// interpolation. The output is played at the input's sample rate, so pitch
// moves with speed; pitch is not preserved. Grounded on the teacher's ResamplePCM linear
// interpolation (pkg/tts/pcm.go), turned into a streaming state machine:
// the one-shot implementation resampled one whole buffer at a fixed ratio;
// this one carries a fractional input cursor and a short tail of unconsumed
// input samples across Process calls so a long utterance can be fed in
// arbitrarily sized chunks without clicks at chunk boundaries.
package dsp

import "sync"

const (
	MinSpeed = 0.5
	MaxSpeed = 3.0
)

// Resampler changes the apparent playback rate of a 16-bit mono PCM stream
// by ratio (output_samples ≈ input_samples / ratio), interpolating linearly
// between neighbouring input samples. This is resampling, not
// time-stretching: played back at the original sample rate, the output's
// pitch is scaled by ratio together with its speed. The audio player relies
// on exactly this to use a Resampler as a sample-rate converter.
type Resampler struct {
	mu sync.Mutex

	speed float64

	// tail holds the last input sample not yet consumed, so interpolation
	// can straddle a Process() call boundary.
	hasTail  bool
	tailSamp int16

	// cursor is the fractional position within the pending pair
	// (tailSamp, firstSampleOfNextCall) that the next output sample should
	// be drawn from.
	cursor float64
}

// New constructs a Resampler at speed 1.0 (pass-through).
func New() *Resampler {
	return &Resampler{speed: 1.0}
}

// SetSpeed sets the stretch ratio. Idempotent; affects subsequent writes
// only. ratio is clamped to [MinSpeed, MaxSpeed].
func (r *Resampler) SetSpeed(ratio float64) {
	if ratio < MinSpeed {
		ratio = MinSpeed
	}
	if ratio > MaxSpeed {
		ratio = MaxSpeed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speed = ratio
}

// Speed returns the current stretch ratio.
func (r *Resampler) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speed
}

// Process appends samples to the internal stream and returns whatever
// output is currently available. The output length is generally
// len(samples)/speed, rounded to whole samples, and may legitimately be
// shorter or longer than the input on any given call because of the
// carried-over fractional cursor.
func (r *Resampler) Process(samples []int16) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}

	// Build a small working window: any carried tail sample, then the new
	// input. Interpolation always looks at (window[i], window[i+1]).
	var window []int16
	if r.hasTail {
		window = make([]int16, 0, len(samples)+1)
		window = append(window, r.tailSamp)
		window = append(window, samples...)
	} else {
		window = samples
	}

	speed := r.speed
	var out []int16
	// cursor indexes a position within window in units of input samples.
	for {
		idx := int(r.cursor)
		if idx >= len(window)-1 {
			break
		}
		frac := r.cursor - float64(idx)
		s1 := float64(window[idx])
		s2 := float64(window[idx+1])
		val := s1*(1-frac) + s2*frac
		out = append(out, clampInt16(val))
		r.cursor += speed
	}

	// Carry the last sample of this window forward as next call's tail,
	// and rebase the cursor relative to it.
	r.tailSamp = window[len(window)-1]
	r.hasTail = true
	r.cursor -= float64(len(window) - 1)
	if r.cursor < 0 {
		r.cursor = 0
	}

	return out
}

// Flush returns any residual output and resets internal buffers. Called
// when a sentence (or the whole session) ends so no samples are lost.
func (r *Resampler) Flush() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []int16
	if r.hasTail && r.cursor < 1 {
		// One residual sample sits at the carried tail; emit it verbatim
		// since there is no successor to interpolate against.
		out = append(out, r.tailSamp)
	}
	r.hasTail = false
	r.tailSamp = 0
	r.cursor = 0
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
