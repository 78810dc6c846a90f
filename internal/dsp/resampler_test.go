package dsp

import "testing"

func TestResamplerPassThroughAtUnitySpeed(t *testing.T) {
	r := New()
	in := []int16{0, 100, 200, 300, 400, 500}
	out := r.Process(in)
	out = append(out, r.Flush()...)
	if len(out) < len(in)-1 {
		t.Fatalf("expected roughly %d samples at unity speed, got %d", len(in), len(out))
	}
}

func TestResamplerFasterProducesFewerSamples(t *testing.T) {
	in := make([]int16, 1000)
	for i := range in {
		in[i] = int16(i % 100)
	}

	unity := New()
	fast := New()
	fast.SetSpeed(2.0)

	outUnity := append(unity.Process(in), unity.Flush()...)
	outFast := append(fast.Process(in), fast.Flush()...)

	if len(outFast) >= len(outUnity) {
		t.Fatalf("2x speed should emit fewer samples: unity=%d fast=%d", len(outUnity), len(outFast))
	}
}

func TestResamplerSlowerProducesMoreSamples(t *testing.T) {
	in := make([]int16, 1000)
	for i := range in {
		in[i] = int16(i % 100)
	}

	unity := New()
	slow := New()
	slow.SetSpeed(0.5)

	outUnity := append(unity.Process(in), unity.Flush()...)
	outSlow := append(slow.Process(in), slow.Flush()...)

	if len(outSlow) <= len(outUnity) {
		t.Fatalf("0.5x speed should emit more samples: unity=%d slow=%d", len(outUnity), len(outSlow))
	}
}

func TestResamplerChunkedMatchesWhole(t *testing.T) {
	in := make([]int16, 500)
	for i := range in {
		in[i] = int16(i)
	}

	whole := New()
	whole.SetSpeed(1.5)
	wholeOut := append(whole.Process(in), whole.Flush()...)

	chunked := New()
	chunked.SetSpeed(1.5)
	var chunkedOut []int16
	for i := 0; i < len(in); i += 37 {
		end := i + 37
		if end > len(in) {
			end = len(in)
		}
		chunkedOut = append(chunkedOut, chunked.Process(in[i:end])...)
	}
	chunkedOut = append(chunkedOut, chunked.Flush()...)

	// Chunk boundaries shouldn't change the overall output length by more
	// than a couple of samples versus processing the whole buffer at once.
	diff := len(wholeOut) - len(chunkedOut)
	if diff < -2 || diff > 2 {
		t.Fatalf("chunked output length diverged from whole: whole=%d chunked=%d", len(wholeOut), len(chunkedOut))
	}
}

func TestSetSpeedClampsRange(t *testing.T) {
	r := New()
	r.SetSpeed(10)
	if r.Speed() != MaxSpeed {
		t.Fatalf("expected clamp to MaxSpeed, got %v", r.Speed())
	}
	r.SetSpeed(0.01)
	if r.Speed() != MinSpeed {
		t.Fatalf("expected clamp to MinSpeed, got %v", r.Speed())
	}
}
