// Package offline adapts a subprocess-driven native TTS engine (Piper, or
// anything that accepts text on stdin and emits raw 16-bit PCM on stdout)
// into ttypes.OfflineEngine. Grounded on pkg/tts/engines/piper.go, turned
// from a one-shot "read the whole utterance into memory" call into a
// streaming Prepare/Synthesize pair the synthesis loop can pull chunks
// from as they arrive.
package offline

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/vox/internal/ttypes"
)

const (
	// SampleRate matches Piper's default 22.05kHz mono output.
	SampleRate = 22050

	MinSpeed = 0.5
	MaxSpeed = 2.0

	defaultTimeout = 30 * time.Second
)

// Engine is the non-reentrant native engine the synthesis loop's offline
// path (spec §4.F.1) drives: one sentence prepared and drained at a time.
type Engine struct {
	binaryPath string
	voicesDir  string
	timeout    time.Duration

	speed  atomic.Uint64 // float64 bits
	volume atomic.Uint64 // float64 bits (reported only; Piper has no gain knob)

	mu         sync.Mutex
	modelPath  string
	configPath string
	voiceName  string

	cmd     *exec.Cmd
	stdout  io.ReadCloser
	tail    []byte // an odd trailing byte held over between Synthesize calls
}

// New locates the piper binary on PATH (or in the usual install
// locations, same search the teacher's findBinary used) and returns an
// engine with no voice loaded yet.
func New(voicesDir string) (*Engine, error) {
	e := &Engine{voicesDir: voicesDir, timeout: defaultTimeout}
	e.speed.Store(floatBits(1.0))
	e.volume.Store(floatBits(1.0))

	if path, err := exec.LookPath("piper"); err == nil {
		e.binaryPath = path
		return e, nil
	}

	candidates := []string{
		"/usr/local/bin/piper",
		"/usr/bin/piper",
		"/opt/piper/piper",
		filepath.Join(os.Getenv("HOME"), ".local/bin/piper"),
		filepath.Join(os.Getenv("HOME"), "bin/piper"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			e.binaryPath = c
			return e, nil
		}
	}
	return nil, fmt.Errorf("offline engine: piper binary not found (install from https://github.com/rhasspy/piper)")
}

// LoadVoice resolves name to an .onnx model under the configured voices
// directory (plus its sibling .onnx.json config, if present).
func (e *Engine) LoadVoice(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	modelPath := name
	if !strings.HasSuffix(modelPath, ".onnx") {
		modelPath = filepath.Join(e.voicesDir, name+".onnx")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("offline engine: voice %q not found: %w", name, err)
	}

	e.modelPath = modelPath
	e.configPath = ""
	if cfg := strings.TrimSuffix(modelPath, ".onnx") + ".onnx.json"; fileExists(cfg) {
		e.configPath = cfg
	}
	e.voiceName = filepath.Base(strings.TrimSuffix(modelPath, ".onnx"))
	return nil
}

func (e *Engine) SetSpeed(ratio float64) error {
	if ratio < MinSpeed {
		ratio = MinSpeed
	}
	if ratio > MaxSpeed {
		ratio = MaxSpeed
	}
	e.speed.Store(floatBits(ratio))
	return nil
}

// SetVolume is accepted for interface conformance; Piper has no gain
// control of its own. Volume is actually applied downstream, at the sink
// (spec §4.E), so this only records the value for GetInfo-style reporting.
func (e *Engine) SetVolume(v float64) error {
	e.volume.Store(floatBits(v))
	return nil
}

// Prepare starts a fresh piper subprocess for text. The synthesis loop
// retries this up to three times on failure (spec §4.F.1) before treating
// the sentence as a non-fatal skip.
func (e *Engine) Prepare(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.modelPath == "" {
		return fmt.Errorf("offline engine: no voice loaded")
	}
	e.killLocked()

	args := []string{"--model", e.modelPath, "--output-raw"}
	if e.configPath != "" {
		args = append(args, "--config", e.configPath)
	}
	speed := floatFromBits(e.speed.Load())
	if speed != 1.0 {
		args = append(args, "--length-scale", fmt.Sprintf("%.3f", 1.0/speed))
	}

	cmd := exec.CommandContext(ctx, e.binaryPath, args...)
	cmd.Stdin = strings.NewReader(text)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("offline engine: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("offline engine: start: %w", err)
	}

	e.cmd = cmd
	e.stdout = stdout
	e.tail = nil
	return nil
}

// Synthesize fills buf from the subprocess's stdout. A return of (0, nil)
// means the sentence is exhausted; the caller reaps the process's exit
// status via the returned error on the call that discovers EOF.
func (e *Engine) Synthesize(ctx context.Context, buf []int16) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stdout == nil {
		return 0, ttypes.ErrEngineNotReady
	}
	if len(buf) == 0 {
		return 0, nil
	}

	raw := make([]byte, len(buf)*2)
	offset := 0
	if len(e.tail) > 0 {
		raw[0] = e.tail[0]
		offset = 1
		e.tail = nil
	}

	n, readErr := e.stdout.Read(raw[offset:])
	total := offset + n
	if readErr != nil && readErr != io.EOF {
		return 0, fmt.Errorf("offline engine: read: %w", readErr)
	}

	if total == 0 {
		waitErr := e.cmd.Wait()
		e.stdout = nil
		e.cmd = nil
		if waitErr != nil && ctx.Err() == nil {
			return 0, fmt.Errorf("offline engine: synthesis failed: %w", waitErr)
		}
		return 0, nil
	}

	if total%2 == 1 {
		e.tail = []byte{raw[total-1]}
		total--
	}
	count := total / 2
	for i := 0; i < count; i++ {
		buf[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return count, nil
}

func (e *Engine) SampleRate() int { return SampleRate }

// Reset kills any in-flight subprocess so the next Prepare starts clean.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killLocked()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killLocked()
	return nil
}

// killLocked must be called with e.mu held.
func (e *Engine) killLocked() {
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		_ = e.cmd.Wait()
	}
	e.cmd = nil
	e.stdout = nil
	e.tail = nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func floatBits(v float64) uint64     { return uint64(int64(v * 1e9)) }
func floatFromBits(b uint64) float64 { return float64(int64(b)) / 1e9 }
