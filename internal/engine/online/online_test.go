package online

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgnsrekt/vox/internal/cache"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

func newTestCache(t *testing.T) *cache.CacheManager {
	t.Helper()
	cm, err := cache.NewCacheManager(&cache.CacheConfig{
		MemoryCapacity:  1 << 20,
		DiskCapacity:    1 << 20,
		DiskPath:        t.TempDir(),
		CleanupInterval: 0,
	})
	if err != nil {
		t.Fatalf("new cache manager: %v", err)
	}
	t.Cleanup(func() { cm.Close() })
	return cm
}

func rawPCM(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestGetDecodedPCMFetchesAndCaches(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		w.Write(rawPCM([]int16{1, 2, 3, 4}))
	}))
	defer server.Close()

	repo := New(server.URL, StaticToken("test-token"), newTestCache(t), 0)

	samples, rate, err := repo.GetDecodedPCM(context.Background(), "hello", "voice-a", true)
	if err != nil {
		t.Fatalf("GetDecodedPCM: %v", err)
	}
	if rate != defaultSampleRate {
		t.Fatalf("rate = %d, want %d", rate, defaultSampleRate)
	}
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(samples))
	}

	// Second call for the same text/voice must hit the cache, not the server.
	if _, _, err := repo.GetDecodedPCM(context.Background(), "hello", "voice-a", true); err != nil {
		t.Fatalf("second GetDecodedPCM: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected 1 network request, got %d", requests)
	}
}

func TestGetDecodedPCMForbiddenNetworkOnMiss(t *testing.T) {
	repo := New("http://unused.invalid", StaticToken("tok"), newTestCache(t), 0)

	_, _, err := repo.GetDecodedPCM(context.Background(), "hello", "voice-a", false)
	if err != ttypes.ErrForbiddenNetwork {
		t.Fatalf("expected ErrForbiddenNetwork, got %v", err)
	}
}

func TestGetDecodedPCMAllowsCacheHitEvenWhenForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(rawPCM([]int16{9, 9}))
	}))
	defer server.Close()

	c := newTestCache(t)
	repo := New(server.URL, StaticToken("tok"), c, 0)

	if _, _, err := repo.GetDecodedPCM(context.Background(), "hi", "v", true); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	samples, _, err := repo.GetDecodedPCM(context.Background(), "hi", "v", false)
	if err != nil {
		t.Fatalf("expected cache hit to succeed without network, got %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples from cache, got %d", len(samples))
	}
}

func TestGetDecodedPCMRefreshesTokenOn401(t *testing.T) {
	var seenTokens []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTokens = append(seenTokens, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(rawPCM([]int16{5}))
	}))
	defer server.Close()

	repo := New(server.URL, &rotatingToken{first: "stale", second: "fresh"}, newTestCache(t), 1000000)

	samples, _, err := repo.GetDecodedPCM(context.Background(), "x", "v", true)
	if err != nil {
		t.Fatalf("GetDecodedPCM: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if len(seenTokens) != 2 || seenTokens[0] != "Bearer stale" || seenTokens[1] != "Bearer fresh" {
		t.Fatalf("expected stale-then-fresh retry, got %v", seenTokens)
	}
}

type rotatingToken struct {
	first, second string
}

func (r *rotatingToken) Token(ctx context.Context) (string, error)   { return r.first, nil }
func (r *rotatingToken) Refresh(ctx context.Context) (string, error) { return r.second, nil }

func TestGetDecodedPCMNetworkDown(t *testing.T) {
	repo := New("http://127.0.0.1:1", StaticToken("tok"), newTestCache(t), 0)

	_, _, err := repo.GetDecodedPCM(context.Background(), "x", "v", true)
	if err != ttypes.ErrNetworkDown {
		t.Fatalf("expected ErrNetworkDown, got %v", err)
	}
}

func TestDecodeWAVPayload(t *testing.T) {
	samples := []int16{100, -100, 200, -200}
	data := rawPCM(samples)

	wav := make([]byte, 0, 44+len(data))
	wav = append(wav, []byte("RIFF")...)
	wav = append(wav, 0, 0, 0, 0) // chunk size, unchecked
	wav = append(wav, []byte("WAVE")...)
	wav = append(wav, []byte("fmt ")...)
	fmtChunk := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtChunk[0:], 1)     // PCM
	binary.LittleEndian.PutUint16(fmtChunk[2:], 1)     // mono
	binary.LittleEndian.PutUint32(fmtChunk[4:], 16000) // sample rate
	binary.LittleEndian.PutUint16(fmtChunk[14:], 16)   // bits per sample
	wav = append(wav, leUint32(16)...)
	wav = append(wav, fmtChunk...)
	wav = append(wav, []byte("data")...)
	wav = append(wav, leUint32(uint32(len(data)))...)
	wav = append(wav, data...)

	decoded, rate, err := decodePayload(wav)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i, s := range samples {
		if decoded[i] != s {
			t.Fatalf("sample %d = %d, want %d", i, decoded[i], s)
		}
	}
}

func leUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
