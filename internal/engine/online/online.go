// Package online adapts a remote HTTPS TTS API into ttypes.OnlineRepository:
// a two-tier (memory + disk) PCM cache in front of an HTTP client with
// bearer-token refresh. Grounded on pkg/tts/engines/gtts.go's external-
// process TTS call (replaced here with a network call, since spec.md's
// online repository is explicitly HTTP-shaped) and internal/cache's
// CacheManager, which supplies the tiered cache untouched.
package online

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgnsrekt/vox/internal/cache"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

const (
	defaultSampleRate = 24000
	requestTimeout     = 15 * time.Second

	// defaultRequestsPerMinute caps how often doRequest hits the network,
	// matching pkg/tts/engines/gtts.go's conservative default for avoiding
	// a remote TTS backend's own rate limiting/blocking.
	defaultRequestsPerMinute = 50
)

// TokenSource supplies and refreshes the bearer token used to authenticate
// against the TTS endpoint. Token is called only while the Repository holds
// no token yet, and its result is cached for later requests; Refresh is
// called only after the endpoint answers HTTP 401, the refreshed value
// replaces the cached one, and the request is retried exactly once with it.
// Error codes inside a response body are not inspected and never trigger a
// refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed, non-expiring token (e.g. a
// long-lived API key read from config). Refresh is a no-op returning the
// same value, since there is nothing to rotate.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error)   { return string(s), nil }
func (s StaticToken) Refresh(ctx context.Context) (string, error) { return string(s), nil }

// Repository implements ttypes.OnlineRepository against a configured HTTPS
// TTS endpoint, fronted by a CacheManager so repeat text/voice pairs never
// touch the network.
type Repository struct {
	endpoint    string
	httpClient  *http.Client
	tokens      TokenSource
	cache       *cache.CacheManager
	rateLimiter *rate.Limiter

	mu    sync.Mutex
	token string
}

// New builds a Repository. cacheManager is owned by the caller (typically
// the orchestrator facade), which is responsible for Close()ing it.
// requestsPerMinute caps outbound calls to the TTS endpoint; 0 uses
// defaultRequestsPerMinute.
func New(endpoint string, tokens TokenSource, cacheManager *cache.CacheManager, requestsPerMinute int) *Repository {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	return &Repository{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		tokens:      tokens,
		cache:       cacheManager,
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

// GetDecodedPCM implements ttypes.OnlineRepository.
func (r *Repository) GetDecodedPCM(ctx context.Context, text, voice string, allowNetwork bool) ([]int16, int, error) {
	key := cache.GenerateCacheKey(text, voice)

	if payload, ok := r.cache.Get(key); ok {
		if samples, rate, err := decodePayload(payload); err == nil {
			return samples, rate, nil
		}
		// A corrupted cache entry falls through to a fresh fetch rather
		// than failing the call outright.
		_ = r.cache.Delete(key)
	}

	if !allowNetwork {
		return nil, 0, ttypes.ErrForbiddenNetwork
	}

	payload, err := r.fetchWithRefresh(ctx, text, voice)
	if err != nil {
		return nil, 0, err
	}

	samples, rate, err := decodePayload(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("online repository: decode response: %w", err)
	}
	if len(samples) == 0 && text != "" {
		return nil, 0, ttypes.ErrNoPCM
	}

	r.cache.Put(key, payload)
	return samples, rate, nil
}

// fetchWithRefresh performs one request, retrying exactly once with a
// refreshed token if the first attempt comes back unauthorized.
func (r *Repository) fetchWithRefresh(ctx context.Context, text, voice string) ([]byte, error) {
	token, err := r.currentToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("online repository: token: %w", err)
	}

	payload, status, err := r.doRequest(ctx, token, text, voice)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		refreshed, err := r.tokens.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("online repository: token refresh: %w", err)
		}
		r.mu.Lock()
		r.token = refreshed
		r.mu.Unlock()

		payload, status, err = r.doRequest(ctx, refreshed, text, voice)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("online repository: API returned status %d", status)
	}
	return payload, nil
}

func (r *Repository) currentToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.token
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
	return token, nil
}

func (r *Repository) doRequest(ctx context.Context, token, text, voice string) ([]byte, int, error) {
	if err := r.rateLimiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("online repository: rate limit wait cancelled: %w", err)
	}

	body := fmt.Sprintf(`{"text":%q,"voice":%q}`, text, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewBufferString(body))
	if err != nil {
		return nil, 0, fmt.Errorf("online repository: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if isNetworkDown(err) {
			return nil, 0, ttypes.ErrNetworkDown
		}
		return nil, 0, fmt.Errorf("online repository: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("online repository: read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// isNetworkDown distinguishes a dial/DNS/timeout failure (no route to the
// host at all) from an HTTP-level error, matching spec.md §7's split
// between "network down" and "API error".
func isNetworkDown(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// decodePayload unwraps a response body that is either a minimal WAV
// container or raw little-endian int16 PCM, per spec.md §6's "assumed raw
// PCM or a small WAV wrapper". Grounded on pkg/tts/pcm.go's
// PCMReader/PCMFormat little-endian int16 decode.
func decodePayload(payload []byte) ([]int16, int, error) {
	if len(payload) >= 44 && bytes.Equal(payload[0:4], []byte("RIFF")) && bytes.Equal(payload[8:12], []byte("WAVE")) {
		return decodeWAV(payload)
	}
	return decodeRawPCM(payload, defaultSampleRate)
}

func decodeRawPCM(payload []byte, sampleRate int) ([]int16, int, error) {
	if len(payload)%2 != 0 {
		payload = payload[:len(payload)-1]
	}
	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return samples, sampleRate, nil
}

func decodeWAV(payload []byte) ([]int16, int, error) {
	sampleRate := defaultSampleRate
	offset := 12
	var dataStart, dataEnd int

	for offset+8 <= len(payload) {
		chunkID := string(payload[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(payload[offset+4 : offset+8]))
		body := offset + 8

		switch chunkID {
		case "fmt ":
			if body+16 > len(payload) {
				return nil, 0, fmt.Errorf("truncated fmt chunk")
			}
			sampleRate = int(binary.LittleEndian.Uint32(payload[body+4 : body+8]))
		case "data":
			dataStart = body
			dataEnd = body + chunkSize
			if dataEnd > len(payload) {
				dataEnd = len(payload)
			}
		}

		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++ // chunks are word-aligned
		}
		if chunkID == "data" {
			break
		}
	}

	if dataStart == 0 || dataEnd <= dataStart {
		return nil, 0, fmt.Errorf("no data chunk found")
	}
	samples, _, err := decodeRawPCM(payload[dataStart:dataEnd], sampleRate)
	return samples, sampleRate, err
}
