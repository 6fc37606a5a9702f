package proxy

import (
	"net/http"
	"sync"
	"time"
)

const (
	healthCacheTTL    = 2 * time.Second
	healthProbeClient = 1 * time.Second
	backoffInitial    = 100 * time.Millisecond
	backoffFactor     = 1.5
	backoffCap        = 1 * time.Second
	backoffOverall    = 5 * time.Second
)

// healthCache caches the last health probe result per port for
// healthCacheTTL, so bursty asset loads on an already-healthy backend don't
// trigger a probe storm (spec.md §4.E "Health-probe caching is essential").
type healthCache struct {
	mu      sync.Mutex
	entries map[int]cachedProbe
	client  *http.Client
}

type cachedProbe struct {
	healthy bool
	at      time.Time
}

func newHealthCache() *healthCache {
	return &healthCache{
		entries: map[int]cachedProbe{},
		client: &http.Client{
			Timeout: healthProbeClient,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// probe returns the cached health state for port if fresh, else probes.
func (h *healthCache) probe(port int) bool {
	h.mu.Lock()
	if c, ok := h.entries[port]; ok && time.Since(c.at) < healthCacheTTL {
		h.mu.Unlock()
		return c.healthy
	}
	h.mu.Unlock()

	healthy := h.probeOnce(port)
	h.mu.Lock()
	h.entries[port] = cachedProbe{healthy: healthy, at: time.Now()}
	h.mu.Unlock()
	return healthy
}

// probeWithBackoff retries an unhealthy port with exponential backoff
// (100ms, x1.5, cap 1s) for up to backoffOverall before giving up (spec.md
// §4.E step 5).
func (h *healthCache) probeWithBackoff(port int) bool {
	if h.probe(port) {
		return true
	}

	deadline := time.Now().Add(backoffOverall)
	wait := backoffInitial
	for time.Now().Before(deadline) {
		time.Sleep(wait)
		if h.probeOnce(port) {
			h.mu.Lock()
			h.entries[port] = cachedProbe{healthy: true, at: time.Now()}
			h.mu.Unlock()
			return true
		}
		wait = time.Duration(float64(wait) * backoffFactor)
		if wait > backoffCap {
			wait = backoffCap
		}
	}
	return false
}

func (h *healthCache) probeOnce(port int) bool {
	resp, err := h.client.Get(targetURL(port, "/", ""))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
