package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tomedesk/tome/internal/metrics"
)

// HealthProbe periodically checks an externally-installed service for
// reachability and reported capabilities. It never spawns or kills anything.
type HealthProbe struct {
	name     string
	baseURL  string
	tagsPath string
	interval time.Duration
	client   *http.Client

	mu        sync.RWMutex
	healthy   bool
	models    []string
	lastCheck time.Time
}

// tagsResponse matches the model-listing endpoint of an Ollama-compatible
// runtime.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewHealthProbe creates a probe for the LLM runtime at baseURL.
func NewHealthProbe(name, baseURL string, interval time.Duration) *HealthProbe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthProbe{
		name:     name,
		baseURL:  baseURL,
		tagsPath: "/api/tags",
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Check performs one probe: GET the model list, update the healthy flag and
// cached capabilities. Returns the new healthy state.
func (p *HealthProbe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+p.tagsPath, nil)
	if err != nil {
		return p.record(false, nil)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.record(false, nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return p.record(false, nil)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		log.Debug().Err(err).Str("service", p.name).Msg("Failed to parse capability list")
		// Reachable but unparseable still counts as healthy.
		return p.record(true, nil)
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return p.record(true, models)
}

func (p *HealthProbe) record(healthy bool, models []string) bool {
	p.mu.Lock()
	wasHealthy := p.healthy
	p.healthy = healthy
	p.lastCheck = time.Now()
	if models != nil {
		p.models = models
	}
	p.mu.Unlock()

	metrics.RecordHealthCheck(p.name, healthy)
	if wasHealthy != healthy {
		log.Info().Str("service", p.name).Bool("healthy", healthy).
			Msg("External service health changed")
	}
	return healthy
}

// Run probes at the configured interval until the context is cancelled.
// One probe runs immediately on entry.
func (p *HealthProbe) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Healthy reports the last observed reachability.
func (p *HealthProbe) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// Models returns the most recently reported capability list.
func (p *HealthProbe) Models() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

// HasModel reports whether the runtime exposes the named model. Used by
// setup and onboarding flows.
func (p *HealthProbe) HasModel(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.models {
		if m == name {
			return true
		}
	}
	return false
}

// Status returns the probe state in the same shape as managed services.
func (p *HealthProbe) Status() StatusInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := StatusUnhealthy
	if p.healthy {
		status = StatusHealthy
	}
	return StatusInfo{
		Name:    p.name,
		Status:  status,
		URL:     p.baseURL,
		Managed: false,
	}
}
