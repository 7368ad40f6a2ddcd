package connectivity

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Probe derives connectivity from periodic health checks against the
// remote base URL. It embeds a Manual monitor, so Online/Subscribe work
// the same as for the test double.
type Probe struct {
	*Manual
	BaseURL  string
	Path     string
	Interval time.Duration
	Client   *http.Client
}

// NewProbe creates a probe that starts offline until the first check
// succeeds.
func NewProbe(baseURL string) *Probe {
	return &Probe{
		Manual:  NewManual(false),
		BaseURL: baseURL,
		Path:    "/v0/health",
	}
}

// CheckNow performs a single health check and updates the status.
func (p *Probe) CheckNow(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	url := strings.TrimRight(p.BaseURL, "/") + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.Set(false)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		p.Set(false)
		return false
	}
	resp.Body.Close()
	online := resp.StatusCode < 500
	p.Set(online)
	return online
}

// Run probes on a fixed interval until the context is canceled.
func (p *Probe) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.CheckNow(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
