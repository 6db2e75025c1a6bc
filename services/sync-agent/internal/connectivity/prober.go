package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Prober feeds SignalNetwork by polling the backend health endpoint.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	timeout  time.Duration
	monitor  *Monitor
	logger   *slog.Logger
}

func NewProber(client *http.Client, url string, interval, timeout time.Duration, monitor *Monitor, logger *slog.Logger) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{client: client, url: url, interval: interval, timeout: timeout, monitor: monitor, logger: logger}
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.monitor.Set(SignalNetwork, p.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.monitor.Set(SignalNetwork, p.Probe(ctx))
		}
	}
}

// Probe reports whether the backend answered the health check with a 2xx.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("build probe request", "url", p.url, "err", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "err", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
