// Package health probes every registered backend concurrently and
// combines the results into one report. Reports are point-in-time:
// recomputed on every call, never cached.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/registry"
)

// Status of one backend service.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
)

// Report is the probe result for one service.
type Report struct {
	Service   string  `json:"service"`
	Status    Status  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Aggregator fans a health probe out to every registered service.
type Aggregator struct {
	registry *registry.Registry
	client   *http.Client
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewAggregator creates an aggregator whose individual probes are
// each bounded by timeout.
func NewAggregator(reg *registry.Registry, timeout time.Duration, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		registry: reg,
		client:   &http.Client{},
		timeout:  timeout,
		logger:   logger,
	}
}

// Aggregate probes all services concurrently and returns one report
// per service, keyed by name. Probes are isolated: a slow or dead
// backend costs at most its own timeout and never suppresses another
// service's report, so the whole call is bounded by the slowest
// single probe rather than the sum.
func (a *Aggregator) Aggregate(ctx context.Context) map[string]Report {
	entries := a.registry.Entries()
	reports := make(map[string]Report, len(entries))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry registry.ServiceEntry) {
			defer wg.Done()
			report := a.probe(ctx, entry)
			mu.Lock()
			reports[entry.Name] = report
			mu.Unlock()
		}(entry)
	}
	wg.Wait()

	return reports
}

func (a *Aggregator) probe(ctx context.Context, entry registry.ServiceEntry) Report {
	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, entry.BaseURL+entry.HealthPath, nil)
	if err != nil {
		return Report{Service: entry.Name, Status: StatusUnreachable, Error: err.Error()}
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		a.logger.Debug().Err(err).Str("service", entry.Name).Msg("health probe failed")
		return Report{
			Service:   entry.Name,
			Status:    StatusUnreachable,
			LatencyMS: latency,
			Error:     err.Error(),
		}
	}
	defer resp.Body.Close()

	report := Report{Service: entry.Name, Status: StatusHealthy, LatencyMS: latency}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		report.Status = StatusUnhealthy
		report.Error = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}
	return report
}
