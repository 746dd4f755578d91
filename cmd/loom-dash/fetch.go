package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"loom/pkg/eventbus"
	"loom/pkg/gateway"
	"loom/pkg/guardian"
	"loom/pkg/pipeline"
)

// fetchTimeout is how long to wait for a daemon round-trip.
const fetchTimeout = 5 * time.Second

// StatusReport mirrors the daemon's readiness payload.
type StatusReport struct {
	Status      string                           `json:"status"`
	Paused      bool                             `json:"paused"`
	Pools       []pipeline.PoolStatus            `json:"pools"`
	Breakers    map[string]gateway.BreakerStatus `json:"breakers"`
	Utilization []guardian.WindowUtilization     `json:"utilization"`
	Bus         eventbus.Health                  `json:"bus"`
}

// defaultDaemonAddr returns the daemon address from env or the default
// loopback bind.
func defaultDaemonAddr() string {
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		return v
	}
	return "127.0.0.1:7333"
}

// normalizeBaseURL ensures the address carries a scheme and no trailing slash.
func normalizeBaseURL(addr string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// fetchStatus fetches the readiness report from the daemon. A 503 with a
// decodable body is still a valid report: the daemon is up but degraded.
func fetchStatus(ctx context.Context, baseURL string) (*StatusReport, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/readyz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("readyz: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("readyz: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("readyz: unexpected status %d", resp.StatusCode)
	}

	var report StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("parse readyz JSON: %w", err)
	}
	return &report, nil
}
