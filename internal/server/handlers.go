package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/dengon/internal/search"
)

const (
	statusOK       = "ok"
	statusDown     = "down"
	statusDisabled = "disabled"
)

type handlers struct {
	db        Pinger
	bus       Pinger
	searcher  search.Searcher
	version   string
	timeout   time.Duration
	startedAt time.Time
}

// HealthResponse is the body of both health endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Uptime  int64             `json:"uptime_seconds"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealthz reports process liveness only.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:  "alive",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// handleReadyz probes Postgres and the stream bus, which the workers cannot
// run without, and Qdrant, whose absence only degrades retrieval to pgvector.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = map[string]string{"qdrant": statusDisabled}
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			checks[name] = statusDown + ": " + err.Error()
			return
		}
		checks[name] = statusOK
	}

	g, ctx := errgroup.WithContext(r.Context())
	probe := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			record(name, fn(cctx))
			return nil
		})
	}
	probe("postgres", h.db.Ping)
	probe("bus", h.bus.Ping)
	if h.searcher != nil {
		probe("qdrant", h.searcher.Healthy)
	}
	_ = g.Wait()

	status, code := "ready", http.StatusOK
	switch {
	case checks["postgres"] != statusOK || checks["bus"] != statusOK:
		status, code = "not_ready", http.StatusServiceUnavailable
	case checks["qdrant"] != statusOK && checks["qdrant"] != statusDisabled:
		status = "degraded"
	}

	writeJSON(w, r, code, HealthResponse{
		Status:  status,
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
		Checks:  checks,
	})
}
