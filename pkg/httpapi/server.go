// Package httpapi exposes the daemon's HTTP surface: story submission, job
// inspection, operator directives, health probes and the websocket event
// stream. Handlers stay thin; everything stateful lives behind the
// orchestrator and the health sources.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"loom/pkg/eventbus"
	"loom/pkg/gateway"
	"loom/pkg/guardian"
	"loom/pkg/pipeline"
	"loom/pkg/protocol"
)

// Orchestrator is the pipeline surface the API serves. Satisfied by
// *pipeline.Orchestrator.
type Orchestrator interface {
	Submit(ctx context.Context, stories []protocol.Story) pipeline.Result
	CancelStory(storyID string) error
	Apply(d protocol.Directive) error
	Job(id string) (protocol.Job, bool)
	StoryJobs(storyID string) []protocol.Job
	Pools() []pipeline.PoolStatus
	Paused() bool
}

// JobReader serves job lookups that predate this process. Satisfied by
// *store.Store; nil limits reads to in-memory jobs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (protocol.Job, error)
	JobsForStory(ctx context.Context, storyID string) ([]protocol.Job, error)
}

// ProviderHealth reports breaker states. Satisfied by *gateway.Gateway.
type ProviderHealth interface {
	BreakerStates() map[string]gateway.BreakerStatus
}

// BudgetHealth reports window utilization. Satisfied by *guardian.Guardian.
type BudgetHealth interface {
	Utilization() []guardian.WindowUtilization
}

// EventStream feeds the websocket. Satisfied by *eventbus.Bus.
type EventStream interface {
	SubscribeAll(h eventbus.Handler) func()
	Stats() eventbus.Health
}

// Server wires the HTTP surface. Zero-value optional fields degrade their
// endpoint rather than failing construction.
type Server struct {
	Orch      Orchestrator
	Jobs      JobReader
	Providers ProviderHealth
	Budget    BudgetHealth
	Events    EventStream

	SubmitPerMinute int // per-submitter story admissions (default 60)

	limiterOnce sync.Once
	limiter     *submitLimiter
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReadyz)
	r.Get("/ws", s.handleWS)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/stories", s.handleSubmitStories)
		r.Get("/stories/{id}/jobs", s.handleStoryJobs)
		r.Post("/stories/{id}/cancel", s.handleCancelStory)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/directives", s.handleDirective)
	})

	return r
}

func (s *Server) handleSubmitStories(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stories []protocol.Story `json:"stories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(body.Stories) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no stories in request"))
		return
	}

	s.limiterOnce.Do(func() {
		perMinute := s.SubmitPerMinute
		if perMinute == 0 {
			perMinute = 60
		}
		s.limiter = newSubmitLimiter(perMinute)
	})
	if !s.limiter.allow(submitterOf(r, body.Stories), len(body.Stories)) {
		writeErr(w, http.StatusTooManyRequests, fmt.Errorf("submission rate limit exceeded"))
		return
	}

	result := s.Orch.Submit(r.Context(), body.Stories)
	status := http.StatusAccepted
	if len(result.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *Server) handleStoryJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs := s.Orch.StoryJobs(id)
	if len(jobs) == 0 && s.Jobs != nil {
		stored, err := s.Jobs.JobsForStory(r.Context(), id)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		jobs = stored
	}
	if len(jobs) == 0 {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no jobs for story %s", id))
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, ok := s.Orch.Job(id); ok {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if s.Jobs != nil {
		if job, err := s.Jobs.GetJob(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
	}
	writeErr(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
}

func (s *Server) handleCancelStory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Orch.CancelStory(id); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"story_id": id, "status": "cancelling"})
}

func (s *Server) handleDirective(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Directive protocol.Directive `json:"directive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.Orch.Apply(body.Directive); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"applied": string(body.Directive)})
}

// readiness is the /readyz payload. The dashboard renders it directly.
type readiness struct {
	Status      string                           `json:"status"`
	Paused      bool                             `json:"paused"`
	Pools       []pipeline.PoolStatus            `json:"pools"`
	Breakers    map[string]gateway.BreakerStatus `json:"breakers,omitempty"`
	Utilization []guardian.WindowUtilization     `json:"utilization,omitempty"`
	Bus         eventbus.Health                  `json:"bus"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	report := readiness{Status: "ready", Paused: s.Orch.Paused(), Pools: s.Orch.Pools()}
	if s.Providers != nil {
		report.Breakers = s.Providers.BreakerStates()
	}
	if s.Budget != nil {
		report.Utilization = s.Budget.Utilization()
	}
	if s.Events != nil {
		report.Bus = s.Events.Stats()
	}

	status := http.StatusOK
	if saturated(report.Pools) || allOpen(report.Breakers) {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// saturated reports whether any stage pool has every worker busy with more
// work waiting behind it.
func saturated(pools []pipeline.PoolStatus) bool {
	for _, p := range pools {
		if p.Workers > 0 && p.Busy >= p.Workers && p.Queued > 0 {
			return true
		}
	}
	return false
}

func allOpen(breakers map[string]gateway.BreakerStatus) bool {
	if len(breakers) == 0 {
		return false
	}
	for _, b := range breakers {
		if b.State != gateway.BreakerOpen {
			return false
		}
	}
	return true
}

// submitterOf picks the rate-limit key: the explicit header, else the first
// story's principal, else the caller's address.
func submitterOf(r *http.Request, stories []protocol.Story) string {
	if v := r.Header.Get("X-Loom-Principal"); v != "" {
		return v
	}
	if len(stories) > 0 && stories[0].SubmittedBy != "" {
		return stories[0].SubmittedBy
	}
	return r.RemoteAddr
}

// submitLimiter is a per-submitter minute bucket, mirroring the gateway's
// per-provider request limiter.
type submitLimiter struct {
	perMinute int

	mu          sync.Mutex
	counts      map[string]int
	windowStart time.Time

	nowFunc func() time.Time
}

func newSubmitLimiter(perMinute int) *submitLimiter {
	return &submitLimiter{
		perMinute: perMinute,
		counts:    make(map[string]int),
		nowFunc:   time.Now,
	}
}

func (l *submitLimiter) allow(submitter string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if now.Sub(l.windowStart) >= time.Minute {
		l.windowStart = now
		l.counts = make(map[string]int)
	}
	count := l.counts[submitter]
	if count+n > l.perMinute {
		// A batch bigger than the whole window budget can never fit;
		// admit one such batch per fresh window instead of 429ing forever.
		oversized := n > l.perMinute && count == 0
		if !oversized {
			return false
		}
	}
	l.counts[submitter] = count + n
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
