// Package pipeline implements the stage orchestrator — the coordination core
// that turns submitted stories into dependency-gated jobs and drives them
// through per-stage worker pools against the provider gateway.
//
// Ordering is enforced here, not assumed from queue delay: a job is eligible
// only when every predecessor job is completed, its settle delay has
// elapsed, and its story is not cancelled. Retry backoff is expressed as a
// future eligibility time on the job itself, so a retry survives worker
// churn without any live timer owning it.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/pkg/access"
	"loom/pkg/gateway"
	"loom/pkg/protocol"
)

// Executor dispatches one generation call. *gateway.Gateway satisfies it.
type Executor interface {
	Execute(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// JobStore mirrors job state for inspection across restarts. *store.Store
// satisfies it; nil keeps jobs memory-only.
type JobStore interface {
	SaveJob(ctx context.Context, j protocol.Job) error
}

// EventSink receives lifecycle events. Satisfied by eventbus.Bus.
type EventSink interface {
	Publish(e protocol.Event)
}

// Config holds orchestrator tuning. Retry and backoff constants live here,
// not at call sites.
type Config struct {
	DefaultWorkers int           // per-stage pool size when the stage doesn't set one (default 2)
	PollInterval   time.Duration // worker queue poll cadence (default 100ms)
	RetryBase      time.Duration // exponential backoff base (default 2s)
	RetryCap       time.Duration // ceiling for a single backoff (default 2m)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultWorkers == 0 {
		out.DefaultWorkers = 2
	}
	if out.PollInterval == 0 {
		out.PollInterval = 100 * time.Millisecond
	}
	if out.RetryBase == 0 {
		out.RetryBase = 2 * time.Second
	}
	if out.RetryCap == 0 {
		out.RetryCap = 2 * time.Minute
	}
	return out
}

// Result is the best-effort submission summary. A batch is never
// all-or-nothing: failed stories land in Errors, the rest proceed.
type Result struct {
	SubmissionID string              `json:"submission_id"`
	Processed    int                 `json:"processed_stories"`
	TotalJobs    int                 `json:"total_jobs"`
	JobIDs       map[string][]string `json:"job_ids"`
	Errors       []string            `json:"errors,omitempty"`
}

// Orchestrator sequences jobs across stage queues.
type Orchestrator struct {
	cfg   Config
	graph *Graph
	exec  Executor
	store JobStore
	bus   EventSink
	authz access.Controller

	mu        sync.Mutex
	jobsByID  map[string]*protocol.Job
	storyJobs map[string][]string // story → job ids in planned order
	stories   map[string]protocol.Story
	cancelled map[string]bool
	inFlight  map[string]context.CancelFunc
	busy      map[string]int // stage → workers currently executing
	paused    bool
	draining  bool

	wg sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an Orchestrator. store and bus may be nil; a nil authz
// defaults to allow-all.
func New(cfg Config, graph *Graph, exec Executor, store JobStore, bus EventSink, authz access.Controller) *Orchestrator {
	if authz == nil {
		authz = access.AllowAll{}
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		graph:     graph,
		exec:      exec,
		store:     store,
		bus:       bus,
		authz:     authz,
		jobsByID:  make(map[string]*protocol.Job),
		storyJobs: make(map[string][]string),
		stories:   make(map[string]protocol.Story),
		cancelled: make(map[string]bool),
		inFlight:  make(map[string]context.CancelFunc),
		busy:      make(map[string]int),
		nowFunc:   time.Now,
	}
}

// --- Submission ---

// Submit plans and enqueues jobs for a batch of stories. Always returns a
// summary; per-story failures are collected, the rest proceed.
func (o *Orchestrator) Submit(ctx context.Context, stories []protocol.Story) Result {
	result := Result{
		SubmissionID: uuid.NewString(),
		JobIDs:       make(map[string][]string),
	}

	for _, raw := range stories {
		story := raw.Normalized()
		if err := story.Validate(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if !o.authz.Authorize(story.SubmittedBy, "stories/"+story.ProjectID, "enqueue") {
			denied := &protocol.AccessDeniedError{
				Principal: story.SubmittedBy,
				Resource:  "stories/" + story.ProjectID,
				Operation: "enqueue",
			}
			result.Errors = append(result.Errors, denied.Error())
			o.publish(protocol.Event{
				Type: protocol.EventAccessDenied, Severity: protocol.SeverityWarning,
				StoryID: story.ID,
				Metadata: map[string]string{
					"principal": story.SubmittedBy, "project": story.ProjectID,
				},
			})
			continue
		}

		jobs := o.planStory(story)
		if err := o.registerJobs(ctx, story, jobs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("story %s: %v", story.ID, err))
			continue
		}

		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		result.JobIDs[story.ID] = ids
		result.Processed++
		result.TotalJobs += len(jobs)

		o.publish(protocol.Event{
			Type: protocol.EventStorySubmitted, StoryID: story.ID,
			Metadata: map[string]string{"jobs": fmt.Sprint(len(jobs))},
		})
	}
	return result
}

// planStory walks the graph in topological order and creates one pending
// job per applicable stage. A skipped predecessor is transparent: its own
// predecessors are inherited instead.
func (o *Orchestrator) planStory(story protocol.Story) []*protocol.Job {
	now := o.nowFunc()
	plannedBy := make(map[string]string) // stage name → job id
	var jobs []*protocol.Job

	for _, st := range o.graph.Stages() {
		if !st.AppliesTo(story) {
			continue
		}
		preds := o.effectivePreds(st.Name, plannedBy, make(map[string]bool))

		eligible := now
		if len(preds) > 0 && st.SettleDelay > 0 {
			eligible = now.Add(st.SettleDelay.Std())
		}

		job := &protocol.Job{
			ID:              uuid.NewString(),
			StoryID:         story.ID,
			Stage:           st.Name,
			PredecessorIDs:  preds,
			Provider:        st.Provider,
			Model:           st.Model,
			Priority:        story.Priority.Rank(),
			MaxRetries:      st.MaxRetries,
			EstimatedTokens: st.EstimateTokens(story),
			MaxTokens:       st.MaxTokens,
			State:           protocol.JobPending,
			EligibleAt:      eligible,
			CreatedAt:       now,
		}
		plannedBy[st.Name] = job.ID
		jobs = append(jobs, job)
	}
	return jobs
}

// effectivePreds resolves a stage's declared predecessors to planned job
// ids, looking through skipped stages transitively.
func (o *Orchestrator) effectivePreds(stageName string, plannedBy map[string]string, seen map[string]bool) []string {
	if seen[stageName] {
		return nil
	}
	seen[stageName] = true

	st, ok := o.graph.Stage(stageName)
	if !ok {
		return nil
	}
	var preds []string
	for _, name := range st.After {
		if id, planned := plannedBy[name]; planned {
			preds = append(preds, id)
			continue
		}
		preds = append(preds, o.effectivePreds(name, plannedBy, seen)...)
	}
	return dedup(preds)
}

// registerJobs persists and enqueues a story's planned jobs. A persistence
// fault fails this story only.
func (o *Orchestrator) registerJobs(ctx context.Context, story protocol.Story, jobs []*protocol.Job) error {
	if o.store != nil {
		for _, j := range jobs {
			if err := o.store.SaveJob(ctx, *j); err != nil {
				return fmt.Errorf("persist job for stage %s: %w", j.Stage, err)
			}
		}
	}

	o.mu.Lock()
	o.stories[story.ID] = story
	for _, j := range jobs {
		j.State = protocol.JobEnqueued
		o.jobsByID[j.ID] = j
		o.storyJobs[story.ID] = append(o.storyJobs[story.ID], j.ID)
	}
	o.mu.Unlock()

	for _, j := range jobs {
		o.persist(*j)
		o.publish(protocol.Event{
			Type: protocol.EventJobEnqueued, StoryID: story.ID, JobID: j.ID,
			Metadata: map[string]string{"stage": j.Stage, "priority": fmt.Sprint(j.Priority)},
		})
	}
	return nil
}

// --- Dispatch ---

// Run starts the per-stage worker pools and blocks until ctx is cancelled
// and every in-flight job has settled.
func (o *Orchestrator) Run(ctx context.Context) {
	for _, st := range o.graph.Stages() {
		workers := st.Workers
		if workers == 0 {
			workers = o.cfg.DefaultWorkers
		}
		for i := 0; i < workers; i++ {
			o.wg.Add(1)
			go o.workerLoop(ctx, st)
		}
	}
	<-ctx.Done()
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, st Stage) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if job := o.claim(st); job != nil {
				o.execute(ctx, st, job)
			}
		}
	}
}

// claim picks the highest-priority eligible job for a stage and marks it
// running. Eligibility is the orchestrator's contract: past its delay, all
// predecessors completed, story live, dispatch not paused.
func (o *Orchestrator) claim(st Stage) *protocol.Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused || o.draining {
		return nil
	}
	now := o.nowFunc()

	var best *protocol.Job
	for _, j := range o.jobsByID {
		if j.Stage != st.Name || j.State != protocol.JobEnqueued {
			continue
		}
		if o.cancelled[j.StoryID] || now.Before(j.EligibleAt) {
			continue
		}
		if !o.predsCompletedLocked(j) {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil
	}

	if err := protocol.ValidateTransition(best.State, protocol.JobRunning); err != nil {
		log.Printf("[pipeline] claim %s: %v", best.ID, err)
		return nil
	}
	best.State = protocol.JobRunning
	best.StartedAt = now
	o.busy[st.Name]++
	return best
}

func less(a, b *protocol.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (o *Orchestrator) predsCompletedLocked(j *protocol.Job) bool {
	for _, id := range j.PredecessorIDs {
		pred, ok := o.jobsByID[id]
		if !ok || pred.State != protocol.JobCompleted {
			return false
		}
	}
	return true
}

// execute runs one claimed job against the gateway and applies the outcome.
func (o *Orchestrator) execute(ctx context.Context, st Stage, job *protocol.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.inFlight[job.ID] = cancel
	story := o.stories[job.StoryID]
	snapshot := *job
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.inFlight, job.ID)
		o.busy[st.Name]--
		o.mu.Unlock()
	}()

	o.persist(snapshot)
	o.publish(protocol.Event{
		Type: protocol.EventJobStarted, StoryID: job.StoryID, JobID: job.ID,
		Metadata: map[string]string{"stage": st.Name, "attempt": fmt.Sprint(snapshot.Attempt)},
	})

	resp, err := o.exec.Execute(jobCtx, gateway.Request{
		Provider:        snapshot.Provider,
		Model:           snapshot.Model,
		Prompt:          buildPrompt(st, story),
		MaxTokens:       snapshot.MaxTokens,
		EstimatedTokens: snapshot.EstimatedTokens,
		JobID:           snapshot.ID,
		Timeout:         st.Timeout.Std(),
	})
	o.settle(job, st, resp, err, jobCtx.Err() != nil)
}

// settle applies a call outcome to the job under the state machine.
func (o *Orchestrator) settle(job *protocol.Job, st Stage, resp gateway.Response, callErr error, interrupted bool) {
	o.mu.Lock()
	now := o.nowFunc()

	switch {
	case o.cancelled[job.StoryID] || (interrupted && callErr != nil):
		o.transitionLocked(job, protocol.JobCancelled)
		job.CompletedAt = now
		snapshot := *job
		o.mu.Unlock()
		o.persist(snapshot)
		o.publish(protocol.Event{
			Type: protocol.EventJobCancelled, StoryID: job.StoryID, JobID: job.ID,
			Metadata: map[string]string{"stage": st.Name, "reason": "story cancelled"},
		})

	case callErr == nil:
		o.transitionLocked(job, protocol.JobCompleted)
		job.CompletedAt = now
		job.LastError = ""
		snapshot := *job
		o.mu.Unlock()
		o.persist(snapshot)
		o.publish(protocol.Event{
			Type: protocol.EventJobCompleted, StoryID: job.StoryID, JobID: job.ID,
			Metadata: map[string]string{
				"stage":    st.Name,
				"provider": resp.Provider,
				"tokens":   fmt.Sprint(resp.Usage.Total),
				"latency":  resp.Latency.String(),
			},
		})

	case protocol.Retryable(callErr) && job.Attempt < job.MaxRetries:
		job.Attempt++
		job.LastError = callErr.Error()
		backoff := o.backoff(job.Attempt)
		job.EligibleAt = now.Add(backoff)
		o.transitionLocked(job, protocol.JobFailed)
		o.transitionLocked(job, protocol.JobRetrying)
		o.transitionLocked(job, protocol.JobEnqueued)
		snapshot := *job
		o.mu.Unlock()
		o.persist(snapshot)
		o.publish(protocol.Event{
			Type: protocol.EventJobRetrying, Severity: protocol.SeverityWarning,
			StoryID: job.StoryID, JobID: job.ID,
			Metadata: map[string]string{
				"stage":   st.Name,
				"attempt": fmt.Sprint(snapshot.Attempt),
				"backoff": backoff.String(),
				"error":   callErr.Error(),
			},
		})

	default:
		job.LastError = callErr.Error()
		job.CompletedAt = now
		o.transitionLocked(job, protocol.JobFailed)
		snapshot := *job
		dependents := o.cancelDependentsLocked(job)
		o.mu.Unlock()
		o.persist(snapshot)
		o.publish(protocol.Event{
			Type: protocol.EventJobFailed, Severity: protocol.SeverityError,
			StoryID: job.StoryID, JobID: job.ID,
			Metadata: map[string]string{
				"stage":   st.Name,
				"attempt": fmt.Sprint(snapshot.Attempt),
				"error":   callErr.Error(),
			},
		})
		for _, dep := range dependents {
			o.persist(dep)
			o.publish(protocol.Event{
				Type: protocol.EventJobCancelled, Severity: protocol.SeverityError,
				StoryID: dep.StoryID, JobID: dep.ID,
				Metadata: map[string]string{"stage": dep.Stage, "reason": "dependency failed"},
			})
		}
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.RetryCap {
			return o.cfg.RetryCap
		}
	}
	if d > o.cfg.RetryCap {
		d = o.cfg.RetryCap
	}
	return d
}

// cancelDependentsLocked cancels every job downstream of failed,
// transitively, within its story. Branches that do not pass through the
// failed job are untouched. Caller holds o.mu.
func (o *Orchestrator) cancelDependentsLocked(failed *protocol.Job) []protocol.Job {
	doomed := map[string]bool{failed.ID: true}
	var out []protocol.Job

	// Planned order is topological, so one forward pass reaches every
	// transitive dependent.
	for _, id := range o.storyJobs[failed.StoryID] {
		j := o.jobsByID[id]
		if doomed[j.ID] {
			continue
		}
		for _, pred := range j.PredecessorIDs {
			if !doomed[pred] {
				continue
			}
			doomed[j.ID] = true
			if !j.State.Terminal() && j.State != protocol.JobRunning {
				depErr := &protocol.DependencyFailedError{
					JobID: j.ID, PredecessorID: failed.ID, Stage: failed.Stage,
				}
				j.LastError = depErr.Error()
				j.CompletedAt = o.nowFunc()
				o.transitionLocked(j, protocol.JobCancelled)
				out = append(out, *j)
			}
			break
		}
	}
	return out
}

// transitionLocked applies a validated state change. An invalid transition
// is a bug; it is logged and forced so the job cannot wedge.
func (o *Orchestrator) transitionLocked(j *protocol.Job, to protocol.JobState) {
	if err := protocol.ValidateTransition(j.State, to); err != nil {
		log.Printf("[pipeline] job %s: %v (forcing)", j.ID, err)
	}
	j.State = to
}

// --- Cancellation and directives ---

// CancelStory marks every non-terminal job of a story cancelled and
// interrupts its in-flight provider calls via their contexts.
func (o *Orchestrator) CancelStory(storyID string) error {
	o.mu.Lock()
	if _, ok := o.stories[storyID]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("unknown story %s", storyID)
	}
	o.cancelled[storyID] = true

	var settled []protocol.Job
	for _, id := range o.storyJobs[storyID] {
		j := o.jobsByID[id]
		switch {
		case j.State.Terminal():
		case j.State == protocol.JobRunning:
			// The executing worker owns the transition; interrupt its call.
			if cancel, ok := o.inFlight[j.ID]; ok {
				cancel()
			}
		default:
			j.LastError = "story cancelled"
			j.CompletedAt = o.nowFunc()
			o.transitionLocked(j, protocol.JobCancelled)
			settled = append(settled, *j)
		}
	}
	o.mu.Unlock()

	for _, j := range settled {
		o.persist(j)
		o.publish(protocol.Event{
			Type: protocol.EventJobCancelled, StoryID: storyID, JobID: j.ID,
			Metadata: map[string]string{"stage": j.Stage, "reason": "story cancelled"},
		})
	}
	o.publish(protocol.Event{Type: protocol.EventStoryCancelled, StoryID: storyID})
	return nil
}

// Apply executes an operator directive.
func (o *Orchestrator) Apply(d protocol.Directive) error {
	if !d.Valid() {
		return fmt.Errorf("unknown directive %q", d)
	}
	o.mu.Lock()
	switch d {
	case protocol.DirectivePause:
		o.paused = true
	case protocol.DirectiveResume:
		o.paused = false
		o.draining = false
	case protocol.DirectiveDrain:
		o.draining = true
	}
	o.mu.Unlock()

	o.publish(protocol.Event{
		Type:     protocol.EventDirectiveApplied,
		Metadata: map[string]string{"directive": string(d)},
	})
	return nil
}

// AwaitIdle blocks until no worker is executing, or ctx expires. Used by
// the graceful-stop path after a drain directive.
func (o *Orchestrator) AwaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		busy := 0
		for _, n := range o.busy {
			busy += n
		}
		o.mu.Unlock()
		if busy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- Inspection ---

// Job returns a copy of one job.
func (o *Orchestrator) Job(id string) (protocol.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobsByID[id]
	if !ok {
		return protocol.Job{}, false
	}
	return *j, true
}

// StoryJobs returns copies of a story's jobs in planned order.
func (o *Orchestrator) StoryJobs(storyID string) []protocol.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := o.storyJobs[storyID]
	out := make([]protocol.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, *o.jobsByID[id])
	}
	return out
}

// PoolStatus is one stage queue's slice of the readiness report.
type PoolStatus struct {
	Stage   string `json:"stage"`
	Workers int    `json:"workers"`
	Busy    int    `json:"busy"`
	Queued  int    `json:"queued"`
}

// Pools reports per-stage worker saturation and queue depth.
func (o *Orchestrator) Pools() []PoolStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	queued := make(map[string]int)
	for _, j := range o.jobsByID {
		if j.State == protocol.JobEnqueued {
			queued[j.Stage]++
		}
	}

	var out []PoolStatus
	for _, st := range o.graph.Stages() {
		workers := st.Workers
		if workers == 0 {
			workers = o.cfg.DefaultWorkers
		}
		out = append(out, PoolStatus{
			Stage:   st.Name,
			Workers: workers,
			Busy:    o.busy[st.Name],
			Queued:  queued[st.Name],
		})
	}
	return out
}

// Paused reports whether dispatch is held (pause or drain directive).
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused || o.draining
}

// --- Helpers ---

func (o *Orchestrator) persist(j protocol.Job) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveJob(ctx, j); err != nil {
		// Memory stays authoritative; the mirror catches up on the next
		// transition.
		log.Printf("[pipeline] persist job %s: %v", j.ID, err)
	}
}

func (o *Orchestrator) publish(e protocol.Event) {
	if o.bus == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = o.nowFunc()
	}
	o.bus.Publish(e)
}

func dedup(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
