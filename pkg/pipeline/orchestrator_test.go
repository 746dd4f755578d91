package pipeline //nolint:testpackage // white-box tests drive claim and settle directly

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/pkg/access"
	"loom/pkg/gateway"
	"loom/pkg/protocol"
)

type execFn func(ctx context.Context, req gateway.Request) (gateway.Response, error)

func (f execFn) Execute(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	return f(ctx, req)
}

func okExec(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	return gateway.Response{Content: "ok", Provider: req.Provider}, nil
}

type eventCapture struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *eventCapture) Publish(e protocol.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCapture) ofType(typ string) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustGraph(t *testing.T, stages []Stage) *Graph {
	t.Helper()
	g, err := NewGraph(stages)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

// linearStages builds name chains like a <- b <- c with no predicates.
func linearStages(names ...string) []Stage {
	out := make([]Stage, len(names))
	for i, name := range names {
		out[i] = Stage{Name: name, Provider: "anthropic", Model: "claude-sonnet-4-5", BaseTokens: 100}
		if i > 0 {
			out[i].After = []string{names[i-1]}
		}
	}
	return out
}

func testStory(id string) protocol.Story {
	return protocol.Story{
		ID:        id,
		ProjectID: "web",
		Title:     "story " + id,
		Priority:  protocol.PriorityMedium,
	}
}

func newTestOrchestrator(t *testing.T, stages []Stage, exec Executor) (*Orchestrator, *eventCapture, *fakeClock) {
	t.Helper()
	events := &eventCapture{}
	clock := newFakeClock()
	o := New(Config{}, mustGraph(t, stages), exec, nil, events, nil)
	o.nowFunc = clock.Now
	return o, events, clock
}

func stageByName(t *testing.T, o *Orchestrator, name string) Stage {
	t.Helper()
	st, ok := o.graph.Stage(name)
	if !ok {
		t.Fatalf("stage %s not in graph", name)
	}
	return st
}

func TestSubmitPlansApplicableStages(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultStages(), execFn(okExec))

	story := testStory("s1")
	story.Needs.Tests = true
	res := o.Submit(context.Background(), []protocol.Story{story})

	if res.Processed != 1 || len(res.Errors) != 0 {
		t.Fatalf("summary = %+v", res)
	}
	jobs := o.StoryJobs("s1")
	stages := make([]string, len(jobs))
	byStage := make(map[string]protocol.Job)
	for i, j := range jobs {
		stages[i] = j.Stage
		byStage[j.Stage] = j
	}
	want := []string{"draft", "logic", "test", "report"}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Fatalf("planned stages = %v, want %v", stages, want)
	}

	if got := byStage["logic"].PredecessorIDs; len(got) != 1 || got[0] != byStage["draft"].ID {
		t.Errorf("logic predecessors = %v", got)
	}
	// style and typefix are skipped; report inherits through them and lands
	// on logic and test.
	got := byStage["report"].PredecessorIDs
	wantPreds := map[string]bool{byStage["logic"].ID: true, byStage["test"].ID: true}
	if len(got) != 2 || !wantPreds[got[0]] || !wantPreds[got[1]] {
		t.Errorf("report predecessors = %v, want logic and test job ids", got)
	}
}

func TestSubmitSkipInheritance(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultStages(), execFn(okExec))

	res := o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	if res.TotalJobs != 3 {
		t.Fatalf("TotalJobs = %d, want 3 (draft, logic, report)", res.TotalJobs)
	}
	jobs := o.StoryJobs("s1")
	byStage := make(map[string]protocol.Job)
	for _, j := range jobs {
		byStage[j.Stage] = j
	}
	if got := byStage["report"].PredecessorIDs; len(got) != 1 || got[0] != byStage["logic"].ID {
		t.Errorf("report predecessors = %v, want just the logic job", got)
	}
}

func TestSubmitBestEffortBatch(t *testing.T) {
	o, events, _ := newTestOrchestrator(t, linearStages("a"), execFn(okExec))

	bad := testStory("")
	res := o.Submit(context.Background(), []protocol.Story{bad, testStory("good")})

	if res.Processed != 1 || res.TotalJobs != 1 {
		t.Fatalf("summary = %+v", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "id") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(res.JobIDs["good"]) != 1 {
		t.Fatalf("job ids = %v", res.JobIDs)
	}
	if got := events.ofType(protocol.EventStorySubmitted); len(got) != 1 {
		t.Errorf("story_submitted events = %d, want 1", len(got))
	}
}

func TestSubmitAccessControl(t *testing.T) {
	events := &eventCapture{}
	policy := access.NewStaticPolicy([]access.Rule{
		{Principal: "alice", ResourcePrefix: "stories/web", Operations: []string{"enqueue"}},
	})
	o := New(Config{}, mustGraph(t, linearStages("a")), execFn(okExec), nil, events, policy)

	allowed := testStory("s1")
	allowed.SubmittedBy = "alice"
	denied := testStory("s2")
	denied.SubmittedBy = "mallory"

	res := o.Submit(context.Background(), []protocol.Story{allowed, denied})
	if res.Processed != 1 {
		t.Fatalf("summary = %+v", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "access denied") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if got := events.ofType(protocol.EventAccessDenied); len(got) != 1 {
		t.Fatalf("access_denied events = %d, want 1", len(got))
	}
}

func TestClaimHonorsPredecessorsAndSettleDelay(t *testing.T) {
	stages := linearStages("a", "b")
	stages[1].SettleDelay = Duration(5 * time.Second)
	o, _, clock := newTestOrchestrator(t, stages, execFn(okExec))

	o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	stA := stageByName(t, o, "a")
	stB := stageByName(t, o, "b")

	if j := o.claim(stB); j != nil {
		t.Fatalf("claimed %s before its predecessor completed", j.ID)
	}
	jobA := o.claim(stA)
	if jobA == nil {
		t.Fatal("stage a job not claimable")
	}
	o.settle(jobA, stA, gateway.Response{}, nil, false)

	// Predecessor is done, but b's settle delay has not elapsed.
	if j := o.claim(stB); j != nil {
		t.Fatalf("claimed %s inside its settle delay", j.ID)
	}
	clock.Advance(6 * time.Second)
	jobB := o.claim(stB)
	if jobB == nil {
		t.Fatal("stage b job not claimable after settle delay")
	}
	if jobB.State != protocol.JobRunning {
		t.Errorf("claimed job state = %s", jobB.State)
	}
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	o, _, clock := newTestOrchestrator(t, linearStages("a"), execFn(okExec))
	st := stageByName(t, o, "a")

	low := testStory("low")
	low.Priority = protocol.PriorityLow
	o.Submit(context.Background(), []protocol.Story{low})

	clock.Advance(time.Second)
	older := testStory("older-high")
	older.Priority = protocol.PriorityHigh
	o.Submit(context.Background(), []protocol.Story{older})

	clock.Advance(time.Second)
	high := testStory("high")
	high.Priority = protocol.PriorityHigh
	o.Submit(context.Background(), []protocol.Story{high})

	first := o.claim(st)
	if first == nil || first.StoryID != "older-high" {
		t.Fatalf("first claim = %+v, want the older high-priority job", first)
	}
	second := o.claim(st)
	if second == nil || second.StoryID != "high" {
		t.Fatalf("second claim = %+v", second)
	}
	third := o.claim(st)
	if third == nil || third.StoryID != "low" {
		t.Fatalf("third claim = %+v", third)
	}
}

func TestSettleRetryBackoff(t *testing.T) {
	stages := linearStages("a")
	stages[0].MaxRetries = 2
	o, events, clock := newTestOrchestrator(t, stages, execFn(okExec))
	st := stageByName(t, o, "a")

	o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	transient := &protocol.RateLimitedError{Provider: "anthropic", RetryAfter: time.Second}

	job := o.claim(st)
	o.settle(job, st, gateway.Response{}, transient, false)
	if job.State != protocol.JobEnqueued || job.Attempt != 1 {
		t.Fatalf("after first failure: state=%s attempt=%d", job.State, job.Attempt)
	}
	if want := clock.Now().Add(2 * time.Second); !job.EligibleAt.Equal(want) {
		t.Errorf("EligibleAt = %v, want %v", job.EligibleAt, want)
	}
	if j := o.claim(st); j != nil {
		t.Fatal("job claimable during backoff")
	}

	clock.Advance(3 * time.Second)
	job = o.claim(st)
	if job == nil {
		t.Fatal("job not claimable after backoff")
	}
	o.settle(job, st, gateway.Response{}, transient, false)
	if job.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", job.Attempt)
	}
	if want := clock.Now().Add(4 * time.Second); !job.EligibleAt.Equal(want) {
		t.Errorf("second backoff EligibleAt = %v, want %v", job.EligibleAt, want)
	}

	// Retries exhausted: the next transient failure is permanent.
	clock.Advance(5 * time.Second)
	job = o.claim(st)
	o.settle(job, st, gateway.Response{}, transient, false)
	if job.State != protocol.JobFailed {
		t.Fatalf("state = %s, want failed after exhausted retries", job.State)
	}
	if got := events.ofType(protocol.EventJobRetrying); len(got) != 2 {
		t.Errorf("job_retrying events = %d, want 2", len(got))
	}
	if got := events.ofType(protocol.EventJobFailed); len(got) != 1 {
		t.Errorf("job_failed events = %d, want 1", len(got))
	}
}

func TestBackoffCap(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, linearStages("a"), execFn(okExec))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{7, 2 * time.Minute},
		{40, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := o.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPermanentFailureCancelsDownstreamOnly(t *testing.T) {
	stages := []Stage{
		{Name: "a", Provider: "p", Model: "m"},
		{Name: "b", After: []string{"a"}, Provider: "p", Model: "m"},
		{Name: "c", After: []string{"b"}, Provider: "p", Model: "m"},
		{Name: "d", Provider: "p", Model: "m"}, // independent branch
	}
	o, events, _ := newTestOrchestrator(t, stages, execFn(okExec))

	o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	stA := stageByName(t, o, "a")

	job := o.claim(stA)
	o.settle(job, stA, gateway.Response{}, errors.New("model refused"), false)

	byStage := make(map[string]protocol.Job)
	for _, j := range o.StoryJobs("s1") {
		byStage[j.Stage] = j
	}
	if byStage["a"].State != protocol.JobFailed {
		t.Errorf("a state = %s", byStage["a"].State)
	}
	for _, name := range []string{"b", "c"} {
		j := byStage[name]
		if j.State != protocol.JobCancelled {
			t.Errorf("%s state = %s, want cancelled", name, j.State)
		}
		if !strings.Contains(j.LastError, "predecessor") {
			t.Errorf("%s LastError = %q", name, j.LastError)
		}
	}
	if byStage["d"].State != protocol.JobEnqueued {
		t.Errorf("independent branch d state = %s, want enqueued", byStage["d"].State)
	}

	cancelledEvents := events.ofType(protocol.EventJobCancelled)
	if len(cancelledEvents) != 2 {
		t.Fatalf("job_cancelled events = %d, want 2", len(cancelledEvents))
	}
	for _, e := range cancelledEvents {
		if e.Severity != protocol.SeverityError {
			t.Errorf("dependency cancellation severity = %s", e.Severity)
		}
	}
}

func TestCancelStory(t *testing.T) {
	o, events, _ := newTestOrchestrator(t, linearStages("a", "b"), execFn(okExec))

	o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	if err := o.CancelStory("s1"); err != nil {
		t.Fatalf("CancelStory: %v", err)
	}
	for _, j := range o.StoryJobs("s1") {
		if j.State != protocol.JobCancelled {
			t.Errorf("job %s state = %s", j.Stage, j.State)
		}
	}
	if got := events.ofType(protocol.EventStoryCancelled); len(got) != 1 {
		t.Errorf("story_cancelled events = %d", len(got))
	}
	if j := o.claim(stageByName(t, o, "a")); j != nil {
		t.Error("claimed a job from a cancelled story")
	}

	if err := o.CancelStory("nope"); err == nil {
		t.Error("expected error for unknown story")
	}
}

func TestCancelStoryInterruptsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	done := make(chan error, 1)
	exec := execFn(func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		close(started)
		<-ctx.Done()
		return gateway.Response{}, ctx.Err()
	})
	o, _, _ := newTestOrchestrator(t, linearStages("a"), execFn(okExec))
	o.exec = exec
	o.nowFunc = time.Now // execute uses a live context; keep time real

	o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	st := stageByName(t, o, "a")
	job := o.claim(st)

	go func() {
		o.execute(context.Background(), st, job)
		done <- nil
	}()

	<-started
	if err := o.CancelStory("s1"); err != nil {
		t.Fatalf("CancelStory: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call not interrupted")
	}
	got, _ := o.Job(job.ID)
	if got.State != protocol.JobCancelled {
		t.Errorf("job state = %s, want cancelled", got.State)
	}
}

func TestDirectives(t *testing.T) {
	o, events, _ := newTestOrchestrator(t, linearStages("a"), execFn(okExec))
	o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	st := stageByName(t, o, "a")

	if err := o.Apply(protocol.DirectivePause); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !o.Paused() {
		t.Error("not paused after pause directive")
	}
	if j := o.claim(st); j != nil {
		t.Error("claimed a job while paused")
	}

	if err := o.Apply(protocol.DirectiveResume); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if o.Paused() {
		t.Error("still paused after resume")
	}
	if j := o.claim(st); j == nil {
		t.Error("no claim after resume")
	}

	if err := o.Apply(protocol.DirectiveDrain); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !o.Paused() {
		t.Error("drain should hold dispatch")
	}

	if err := o.Apply(protocol.Directive("explode")); err == nil {
		t.Error("expected error for unknown directive")
	}
	if got := events.ofType(protocol.EventDirectiveApplied); len(got) != 3 {
		t.Errorf("directive_applied events = %d, want 3", len(got))
	}
}

func TestPoolsReportQueueDepth(t *testing.T) {
	stages := linearStages("a", "b")
	stages[0].Workers = 4
	o, _, _ := newTestOrchestrator(t, stages, execFn(okExec))

	o.Submit(context.Background(), []protocol.Story{testStory("s1"), testStory("s2")})
	pools := o.Pools()
	if len(pools) != 2 {
		t.Fatalf("pools = %d", len(pools))
	}
	if pools[0].Stage != "a" || pools[0].Workers != 4 || pools[0].Queued != 2 {
		t.Errorf("pool a = %+v", pools[0])
	}
	if pools[1].Workers != 2 { // DefaultWorkers
		t.Errorf("pool b workers = %d", pools[1].Workers)
	}

	if j := o.claim(stageByName(t, o, "a")); j == nil {
		t.Fatal("no claim")
	}
	pools = o.Pools()
	if pools[0].Busy != 1 || pools[0].Queued != 1 {
		t.Errorf("pool a after claim = %+v", pools[0])
	}
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	events := &eventCapture{}
	o := New(
		Config{PollInterval: 2 * time.Millisecond},
		mustGraph(t, linearStages("first", "second")),
		execFn(func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
			mu.Lock()
			order = append(order, req.JobID)
			if len(order) == 2 {
				close(done)
			}
			mu.Unlock()
			return gateway.Response{Content: "ok"}, nil
		}),
		nil, events, nil,
	)

	res := o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	ids := res.JobIDs["s1"]
	if len(ids) != 2 {
		t.Fatalf("job ids = %v", ids)
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not complete both stages")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not drain after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != ids[0] || order[1] != ids[1] {
		t.Errorf("execution order = %v, want %v", order, ids)
	}
	for _, id := range ids {
		j, ok := o.Job(id)
		if !ok || j.State != protocol.JobCompleted {
			t.Errorf("job %s state = %s", id, j.State)
		}
	}
}

func TestAwaitIdle(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, linearStages("a"), execFn(okExec))

	if err := o.AwaitIdle(context.Background()); err != nil {
		t.Fatalf("AwaitIdle on idle orchestrator: %v", err)
	}

	o.Submit(context.Background(), []protocol.Story{testStory("s1")})
	if j := o.claim(stageByName(t, o, "a")); j == nil {
		t.Fatal("no claim")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := o.AwaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitIdle with busy worker = %v, want deadline exceeded", err)
	}
}
