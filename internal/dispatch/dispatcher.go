// Package dispatch implements the assignment engine: it binds pending
// calls to the longest-idle available agent under a per-call lock,
// schedules the timed release, and settles the qualification when the
// call completes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acd-dev/acd/internal/cache"
	"github.com/acd-dev/acd/internal/domain"
	"github.com/acd-dev/acd/internal/notify"
	"github.com/acd-dev/acd/internal/qualify"
	"github.com/acd-dev/acd/internal/store"
	"github.com/acd-dev/acd/pkg/observability"
)

// ErrAlreadyAssigned is returned when a dispatch is attempted for a call
// that is no longer pending.
var ErrAlreadyAssigned = errors.New("dispatch: call already assigned")

const (
	defaultLockTTL        = 5 * time.Second
	defaultCandidateLimit = 10
)

// Config tunes the dispatch protocol.
type Config struct {
	// LockTTL bounds how long a crashed worker can hold a call's
	// assignment lock (default 5s).
	LockTTL time.Duration
	// CandidateLimit caps how many index candidates one dispatch
	// attempt will try to claim (default 10).
	CandidateLimit int
	// CallDurationMean is the mean of the drawn call duration in
	// seconds.
	CallDurationMean float64
	// CallDurationStd is the standard deviation of the drawn call
	// duration in seconds.
	CallDurationStd float64
	// DBPing reports durable tier health for status snapshots
	// (optional).
	DBPing func(context.Context) error
}

// Result is the outcome of one dispatch attempt.
type Result struct {
	Success          bool
	Saturated        bool
	Assignment       *domain.Assignment
	Agent            *domain.Agent
	Call             *domain.Call
	AssignmentTimeMs float64
	Message          string
}

// Dispatcher runs the assignment protocol over the two-tier store.
type Dispatcher struct {
	store     *store.Store
	sampler   *qualify.Sampler
	notifier  *notify.Notifier
	scheduler *Scheduler
	cfg       Config
}

// New creates a dispatcher. The notifier may be nil.
func New(st *store.Store, sampler *qualify.Sampler, notifier *notify.Notifier, cfg Config) *Dispatcher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = defaultCandidateLimit
	}
	return &Dispatcher{
		store:     st,
		sampler:   sampler,
		notifier:  notifier,
		scheduler: NewScheduler(),
		cfg:       cfg,
	}
}

// Scheduler exposes the release timer map, mainly for status snapshots.
func (d *Dispatcher) Scheduler() *Scheduler {
	return d.scheduler
}

// Dispatch registers the call and runs the full assignment protocol:
// acquire the per-call lock, select the longest-idle available agent,
// claim it atomically, bind, persist, schedule the release, emit the
// event. Returns a non-success Result (not an error) for the two
// protocol outcomes: duplicate dispatch in flight and saturation.
func (d *Dispatcher) Dispatch(ctx context.Context, call *domain.Call) (*Result, error) {
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "dispatch.assign",
		attribute.String("call.id", call.ID),
		attribute.String("call.type", call.CallType),
	)
	defer span.End()

	if call.Status != domain.CallPending {
		return nil, fmt.Errorf("%w: call %s has status %s", ErrAlreadyAssigned, call.ID, call.Status)
	}
	if err := d.store.PutCall(ctx, call); err != nil {
		return nil, d.dispatchError(ctx, span, start, fmt.Errorf("register call: %w", err))
	}

	cache := d.store.Cache()
	locked, err := cache.AcquireLock(ctx, call.ID, d.cfg.LockTTL)
	if err != nil {
		return nil, d.dispatchError(ctx, span, start, err)
	}
	if !locked {
		// Another worker is dispatching this call right now. The lock
		// holder owns the outcome; this attempt reports and backs off,
		// with the time it spent measured like any other outcome.
		span.SetAttributes(attribute.Bool("dispatch.duplicate", true))
		return &Result{
			Success:          false,
			Call:             call,
			AssignmentTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
			Message:          fmt.Sprintf("assignment already in progress for call %s", call.ID),
		}, nil
	}
	defer func() {
		if err := cache.ReleaseLock(context.WithoutCancel(ctx), call.ID); err != nil {
			log.Printf("release lock for call %s: %v", call.ID, err)
		}
	}()

	candidates, err := cache.AvailableAgentEntries(ctx, d.cfg.CandidateLimit)
	if err != nil {
		return nil, d.dispatchError(ctx, span, start, err)
	}

	var agent *domain.Agent
	for _, cand := range candidates {
		claimed, err := cache.ClaimAgent(ctx, cand.AgentID)
		if err != nil {
			return nil, d.dispatchError(ctx, span, start, err)
		}
		if !claimed {
			// Lost the race for this candidate to a concurrent
			// dispatch. Next one.
			continue
		}
		a, err := d.store.GetAgent(ctx, cand.AgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			// Transient read failure with the candidate already claimed
			// out of the index: put the entry back at its old score so
			// the agent is not stranded.
			d.restoreClaim(ctx, cand)
			return nil, d.dispatchError(ctx, span, start, err)
		}
		// The index entry was stale if the authoritative hash says the
		// agent is no longer available. The claim already removed the
		// entry, so skipping is enough.
		if !a.IsAvailable() {
			continue
		}
		if err := a.AssignCall(call.ID); err != nil {
			continue
		}
		// Bind only while the stored status is still AVAILABLE. A
		// status write that landed after the read above loses the agent
		// to that writer; move on to the next candidate.
		bound, err := d.store.PutAgentIfStatus(ctx, a, domain.AgentAvailable)
		if err != nil {
			d.restoreClaim(ctx, cand)
			return nil, d.dispatchError(ctx, span, start, err)
		}
		if !bound {
			continue
		}
		agent = a
		break
	}

	if agent == nil {
		return d.saturate(ctx, call, start)
	}

	if err := call.AssignToAgent(agent.ID); err != nil {
		return nil, d.dispatchError(ctx, span, start, err)
	}

	assignment := domain.NewAssignment(call.ID, agent.ID)
	expected := d.sampler.Duration(d.cfg.CallDurationMean, d.cfg.CallDurationStd)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
	if err := assignment.Activate(elapsedMs, expected); err != nil {
		return nil, d.dispatchError(ctx, span, start, err)
	}

	if err := d.store.PutCall(ctx, call); err != nil {
		return nil, d.dispatchError(ctx, span, start, err)
	}
	if err := d.store.PutAssignment(ctx, assignment); err != nil {
		return nil, d.dispatchError(ctx, span, start, err)
	}

	d.incrMetric(ctx, "calls_assigned", 1)
	d.setMetric(ctx, "last_assignment_time_ms", elapsedMs)
	observability.RecordAssignment("assigned", time.Since(start))
	observability.SetActiveAssignments(d.scheduler.PendingCount() + 1)

	d.scheduler.Schedule(call.ID, time.Duration(expected*float64(time.Second)), func() {
		d.completeCall(call.ID)
	})

	d.notifier.Emit(notify.AssignmentEvent(assignment, agent, call))

	span.SetAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.Float64("dispatch.assignment_time_ms", elapsedMs),
	)
	log.Printf("assigned call %s to agent %s (%s) in %.2fms", call.ID, agent.Name, agent.ID, elapsedMs)

	return &Result{
		Success:          true,
		Assignment:       assignment,
		Agent:            agent,
		Call:             call,
		AssignmentTimeMs: elapsedMs,
		Message:          "assigned",
	}, nil
}

// saturate handles an arrival that found no claimable agent: the call
// fails immediately rather than queueing.
func (d *Dispatcher) saturate(ctx context.Context, call *domain.Call, start time.Time) (*Result, error) {
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0

	call.Fail()
	if err := d.store.PutCall(ctx, call); err != nil {
		return nil, fmt.Errorf("persist saturated call: %w", err)
	}

	d.incrMetric(ctx, "calls_saturated", 1)
	observability.RecordAssignment("saturated", time.Since(start))
	d.notifier.Emit(notify.SaturationEvent(call, elapsedMs))

	log.Printf("no agents available for call %s (%.2fms)", call.ID, elapsedMs)

	return &Result{
		Success:          false,
		Saturated:        true,
		Call:             call,
		AssignmentTimeMs: elapsedMs,
		Message:          "no agents available",
	}, nil
}

// completeCall is the release timer action: settle the qualification,
// close the call and assignment, and return the agent to the
// availability index with a fresh idle clock.
func (d *Dispatcher) completeCall(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "dispatch.complete",
		attribute.String("call.id", callID),
	)
	defer span.End()

	call, err := d.store.GetCall(ctx, callID)
	if err != nil {
		d.completionError(ctx, span, fmt.Errorf("load call %s: %w", callID, err))
		return
	}
	agent, err := d.store.GetAgent(ctx, call.AssignedAgentID)
	if err != nil {
		d.completionError(ctx, span, fmt.Errorf("load agent %s for call %s: %w", call.AssignedAgentID, callID, err))
		return
	}
	assignment, err := d.store.GetAssignment(ctx, callID)
	if err != nil {
		d.completionError(ctx, span, fmt.Errorf("load assignment for call %s: %w", callID, err))
		return
	}

	q := d.sampler.Qualify(agent.AgentType, call.CallType)
	actual := assignment.ExpectedDurationSeconds

	if err := call.Complete(actual, q); err != nil {
		d.completionError(ctx, span, err)
		return
	}
	if err := agent.CompleteCall(); err != nil {
		d.completionError(ctx, span, err)
		return
	}
	if err := assignment.Complete(actual); err != nil {
		d.completionError(ctx, span, err)
		return
	}

	// PutAgent re-inserts the agent into the availability index with
	// idle time zero, which puts it at the back of the longest-idle
	// order.
	if err := d.store.PutAgent(ctx, agent); err != nil {
		d.completionError(ctx, span, err)
		return
	}
	if err := d.store.PutCall(ctx, call); err != nil {
		d.completionError(ctx, span, err)
		return
	}
	if err := d.store.PutAssignment(ctx, assignment); err != nil {
		d.completionError(ctx, span, err)
		return
	}

	d.incrMetric(ctx, "calls_completed", 1)
	if q == domain.QualificationOK {
		d.incrMetric(ctx, "calls_ok", 1)
	} else {
		d.incrMetric(ctx, "calls_ko", 1)
	}
	d.setMetric(ctx, "last_call_duration", actual)
	observability.RecordCallCompleted(string(q), actual)
	observability.SetActiveAssignments(d.scheduler.PendingCount())

	d.notifier.Emit(notify.CompletionEvent(call, agent))

	log.Printf("completed call %s (agent %s, %.1fs, %s)", call.ID, agent.ID, actual, q)
}

// Abandon terminates an in-flight call before its release timer fires.
// The agent returns to the availability index; no completion event is
// emitted and no qualification is drawn.
func (d *Dispatcher) Abandon(ctx context.Context, callID string) error {
	if !d.scheduler.Cancel(callID) {
		return fmt.Errorf("call %s has no pending release (already completed or never assigned)", callID)
	}

	call, err := d.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call %s: %w", callID, err)
	}
	if call.Status != domain.CallAssigned && call.Status != domain.CallInProgress {
		return fmt.Errorf("call %s cannot be abandoned (status %s)", callID, call.Status)
	}

	agent, err := d.store.GetAgent(ctx, call.AssignedAgentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", call.AssignedAgentID, err)
	}

	call.Abandon()
	if err := agent.CompleteCall(); err != nil {
		return err
	}

	if assignment, err := d.store.GetAssignment(ctx, callID); err == nil {
		assignment.Fail()
		if err := d.store.PutAssignment(ctx, assignment); err != nil {
			return err
		}
	}
	if err := d.store.PutAgent(ctx, agent); err != nil {
		return err
	}
	if err := d.store.PutCall(ctx, call); err != nil {
		return err
	}

	d.incrMetric(ctx, "calls_abandoned", 1)
	observability.SetActiveAssignments(d.scheduler.PendingCount())

	log.Printf("abandoned call %s (agent %s released)", callID, agent.ID)
	return nil
}

// SystemStatus is a point-in-time snapshot of the engine.
type SystemStatus struct {
	TotalAgents       int                        `json:"total_agents"`
	AgentsByStatus    map[domain.AgentStatus]int `json:"agents_by_status"`
	AvailableAgents   int64                      `json:"available_agents"`
	ActiveAssignments int                        `json:"active_assignments"`
	Metrics           map[string]float64         `json:"metrics"`
	RedisHealthy      bool                       `json:"redis_healthy"`
	DatabaseHealthy   bool                       `json:"database_healthy"`
	WebhookHealthy    bool                       `json:"webhook_healthy"`
}

// Status snapshots agent counts, active assignments, counters and
// dependency health.
func (d *Dispatcher) Status(ctx context.Context) (*SystemStatus, error) {
	cache := d.store.Cache()

	ids, err := cache.AgentIDs(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := map[domain.AgentStatus]int{
		domain.AgentAvailable: 0,
		domain.AgentBusy:      0,
		domain.AgentPaused:    0,
		domain.AgentOffline:   0,
	}
	for _, id := range ids {
		a, err := cache.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		byStatus[a.Status]++
	}

	available, err := cache.AvailableCount(ctx)
	if err != nil {
		return nil, err
	}
	observability.SetAvailableAgents(int(available))

	metrics, err := cache.AllMetrics(ctx)
	if err != nil {
		return nil, err
	}

	status := &SystemStatus{
		TotalAgents:       len(ids),
		AgentsByStatus:    byStatus,
		AvailableAgents:   available,
		ActiveAssignments: d.scheduler.PendingCount(),
		Metrics:           metrics,
		RedisHealthy:      cache.Ping(ctx) == nil,
		WebhookHealthy:    d.notifier.HealthCheck(ctx),
	}
	if d.cfg.DBPing != nil {
		status.DatabaseHealthy = d.cfg.DBPing(ctx) == nil
	}
	return status, nil
}

// Stop disarms every pending release timer.
func (d *Dispatcher) Stop() {
	d.scheduler.Stop()
}

// restoreClaim puts a claimed candidate back into the availability
// index after an aborted bind. Best effort: a failure here heals on the
// agent's next status write.
func (d *Dispatcher) restoreClaim(ctx context.Context, cand cache.IndexEntry) {
	if err := d.store.Cache().RestoreAvailable(ctx, cand.AgentID, cand.Score); err != nil {
		log.Printf("restore claimed agent %s: %v", cand.AgentID, err)
	}
}

func (d *Dispatcher) dispatchError(ctx context.Context, span trace.Span, start time.Time, err error) error {
	span.RecordError(err)
	d.incrMetric(ctx, "assignment_errors", 1)
	observability.RecordAssignment("error", time.Since(start))
	return err
}

func (d *Dispatcher) completionError(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	d.incrMetric(ctx, "completion_errors", 1)
	log.Printf("completion failed: %v", err)
}

func (d *Dispatcher) incrMetric(ctx context.Context, name string, delta float64) {
	if err := d.store.Cache().IncrMetric(ctx, name, delta); err != nil {
		log.Printf("incr metric %s: %v", name, err)
	}
}

func (d *Dispatcher) setMetric(ctx context.Context, name string, value float64) {
	if err := d.store.Cache().SetMetric(ctx, name, value); err != nil {
		log.Printf("set metric %s: %v", name, err)
	}
}
