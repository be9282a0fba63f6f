// Package loadgen produces synthetic agents and calls and drives them
// through the dispatcher: paced arrivals, background agent churn, and
// sustained load patterns.
package loadgen

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/acd-dev/acd/internal/dispatch"
	"github.com/acd-dev/acd/internal/domain"
	"github.com/acd-dev/acd/internal/notify"
	"github.com/acd-dev/acd/internal/store"
)

// Generator creates test populations and drives call traffic.
type Generator struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Notifier
	agentTypes []string
	callTypes  []string

	mu  sync.Mutex
	rng *rand.Rand

	generatedAgents []*domain.Agent
}

// New creates a generator with a randomly seeded stream.
func New(st *store.Store, d *dispatch.Dispatcher, n *notify.Notifier, agentTypes, callTypes []string) *Generator {
	return &Generator{
		store:      st,
		dispatcher: d,
		notifier:   n,
		agentTypes: agentTypes,
		callTypes:  callTypes,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// NewSeeded creates a generator with a fixed seed. Test hook.
func NewSeeded(st *store.Store, d *dispatch.Dispatcher, n *notify.Notifier, agentTypes, callTypes []string, seed uint64) *Generator {
	g := New(st, d, n, agentTypes, callTypes)
	g.rng = rand.New(rand.NewPCG(seed, seed))
	return g
}

// MakeAgents creates n agents named Agent_001... with uniformly random
// types, all starting AVAILABLE, and persists them.
func (g *Generator) MakeAgents(ctx context.Context, n int) ([]*domain.Agent, error) {
	agents := make([]*domain.Agent, 0, n)
	for i := 0; i < n; i++ {
		g.mu.Lock()
		agentType := g.agentTypes[g.rng.IntN(len(g.agentTypes))]
		g.mu.Unlock()

		a := domain.NewAgent(fmt.Sprintf("Agent_%03d", i+1), agentType, domain.AgentAvailable)
		if err := g.store.PutAgent(ctx, a); err != nil {
			return nil, fmt.Errorf("persist agent %s: %w", a.Name, err)
		}
		agents = append(agents, a)
	}

	g.mu.Lock()
	g.generatedAgents = append(g.generatedAgents, agents...)
	g.mu.Unlock()

	log.Printf("generated %d agents", n)
	return agents, nil
}

// MakeCalls creates n pending calls with call types in equal shares
// (remainder spread over the first types), sequential phone numbers,
// and a shuffled final order.
func (g *Generator) MakeCalls(n int) []*domain.Call {
	perType := n / len(g.callTypes)
	remainder := n % len(g.callTypes)

	calls := make([]*domain.Call, 0, n)
	count := 0
	for i, callType := range g.callTypes {
		share := perType
		if i < remainder {
			share++
		}
		for j := 0; j < share; j++ {
			calls = append(calls, domain.NewCall(fmt.Sprintf("+1555%06d", count), callType))
			count++
		}
	}

	g.mu.Lock()
	g.rng.Shuffle(len(calls), func(i, j int) {
		calls[i], calls[j] = calls[j], calls[i]
	})
	g.mu.Unlock()

	log.Printf("generated %d calls", n)
	return calls
}

// ArrivalReport summarizes one paced-arrival run.
type ArrivalReport struct {
	TotalCalls        int       `json:"total_calls"`
	Assigned          int       `json:"successful_assignments"`
	Failed            int       `json:"failed_assignments"`
	Saturated         int       `json:"saturated_calls"`
	AssignmentTimesMs []float64 `json:"assignment_times_ms"`
	DurationSeconds   float64   `json:"total_duration"`
	CallsPerSecond    float64   `json:"calls_per_second"`
}

// DriveArrivals feeds the calls to the dispatcher at ratePerSecond,
// bounding in-flight dispatches with maxConcurrent. Cancellation of ctx
// stops the run; calls already in flight finish.
func (g *Generator) DriveArrivals(ctx context.Context, calls []*domain.Call, ratePerSecond float64, maxConcurrent int64) (*ArrivalReport, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	start := time.Now()
	report := &ArrivalReport{TotalCalls: len(calls)}

	limiter := rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	sem := semaphore.NewWeighted(maxConcurrent)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, call := range calls {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(call *domain.Call) {
			defer wg.Done()
			defer sem.Release(1)

			result, err := g.dispatcher.Dispatch(ctx, call)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				log.Printf("dispatch error for call %s: %v", call.ID, err)
			case result.Success:
				report.Assigned++
				report.AssignmentTimesMs = append(report.AssignmentTimesMs, result.AssignmentTimeMs)
			default:
				report.Failed++
				if result.Saturated {
					report.Saturated++
				}
			}
		}(call)
	}

	wg.Wait()

	report.DurationSeconds = time.Since(start).Seconds()
	if report.DurationSeconds > 0 {
		report.CallsPerSecond = float64(len(calls)) / report.DurationSeconds
	}
	log.Printf("arrival run finished: %d/%d assigned, %d saturated", report.Assigned, report.TotalCalls, report.Saturated)
	return report, nil
}

// churnInterval draws the wait before the next churn tick, uniform over
// [5s, 15s).
func (g *Generator) churnInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Duration((5 + 10*g.rng.Float64()) * float64(time.Second))
}

// ChurnAgents runs background status churn until ctx is cancelled: every
// 5-15 seconds one random agent is nudged. AVAILABLE pauses with p=0.1,
// PAUSED resumes with p=0.7, OFFLINE logs in with loginProb. BUSY agents
// are never touched. Every applied change emits AGENT_STATUS_CHANGED.
func (g *Generator) ChurnAgents(ctx context.Context, agents []*domain.Agent, loginProb float64) {
	go func() {
		for {
			wait := g.churnInterval()

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			g.mu.Lock()
			pick := agents[g.rng.IntN(len(agents))]
			roll := g.rng.Float64()
			g.mu.Unlock()

			agent, err := g.store.GetAgent(ctx, pick.ID)
			if err != nil {
				log.Printf("churn: load agent %s: %v", pick.ID, err)
				continue
			}
			if agent.Status == domain.AgentBusy {
				continue
			}

			previous := agent.Status
			var changed bool
			switch agent.Status {
			case domain.AgentAvailable:
				if roll < 0.1 {
					changed = agent.SetPaused() == nil
				}
			case domain.AgentPaused:
				if roll < 0.7 {
					changed = agent.SetAvailable() == nil
				}
			case domain.AgentOffline:
				if roll < loginProb {
					changed = agent.SetAvailable() == nil
				}
			}
			if !changed {
				continue
			}

			// Conditional on the status we read: a dispatch that bound
			// this agent in the meantime must not be overwritten.
			ok, err := g.store.PutAgentIfStatus(ctx, agent, previous)
			if err != nil {
				log.Printf("churn: persist agent %s: %v", agent.ID, err)
				continue
			}
			if !ok {
				log.Printf("churn: agent %s changed concurrently, skipping", agent.Name)
				continue
			}
			g.notifier.Emit(notify.StatusChangeEvent(agent, previous))
			log.Printf("churn: agent %s %s -> %s", agent.Name, previous, agent.Status)
		}
	}()
}

// Drain polls until no assignment is in flight or the timeout elapses.
// Returns true when the system drained.
func (g *Generator) Drain(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		active := g.dispatcher.Scheduler().PendingCount()
		if active == 0 {
			log.Printf("all calls completed")
			return true
		}
		log.Printf("waiting for %d active assignments to complete", active)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
	}
	log.Printf("timeout waiting for call completion after %s", timeout)
	return false
}

// LoadReport summarizes a sustained load run.
type LoadReport struct {
	DurationSeconds      float64             `json:"duration_seconds"`
	TargetCallsPerMinute int                 `json:"target_calls_per_minute"`
	CallsGenerated       int                 `json:"actual_calls_generated"`
	Assigned             int                 `json:"successful_assignments"`
	Failed               int                 `json:"failed_assignments"`
	AssignmentTimesMs    []float64           `json:"assignment_times_ms"`
	Performance          *PerformanceMetrics `json:"performance_metrics,omitempty"`
}

// GenerateLoad creates and dispatches calls on demand at the target
// rate for the given duration. Call types are sampled uniformly.
func (g *Generator) GenerateLoad(ctx context.Context, duration time.Duration, callsPerMinute int) (*LoadReport, error) {
	perSecond := float64(callsPerMinute) / 60.0
	report := &LoadReport{TargetCallsPerMinute: callsPerMinute}

	log.Printf("starting load run: %d calls/min for %s", callsPerMinute, duration)

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)

	var mu sync.Mutex
	var wg sync.WaitGroup
	start := time.Now()
	seq := 0

	for {
		if err := limiter.Wait(runCtx); err != nil {
			break
		}

		g.mu.Lock()
		callType := g.callTypes[g.rng.IntN(len(g.callTypes))]
		g.mu.Unlock()
		call := domain.NewCall(fmt.Sprintf("+1555%06d", seq%1000000), callType)
		seq++

		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := g.dispatcher.Dispatch(ctx, call)

			mu.Lock()
			defer mu.Unlock()
			report.CallsGenerated++
			switch {
			case err != nil:
				report.Failed++
			case result.Success:
				report.Assigned++
				report.AssignmentTimesMs = append(report.AssignmentTimesMs, result.AssignmentTimeMs)
			default:
				report.Failed++
			}
		}()
	}

	wg.Wait()

	report.DurationSeconds = time.Since(start).Seconds()
	report.Performance = Summarize(report.AssignmentTimesMs, report.Assigned, report.Failed)

	log.Printf("load run completed: %d calls processed", report.CallsGenerated)
	return report, nil
}

// Cleanup removes every generated agent and flushes the fast tier.
func (g *Generator) Cleanup(ctx context.Context) error {
	g.mu.Lock()
	agents := g.generatedAgents
	g.generatedAgents = nil
	g.mu.Unlock()

	for _, a := range agents {
		if err := g.store.DeleteAgent(ctx, a.ID); err != nil {
			log.Printf("cleanup: delete agent %s: %v", a.ID, err)
		}
	}
	if err := g.store.Cache().FlushAll(ctx); err != nil {
		return fmt.Errorf("flush fast tier: %w", err)
	}
	log.Printf("test data cleanup completed")
	return nil
}

// PerformanceMetrics aggregates a latency sample against the 100 ms
// target.
type PerformanceMetrics struct {
	AvgMs           float64 `json:"avg_assignment_time_ms"`
	MaxMs           float64 `json:"max_assignment_time_ms"`
	MinMs           float64 `json:"min_assignment_time_ms"`
	P95Ms           float64 `json:"p95_assignment_time_ms"`
	SuccessRate     float64 `json:"success_rate"`
	CallsUnder100ms int     `json:"calls_under_100ms"`
	ComplianceRate  float64 `json:"performance_compliance"`
}

// Summarize computes latency aggregates over a sample of assignment
// times in milliseconds.
func Summarize(timesMs []float64, assigned, failed int) *PerformanceMetrics {
	if len(timesMs) == 0 {
		return nil
	}

	sorted := make([]float64, len(timesMs))
	copy(sorted, timesMs)
	sort.Float64s(sorted)

	sum := 0.0
	under := 0
	for _, t := range sorted {
		sum += t
		if t <= 100 {
			under++
		}
	}

	m := &PerformanceMetrics{
		AvgMs:           sum / float64(len(sorted)),
		MinMs:           sorted[0],
		MaxMs:           sorted[len(sorted)-1],
		P95Ms:           sorted[int(0.95*float64(len(sorted)))],
		CallsUnder100ms: under,
		ComplianceRate:  float64(under) / float64(len(sorted)),
	}
	if assigned+failed > 0 {
		m.SuccessRate = float64(assigned) / float64(assigned+failed)
	}
	return m
}
