package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acd-dev/acd/internal/cache"
	"github.com/acd-dev/acd/internal/domain"
	"github.com/acd-dev/acd/internal/notify"
	"github.com/acd-dev/acd/internal/qualify"
	"github.com/acd-dev/acd/internal/store"
)

var testMatrix = map[string]map[string]float64{
	"agente_tipo_1": {"llamada_tipo_1": 0.30},
}

func setupDispatcher(t *testing.T, cfg Config, notifier *notify.Notifier) (*Dispatcher, *store.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fast := cache.NewClientFromRedis(rdb)
	t.Cleanup(func() { _ = fast.Close() })

	st := store.New(fast, nil, nil)
	sampler := qualify.NewSamplerSeeded(testMatrix, 1)

	if cfg.CallDurationMean == 0 {
		cfg.CallDurationMean = 3600 // far in the future unless a test wants completion
	}

	d := New(st, sampler, notifier, cfg)
	t.Cleanup(d.Stop)
	return d, st, mr
}

func availableAgent(t *testing.T, st *store.Store, name string, lastEnd *time.Time) *domain.Agent {
	t.Helper()
	a := domain.NewAgent(name, "agente_tipo_1", domain.AgentAvailable)
	a.LastCallEndTime = lastEnd
	require.NoError(t, st.PutAgent(context.Background(), a))
	return a
}

func TestDispatchHappyPath(t *testing.T) {
	d, st, _ := setupDispatcher(t, Config{}, nil)
	ctx := context.Background()

	agent := availableAgent(t, st, "Agent_001", nil)
	call := domain.NewCall("+1555000001", "llamada_tipo_1")

	result, err := d.Dispatch(ctx, call)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, agent.ID, result.Agent.ID)
	assert.GreaterOrEqual(t, result.AssignmentTimeMs, 0.0)

	// Agent is BUSY and out of the index.
	loaded, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBusy, loaded.Status)
	assert.Equal(t, call.ID, loaded.CurrentCallID)

	ids, err := st.Cache().AvailableAgents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Call is ASSIGNED, assignment is ACTIVE, release is scheduled.
	loadedCall, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallAssigned, loadedCall.Status)

	assignment, err := st.GetAssignment(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentActive, assignment.Status)
	assert.Positive(t, assignment.ExpectedDurationSeconds)

	assert.Equal(t, 1, d.Scheduler().PendingCount())

	// Counters moved.
	assigned, err := st.Cache().GetMetric(ctx, "calls_assigned")
	require.NoError(t, err)
	assert.Equal(t, 1.0, assigned)

	// The per-call lock was released.
	locked, err := st.Cache().AcquireLock(ctx, call.ID, time.Second)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestDispatchSaturation(t *testing.T) {
	d, st, _ := setupDispatcher(t, Config{}, nil)
	ctx := context.Background()

	call := domain.NewCall("+1555000002", "llamada_tipo_1")
	result, err := d.Dispatch(ctx, call)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Saturated)

	loaded, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallFailed, loaded.Status)

	saturated, err := st.Cache().GetMetric(ctx, "calls_saturated")
	require.NoError(t, err)
	assert.Equal(t, 1.0, saturated)
	assert.Equal(t, 0, d.Scheduler().PendingCount())
}

func TestDispatchPrefersLongestIdle(t *testing.T) {
	d, st, _ := setupDispatcher(t, Config{}, nil)
	ctx := context.Background()

	short := time.Now().UTC().Add(-10 * time.Second)
	long := time.Now().UTC().Add(-60 * time.Second)
	availableAgent(t, st, "Short", &short)
	longAgent := availableAgent(t, st, "Long", &long)
	neverAgent := availableAgent(t, st, "Never", nil)

	// Never-served sentinel wins first.
	result, err := d.Dispatch(ctx, domain.NewCall("+1555000003", "llamada_tipo_1"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, neverAgent.ID, result.Agent.ID)

	// Then the longest real idle time.
	result, err = d.Dispatch(ctx, domain.NewCall("+1555000004", "llamada_tipo_1"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, longAgent.ID, result.Agent.ID)
}

func TestDispatchDuplicateInFlight(t *testing.T) {
	d, st, _ := setupDispatcher(t, Config{}, nil)
	ctx := context.Background()

	availableAgent(t, st, "Agent_001", nil)
	call := domain.NewCall("+1555000005", "llamada_tipo_1")

	// Simulate another worker holding this call's lock.
	locked, err := st.Cache().AcquireLock(ctx, call.ID, 5*time.Second)
	require.NoError(t, err)
	require.True(t, locked)

	result, err := d.Dispatch(ctx, call)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Saturated)
	assert.Contains(t, result.Message, "already in progress")
	assert.Greater(t, result.AssignmentTimeMs, 0.0, "duplicate outcome should still report its latency")

	// Nothing was bound.
	ids, err := st.Cache().AvailableAgents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestDispatchSkipsStaleIndexEntry(t *testing.T) {
	d, st, mr := setupDispatcher(t, Config{}, nil)
	ctx := context.Background()

	// Paused agent: hash says PAUSED, so PutAgent keeps it out of the
	// index.
	stale := domain.NewAgent("Stale", "agente_tipo_1", domain.AgentPaused)
	require.NoError(t, st.PutAgent(ctx, stale))

	// A second agent that is genuinely claimable, with a lower idle
	// score so the stale entry is tried first.
	end := time.Now().UTC().Add(-5 * time.Second)
	live := availableAgent(t, st, "Real", &end)

	// Force a stale index entry for the paused agent at the top of the
	// longest-idle order.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.ZAdd(ctx, "available_agents", redis.Z{Score: 999999, Member: stale.ID}).Err())

	result, err := d.Dispatch(ctx, domain.NewCall("+1555000006", "llamada_tipo_1"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, live.ID, result.Agent.ID)

	// The stale agent was skipped, not bound, and stays PAUSED.
	loaded, err := st.GetAgent(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaused, loaded.Status)
	assert.Empty(t, loaded.CurrentCallID)
}

func TestStatusChurnCannotUnbindBusyAgent(t *testing.T) {
	// 1s deterministic call so the release also proves the bound record
	// survived the concurrent write attempt.
	d, st, _ := setupDispatcher(t, Config{CallDurationMean: 1, CallDurationStd: 0}, nil)
	ctx := context.Background()

	agent := availableAgent(t, st, "Agent_001", nil)

	// A churn-style writer reads the agent while it is still AVAILABLE.
	stale, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)

	call := domain.NewCall("+1555000011", "llamada_tipo_1")
	result, err := d.Dispatch(ctx, call)
	require.NoError(t, err)
	require.True(t, result.Success)

	// The writer persists its PAUSED copy conditional on the status it
	// read. The bind that landed in between must win.
	require.NoError(t, stale.SetPaused())
	ok, err := st.PutAgentIfStatus(ctx, stale, domain.AgentAvailable)
	require.NoError(t, err)
	assert.False(t, ok, "stale status write must be rejected")

	loaded, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBusy, loaded.Status)
	assert.Equal(t, call.ID, loaded.CurrentCallID)

	// The release timer then settles everything normally.
	require.Eventually(t, func() bool {
		c, err := st.GetCall(ctx, call.ID)
		return err == nil && c.Status == domain.CallCompleted
	}, 5*time.Second, 50*time.Millisecond, "call never completed")

	loaded, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, loaded.Status)

	assignment, err := st.GetAssignment(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentCompleted, assignment.Status)

	errs, err := st.Cache().GetMetric(ctx, "completion_errors")
	require.NoError(t, err)
	assert.Equal(t, 0.0, errs)
}

func TestAbandonReleasesAgent(t *testing.T) {
	d, st, _ := setupDispatcher(t, Config{}, nil)
	ctx := context.Background()

	agent := availableAgent(t, st, "Agent_001", nil)
	call := domain.NewCall("+1555000007", "llamada_tipo_1")

	result, err := d.Dispatch(ctx, call)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, d.Abandon(ctx, call.ID))

	loadedCall, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallAbandoned, loadedCall.Status)
	assert.Equal(t, domain.QualificationPending, loadedCall.Qualification)

	loadedAgent, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, loadedAgent.Status)
	assert.NotNil(t, loadedAgent.LastCallEndTime)

	assignment, err := st.GetAssignment(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentFailed, assignment.Status)

	abandoned, err := st.Cache().GetMetric(ctx, "calls_abandoned")
	require.NoError(t, err)
	assert.Equal(t, 1.0, abandoned)
	assert.Equal(t, 0, d.Scheduler().PendingCount())

	// A second abandon finds no pending release.
	assert.Error(t, d.Abandon(ctx, call.ID))
}

func TestCompletionSettlesEverything(t *testing.T) {
	// Mean 1s with zero std gives a deterministic 1s call.
	d, st, _ := setupDispatcher(t, Config{CallDurationMean: 1, CallDurationStd: 0}, nil)
	ctx := context.Background()

	agent := availableAgent(t, st, "Agent_001", nil)
	call := domain.NewCall("+1555000008", "llamada_tipo_1")

	result, err := d.Dispatch(ctx, call)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.Eventually(t, func() bool {
		c, err := st.GetCall(ctx, call.ID)
		return err == nil && c.Status == domain.CallCompleted
	}, 5*time.Second, 50*time.Millisecond, "call never completed")

	loadedCall, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Contains(t, []domain.Qualification{domain.QualificationOK, domain.QualificationKO}, loadedCall.Qualification)
	assert.Equal(t, 1.0, loadedCall.DurationSeconds)

	loadedAgent, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, loadedAgent.Status)
	assert.NotNil(t, loadedAgent.LastCallEndTime)

	// Agent is back in the index with a fresh idle clock.
	ids, err := st.Cache().AvailableAgents(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{agent.ID}, ids)

	assignment, err := st.GetAssignment(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentCompleted, assignment.Status)

	completed, err := st.Cache().GetMetric(ctx, "calls_completed")
	require.NoError(t, err)
	assert.Equal(t, 1.0, completed)
	assert.Equal(t, 0, d.Scheduler().PendingCount())
}

func TestDispatchEmitsAssignmentEvent(t *testing.T) {
	events := make(chan string, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if et, ok := payload["event_type"].(string); ok {
			events <- et
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	notifier := notify.NewNotifier(notify.Config{URL: srv.URL})
	d, st, _ := setupDispatcher(t, Config{}, notifier)
	ctx := context.Background()

	availableAgent(t, st, "Agent_001", nil)
	result, err := d.Dispatch(ctx, domain.NewCall("+1555000009", "llamada_tipo_1"))
	require.NoError(t, err)
	require.True(t, result.Success)

	select {
	case et := <-events:
		assert.Equal(t, notify.EventCallAssigned, et)
	case <-time.After(2 * time.Second):
		t.Fatal("no CALL_ASSIGNED event received")
	}
}

func TestStatusSnapshot(t *testing.T) {
	d, st, _ := setupDispatcher(t, Config{}, nil)
	ctx := context.Background()

	availableAgent(t, st, "Agent_001", nil)
	paused := domain.NewAgent("Agent_002", "agente_tipo_1", domain.AgentPaused)
	require.NoError(t, st.PutAgent(ctx, paused))

	result, err := d.Dispatch(ctx, domain.NewCall("+1555000010", "llamada_tipo_1"))
	require.NoError(t, err)
	require.True(t, result.Success)

	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalAgents)
	assert.Equal(t, 1, status.AgentsByStatus[domain.AgentBusy])
	assert.Equal(t, 1, status.AgentsByStatus[domain.AgentPaused])
	assert.Equal(t, int64(0), status.AvailableAgents)
	assert.Equal(t, 1, status.ActiveAssignments)
	assert.True(t, status.RedisHealthy)
	assert.False(t, status.DatabaseHealthy)
	assert.Equal(t, 1.0, status.Metrics["calls_assigned"])
}

func TestSchedulerCancelSemantics(t *testing.T) {
	s := NewScheduler()

	fired := make(chan struct{}, 1)
	s.Schedule("call-1", 50*time.Millisecond, func() { fired <- struct{}{} })
	assert.Equal(t, 1, s.PendingCount())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	assert.Equal(t, 0, s.PendingCount())

	// Cancel after fire is a no-op.
	assert.False(t, s.Cancel("call-1"))

	s.Schedule("call-2", time.Hour, func() { t.Error("cancelled timer fired") })
	assert.True(t, s.Cancel("call-2"))
	assert.Equal(t, 0, s.PendingCount())
}
