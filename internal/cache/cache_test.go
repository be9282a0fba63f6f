package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acd-dev/acd/internal/domain"
)

func setupClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewClientFromRedis(rdb)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return mr, client
}

func TestPutAndGetAgent(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}

	loaded, err := c.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if loaded.Name != a.Name {
		t.Errorf("Name = %q, want %q", loaded.Name, a.Name)
	}
	if loaded.AgentType != a.AgentType {
		t.Errorf("AgentType = %q, want %q", loaded.AgentType, a.AgentType)
	}
	if loaded.Status != domain.AgentAvailable {
		t.Errorf("Status = %s, want AVAILABLE", loaded.Status)
	}
	if loaded.LastCallEndTime != nil {
		t.Errorf("LastCallEndTime = %v, want nil", loaded.LastCallEndTime)
	}

	ids, err := c.AgentIDs(ctx)
	if err != nil {
		t.Fatalf("AgentIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("AgentIDs = %v, want [%s]", ids, a.ID)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	_, c := setupClient(t)

	_, err := c.GetAgent(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAvailabilityIndexOrdering(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	// Three agents: never served, idle 60s, idle 10s.
	never := domain.NewAgent("Never", "agente_tipo_1", domain.AgentAvailable)

	long := domain.NewAgent("Long", "agente_tipo_1", domain.AgentAvailable)
	longEnd := time.Now().UTC().Add(-60 * time.Second)
	long.LastCallEndTime = &longEnd

	short := domain.NewAgent("Short", "agente_tipo_1", domain.AgentAvailable)
	shortEnd := time.Now().UTC().Add(-10 * time.Second)
	short.LastCallEndTime = &shortEnd

	for _, a := range []*domain.Agent{short, never, long} {
		if err := c.PutAgent(ctx, a); err != nil {
			t.Fatalf("PutAgent failed: %v", err)
		}
	}

	ids, err := c.AvailableAgents(ctx, 10)
	if err != nil {
		t.Fatalf("AvailableAgents failed: %v", err)
	}
	want := []string{never.ID, long.ID, short.ID}
	if len(ids) != 3 {
		t.Fatalf("got %d candidates, want 3", len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("candidate[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	n, err := c.AvailableCount(ctx)
	if err != nil {
		t.Fatalf("AvailableCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("AvailableCount = %d, want 3", n)
	}
}

func TestPutAgentRemovesUnavailableFromIndex(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}

	if err := a.AssignCall("call-1"); err != nil {
		t.Fatalf("AssignCall failed: %v", err)
	}
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent (busy) failed: %v", err)
	}

	ids, err := c.AvailableAgents(ctx, 0)
	if err != nil {
		t.Fatalf("AvailableAgents failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("busy agent still in index: %v", ids)
	}
}

func TestClaimAgent(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}

	claimed, err := c.ClaimAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("ClaimAgent failed: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	// A second claim for the same agent must lose.
	claimed, err = c.ClaimAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("ClaimAgent failed: %v", err)
	}
	if claimed {
		t.Error("second claim should fail")
	}
}

func TestPutAgentIfStatus(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}

	// A second writer reads the agent while it is still AVAILABLE.
	stale, err := c.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	// A bind lands first.
	if err := a.AssignCall("call-1"); err != nil {
		t.Fatalf("AssignCall failed: %v", err)
	}
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent (busy) failed: %v", err)
	}

	// The stale writer persists PAUSED conditional on the status it
	// read, and must lose.
	if err := stale.SetPaused(); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}
	ok, err := c.PutAgentIfStatus(ctx, stale, domain.AgentAvailable)
	if err != nil {
		t.Fatalf("PutAgentIfStatus failed: %v", err)
	}
	if ok {
		t.Fatal("stale write should be rejected")
	}

	loaded, err := c.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if loaded.Status != domain.AgentBusy {
		t.Errorf("Status = %s, want BUSY", loaded.Status)
	}
	if loaded.CurrentCallID != "call-1" {
		t.Errorf("CurrentCallID = %q, want call-1", loaded.CurrentCallID)
	}

	// A write whose expectation matches the stored status goes through
	// and maintains the index like PutAgent.
	if err := a.CompleteCall(); err != nil {
		t.Fatalf("CompleteCall failed: %v", err)
	}
	ok, err = c.PutAgentIfStatus(ctx, a, domain.AgentBusy)
	if err != nil {
		t.Fatalf("PutAgentIfStatus failed: %v", err)
	}
	if !ok {
		t.Fatal("matching write should succeed")
	}
	ids, err := c.AvailableAgents(ctx, 0)
	if err != nil {
		t.Fatalf("AvailableAgents failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("index = %v, want [%s]", ids, a.ID)
	}

	// An agent with no stored hash has no status to transition from.
	ghost := domain.NewAgent("Ghost", "agente_tipo_1", domain.AgentAvailable)
	ok, err = c.PutAgentIfStatus(ctx, ghost, domain.AgentAvailable)
	if err != nil {
		t.Fatalf("PutAgentIfStatus failed: %v", err)
	}
	if ok {
		t.Error("write for a missing agent should be rejected")
	}
}

func TestClaimAndRestoreAgent(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}

	entries, err := c.AvailableAgentEntries(ctx, 10)
	if err != nil {
		t.Fatalf("AvailableAgentEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].AgentID != a.ID {
		t.Fatalf("entries = %v, want one entry for %s", entries, a.ID)
	}
	if entries[0].Score != domain.NeverServedIdle {
		t.Errorf("score = %v, want never-served sentinel", entries[0].Score)
	}

	claimed, err := c.ClaimAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("ClaimAgent failed: %v", err)
	}
	if !claimed {
		t.Fatal("claim should succeed")
	}

	// Restore puts the candidate back at its old score.
	if err := c.RestoreAvailable(ctx, a.ID, entries[0].Score); err != nil {
		t.Fatalf("RestoreAvailable failed: %v", err)
	}
	entries, err = c.AvailableAgentEntries(ctx, 10)
	if err != nil {
		t.Fatalf("AvailableAgentEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].AgentID != a.ID {
		t.Fatalf("entries after restore = %v, want one entry for %s", entries, a.ID)
	}
	if entries[0].Score != domain.NeverServedIdle {
		t.Errorf("restored score = %v, want never-served sentinel", entries[0].Score)
	}
}

func TestAssignmentLock(t *testing.T) {
	mr, c := setupClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "call-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = c.AcquireLock(ctx, "call-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if ok {
		t.Error("second acquire should fail while lock is held")
	}

	// A different call has its own lock.
	ok, err = c.AcquireLock(ctx, "call-2", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("lock for another call should be independent")
	}

	// The TTL bounds a crashed holder.
	mr.FastForward(6 * time.Second)
	ok, err = c.AcquireLock(ctx, "call-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("acquire after TTL expiry should succeed")
	}

	if err := c.ReleaseLock(ctx, "call-1"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	ok, err = c.AcquireLock(ctx, "call-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestCallRoundTrip(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	call := domain.NewCall("+1555000001", "llamada_tipo_1")
	if err := call.AssignToAgent("agent-1"); err != nil {
		t.Fatalf("AssignToAgent failed: %v", err)
	}
	if err := c.PutCall(ctx, call); err != nil {
		t.Fatalf("PutCall failed: %v", err)
	}

	loaded, err := c.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if loaded.PhoneNumber != call.PhoneNumber {
		t.Errorf("PhoneNumber = %q, want %q", loaded.PhoneNumber, call.PhoneNumber)
	}
	if loaded.Status != domain.CallAssigned {
		t.Errorf("Status = %s, want ASSIGNED", loaded.Status)
	}
	if loaded.AssignedAgentID != "agent-1" {
		t.Errorf("AssignedAgentID = %q, want agent-1", loaded.AssignedAgentID)
	}
	if loaded.AssignedAt == nil {
		t.Error("AssignedAt lost in round trip")
	}
	if loaded.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", loaded.CompletedAt)
	}
}

func TestAssignmentRoundTrip(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	a := domain.NewAssignment("call-1", "agent-1")
	if err := a.Activate(42.5, 180); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := c.PutAssignment(ctx, a); err != nil {
		t.Fatalf("PutAssignment failed: %v", err)
	}

	// Keyed by call id, not assignment id.
	loaded, err := c.GetAssignment(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if loaded.ID != a.ID {
		t.Errorf("ID = %q, want %q", loaded.ID, a.ID)
	}
	if loaded.AssignmentTimeMs != 42.5 {
		t.Errorf("AssignmentTimeMs = %v, want 42.5", loaded.AssignmentTimeMs)
	}
	if loaded.Status != domain.AssignmentActive {
		t.Errorf("Status = %s, want ACTIVE", loaded.Status)
	}
}

func TestMetrics(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	// Missing metric reads as zero.
	v, err := c.GetMetric(ctx, "calls_assigned")
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if v != 0 {
		t.Errorf("missing metric = %v, want 0", v)
	}

	if err := c.IncrMetric(ctx, "calls_assigned", 1); err != nil {
		t.Fatalf("IncrMetric failed: %v", err)
	}
	if err := c.IncrMetric(ctx, "calls_assigned", 2); err != nil {
		t.Fatalf("IncrMetric failed: %v", err)
	}
	if err := c.SetMetric(ctx, "last_assignment_time_ms", 12.5); err != nil {
		t.Fatalf("SetMetric failed: %v", err)
	}

	v, err = c.GetMetric(ctx, "calls_assigned")
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if v != 3 {
		t.Errorf("calls_assigned = %v, want 3", v)
	}

	all, err := c.AllMetrics(ctx)
	if err != nil {
		t.Fatalf("AllMetrics failed: %v", err)
	}
	if all["calls_assigned"] != 3 {
		t.Errorf("AllMetrics[calls_assigned] = %v, want 3", all["calls_assigned"])
	}
	if all["last_assignment_time_ms"] != 12.5 {
		t.Errorf("AllMetrics[last_assignment_time_ms] = %v, want 12.5", all["last_assignment_time_ms"])
	}
}

func TestDeleteAgentCleansIndex(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	if err := c.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}
	if err := c.DeleteAgent(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}

	if _, err := c.GetAgent(ctx, a.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	ids, err := c.AvailableAgents(ctx, 0)
	if err != nil {
		t.Fatalf("AvailableAgents failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("deleted agent still in index: %v", ids)
	}
	remaining, err := c.AgentIDs(ctx)
	if err != nil {
		t.Fatalf("AgentIDs failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("deleted agent still in agent set: %v", remaining)
	}
}
