package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acd-dev/acd/internal/cache"
	"github.com/acd-dev/acd/internal/database"
	"github.com/acd-dev/acd/internal/domain"
)

// fakeDurable is an in-memory durable tier for tests.
type fakeDurable struct {
	agents      map[string]*domain.Agent
	calls       map[string]*domain.Call
	assignments map[string]*domain.Assignment

	failWrites bool
	writes     int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		agents:      make(map[string]*domain.Agent),
		calls:       make(map[string]*domain.Call),
		assignments: make(map[string]*domain.Assignment),
	}
}

func (f *fakeDurable) UpsertAgent(_ context.Context, a *domain.Agent) error {
	f.writes++
	if f.failWrites {
		return errors.New("durable down")
	}
	cp := *a
	f.agents[a.ID] = &cp
	return nil
}

func (f *fakeDurable) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeDurable) DeleteAgent(_ context.Context, id string) error {
	delete(f.agents, id)
	return nil
}

func (f *fakeDurable) UpsertCall(_ context.Context, c *domain.Call) error {
	f.writes++
	if f.failWrites {
		return errors.New("durable down")
	}
	cp := *c
	f.calls[c.ID] = &cp
	return nil
}

func (f *fakeDurable) GetCall(_ context.Context, id string) (*domain.Call, error) {
	c, ok := f.calls[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeDurable) DeleteCall(_ context.Context, id string) error {
	delete(f.calls, id)
	return nil
}

func (f *fakeDurable) UpsertAssignment(_ context.Context, a *domain.Assignment) error {
	f.writes++
	if f.failWrites {
		return errors.New("durable down")
	}
	cp := *a
	f.assignments[a.CallID] = &cp
	return nil
}

func (f *fakeDurable) GetAssignment(_ context.Context, callID string) (*domain.Assignment, error) {
	a, ok := f.assignments[callID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func setupStore(t *testing.T, durable Durable, onErr func()) *Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fast := cache.NewClientFromRedis(rdb)
	t.Cleanup(func() { _ = fast.Close() })

	return New(fast, durable, onErr)
}

func TestWriteThroughBothTiers(t *testing.T) {
	durable := newFakeDurable()
	st := setupStore(t, durable, nil)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	require.NoError(t, st.PutAgent(ctx, a))

	// Fast tier has it.
	fromFast, err := st.Cache().GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, fromFast.Name)

	// Durable tier has it too.
	fromDurable, err := durable.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, fromDurable.Name)
}

func TestPutAgentIfStatusWriteThrough(t *testing.T) {
	durable := newFakeDurable()
	st := setupStore(t, durable, nil)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	require.NoError(t, st.PutAgent(ctx, a))

	// Matching expectation writes both tiers.
	require.NoError(t, a.SetPaused())
	ok, err := st.PutAgentIfStatus(ctx, a, domain.AgentAvailable)
	require.NoError(t, err)
	require.True(t, ok)

	fromDurable, err := durable.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaused, fromDurable.Status)

	// A rejected write touches neither tier.
	writesBefore := durable.writes
	stale := *a
	require.NoError(t, stale.SetAvailable())
	ok, err = st.PutAgentIfStatus(ctx, &stale, domain.AgentAvailable)
	require.NoError(t, err)
	assert.False(t, ok)

	fromFast, err := st.Cache().GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaused, fromFast.Status)
	assert.Equal(t, writesBefore, durable.writes)
}

func TestReadFallsBackToDurable(t *testing.T) {
	durable := newFakeDurable()
	st := setupStore(t, durable, nil)
	ctx := context.Background()

	// Row exists only in the durable tier (cold fast tier).
	call := domain.NewCall("+1555000001", "llamada_tipo_1")
	require.NoError(t, durable.UpsertCall(ctx, call))

	loaded, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.PhoneNumber, loaded.PhoneNumber)

	// The read repopulated the fast tier.
	fromFast, err := st.Cache().GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, fromFast.ID)
}

func TestDurableWriteFailureDoesNotFailPut(t *testing.T) {
	durable := newFakeDurable()
	durable.failWrites = true

	failures := 0
	st := setupStore(t, durable, func() { failures++ })
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	require.NoError(t, st.PutAgent(ctx, a))

	assert.Equal(t, 1, failures, "durable failure should be counted")

	// The fast tier write still landed.
	_, err := st.Cache().GetAgent(ctx, a.ID)
	require.NoError(t, err)
}

func TestNilDurableTolerated(t *testing.T) {
	st := setupStore(t, nil, nil)
	ctx := context.Background()

	call := domain.NewCall("+1555000002", "llamada_tipo_2")
	require.NoError(t, st.PutCall(ctx, call))

	loaded, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, loaded.ID)

	_, err = st.GetCall(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAssignmentFallback(t *testing.T) {
	durable := newFakeDurable()
	st := setupStore(t, durable, nil)
	ctx := context.Background()

	a := domain.NewAssignment("call-1", "agent-1")
	require.NoError(t, a.Activate(12.3, 120))
	require.NoError(t, durable.UpsertAssignment(ctx, a))

	loaded, err := st.GetAssignment(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, loaded.ID)
	assert.Equal(t, 12.3, loaded.AssignmentTimeMs)
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	durable := newFakeDurable()
	st := setupStore(t, durable, nil)
	ctx := context.Background()

	a := domain.NewAgent("Agent_001", "agente_tipo_1", domain.AgentAvailable)
	require.NoError(t, st.PutAgent(ctx, a))
	require.NoError(t, st.DeleteAgent(ctx, a.ID))

	_, err := st.GetAgent(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = durable.GetAgent(ctx, a.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
