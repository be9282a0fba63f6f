// Package store layers the two state tiers: every read hits the Redis
// fast tier first (populating it from Postgres on miss), every write
// goes fast tier first with a best-effort write-through to the durable
// tier. A durable write error is logged and counted, never surfaced —
// losing a row on crash is acceptable, adding a durable round-trip to
// the dispatch path is not.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/acd-dev/acd/internal/cache"
	"github.com/acd-dev/acd/internal/database"
	"github.com/acd-dev/acd/internal/domain"
)

// ErrNotFound is returned when an entity exists in neither tier.
var ErrNotFound = errors.New("store: not found")

// Durable is the write-through sink. *database.Client satisfies it; it
// is an interface so the engine runs (and tests run) without Postgres.
type Durable interface {
	UpsertAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	UpsertCall(ctx context.Context, c *domain.Call) error
	GetCall(ctx context.Context, id string) (*domain.Call, error)
	DeleteCall(ctx context.Context, id string) error
	UpsertAssignment(ctx context.Context, a *domain.Assignment) error
	GetAssignment(ctx context.Context, callID string) (*domain.Assignment, error)
}

// Store combines the fast and durable tiers.
type Store struct {
	fast    *cache.Client
	durable Durable

	// onDurableError is invoked once per failed durable write.
	onDurableError func()
}

// New creates a store. durable may be nil (cache-only mode).
func New(fast *cache.Client, durable Durable, onDurableError func()) *Store {
	return &Store{fast: fast, durable: durable, onDurableError: onDurableError}
}

// Cache exposes the fast tier for index, lock and metric operations.
func (s *Store) Cache() *cache.Client {
	return s.fast
}

func (s *Store) durableWrite(kind, id string, err error) {
	if err == nil {
		return
	}
	log.Printf("durable write failed for %s %s: %v", kind, id, err)
	if s.onDurableError != nil {
		s.onDurableError()
	}
}

// PutAgent writes the agent through both tiers.
func (s *Store) PutAgent(ctx context.Context, a *domain.Agent) error {
	if err := s.fast.PutAgent(ctx, a); err != nil {
		return fmt.Errorf("fast tier: %w", err)
	}
	if s.durable != nil {
		s.durableWrite("agent", a.ID, s.durable.UpsertAgent(ctx, a))
	}
	return nil
}

// PutAgentIfStatus writes the agent only if the fast tier still holds
// the expected status. Status mutations derived from a read (churn, the
// status API) must go through this so a bind that landed between the
// read and the write is not silently overwritten. Returns false on a
// concurrent modification; the durable write-through happens only on
// success.
func (s *Store) PutAgentIfStatus(ctx context.Context, a *domain.Agent, expected domain.AgentStatus) (bool, error) {
	ok, err := s.fast.PutAgentIfStatus(ctx, a, expected)
	if err != nil {
		return false, fmt.Errorf("fast tier: %w", err)
	}
	if !ok {
		return false, nil
	}
	if s.durable != nil {
		s.durableWrite("agent", a.ID, s.durable.UpsertAgent(ctx, a))
	}
	return true, nil
}

// GetAgent reads fast tier first, falling back to (and repopulating
// from) the durable tier.
func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := s.fast.GetAgent(ctx, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}
	if s.durable == nil {
		return nil, ErrNotFound
	}
	a, err = s.durable.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.fast.PutAgent(ctx, a); err != nil {
		log.Printf("repopulate agent %s failed: %v", id, err)
	}
	return a, nil
}

// DeleteAgent removes the agent from both tiers.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if err := s.fast.DeleteAgent(ctx, id); err != nil {
		return fmt.Errorf("fast tier: %w", err)
	}
	if s.durable != nil {
		s.durableWrite("agent", id, s.durable.DeleteAgent(ctx, id))
	}
	return nil
}

// PutCall writes the call through both tiers.
func (s *Store) PutCall(ctx context.Context, c *domain.Call) error {
	if err := s.fast.PutCall(ctx, c); err != nil {
		return fmt.Errorf("fast tier: %w", err)
	}
	if s.durable != nil {
		s.durableWrite("call", c.ID, s.durable.UpsertCall(ctx, c))
	}
	return nil
}

// GetCall reads fast tier first, falling back to the durable tier.
func (s *Store) GetCall(ctx context.Context, id string) (*domain.Call, error) {
	c, err := s.fast.GetCall(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}
	if s.durable == nil {
		return nil, ErrNotFound
	}
	c, err = s.durable.GetCall(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.fast.PutCall(ctx, c); err != nil {
		log.Printf("repopulate call %s failed: %v", id, err)
	}
	return c, nil
}

// DeleteCall removes the call from both tiers.
func (s *Store) DeleteCall(ctx context.Context, id string) error {
	if err := s.fast.DeleteCall(ctx, id); err != nil {
		return fmt.Errorf("fast tier: %w", err)
	}
	if s.durable != nil {
		s.durableWrite("call", id, s.durable.DeleteCall(ctx, id))
	}
	return nil
}

// PutAssignment writes the assignment through both tiers.
func (s *Store) PutAssignment(ctx context.Context, a *domain.Assignment) error {
	if err := s.fast.PutAssignment(ctx, a); err != nil {
		return fmt.Errorf("fast tier: %w", err)
	}
	if s.durable != nil {
		s.durableWrite("assignment", a.ID, s.durable.UpsertAssignment(ctx, a))
	}
	return nil
}

// GetAssignment reads the call's assignment, fast tier first.
func (s *Store) GetAssignment(ctx context.Context, callID string) (*domain.Assignment, error) {
	a, err := s.fast.GetAssignment(ctx, callID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}
	if s.durable == nil {
		return nil, ErrNotFound
	}
	a, err = s.durable.GetAssignment(ctx, callID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.fast.PutAssignment(ctx, a); err != nil {
		log.Printf("repopulate assignment for call %s failed: %v", callID, err)
	}
	return a, nil
}
