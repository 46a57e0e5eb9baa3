package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// Strategy selects how a detected conflict is settled.
type Strategy string

const (
	StrategyClientWins Strategy = "client_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict resolution strategy %q", s)
}

// Outcome is what the processor does with a resolved conflict.
type Outcome string

const (
	// OutcomeApply commits Resolution.Operation and Payload on top of the current version.
	OutcomeApply Outcome = "apply"
	// OutcomeReject keeps the server state and fails the mutation.
	OutcomeReject Outcome = "reject"
	// OutcomeDefer leaves the conflict for manual resolution.
	OutcomeDefer Outcome = "defer"
)

type ConflictInput struct {
	Mutation *domain.MutationRecord
	Current  *domain.EntityState
	Base     int64

	// BasePayload is the entity at Base. BaseKnown is false when that
	// revision is not available.
	BasePayload domain.Payload
	BaseKnown   bool

	// ServerChanged lists the fields changed on the server after Base.
	ServerChanged []string
}

type Resolution struct {
	Outcome   Outcome
	Operation domain.Operation
	Payload   domain.Payload
	Reason    string
}

type ConflictStrategy interface {
	Resolve(ctx context.Context, in *ConflictInput) (*Resolution, error)
}

// Resolver dispatches conflicts to the strategy selected for the sync session.
type Resolver struct {
	reader     EntityReader
	mu         sync.RWMutex
	strategies map[Strategy]ConflictStrategy
}

func NewResolver(reader EntityReader, policy FieldPolicy) *Resolver {
	return &Resolver{
		reader: reader,
		strategies: map[Strategy]ConflictStrategy{
			StrategyClientWins: clientWinsStrategy{},
			StrategyServerWins: serverWinsStrategy{},
			StrategyMerge:      &mergeStrategy{policy: policy},
			StrategyManual:     manualStrategy{},
		},
	}
}

// Register installs or replaces the implementation behind a strategy name.
func (r *Resolver) Register(name Strategy, s ConflictStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
}

func (r *Resolver) Resolve(ctx context.Context, name Strategy, m *domain.MutationRecord, det *Detection) (*Resolution, error) {
	r.mu.RLock()
	strategy, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no conflict strategy registered for %q", name)
	}

	in := &ConflictInput{Mutation: m, Current: det.Current, Base: det.Base}
	if det.Current != nil && !det.Current.Deleted {
		base, err := r.reader.PayloadAt(ctx, m.BusinessID, m.Key(), det.Base)
		switch {
		case err == nil:
			in.BasePayload, in.BaseKnown = base, true
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
		changed, err := r.reader.ChangedFieldsSince(ctx, m.BusinessID, m.Key(), det.Base)
		if err != nil {
			return nil, err
		}
		in.ServerChanged = changed
	}

	return strategy.Resolve(ctx, in)
}

type clientWinsStrategy struct{}

func (clientWinsStrategy) Resolve(_ context.Context, in *ConflictInput) (*Resolution, error) {
	op, payload, _ := clientOperation(in.Mutation.Operation, in.Mutation.Payload, in.Current)
	return &Resolution{Outcome: OutcomeApply, Operation: op, Payload: payload, Reason: "client wins"}, nil
}

type serverWinsStrategy struct{}

func (serverWinsStrategy) Resolve(_ context.Context, in *ConflictInput) (*Resolution, error) {
	var payload domain.Payload
	if in.Current != nil && !in.Current.Deleted {
		payload = in.Current.Payload.Clone()
	}
	return &Resolution{Outcome: OutcomeReject, Payload: payload, Reason: "server wins"}, nil
}

type manualStrategy struct{}

func (manualStrategy) Resolve(context.Context, *ConflictInput) (*Resolution, error) {
	return &Resolution{Outcome: OutcomeDefer, Reason: "awaiting manual resolution"}, nil
}

// clientOperation adapts the client's intent to the current server state so
// it can be committed on top of it. noop is true for a delete of an entity
// that is already gone; the returned operation is still a delete.
func clientOperation(op domain.Operation, payload domain.Payload, current *domain.EntityState) (domain.Operation, domain.Payload, bool) {
	if current == nil || current.Deleted {
		switch op {
		case domain.OperationDelete:
			return op, nil, true
		case domain.OperationUpdate:
			var tombstone domain.Payload
			if current != nil {
				tombstone = current.Payload
			}
			return domain.OperationCreate, tombstone.Patch(payload), false
		}
	}
	return op, payload, false
}
