package service

import (
	"context"
	"fmt"
	"strings"

	"pos-sync-server/internal/domain"
)

// FieldSet matches "entity_type.field" entries; "*" as the type matches every type.
type FieldSet map[string]struct{}

// ParseFieldSet reads a comma separated list such as "product.stock_quantity,*.quantity".
func ParseFieldSet(list string) FieldSet {
	set := make(FieldSet)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" || !strings.Contains(entry, ".") {
			continue
		}
		set[entry] = struct{}{}
	}
	return set
}

func (s FieldSet) Contains(entityType, field string) bool {
	if _, ok := s[entityType+"."+field]; ok {
		return true
	}
	_, ok := s["*."+field]
	return ok
}

// FieldPolicy configures the merge strategy.
type FieldPolicy struct {
	// Additive fields are combined as server + (client - base).
	Additive FieldSet
	// LastWriteWins fields take the client value when both sides changed them.
	LastWriteWins FieldSet
}

// mergeStrategy performs a three-way merge of the client payload with the
// current server payload, using the payload at the client's base version.
type mergeStrategy struct {
	policy FieldPolicy
}

func (s *mergeStrategy) Resolve(_ context.Context, in *ConflictInput) (*Resolution, error) {
	m := in.Mutation
	if m.Operation == domain.OperationDelete {
		return &Resolution{Outcome: OutcomeDefer, Reason: "client delete cannot be merged"}, nil
	}
	if in.Current == nil || in.Current.Deleted {
		return &Resolution{Outcome: OutcomeDefer, Reason: "server delete cannot be merged"}, nil
	}

	serverChanged := make(map[string]struct{}, len(in.ServerChanged))
	for _, f := range in.ServerChanged {
		serverChanged[f] = struct{}{}
	}

	merged := in.Current.Payload.Clone()
	if merged == nil {
		merged = domain.Payload{}
	}
	var conflicting []string

	for _, field := range m.Payload.Keys() {
		clientValue := m.Payload[field]
		baseValue, inBase := in.BasePayload[field]

		if in.BaseKnown && inBase && domain.ValuesEqual(baseValue, clientValue) {
			continue
		}
		serverValue, inServer := in.Current.Payload[field]
		_, changed := serverChanged[field]
		if changed && in.BaseKnown && inServer == inBase && domain.ValuesEqual(serverValue, baseValue) {
			// edited and reverted on the server since the client's base
			changed = false
		}
		if !changed {
			merged[field] = clientValue
			continue
		}

		if domain.ValuesEqual(serverValue, clientValue) {
			continue
		}
		if s.policy.Additive.Contains(m.EntityType, field) {
			if sum, ok := additiveMerge(serverValue, clientValue, baseValue, in.BaseKnown); ok {
				merged[field] = sum
				continue
			}
		}
		if s.policy.LastWriteWins.Contains(m.EntityType, field) {
			merged[field] = clientValue
			continue
		}
		conflicting = append(conflicting, field)
	}

	if len(conflicting) > 0 {
		return &Resolution{
			Outcome: OutcomeDefer,
			Reason:  fmt.Sprintf("fields changed on both sides: %s", strings.Join(conflicting, ", ")),
		}, nil
	}

	return &Resolution{
		Outcome:   OutcomeApply,
		Operation: domain.OperationUpdate,
		Payload:   merged,
		Reason:    "merged",
	}, nil
}

// additiveMerge applies the client's delta (client - base) to the server value.
// A field missing from a known base counts as zero.
func additiveMerge(server, client, base interface{}, baseKnown bool) (float64, bool) {
	if !baseKnown {
		return 0, false
	}
	s, ok := domain.ToFloat(server)
	if !ok {
		return 0, false
	}
	c, ok := domain.ToFloat(client)
	if !ok {
		return 0, false
	}
	b := 0.0
	if base != nil {
		if b, ok = domain.ToFloat(base); !ok {
			return 0, false
		}
	}
	return s + (c - b), true
}
