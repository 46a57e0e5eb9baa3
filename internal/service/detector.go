package service

import (
	"context"
	"errors"
	"fmt"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// Detection is the outcome of comparing a mutation with the authoritative state.
type Detection struct {
	// Current is nil when the entity has never been written.
	Current *domain.EntityState

	// Base is the version the mutation was evaluated from.
	Base int64

	Conflict bool
	Reason   string

	// AlreadyApplied marks a delete against an entity that is already deleted at Base.
	AlreadyApplied bool
}

// ExpectedVersion is the version an apply must find to commit.
func (d *Detection) ExpectedVersion() int64 {
	if d.Current == nil {
		return 0
	}
	return d.Current.Version
}

type Detector struct {
	reader EntityReader
}

func NewDetector(reader EntityReader) *Detector {
	return &Detector{reader: reader}
}

// Detect compares m, evaluated from base, against the current entity state.
func (d *Detector) Detect(ctx context.Context, m *domain.MutationRecord, base int64) (*Detection, error) {
	current, err := d.reader.Current(ctx, m.BusinessID, m.Key())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	det := &Detection{Current: current, Base: base}
	if current == nil {
		return det, nil
	}

	if base >= current.Version {
		if current.Deleted && m.Operation == domain.OperationDelete {
			det.AlreadyApplied = true
		}
		return det, nil
	}

	det.Conflict = true
	switch {
	case current.Deleted:
		det.Reason = fmt.Sprintf("entity deleted on server at version %d, client base %d", current.Version, base)
	case m.Operation == domain.OperationDelete:
		det.Reason = fmt.Sprintf("delete against version %d, client base %d", current.Version, base)
	case m.Operation == domain.OperationCreate && base == 0:
		det.Reason = fmt.Sprintf("entity already exists on server at version %d", current.Version)
	default:
		det.Reason = fmt.Sprintf("server version %d is ahead of client base %d", current.Version, base)
	}
	return det, nil
}

type batchOutcome struct {
	localVersion  int64
	serverVersion int64
}

// BatchView remembers what earlier mutations of the same batch committed so a
// later mutation on the same entity is evaluated against that outcome.
type BatchView struct {
	outcomes map[domain.EntityKey]batchOutcome
}

func NewBatchView() *BatchView {
	return &BatchView{outcomes: make(map[domain.EntityKey]batchOutcome)}
}

// EffectiveBase is the mutation's local version, lifted to the version an
// earlier mutation of this batch committed when m was built on top of it.
func (v *BatchView) EffectiveBase(m *domain.MutationRecord) int64 {
	prior, ok := v.outcomes[m.Key()]
	if !ok || m.LocalVersion < prior.localVersion {
		return m.LocalVersion
	}
	if prior.serverVersion > m.LocalVersion {
		return prior.serverVersion
	}
	return m.LocalVersion
}

// Record stores the version committed for m.
func (v *BatchView) Record(m *domain.MutationRecord, serverVersion int64) {
	v.outcomes[m.Key()] = batchOutcome{localVersion: m.LocalVersion, serverVersion: serverVersion}
}
