package service

import (
	"context"
	"log/slog"
	"time"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

type JanitorOptions struct {
	// MutationTTL is how long processed mutations stay visible before archival.
	MutationTTL time.Duration
	// Retention is how long archived mutations and resolved conflicts are kept.
	Retention time.Duration
	Interval  time.Duration
}

// JanitorReport counts what one janitor pass touched.
type JanitorReport struct {
	Archived        int
	PurgedMutations int
	PurgedConflicts int
}

// Janitor archives processed mutations and purges old history. It never
// retries failed work.
type Janitor struct {
	mutations repository.MutationRepository
	conflicts repository.ConflictRepository
	opts      JanitorOptions
	logger    *slog.Logger
	now       func() time.Time
}

func NewJanitor(mutations repository.MutationRepository, conflicts repository.ConflictRepository, opts JanitorOptions, logger *slog.Logger) *Janitor {
	if opts.MutationTTL <= 0 {
		opts.MutationTTL = 7 * 24 * time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Janitor{
		mutations: mutations,
		conflicts: conflicts,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

func (j *Janitor) RunOnce(ctx context.Context) (*JanitorReport, error) {
	now := j.now()
	report := &JanitorReport{}

	archived, err := j.mutations.Archive(ctx, "", "",
		[]domain.MutationStatus{domain.StatusSuccess, domain.StatusFailed},
		now.Add(-j.opts.MutationTTL), now)
	if err != nil {
		return nil, storageError("janitor_archive", err)
	}
	report.Archived = archived

	cutoff := now.Add(-j.opts.Retention)
	if report.PurgedMutations, err = j.mutations.PurgeArchived(ctx, cutoff); err != nil {
		return nil, storageError("janitor_purge_mutations", err)
	}
	if report.PurgedConflicts, err = j.conflicts.PurgeResolved(ctx, cutoff); err != nil {
		return nil, storageError("janitor_purge_conflicts", err)
	}

	janitorRecordsTotal.WithLabelValues("archived").Add(float64(report.Archived))
	janitorRecordsTotal.WithLabelValues("purged_mutations").Add(float64(report.PurgedMutations))
	janitorRecordsTotal.WithLabelValues("purged_conflicts").Add(float64(report.PurgedConflicts))
	return report, nil
}

// Run repeats RunOnce every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := j.RunOnce(ctx)
			if err != nil {
				j.logger.Error("janitor pass failed", "error", err)
				continue
			}
			if report.Archived+report.PurgedMutations+report.PurgedConflicts > 0 {
				j.logger.Info("janitor pass finished",
					"archived", report.Archived,
					"purged_mutations", report.PurgedMutations,
					"purged_conflicts", report.PurgedConflicts,
				)
			}
		}
	}
}
