package service

import "time"

// Options tunes the sync engine. Zero values fall back to DefaultOptions.
type Options struct {
	DefaultStrategy    Strategy
	BatchSize          int
	MaxBatchSize       int
	ApplyTimeout       time.Duration
	LockTTL            time.Duration
	VersionRetries     int
	DeltaPageSize      int
	Fields             FieldPolicy
	AllowedEntityTypes []string
}

func DefaultOptions() Options {
	return Options{
		DefaultStrategy: StrategyServerWins,
		BatchSize:       50,
		MaxBatchSize:    500,
		ApplyTimeout:    5 * time.Second,
		LockTTL:         2 * time.Minute,
		VersionRetries:  3,
		DeltaPageSize:   500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = d.DefaultStrategy
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = d.MaxBatchSize
	}
	if o.BatchSize > o.MaxBatchSize {
		o.BatchSize = o.MaxBatchSize
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = d.ApplyTimeout
	}
	if o.LockTTL <= 0 {
		o.LockTTL = d.LockTTL
	}
	if o.VersionRetries < 0 {
		o.VersionRetries = 0
	}
	if o.DeltaPageSize <= 0 {
		o.DeltaPageSize = d.DeltaPageSize
	}
	return o
}
