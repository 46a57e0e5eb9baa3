package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// Notifier tells connected clients about committed changes and new conflicts.
type Notifier interface {
	ChangesAvailable(businessID, originClientID string, seq int64)
	ConflictDetected(businessID, clientID string, conflict *domain.ConflictRecord)
}

type nopNotifier struct{}

func (nopNotifier) ChangesAvailable(string, string, int64)                      {}
func (nopNotifier) ConflictDetected(string, string, *domain.ConflictRecord) {}

type ProcessOptions struct {
	Strategy  Strategy
	BatchSize int
}

// Processor drains a client's queue: dequeue, detect, resolve, apply, checkpoint.
type Processor struct {
	queue     *QueueService
	registry  *RegistryService
	conflicts repository.ConflictRepository
	locks     repository.LockRepository
	detector  *Detector
	resolver  *Resolver
	reader    EntityReader
	writer    EntityWriter
	notifier  Notifier
	validate  *validator.Validate
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

func NewProcessor(
	queue *QueueService,
	registry *RegistryService,
	conflicts repository.ConflictRepository,
	locks repository.LockRepository,
	reader EntityReader,
	writer EntityWriter,
	notifier Notifier,
	logger *slog.Logger,
	opts Options,
) *Processor {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Processor{
		queue:     queue,
		registry:  registry,
		conflicts: conflicts,
		locks:     locks,
		detector:  NewDetector(reader),
		resolver:  NewResolver(reader, opts.Fields),
		reader:    reader,
		writer:    writer,
		notifier:  notifier,
		validate:  validator.New(),
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Resolver exposes the strategy registry so callers can install custom strategies.
func (p *Processor) Resolver() *Resolver {
	return p.resolver
}

type lease struct {
	p         *Processor
	key       string
	owner     string
	renewedAt time.Time
}

func lockKey(businessID, clientID string) string {
	return "sync:" + businessID + ":" + clientID
}

// acquire takes the per-client advisory lock or fails with ErrAlreadyProcessing.
func (p *Processor) acquire(ctx context.Context, op string, id domain.Identity) (*lease, error) {
	l := &lease{p: p, key: lockKey(id.BusinessID, id.ClientID), owner: uuid.NewString()}
	ok, err := p.locks.Acquire(ctx, l.key, l.owner, p.opts.LockTTL)
	if err != nil {
		return nil, newError(KindInfrastructure, op, err)
	}
	if !ok {
		return nil, newError(KindBusy, op, ErrAlreadyProcessing)
	}
	l.renewedAt = p.now()
	return l, nil
}

// renew extends the lease once half of it has elapsed. It reports false when
// the lease was lost.
func (l *lease) renew(ctx context.Context) bool {
	if l.p.now().Sub(l.renewedAt) < l.p.opts.LockTTL/2 {
		return true
	}
	ok, err := l.p.locks.Acquire(ctx, l.key, l.owner, l.p.opts.LockTTL)
	if err != nil || !ok {
		return false
	}
	l.renewedAt = l.p.now()
	return true
}

func (l *lease) release(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.p.locks.Release(releaseCtx, l.key, l.owner); err != nil {
		l.p.logger.Warn("failed to release sync lock", "key", l.key, "error", err)
	}
}

// ProcessQueue processes one batch of the client's pending mutations. Item
// failures are reported per item; an error is returned only when the batch
// could not be started.
func (p *Processor) ProcessQueue(ctx context.Context, id domain.Identity, po ProcessOptions) (*domain.ProcessResult, error) {
	const op = "process_sync"

	strategy := po.Strategy
	if strategy == "" {
		strategy = p.opts.DefaultStrategy
	}
	batchSize := po.BatchSize
	if batchSize <= 0 {
		batchSize = p.opts.BatchSize
	}
	if batchSize > p.opts.MaxBatchSize {
		batchSize = p.opts.MaxBatchSize
	}

	client, err := p.registry.GetInfo(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "sync.Processor.ProcessQueue",
		trace.WithAttributes(
			attribute.String("business_id", id.BusinessID),
			attribute.String("client_id", id.ClientID),
			attribute.String("strategy", string(strategy)),
		),
	)
	defer span.End()
	started := p.now()

	l, err := p.acquire(ctx, op, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer l.release(ctx)

	if n, err := p.queue.Recover(ctx, id.BusinessID, id.ClientID); err != nil {
		span.RecordError(err)
		return nil, err
	} else if n > 0 {
		p.logger.Info("recovered interrupted mutations", "business_id", id.BusinessID, "client_id", id.ClientID, "count", n)
	}

	batch, err := p.queue.DequeueBatch(ctx, id.BusinessID, id.ClientID, batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &domain.ProcessResult{Results: make([]domain.ItemResult, 0, len(batch))}
	view := NewBatchView()
	var lastSeq int64
	for _, m := range batch {
		if ctx.Err() != nil || !l.renew(ctx) {
			p.logger.Warn("stopping batch early", "client_id", id.ClientID, "remaining", len(batch)-len(result.Results))
			break
		}

		res, change := p.processItem(ctx, m, strategy, view)
		result.Results = append(result.Results, res)
		tally(&result.Summary, res)
		if change != nil && change.Seq > lastSeq {
			lastSeq = change.Seq
		}
	}

	if result.Summary.Success+result.Summary.Failed > 0 {
		updated, err := p.registry.UpdateCheckpoint(ctx, id.BusinessID, id.ClientID, p.now())
		if err != nil {
			p.logger.Error("failed to advance checkpoint", "client_id", id.ClientID, "error", err)
		} else {
			client = updated
		}
	}
	result.Checkpoint = domain.Checkpoint{LastSyncAt: client.LastSyncAt, LastAckedSeq: client.LastAckedSeq}

	if lastSeq > 0 {
		p.notifier.ChangesAvailable(id.BusinessID, id.ClientID, lastSeq)
	}

	elapsed := p.now().Sub(started)
	batchDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("total", result.Summary.Total),
		attribute.Int("success", result.Summary.Success),
		attribute.Int("failed", result.Summary.Failed),
		attribute.Int("conflict", result.Summary.Conflict),
	)
	p.logger.Info("sync batch processed",
		"business_id", id.BusinessID,
		"client_id", id.ClientID,
		"strategy", strategy,
		"total", result.Summary.Total,
		"success", result.Summary.Success,
		"failed", result.Summary.Failed,
		"conflict", result.Summary.Conflict,
		"discarded", result.Summary.Discarded,
		"duration", elapsed,
	)
	return result, nil
}

func tally(s *domain.ProcessSummary, res domain.ItemResult) {
	s.Total++
	if res.Discarded {
		s.Discarded++
		return
	}
	switch res.Status {
	case domain.StatusSuccess:
		s.Success++
	case domain.StatusFailed:
		s.Failed++
	case domain.StatusConflict:
		s.Conflict++
	}
}

type itemOutcome struct {
	status        domain.MutationStatus
	serverVersion *int64
	conflictID    string
	errorCode     string
	errorMessage  string
	change        *domain.ServerChange

	// clientHolds is set when the committed state is exactly what the client has locally.
	clientHolds bool
}

func failedOutcome(code, message, conflictID string) *itemOutcome {
	return &itemOutcome{status: domain.StatusFailed, errorCode: code, errorMessage: message, conflictID: conflictID}
}

func successOutcome(version int64, change *domain.ServerChange, conflictID string, clientHolds bool) *itemOutcome {
	return &itemOutcome{
		status:        domain.StatusSuccess,
		serverVersion: &version,
		change:        change,
		conflictID:    conflictID,
		clientHolds:   clientHolds,
	}
}

func (p *Processor) processItem(ctx context.Context, m *domain.MutationRecord, strategy Strategy, view *BatchView) (domain.ItemResult, *domain.ServerChange) {
	started := p.now()
	ctx, span := tracer.Start(ctx, "sync.Processor.processItem",
		trace.WithAttributes(
			attribute.String("mutation_id", m.ID),
			attribute.String("entity", m.Key().String()),
			attribute.String("operation", string(m.Operation)),
		),
	)
	defer span.End()

	res := domain.ItemResult{
		MutationID: m.ID,
		ClientRef:  m.ClientRef,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
	}

	// cleared after the batch was claimed
	if _, err := p.queue.Get(ctx, m.BusinessID, m.ClientID, m.ID); KindOf(err) == KindNotFound {
		return discarded(res), nil
	}

	o, err := p.runWithTimeout(ctx, m, strategy, view.EffectiveBase(m))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		terr := newError(KindTimeout, "apply", fmt.Errorf("no result within %s", p.opts.ApplyTimeout))
		o = failedOutcome(domain.CodeTimeout, terr.Error(), "")
	case err != nil:
		aerr := newError(KindApply, "apply", err)
		o = failedOutcome(domain.CodeApplyFailed, aerr.Error(), "")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	res.Status = o.status
	res.ServerVersion = o.serverVersion
	res.ConflictID = o.conflictID
	res.ErrorCode = o.errorCode
	res.Error = o.errorMessage

	update := &domain.StatusUpdate{
		BusinessID:    m.BusinessID,
		ClientID:      m.ClientID,
		MutationID:    m.ID,
		From:          []domain.MutationStatus{domain.StatusProcessing},
		To:            o.status,
		ServerVersion: o.serverVersion,
		ErrorCode:     o.errorCode,
		ErrorMessage:  o.errorMessage,
		At:            p.now(),
	}
	if err := p.queue.MarkStatus(ctx, update); err != nil {
		if KindOf(err) == KindNotFound {
			res = discarded(res)
		} else {
			p.logger.Error("failed to record mutation status", "mutation_id", m.ID, "status", o.status, "error", err)
		}
	}

	if o.status == domain.StatusSuccess {
		view.Record(m, *o.serverVersion)
		if o.clientHolds && !res.Discarded {
			if err := p.registry.RecordEntityVersion(ctx, m.BusinessID, m.ClientID, m.Key(), *o.serverVersion); err != nil {
				p.logger.Warn("failed to record client entity version", "mutation_id", m.ID, "error", err)
			}
		}
	}

	label := string(o.status)
	if res.Discarded {
		label = "discarded"
	}
	mutationsProcessedTotal.WithLabelValues(label).Inc()
	itemDuration.WithLabelValues(label).Observe(p.now().Sub(started).Seconds())
	return res, o.change
}

// discarded strips the outcome of an item whose record was cleared while it
// was being processed.
func discarded(res domain.ItemResult) domain.ItemResult {
	return domain.ItemResult{
		MutationID: res.MutationID,
		ClientRef:  res.ClientRef,
		EntityType: res.EntityType,
		EntityID:   res.EntityID,
		Discarded:  true,
	}
}

type itemRun struct {
	outcome *itemOutcome
	err     error
}

// runWithTimeout bounds a single mutation by ApplyTimeout even when a write
// collaborator ignores its context.
func (p *Processor) runWithTimeout(ctx context.Context, m *domain.MutationRecord, strategy Strategy, base int64) (*itemOutcome, error) {
	itemCtx, cancel := context.WithTimeout(ctx, p.opts.ApplyTimeout)
	defer cancel()

	done := make(chan itemRun, 1)
	go func() {
		o, err := p.runItem(itemCtx, m, strategy, base)
		done <- itemRun{outcome: o, err: err}
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-itemCtx.Done():
		return nil, itemCtx.Err()
	}
}

func (p *Processor) runItem(ctx context.Context, m *domain.MutationRecord, strategy Strategy, base int64) (*itemOutcome, error) {
	applied, err := p.reader.ChangeByMutation(ctx, m.BusinessID, m.ID)
	if err == nil {
		return successOutcome(applied.ServerVersion, nil, "", false), nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		det, err := p.detector.Detect(ctx, m, base)
		if err != nil {
			return nil, err
		}

		if !det.Conflict {
			if det.AlreadyApplied {
				return successOutcome(det.Current.Version, nil, "", true), nil
			}
			change, err := p.apply(ctx, m, m.Operation, m.Payload, det.ExpectedVersion())
			if errors.Is(err, repository.ErrVersionMismatch) {
				if attempt < p.opts.VersionRetries {
					continue
				}
				return failedOutcome(domain.CodeVersionContention, err.Error(), ""), nil
			}
			if err != nil {
				return nil, err
			}
			return successOutcome(change.ServerVersion, change, "", true), nil
		}

		o, retry, err := p.settleConflict(ctx, m, strategy, det)
		if retry {
			if attempt < p.opts.VersionRetries {
				continue
			}
			return failedOutcome(domain.CodeVersionContention, "entity kept changing while resolving the conflict", o.conflictID), nil
		}
		return o, err
	}
}

func (p *Processor) apply(ctx context.Context, m *domain.MutationRecord, op domain.Operation, payload domain.Payload, expected int64) (*domain.ServerChange, error) {
	return p.writer.Apply(ctx, &domain.ApplyRequest{
		BusinessID:      m.BusinessID,
		EntityType:      m.EntityType,
		EntityID:        m.EntityID,
		Operation:       op,
		Payload:         payload,
		ExpectedVersion: expected,
		MutationID:      m.ID,
		OriginClientID:  m.ClientID,
		At:              p.now(),
	})
}

// settleConflict records the conflict and runs the strategy. retry is set
// when the entity moved again before the resolution could be committed.
func (p *Processor) settleConflict(ctx context.Context, m *domain.MutationRecord, strategy Strategy, det *Detection) (*itemOutcome, bool, error) {
	record := &domain.ConflictRecord{
		ID:            uuid.NewString(),
		MutationID:    m.ID,
		BusinessID:    m.BusinessID,
		ClientID:      m.ClientID,
		EntityType:    m.EntityType,
		EntityID:      m.EntityID,
		Operation:     m.Operation,
		ClientVersion: det.Base,
		ServerVersion: det.ExpectedVersion(),
		ClientPayload: m.Payload,
		Strategy:      string(strategy),
		Reason:        det.Reason,
		DetectedAt:    p.now(),
	}
	if det.Current != nil {
		record.ServerPayload = det.Current.Payload
		record.ServerDeleted = det.Current.Deleted
	}

	saved, err := p.conflicts.Save(ctx, record)
	if err != nil {
		return nil, false, err
	}
	if saved.Resolved() {
		code := domain.CodeResolvedUseServer
		if saved.Strategy == string(StrategyServerWins) {
			code = domain.CodeConflictServerWins
		}
		return failedOutcome(code, "conflict already resolved in favour of the server", saved.ID), false, nil
	}

	res, err := p.resolver.Resolve(ctx, strategy, m, det)
	if err != nil {
		return nil, false, err
	}
	conflictsTotal.WithLabelValues(string(strategy), string(res.Outcome)).Inc()

	switch res.Outcome {
	case OutcomeApply:
		var (
			change  *domain.ServerChange
			version = det.ExpectedVersion()
		)
		if !(res.Operation == domain.OperationDelete && (det.Current == nil || det.Current.Deleted)) {
			change, err = p.apply(ctx, m, res.Operation, res.Payload, det.ExpectedVersion())
			if errors.Is(err, repository.ErrVersionMismatch) {
				return &itemOutcome{conflictID: saved.ID}, true, nil
			}
			if err != nil {
				return nil, false, err
			}
			version = change.ServerVersion
		}

		resolution := domain.ResolutionUseClient
		if strategy == StrategyMerge {
			resolution = domain.ResolutionUseMerged
		}
		var payload domain.Payload
		if change != nil {
			payload = change.Payload
		}
		p.markResolved(ctx, saved, resolution, payload, version, res.Reason)
		return successOutcome(version, change, saved.ID, false), false, nil

	case OutcomeReject:
		p.markResolved(ctx, saved, domain.ResolutionUseServer, res.Payload, det.ExpectedVersion(), res.Reason)
		return failedOutcome(domain.CodeConflictServerWins, det.Reason, saved.ID), false, nil

	default:
		if res.Reason != "" && res.Reason != saved.Reason {
			record.Reason = res.Reason
			if refreshed, err := p.conflicts.Save(ctx, record); err == nil {
				saved = refreshed
			}
		}
		p.notifier.ConflictDetected(m.BusinessID, m.ClientID, saved)
		return &itemOutcome{status: domain.StatusConflict, conflictID: saved.ID}, false, nil
	}
}

func (p *Processor) markResolved(ctx context.Context, c *domain.ConflictRecord, resolution domain.Resolution, payload domain.Payload, version int64, reason string) {
	now := p.now()
	c.Resolution = resolution
	c.ResolvedPayload = payload
	c.ResolvedVersion = &version
	c.ResolvedBy = "system"
	c.ResolvedAt = &now
	c.Reason = reason
	if err := p.conflicts.MarkResolved(ctx, c); err != nil && !errors.Is(err, repository.ErrAlreadyResolved) {
		p.logger.Warn("failed to mark conflict resolved", "conflict_id", c.ID, "error", err)
	}
}

// ResolveManually settles a deferred conflict with the caller's choice.
// Resolving an already resolved conflict returns the stored record.
func (p *Processor) ResolveManually(ctx context.Context, id domain.Identity, mutationID string, req *domain.ResolveConflictRequest) (*domain.ConflictRecord, error) {
	const op = "resolve_conflict"

	if err := p.validate.Struct(req); err != nil {
		return nil, validationError(op, describeValidation(err))
	}

	conflict, err := p.conflicts.FindByMutation(ctx, id.BusinessID, id.ClientID, mutationID)
	if err != nil {
		return nil, storageError(op, err)
	}
	if conflict.Resolved() {
		return conflict, nil
	}

	l, err := p.acquire(ctx, op, id)
	if err != nil {
		return nil, err
	}
	defer l.release(ctx)

	// another call may have won while we waited for the lock
	conflict, err = p.conflicts.FindByMutation(ctx, id.BusinessID, id.ClientID, mutationID)
	if err != nil {
		return nil, storageError(op, err)
	}
	if conflict.Resolved() {
		return conflict, nil
	}

	mutation, err := p.queue.Get(ctx, id.BusinessID, id.ClientID, mutationID)
	if err != nil && KindOf(err) != KindNotFound {
		return nil, err
	}

	var (
		version int64
		payload domain.Payload
		change  *domain.ServerChange
	)
	switch req.Resolution {
	case domain.ResolutionUseServer:
		current, err := p.current(ctx, id.BusinessID, conflict.Key())
		if err != nil {
			return nil, newError(KindInfrastructure, op, err)
		}
		if current != nil {
			version = current.Version
			if !current.Deleted {
				payload = current.Payload.Clone()
			}
		}

	default:
		intent, data := conflict.Operation, conflict.ClientPayload
		if req.Resolution == domain.ResolutionUseMerged {
			intent, data = domain.OperationUpdate, req.MergedData
		}
		change, version, err = p.commitResolution(ctx, conflict, intent, data)
		if err != nil {
			return nil, newError(KindApply, op, err)
		}
		if change != nil {
			payload = change.Payload
		}
	}

	now := p.now()
	conflict.Resolution = req.Resolution
	conflict.ResolvedPayload = payload
	conflict.ResolvedVersion = &version
	conflict.ResolvedBy = id.UserID
	conflict.ResolvedAt = &now
	if err := p.conflicts.MarkResolved(ctx, conflict); err != nil {
		if errors.Is(err, repository.ErrAlreadyResolved) {
			stored, ferr := p.conflicts.FindByMutation(ctx, id.BusinessID, id.ClientID, mutationID)
			if ferr != nil {
				return nil, storageError(op, ferr)
			}
			return stored, nil
		}
		return nil, storageError(op, err)
	}

	if mutation != nil && mutation.Status == domain.StatusConflict {
		update := &domain.StatusUpdate{
			BusinessID: id.BusinessID,
			ClientID:   id.ClientID,
			MutationID: mutationID,
			From:       []domain.MutationStatus{domain.StatusConflict},
			At:         now,
		}
		if req.Resolution == domain.ResolutionUseServer {
			update.To = domain.StatusFailed
			update.ErrorCode = domain.CodeResolvedUseServer
			update.ErrorMessage = "conflict resolved in favour of the server"
		} else {
			update.To = domain.StatusSuccess
			update.ServerVersion = &version
		}
		if err := p.queue.MarkStatus(ctx, update); err != nil && KindOf(err) != KindNotFound {
			p.logger.Error("failed to record resolved mutation status", "mutation_id", mutationID, "error", err)
		}
	}

	if change != nil {
		p.notifier.ChangesAvailable(id.BusinessID, id.ClientID, change.Seq)
	}
	p.logger.Info("conflict resolved",
		"business_id", id.BusinessID,
		"client_id", id.ClientID,
		"mutation_id", mutationID,
		"resolution", req.Resolution,
		"server_version", version,
	)
	return conflict, nil
}

func (p *Processor) current(ctx context.Context, businessID string, key domain.EntityKey) (*domain.EntityState, error) {
	current, err := p.reader.Current(ctx, businessID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return current, err
}

// commitResolution writes the chosen state on top of whatever version is current.
func (p *Processor) commitResolution(ctx context.Context, c *domain.ConflictRecord, intent domain.Operation, data domain.Payload) (*domain.ServerChange, int64, error) {
	for attempt := 0; ; attempt++ {
		current, err := p.current(ctx, c.BusinessID, c.Key())
		if err != nil {
			return nil, 0, err
		}
		op, payload, noop := clientOperation(intent, data, current)
		if noop {
			var version int64
			if current != nil {
				version = current.Version
			}
			return nil, version, nil
		}

		var expected int64
		if current != nil {
			expected = current.Version
		}
		change, err := p.writer.Apply(ctx, &domain.ApplyRequest{
			BusinessID:      c.BusinessID,
			EntityType:      c.EntityType,
			EntityID:        c.EntityID,
			Operation:       op,
			Payload:         payload,
			ExpectedVersion: expected,
			MutationID:      c.MutationID,
			OriginClientID:  c.ClientID,
			At:              p.now(),
		})
		if errors.Is(err, repository.ErrVersionMismatch) && attempt < p.opts.VersionRetries {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return change, change.ServerVersion, nil
	}
}
