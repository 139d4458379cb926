package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// ConfirmPurgePhrase must be sent verbatim to run an emergency purge
const ConfirmPurgePhrase = "DELETE_ALL_DATA_PERMANENTLY"

// State is a step in the cleanup lifecycle
type State string

const (
	StateRequested State = "REQUESTED"
	StateDryRun    State = "DRY_RUN"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Store is what the engine needs from persistence: bulk deletes plus a place
// to record what it did
type Store interface {
	storage.Pruner
	storage.ActivityWriter
}

// Config tunes an Engine
type Config struct {
	// BatchSize is how many records are fetched, archived and deleted at once
	BatchSize int
	// MaxBatches bounds the batches one policy may process per run
	MaxBatches int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 1000
	}
	return c
}

// PolicyStats is the read-only view of one policy
type PolicyStats struct {
	Policy   Policy    `json:"policy"`
	Cutoff   time.Time `json:"cutoff"`
	Eligible int64     `json:"eligible"`
}

// PolicyResult is the outcome of one policy in a cleanup run
type PolicyResult struct {
	Policy   string         `json:"policy"`
	Target   storage.Target `json:"target"`
	Cutoff   time.Time      `json:"cutoff"`
	Eligible int64          `json:"eligible"`
	Archived int64          `json:"archived"`
	Deleted  int64          `json:"deleted"`
	Batches  int            `json:"batches"`
	Archives []string       `json:"archives,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// CleanupReport describes a cleanup run
type CleanupReport struct {
	ID         string         `json:"id"`
	DryRun     bool           `json:"dryRun"`
	State      State          `json:"state"`
	History    []State        `json:"history"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Policies   []PolicyResult `json:"policies"`
	Skipped    []string       `json:"skipped,omitempty"`
}

func (r *CleanupReport) transition(s State) {
	r.State = s
	r.History = append(r.History, s)
}

// TotalEligible sums the eligible counts of every policy
func (r *CleanupReport) TotalEligible() int64 {
	var n int64
	for _, p := range r.Policies {
		n += p.Eligible
	}
	return n
}

// TotalDeleted sums the deleted counts of every policy
func (r *CleanupReport) TotalDeleted() int64 {
	var n int64
	for _, p := range r.Policies {
		n += p.Deleted
	}
	return n
}

// PurgeRequest asks for an emergency purge
type PurgeRequest struct {
	OlderThanDays int    `json:"olderThanDays"`
	Confirm       string `json:"confirm"`
}

// PurgeResult reports an emergency purge
type PurgeResult struct {
	RequestedBy string                   `json:"requestedBy"`
	Cutoff      time.Time                `json:"cutoff"`
	Deleted     map[storage.Target]int64 `json:"deleted"`
	AuditEvents []string                 `json:"auditEvents"`
}

// Engine applies retention policies. It is the only component that deletes
// records.
type Engine struct {
	store    Store
	policies *PolicyStore
	sink     ArchiveSink
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEngine creates an engine. A nil sink means no archive is available.
func NewEngine(store Store, policies *PolicyStore, sink ArchiveSink, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if metrics == nil {
		metrics = observability.NewDiscardMetrics()
	}
	return &Engine{
		store:    store,
		policies: policies,
		sink:     sink,
		cfg:      cfg.withDefaults(),
		logger:   logger.WithField("component", "retention"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Policies exposes the policy store
func (e *Engine) Policies() *PolicyStore {
	return e.policies
}

// GetRetentionStats counts the records each policy would remove now. It
// never modifies anything.
func (e *Engine) GetRetentionStats(ctx context.Context) ([]PolicyStats, error) {
	now := e.now()
	policies := e.policies.List()
	out := make([]PolicyStats, 0, len(policies))
	for i := range policies {
		p := policies[i]
		n, err := e.store.CountEligible(ctx, p.Selector(now))
		if err != nil {
			return nil, fmt.Errorf("failed to count records for policy %s: %w", p.Name, err)
		}
		out = append(out, PolicyStats{Policy: p, Cutoff: p.Cutoff(now), Eligible: n})
	}
	return out, nil
}

// ExecuteCleanup runs every enabled policy. A dry run only counts. A live run
// fetches batches of eligible records, archives them when the policy asks for
// it and deletes them by id. A failing policy does not stop the others; the
// failures come back as an *AggregationError alongside the report.
func (e *Engine) ExecuteCleanup(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	now := e.now()
	report := &CleanupReport{ID: uuid.NewString(), DryRun: dryRun, StartedAt: now.UTC()}
	report.transition(StateRequested)
	if dryRun {
		report.transition(StateDryRun)
	} else {
		report.transition(StateExecuting)
	}
	log := e.logger.WithFields(map[string]interface{}{"run_id": report.ID, "dry_run": dryRun})

	failures := map[string]error{}
	for _, p := range e.policies.List() {
		if !p.Enabled {
			report.Skipped = append(report.Skipped, p.Name)
			continue
		}
		res := PolicyResult{Policy: p.Name, Target: p.AppliesTo.Target, Cutoff: p.Cutoff(now)}
		var err error
		if dryRun {
			res.Eligible, err = e.store.CountEligible(ctx, p.Selector(now))
		} else {
			err = e.applyPolicy(ctx, p, now, &res)
		}
		if err != nil {
			res.Error = err.Error()
			failures[p.Name] = err
			log.WithError(err).WithField("policy", p.Name).Error("retention policy failed")
		}
		report.Policies = append(report.Policies, res)
	}

	report.FinishedAt = e.now().UTC()
	var runErr error
	if len(failures) > 0 {
		report.transition(StateFailed)
		runErr = &activity.AggregationError{Units: failures}
	} else {
		report.transition(StateCompleted)
	}
	log.WithFields(map[string]interface{}{
		"state":    report.State,
		"eligible": report.TotalEligible(),
		"deleted":  report.TotalDeleted(),
	}).Info("retention cleanup finished")

	if !dryRun {
		e.recordCleanup(ctx, report)
	}
	return report, runErr
}

func (e *Engine) applyPolicy(ctx context.Context, p Policy, now time.Time, res *PolicyResult) error {
	ctx, span := tracer.Start(ctx, "Retention.ApplyPolicy",
		trace.WithAttributes(
			attribute.String("retention.policy", p.Name),
			attribute.String("retention.target", string(p.AppliesTo.Target)),
			attribute.Int("retention.max_age_days", p.MaxAgeDays),
		),
	)
	defer span.End()

	err := e.deleteBatches(ctx, p, now, res)
	span.SetAttributes(
		attribute.Int64("retention.deleted", res.Deleted),
		attribute.Int64("retention.archived", res.Archived),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy failed")
	}
	return err
}

func (e *Engine) deleteBatches(ctx context.Context, p Policy, now time.Time, res *PolicyResult) error {
	sel := p.Selector(now)
	for res.Batches < e.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.store.FetchEligible(ctx, sel, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		if batch.Len() == 0 {
			return nil
		}
		res.Eligible += int64(batch.Len())
		e.metrics.RetentionRecordsTotal.WithLabelValues(p.Name, "matched").Add(float64(batch.Len()))

		if p.ArchiveBeforeDelete {
			location, err := e.sink.Archive(ctx, p.Name, batch)
			if err != nil {
				return fmt.Errorf("archive failed, deletes aborted: %w", err)
			}
			res.Archived += int64(batch.Len())
			res.Archives = append(res.Archives, location)
			e.metrics.RetentionRecordsTotal.WithLabelValues(p.Name, "archived").Add(float64(batch.Len()))
		}

		n, err := e.store.DeleteByID(ctx, sel.Target, batch.IDs())
		if err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		res.Deleted += n
		res.Batches++
		e.metrics.RetentionRecordsTotal.WithLabelValues(p.Name, "deleted").Add(float64(n))
		if n == 0 {
			return errors.New("delete made no progress")
		}
		if batch.Len() < e.cfg.BatchSize {
			return nil
		}
	}
	e.logger.WithField("policy", p.Name).Warnf("stopped after %d batches, remaining records wait for the next run", e.cfg.MaxBatches)
	return nil
}

func (e *Engine) recordCleanup(ctx context.Context, r *CleanupReport) {
	status := "completed"
	if r.State == StateFailed {
		status = "failed"
	}
	perPolicy := make(map[string]activity.Value, len(r.Policies))
	for _, p := range r.Policies {
		perPolicy[p.Policy] = activity.Int(p.Deleted)
	}
	ev := activity.NewSystemEvent("retention.cleanup", activity.CategoryBatchJob, "retention", status, activity.Metadata{
		"deleted":   activity.Int(r.TotalDeleted()),
		"archived":  activity.Int(sumArchived(r)),
		"perPolicy": activity.Map(perPolicy),
	}, e.now())
	ev.SourceID = r.ID
	if err := e.store.AppendSystemEvent(ctx, ev); err != nil {
		e.logger.WithError(err).Warn("failed to record cleanup run")
	}
}

func sumArchived(r *CleanupReport) int64 {
	var n int64
	for _, p := range r.Policies {
		n += p.Archived
	}
	return n
}

// AddPolicy adds a policy and records who did it
func (e *Engine) AddPolicy(ctx context.Context, principal authz.Principal, p Policy) error {
	if err := e.policies.Add(p); err != nil {
		return err
	}
	e.recordAdmin(ctx, principal, "retention.policy_added", p.Name)
	return nil
}

// RemovePolicy removes a policy and records who did it
func (e *Engine) RemovePolicy(ctx context.Context, principal authz.Principal, name string) error {
	if err := e.policies.Remove(name); err != nil {
		return err
	}
	e.recordAdmin(ctx, principal, "retention.policy_removed", name)
	return nil
}

func (e *Engine) recordAdmin(ctx context.Context, principal authz.Principal, eventType, policy string) {
	ev := activity.NewSystemEvent(eventType, activity.CategoryAdmin, "retention", "completed", activity.Metadata{
		"policy":      activity.String(policy),
		"requestedBy": activity.String(principal.String()),
	}, e.now())
	if err := e.store.AppendSystemEvent(ctx, ev); err != nil {
		e.logger.WithError(err).WithField("event_type", eventType).Warn("failed to record policy change")
	}
}

// EmergencyPurge deletes every record in every store older than the cutoff,
// ignoring policies. It is refused outright, touching nothing, unless the
// principal is a super admin and the confirmation phrase matches exactly. The
// request and its outcome are each recorded as SECURITY_EVENT system events;
// if the request cannot be recorded the purge does not run.
func (e *Engine) EmergencyPurge(ctx context.Context, principal authz.Principal, req PurgeRequest) (*PurgeResult, error) {
	log := e.logger.WithField("requested_by", principal.String())
	if !principal.IsSuperAdmin() {
		e.metrics.PurgesTotal.WithLabelValues("refused").Inc()
		log.Warn("emergency purge refused: insufficient privilege")
		return nil, &activity.DestructiveOperationError{Reason: "requires super_admin"}
	}
	if req.Confirm != ConfirmPurgePhrase {
		e.metrics.PurgesTotal.WithLabelValues("refused").Inc()
		log.Warn("emergency purge refused: confirmation mismatch")
		return nil, &activity.DestructiveOperationError{Reason: "confirmation phrase does not match"}
	}
	if req.OlderThanDays < 1 {
		e.metrics.PurgesTotal.WithLabelValues("refused").Inc()
		return nil, activity.NewValidationError("olderThanDays", "must be at least 1")
	}

	now := e.now()
	result := &PurgeResult{
		RequestedBy: principal.String(),
		Cutoff:      now.UTC().AddDate(0, 0, -req.OlderThanDays),
		Deleted:     make(map[storage.Target]int64, len(storage.Targets)),
	}

	requested := e.purgeEvent("requested", result, nil, now)
	if err := e.store.AppendSystemEvent(ctx, requested); err != nil {
		e.metrics.PurgesTotal.WithLabelValues("refused").Inc()
		return nil, &activity.TransientIngestionError{Op: "audit emergency purge", Err: err}
	}
	result.AuditEvents = append(result.AuditEvents, requested.ID)
	log.WithField("cutoff", result.Cutoff.Format(time.RFC3339)).Warn("emergency purge started")

	var purgeErr error
	for _, target := range storage.Targets {
		n, err := e.store.PurgeBefore(ctx, target, result.Cutoff, e.cfg.BatchSize)
		result.Deleted[target] = n
		if err != nil {
			purgeErr = fmt.Errorf("purge of %s failed: %w", target, err)
			break
		}
	}

	status := "completed"
	if purgeErr != nil {
		status = "failed"
	}
	e.metrics.PurgesTotal.WithLabelValues(status).Inc()

	// the outcome is written even if the caller went away
	done := e.purgeEvent(status, result, purgeErr, e.now())
	done.SourceID = requested.ID
	if err := e.store.AppendSystemEvent(context.WithoutCancel(ctx), done); err != nil {
		log.WithError(err).Error("failed to record emergency purge outcome")
	} else {
		result.AuditEvents = append(result.AuditEvents, done.ID)
	}

	if purgeErr != nil {
		log.WithError(purgeErr).Error("emergency purge failed")
		return result, purgeErr
	}
	log.WithField("deleted", result.Deleted).Warn("emergency purge completed")
	return result, nil
}

func (e *Engine) purgeEvent(status string, r *PurgeResult, err error, now time.Time) activity.SystemEvent {
	payload := activity.Metadata{
		"requestedBy": activity.String(r.RequestedBy),
		"cutoff":      activity.String(r.Cutoff.Format(time.RFC3339)),
	}
	if len(r.Deleted) > 0 {
		counts := make(map[string]activity.Value, len(r.Deleted))
		for t, n := range r.Deleted {
			counts[string(t)] = activity.Int(n)
		}
		payload["deleted"] = activity.Map(counts)
	}
	if err != nil {
		payload["error"] = activity.String(err.Error())
	}
	return activity.NewSystemEvent("retention.emergency_purge", activity.CategorySecurity, "retention", status, payload, now)
}
