package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/async"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// Config tunes a Generator
type Config struct {
	// Workers is how many metric units run concurrently
	Workers int
	// UnitTimeout bounds each unit's compute and upsert
	UnitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = 2 * time.Minute
	}
	return c
}

// RunSummary reports one period rollup
type RunSummary struct {
	Period      activity.Period      `json:"period"`
	PeriodStart time.Time            `json:"periodStart"`
	PeriodEnd   time.Time            `json:"periodEnd"`
	Rows        []activity.MetricRow `json:"rows"`
	Failures    map[string]string    `json:"failures,omitempty"`
	Duration    time.Duration        `json:"duration"`
}

// OK reports whether every unit committed
func (s *RunSummary) OK() bool {
	return len(s.Failures) == 0
}

// Generator turns raw activity into period metric rows. It never schedules
// itself; an external scheduler calls GenerateForDay or GeneratePeriodMetrics.
type Generator struct {
	reader  storage.Reader
	writer  storage.MetricWriter
	events  storage.ActivityWriter
	locker  Locker
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewGenerator creates a generator reading raw records from reader and
// upserting rows through writer
func NewGenerator(reader storage.Reader, writer storage.MetricWriter, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Generator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if metrics == nil {
		metrics = observability.NewDiscardMetrics()
	}
	return &Generator{
		reader:  reader,
		writer:  writer,
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("component", "rollup"),
		metrics: metrics,
	}
}

// WithLocker guards each period with l so replicas do not overlap
func (g *Generator) WithLocker(l Locker) *Generator {
	g.locker = l
	return g
}

// WithEventWriter records a BATCH_JOB system event after every run
func (g *Generator) WithEventWriter(w storage.ActivityWriter) *Generator {
	g.events = w
	return g
}

// GeneratePeriodMetrics computes every metric type for the window of period
// containing periodStart. Each metric type is an independent unit: a failing
// unit is reported in the summary and in the returned *AggregationError while
// the others still commit. Rows are keyed by (type, period, start), so
// re-running the same period overwrites instead of duplicating.
func (g *Generator) GeneratePeriodMetrics(ctx context.Context, period activity.Period, periodStart time.Time) (*RunSummary, error) {
	if _, err := activity.ParsePeriod(string(period)); err != nil {
		return nil, err
	}
	start := period.Truncate(periodStart)
	end := period.End(start)
	log := g.logger.WithFields(map[string]interface{}{
		"period":       period,
		"period_start": start.Format(time.RFC3339),
	})

	if g.locker != nil {
		release, err := g.locker.Acquire(ctx, fmt.Sprintf("%s:%d", period, start.Unix()))
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				log.WithError(err).Warn("failed to release rollup lock")
			}
		}()
	}

	began := time.Now()
	summary := &RunSummary{Period: period, PeriodStart: start, PeriodEnd: end}

	var (
		mu       sync.Mutex
		rows     = make(map[string]activity.MetricRow, len(units))
		failures = map[string]error{}
	)
	errs := async.Batch(ctx, log, units, g.cfg.Workers, "metric units", g.cfg.UnitTimeout, func(ctx context.Context, u unit) error {
		row, err := g.runUnit(ctx, u, period, start, end)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures[u.metricType] = err
			g.metrics.RollupUnitsTotal.WithLabelValues(string(period), u.metricType, "error").Inc()
			return fmt.Errorf("%s: %w", u.metricType, err)
		}
		rows[u.metricType] = row
		g.metrics.RollupUnitsTotal.WithLabelValues(string(period), u.metricType, "ok").Inc()
		return nil
	})

	// a unit can also fail without reporting, e.g. a panic or a pool refusal
	for _, u := range units {
		_, done := rows[u.metricType]
		_, failed := failures[u.metricType]
		if !done && !failed {
			failures[u.metricType] = unitLost(errs)
		}
	}

	for _, u := range units {
		if row, ok := rows[u.metricType]; ok {
			summary.Rows = append(summary.Rows, row)
		}
	}
	summary.Duration = time.Since(began)
	g.metrics.RollupDuration.WithLabelValues(string(period)).Observe(summary.Duration.Seconds())

	var runErr error
	if len(failures) > 0 {
		summary.Failures = make(map[string]string, len(failures))
		for k, err := range failures {
			summary.Failures[k] = err.Error()
		}
		runErr = &activity.AggregationError{Units: failures}
		log.WithError(runErr).WithField("committed", len(summary.Rows)).Warn("rollup finished with failures")
	} else {
		log.WithField("rows", len(summary.Rows)).Info("rollup complete")
	}

	g.recordRun(ctx, summary)
	return summary, runErr
}

func (g *Generator) runUnit(ctx context.Context, u unit, period activity.Period, start, end time.Time) (activity.MetricRow, error) {
	value, err := u.compute(ctx, g.reader, start, end)
	if err != nil {
		return activity.MetricRow{}, fmt.Errorf("compute failed: %w", err)
	}
	row := activity.MetricRow{
		ID:          activity.MetricRowID(u.metricType, period, start),
		MetricType:  u.metricType,
		MetricValue: value,
		MetricUnit:  u.metricUnit,
		Period:      period,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if err := g.writer.UpsertMetric(ctx, row); err != nil {
		return activity.MetricRow{}, fmt.Errorf("upsert failed: %w", err)
	}
	return row, nil
}

func unitLost(errs []error) error {
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return errors.New("unit did not complete")
}

func (g *Generator) recordRun(ctx context.Context, s *RunSummary) {
	if g.events == nil {
		return
	}
	status := "completed"
	if !s.OK() {
		status = "partial"
	}
	payload := activity.Metadata{
		"period":      activity.String(string(s.Period)),
		"periodStart": activity.String(s.PeriodStart.Format(time.RFC3339)),
		"rows":        activity.Int(int64(len(s.Rows))),
		"durationMs":  activity.Int(s.Duration.Milliseconds()),
	}
	if !s.OK() {
		failed := make(map[string]activity.Value, len(s.Failures))
		for k, v := range s.Failures {
			failed[k] = activity.String(v)
		}
		payload["failures"] = activity.Map(failed)
	}
	ev := activity.NewSystemEvent("metrics.rollup", activity.CategoryBatchJob, "rollup", status, payload, time.Now())
	ev.SourceID = fmt.Sprintf("%s:%s", s.Period, s.PeriodStart.Format(time.RFC3339))
	if err := g.events.AppendSystemEvent(ctx, ev); err != nil {
		g.logger.WithError(err).Warn("failed to record rollup run")
	}
}

// GenerateForDay rolls up the completed UTC day containing day. When that day
// closes a week (Sunday) or a month (its last day), the week or month is rolled
// up too, so a scheduler calling this with yesterday's date covers every period.
// Summaries are returned for every period attempted; unit failures across
// periods are merged into one *AggregationError keyed "period/metric_type".
func (g *Generator) GenerateForDay(ctx context.Context, day time.Time) ([]*RunSummary, error) {
	start := activity.PeriodDay.Truncate(day)
	periods := []activity.Period{activity.PeriodDay}
	next := start.AddDate(0, 0, 1)
	if next.Weekday() == time.Monday {
		periods = append(periods, activity.PeriodWeek)
	}
	if next.Day() == 1 {
		periods = append(periods, activity.PeriodMonth)
	}

	var (
		summaries []*RunSummary
		merged    = map[string]error{}
	)
	for _, p := range periods {
		s, err := g.GeneratePeriodMetrics(ctx, p, start)
		if s != nil {
			summaries = append(summaries, s)
		}
		if err == nil {
			continue
		}
		var aggErr *activity.AggregationError
		if !errors.As(err, &aggErr) {
			return summaries, fmt.Errorf("%s rollup: %w", p, err)
		}
		for k, v := range aggErr.Units {
			merged[string(p)+"/"+k] = v
		}
	}
	if len(merged) > 0 {
		return summaries, &activity.AggregationError{Units: merged}
	}
	return summaries, nil
}

// FailedUnits returns the failed metric types of a summary, sorted
func (s *RunSummary) FailedUnits() []string {
	out := make([]string, 0, len(s.Failures))
	for k := range s.Failures {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
