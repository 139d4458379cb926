package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

const (
	// DefaultRange is the look-back used when no start date is given
	DefaultRange = 7 * 24 * time.Hour

	// MaxBuckets bounds the number of windows a single query may return
	MaxBuckets = 2000

	// DefaultCacheTTL is how long a cached result is served
	DefaultCacheTTL = time.Minute

	// DefaultEndStep rounds a defaulted end date up so repeated queries within
	// the same step share a cache entry
	DefaultEndStep = time.Minute
)

// Scope describes whose activity a result covers
type Scope string

const (
	ScopeSelf   Scope = "self"
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
)

// Filter selects the range and granularity of an analytics query. Zero values
// take the defaults: EndDate now (rounded up to the minute), StartDate seven
// days earlier, GroupBy day.
type Filter struct {
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
	GroupBy   activity.Period `json:"groupBy"`
	UserID    *string         `json:"userId,omitempty"`
	// Refresh skips the cached result; the fresh one replaces it
	Refresh bool `json:"-"`
}

// Bucket is one period window of a result
type Bucket struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Total         int64     `json:"total"`
	Errors        int64     `json:"errors"`
	UniqueUsers   int64     `json:"uniqueUsers"`
	AvgDurationMs float64   `json:"avgDurationMs"`
}

// Totals summarizes the whole range
type Totals struct {
	Total         int64   `json:"total"`
	Errors        int64   `json:"errors"`
	ErrorRate     float64 `json:"errorRate"`
	UniqueUsers   int64   `json:"uniqueUsers"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// Result is the answer to QueryAnalytics. Filter holds the effective filter
// after defaults and scoping were applied.
type Result struct {
	Filter     Filter           `json:"filter"`
	Scope      Scope            `json:"scope"`
	Buckets    []Bucket         `json:"buckets"`
	Totals     Totals           `json:"totals"`
	BySeverity map[string]int64 `json:"bySeverity"`
	ByAction   map[string]int64 `json:"byAction"`
}

// Engine answers read-only analytics queries over the event store
type Engine struct {
	reader   storage.Reader
	cache    Cache
	cacheTTL time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	group    singleflight.Group
}

// NewEngine creates an engine reading from reader. Results are not cached
// until WithCache is called.
func NewEngine(reader storage.Reader, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if metrics == nil {
		metrics = observability.NewDiscardMetrics()
	}
	return &Engine{
		reader:   reader,
		cacheTTL: DefaultCacheTTL,
		logger:   logger.WithField("component", "analytics"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithCache enables result caching. A non-positive ttl keeps the default.
func (e *Engine) WithCache(cache Cache, ttl time.Duration) *Engine {
	e.cache = cache
	if ttl > 0 {
		e.cacheTTL = ttl
	}
	return e
}

// InvalidateCache drops cached results, e.g. after records were deleted
func (e *Engine) InvalidateCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Invalidate(ctx)
}

// QueryAnalytics returns bucketed activity for the filter. Unprivileged callers
// only ever see their own activity, whatever user the filter names.
func (e *Engine) QueryAnalytics(ctx context.Context, p authz.Principal, f Filter) (*Result, error) {
	res, err := e.queryAnalytics(ctx, p, f)
	e.metrics.AnalyticsQueriesTotal.WithLabelValues("analytics", statusLabel(err)).Inc()
	return res, err
}

func (e *Engine) queryAnalytics(ctx context.Context, p authz.Principal, f Filter) (*Result, error) {
	f, err := e.resolveFilter(f)
	if err != nil {
		return nil, err
	}
	scope, userID, err := resolveScope(p, f.UserID)
	if err != nil {
		return nil, err
	}
	f.UserID = userID

	key, err := cacheKey("analytics", scope, f)
	if err != nil {
		return nil, err
	}

	flight := key
	if f.Refresh {
		flight = "refresh:" + key
	}
	v, err, _ := e.group.Do(flight, func() (interface{}, error) {
		if !f.Refresh {
			if cached, ok := e.lookup(ctx, key); ok {
				return cached, nil
			}
		}
		res, err := e.compute(ctx, scope, f)
		if err != nil {
			return nil, err
		}
		e.store(ctx, key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (e *Engine) resolveFilter(f Filter) (Filter, error) {
	if f.EndDate.IsZero() {
		f.EndDate = e.defaultEnd()
	}
	if f.StartDate.IsZero() {
		f.StartDate = f.EndDate.Add(-DefaultRange)
	}
	f.StartDate = f.StartDate.UTC()
	f.EndDate = f.EndDate.UTC()
	if f.GroupBy == "" {
		f.GroupBy = activity.PeriodDay
	} else {
		period, err := activity.ParsePeriod(string(f.GroupBy))
		if err != nil {
			return f, err
		}
		f.GroupBy = period
	}

	if f.StartDate.After(f.EndDate) {
		return f, activity.NewValidationError("startDate", "must not be after endDate")
	}
	if n := len(windows(f.GroupBy, f.StartDate, f.EndDate, MaxBuckets+1)); n > MaxBuckets {
		return f, activity.NewValidationError("groupBy",
			fmt.Sprintf("range spans more than %d %s windows", MaxBuckets, f.GroupBy))
	}
	return f, nil
}

// defaultEnd is now rounded up to the next DefaultEndStep boundary
func (e *Engine) defaultEnd() time.Time {
	now := e.now().UTC()
	end := now.Truncate(DefaultEndStep)
	if end.Before(now) {
		end = end.Add(DefaultEndStep)
	}
	return end
}

// resolveScope applies the visibility rule and returns the user id to filter on
func resolveScope(p authz.Principal, requested *string) (Scope, *string, error) {
	if !p.Privileged() {
		if !p.Authenticated() {
			return "", nil, &activity.AuthorizationError{Reason: "analytics require an authenticated user"}
		}
		self := p.UserID
		return ScopeSelf, &self, nil
	}
	if requested == nil || *requested == "" {
		return ScopeSystem, nil, nil
	}
	if *requested == p.UserID {
		return ScopeSelf, requested, nil
	}
	return ScopeUser, requested, nil
}

// windows lists the starts of every period window touching [start, end], at
// most limit of them. There is always at least one.
func windows(period activity.Period, start, end time.Time, limit int) []time.Time {
	var out []time.Time
	w := period.Truncate(start)
	for {
		out = append(out, w)
		w = period.End(w)
		if !w.Before(end) || len(out) >= limit {
			return out
		}
	}
}

func (e *Engine) compute(ctx context.Context, scope Scope, f Filter) (*Result, error) {
	sf := storage.ActivityFilter{From: f.StartDate, To: f.EndDate, UserID: f.UserID}

	var (
		counts      []storage.BucketCount
		uniqueUsers int64
		avgDuration float64
		bySeverity  []storage.GroupStat
		byAction    []storage.GroupStat
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counts, err = e.reader.BucketActivity(gctx, sf, f.GroupBy)
		return err
	})
	g.Go(func() (err error) {
		uniqueUsers, err = e.reader.CountDistinct(gctx, sf, storage.DistinctUsers)
		return err
	})
	g.Go(func() (err error) {
		avgDuration, err = e.reader.AverageDuration(gctx, sf)
		return err
	})
	g.Go(func() (err error) {
		bySeverity, err = e.reader.GroupActivities(gctx, sf, storage.GroupBySeverity, 0)
		return err
	})
	g.Go(func() (err error) {
		byAction, err = e.reader.GroupActivities(gctx, sf, storage.GroupByAction, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analytics query: %w", err)
	}

	byStart := make(map[int64]storage.BucketCount, len(counts))
	for _, c := range counts {
		byStart[c.Start.Unix()] = c
	}

	res := &Result{
		Filter:     f,
		Scope:      scope,
		BySeverity: make(map[string]int64, len(activity.Severities)),
		ByAction:   make(map[string]int64, len(byAction)),
	}
	for _, start := range windows(f.GroupBy, f.StartDate, f.EndDate, MaxBuckets) {
		b := Bucket{Start: start, End: f.GroupBy.End(start)}
		if c, ok := byStart[start.Unix()]; ok {
			b.Total = c.Total
			b.Errors = c.Errors
			b.UniqueUsers = c.UniqueUsers
			b.AvgDurationMs = c.AvgDurationMs
		}
		res.Totals.Total += b.Total
		res.Totals.Errors += b.Errors
		res.Buckets = append(res.Buckets, b)
	}
	res.Totals.UniqueUsers = uniqueUsers
	res.Totals.AvgDurationMs = avgDuration
	res.Totals.ErrorRate = percent(res.Totals.Errors, res.Totals.Total)

	for _, s := range activity.Severities {
		res.BySeverity[string(s)] = 0
	}
	for _, s := range bySeverity {
		res.BySeverity[s.Key] = s.Count
	}
	for _, a := range byAction {
		res.ByAction[a.Key] = a.Count
	}
	return res, nil
}

func (e *Engine) lookup(ctx context.Context, key string) (*Result, bool) {
	if e.cache == nil {
		return nil, false
	}
	var res Result
	hit, err := e.cache.Get(ctx, key, &res)
	if err != nil {
		e.logger.WithError(err).Warn("analytics cache read failed")
		e.metrics.AnalyticsCacheTotal.WithLabelValues("error").Inc()
		return nil, false
	}
	if !hit {
		e.metrics.AnalyticsCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	e.metrics.AnalyticsCacheTotal.WithLabelValues("hit").Inc()
	return &res, true
}

func (e *Engine) store(ctx context.Context, key string, v interface{}) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, key, v, e.cacheTTL); err != nil {
		e.logger.WithError(err).Warn("analytics cache write failed")
	}
}

// cacheKey hashes the scope and the effective filter
func cacheKey(kind string, scope Scope, v interface{}) (string, error) {
	data, err := json.Marshal(struct {
		Scope Scope       `json:"scope"`
		Value interface{} `json:"value"`
	}{scope, v})
	if err != nil {
		return "", fmt.Errorf("failed to build cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return kind + ":" + hex.EncodeToString(sum[:16]), nil
}

func percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
