package capture

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/contextkeys"
	"github.com/platinummonkey/beacon/pkg/httputil"
	"github.com/platinummonkey/beacon/pkg/observability"
)

// SessionHeader carries the client session id, when the caller has one
const SessionHeader = "X-Session-ID"

// Config is the static description attached to a wrapped handler
type Config struct {
	// Action defaults to a verb derived from the HTTP method (CUSTOM for Track)
	Action activity.Action
	// Resource is required
	Resource    string
	Description string
	Tags        []string
	// Severity overrides the derived severity when set
	Severity activity.Severity
	// ResourceIDVar names the mux path variable holding the resource id
	ResourceIDVar string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Resource) == "" {
		return fmt.Errorf("capture: resource is required")
	}
	if c.Action != "" && !c.Action.Valid() {
		return fmt.Errorf("capture: unknown action %q", c.Action)
	}
	if c.Severity != "" && !c.Severity.Valid() {
		return fmt.Errorf("capture: unknown severity %q", c.Severity)
	}
	return nil
}

// Recorder accepts finished records without blocking
type Recorder interface {
	Enqueue(rec activity.ActivityRecord) bool
}

// Middleware records one ActivityRecord per wrapped invocation
type Middleware struct {
	recorder Recorder
	logger   *observability.Logger
	now      func() time.Time
}

// NewMiddleware creates a capture middleware feeding recorder
func NewMiddleware(recorder Recorder, logger *observability.Logger) *Middleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Middleware{
		recorder: recorder,
		logger:   logger.WithField("component", "capture"),
		now:      time.Now,
	}
}

// WithTracking wraps next so every request produces exactly one record. The
// response is untouched; a panic in next is recorded as CRITICAL and then
// re-raised. A malformed cfg panics at wiring time.
func (m *Middleware) WithTracking(next http.Handler, cfg Config) http.Handler {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, ok := contextkeys.GetRequestStartTime(r.Context())
		if !ok {
			start = m.now()
			r = r.WithContext(contextkeys.WithRequestStartTime(r.Context(), start))
		}
		rw := httputil.NewStatusRecorder(w)

		panicked := true
		defer func() {
			var panicVal interface{}
			if panicked {
				// nil means the wrapped call exited via runtime.Goexit
				if panicVal = recover(); panicVal == nil {
					panicked = false
				}
			}

			status := rw.Status
			if panicked && !rw.Written() {
				status = http.StatusInternalServerError
			}

			rec := m.newRecord(r.Context(), cfg, start)
			if cfg.Action == "" {
				rec.Action = actionForMethod(r.Method)
			}
			rec.Method = activity.StringPtr(r.Method)
			rec.Endpoint = activity.StringPtr(endpointLabel(r))
			rec.StatusCode = &status
			if cfg.ResourceIDVar != "" {
				rec.ResourceID = activity.StringPtr(mux.Vars(r)[cfg.ResourceIDVar])
			}
			rec.SessionID = activity.StringPtr(r.Header.Get(SessionHeader))
			rec.Metadata.Set("ip", activity.String(clientIP(r)))
			if ua := r.UserAgent(); ua != "" {
				rec.Metadata.Set("userAgent", activity.String(ua))
			}
			rec.Severity = deriveSeverity(cfg.Severity, panicked, nil, status)
			if panicked {
				rec.Metadata.Set("panic", activity.String(fmt.Sprint(panicVal)))
			}
			m.record(rec)

			if panicked {
				panic(panicVal)
			}
		}()

		next.ServeHTTP(rw, r)
		panicked = false
	})
}

// Handler returns WithTracking as a mux middleware
func (m *Middleware) Handler(cfg Config) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return m.WithTracking(next, cfg)
	}
}

// HandlerFunc is a plain request/response function
type HandlerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Track wraps fn so every call produces exactly one record. fn's results are
// returned unchanged and a panic is recorded as CRITICAL before re-raising.
func Track[Req, Resp any](m *Middleware, cfg Config, fn HandlerFunc[Req, Resp]) HandlerFunc[Req, Resp] {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return func(ctx context.Context, req Req) (resp Resp, err error) {
		start := m.now()
		panicked := true
		defer func() {
			var panicVal interface{}
			if panicked {
				// nil means the wrapped call exited via runtime.Goexit
				if panicVal = recover(); panicVal == nil {
					panicked = false
				}
			}

			rec := m.newRecord(ctx, cfg, start)
			if cfg.Action == "" {
				rec.Action = activity.ActionCustom
			}
			rec.Severity = deriveSeverity(cfg.Severity, panicked, err, 0)
			switch {
			case panicked:
				rec.Metadata.Set("panic", activity.String(fmt.Sprint(panicVal)))
			case err != nil:
				rec.Metadata.Set("error", activity.String(err.Error()))
			}
			m.record(rec)

			if panicked {
				panic(panicVal)
			}
		}()

		resp, err = fn(ctx, req)
		panicked = false
		return resp, err
	}
}

func (m *Middleware) newRecord(ctx context.Context, cfg Config, start time.Time) activity.ActivityRecord {
	elapsed := m.now().Sub(start).Milliseconds()
	rec := activity.ActivityRecord{
		Action:      cfg.Action,
		Resource:    cfg.Resource,
		Description: cfg.Description,
		DurationMs:  &elapsed,
		Tags:        append([]string(nil), cfg.Tags...),
		Metadata:    activity.Metadata{},
		Timestamp:   start.UTC(),
	}
	if p := authz.FromContext(ctx); p.Authenticated() {
		rec.UserID = activity.StringPtr(p.UserID)
		rec.Metadata.Set("role", activity.String(string(p.Role)))
	} else {
		rec.Metadata.Set("anonymous", activity.Bool(true))
	}
	if reqID := contextkeys.GetRequestID(ctx); reqID != "" {
		rec.Metadata.Set("requestId", activity.String(reqID))
	}
	return rec
}

func (m *Middleware) record(rec activity.ActivityRecord) {
	rec.Normalize(m.now())
	if !m.recorder.Enqueue(rec) {
		m.logger.WithField("action", rec.Action).Debug("capture queue closed, record discarded")
	}
}

// deriveSeverity applies: override, then panic, then error or 5xx, then 4xx
func deriveSeverity(override activity.Severity, panicked bool, err error, status int) activity.Severity {
	switch {
	case override != "":
		return override
	case panicked:
		return activity.SeverityCritical
	case err != nil || status >= 500:
		return activity.SeverityError
	case status >= 400:
		return activity.SeverityWarn
	default:
		return activity.SeverityInfo
	}
}

func actionForMethod(method string) activity.Action {
	switch method {
	case http.MethodGet, http.MethodHead:
		return activity.ActionRead
	case http.MethodPost:
		return activity.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return activity.ActionUpdate
	case http.MethodDelete:
		return activity.ActionDelete
	default:
		return activity.ActionCustom
	}
}

func endpointLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
