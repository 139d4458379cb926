package activity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the verb describing what an activity did
type Action string

const (
	ActionRead        Action = "READ"
	ActionCreate      Action = "CREATE"
	ActionUpdate      Action = "UPDATE"
	ActionDelete      Action = "DELETE"
	ActionLogin       Action = "LOGIN"
	ActionLogout      Action = "LOGOUT"
	ActionExport      Action = "EXPORT"
	ActionCustom      Action = "CUSTOM"
	ActionSystemError Action = "SYSTEM_ERROR"
)

var knownActions = map[Action]bool{
	ActionRead:        true,
	ActionCreate:      true,
	ActionUpdate:      true,
	ActionDelete:      true,
	ActionLogin:       true,
	ActionLogout:      true,
	ActionExport:      true,
	ActionCustom:      true,
	ActionSystemError: true,
}

// Valid reports whether the action is one of the known verbs
func (a Action) Valid() bool {
	return knownActions[a]
}

// Severity is the ordered importance of an activity
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every severity in ascending order
var Severities = []Severity{SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical}

// Rank returns the position of the severity in the DEBUG..CRITICAL order,
// or -1 for an unknown value.
func (s Severity) Rank() int {
	for i, known := range Severities {
		if known == s {
			return i
		}
	}
	return -1
}

// Valid reports whether the severity is known
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// IsImmediate reports whether events of this severity skip client-side batching
func (s Severity) IsImmediate() bool {
	return s.AtLeast(SeverityError)
}

// SeveritiesAtLeast returns every severity at or above min
func SeveritiesAtLeast(min Severity) []Severity {
	out := make([]Severity, 0, len(Severities))
	for _, s := range Severities {
		if s.AtLeast(min) {
			out = append(out, s)
		}
	}
	return out
}

// ActivityRecord is one observed action. Records are append-only; only the
// retention engine removes them.
type ActivityRecord struct {
	ID          string    `json:"id"`
	UserID      *string   `json:"userId,omitempty"`
	SessionID   *string   `json:"sessionId,omitempty"`
	Action      Action    `json:"action"`
	Resource    string    `json:"resource"`
	ResourceID  *string   `json:"resourceId,omitempty"`
	Method      *string   `json:"method,omitempty"`
	Endpoint    *string   `json:"endpoint,omitempty"`
	StatusCode  *int      `json:"statusCode,omitempty"`
	DurationMs  *int64    `json:"duration,omitempty"`
	Description string    `json:"description,omitempty"`
	Severity    Severity  `json:"severity"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Normalize fills server-assigned fields that a producer may leave empty
func (r *ActivityRecord) Normalize(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now.UTC()
	} else {
		r.Timestamp = r.Timestamp.UTC()
	}
	if r.Severity == "" {
		r.Severity = SeverityInfo
	}
	r.Action = Action(strings.ToUpper(string(r.Action)))
	r.Severity = Severity(strings.ToUpper(string(r.Severity)))
}

// Validate checks the record and returns a *ValidationError with per-field detail
func (r *ActivityRecord) Validate() error {
	fields := map[string]string{}
	if r.ID == "" {
		fields["id"] = "required"
	}
	if !r.Action.Valid() {
		fields["action"] = fmt.Sprintf("unknown action %q", r.Action)
	}
	if strings.TrimSpace(r.Resource) == "" {
		fields["resource"] = "required"
	} else if len(r.Resource) > 100 {
		fields["resource"] = "must be at most 100 characters"
	}
	if !r.Severity.Valid() {
		fields["severity"] = fmt.Sprintf("unknown severity %q", r.Severity)
	}
	if r.StatusCode != nil && (*r.StatusCode < 100 || *r.StatusCode > 599) {
		fields["statusCode"] = "must be between 100 and 599"
	}
	if r.DurationMs != nil && *r.DurationMs < 0 {
		fields["duration"] = "must not be negative"
	}
	if r.Timestamp.IsZero() {
		fields["timestamp"] = "required"
	}
	for i, tag := range r.Tags {
		if strings.TrimSpace(tag) == "" {
			fields[fmt.Sprintf("tags[%d]", i)] = "must not be empty"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// EventCategory groups system events
type EventCategory string

const (
	CategorySecurity EventCategory = "SECURITY_EVENT"
	CategoryAdmin    EventCategory = "ADMIN_ACTION"
	CategoryBatchJob EventCategory = "BATCH_JOB"
	CategorySystem   EventCategory = "SYSTEM"
)

// SystemEvent is a higher-level occurrence with its own lifecycle. It may relate
// to activity records by time or source but is never their child.
type SystemEvent struct {
	ID            string        `json:"id"`
	EventType     string        `json:"eventType"`
	EventCategory EventCategory `json:"eventCategory"`
	Source        string        `json:"source"`
	SourceID      string        `json:"sourceId,omitempty"`
	Payload       Metadata      `json:"payload,omitempty"`
	Status        string        `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
}

// NewSystemEvent builds a system event stamped with now
func NewSystemEvent(eventType string, category EventCategory, source, status string, payload Metadata, now time.Time) SystemEvent {
	return SystemEvent{
		ID:            uuid.NewString(),
		EventType:     eventType,
		EventCategory: category,
		Source:        source,
		Payload:       payload,
		Status:        status,
		Timestamp:     now.UTC(),
	}
}

// Validate checks the event
func (e *SystemEvent) Validate() error {
	fields := map[string]string{}
	if e.ID == "" {
		fields["id"] = "required"
	}
	if e.EventType == "" {
		fields["eventType"] = "required"
	}
	if e.EventCategory == "" {
		fields["eventCategory"] = "required"
	}
	if e.Source == "" {
		fields["source"] = "required"
	}
	if e.Timestamp.IsZero() {
		fields["timestamp"] = "required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Period is the granularity of an aggregation window
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod parses a period name, case-insensitively
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	}
	return "", &ValidationError{Fields: map[string]string{"groupBy": fmt.Sprintf("unknown period %q", s)}}
}

// Truncate returns the start of the window containing t, in UTC. Weeks start on Monday.
func (p Period) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHour:
		return t.Truncate(time.Hour)
	case PeriodWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// End returns the exclusive end of the window starting at start
func (p Period) End(start time.Time) time.Time {
	switch p {
	case PeriodHour:
		return start.Add(time.Hour)
	case PeriodWeek:
		return start.AddDate(0, 0, 7)
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// MetricRow is an aggregated, period-bucketed value. (MetricType, Period,
// PeriodStart) is unique.
type MetricRow struct {
	ID          string    `json:"id"`
	MetricType  string    `json:"metricType"`
	MetricValue float64   `json:"metricValue"`
	MetricUnit  string    `json:"metricUnit,omitempty"`
	Period      Period    `json:"period"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

var metricNamespace = uuid.MustParse("6f1c7a3e-2b7d-4c55-9a37-0d5e3f8a9b21")

// MetricRowID derives a stable id from the unique key of a metric row
func MetricRowID(metricType string, period Period, periodStart time.Time) string {
	key := fmt.Sprintf("%s|%s|%s", metricType, period, periodStart.UTC().Format(time.RFC3339))
	return uuid.NewSHA1(metricNamespace, []byte(key)).String()
}

// ToJSON converts the record to JSON
func (r *ActivityRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
