package retention

import (
	"fmt"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// Scope narrows which records of a store a policy applies to. Empty lists
// match everything in the target.
type Scope struct {
	Target     storage.Target           `json:"target" yaml:"target"`
	Severities []activity.Severity      `json:"severities,omitempty" yaml:"severities,omitempty"`
	Actions    []activity.Action        `json:"actions,omitempty" yaml:"actions,omitempty"`
	Categories []activity.EventCategory `json:"categories,omitempty" yaml:"categories,omitempty"`
}

// Policy declares how long records in a scope are kept
type Policy struct {
	Name                string `json:"name" yaml:"name"`
	AppliesTo           Scope  `json:"appliesTo" yaml:"applies_to"`
	MaxAgeDays          int    `json:"maxAgeDays" yaml:"max_age_days"`
	ArchiveBeforeDelete bool   `json:"archiveBeforeDelete" yaml:"archive_before_delete"`
	Enabled             bool   `json:"enabled" yaml:"enabled"`
}

// Validate checks the policy
func (p *Policy) Validate() error {
	fields := map[string]string{}
	if p.Name == "" {
		fields["name"] = "required"
	}
	if !p.AppliesTo.Target.Valid() {
		fields["appliesTo.target"] = fmt.Sprintf("unknown store %q", p.AppliesTo.Target)
	}
	if p.MaxAgeDays < 1 {
		fields["maxAgeDays"] = "must be at least 1"
	}
	for _, s := range p.AppliesTo.Severities {
		if !s.Valid() {
			fields["appliesTo.severities"] = fmt.Sprintf("unknown severity %q", s)
		}
	}
	for _, a := range p.AppliesTo.Actions {
		if !a.Valid() {
			fields["appliesTo.actions"] = fmt.Sprintf("unknown action %q", a)
		}
	}
	if p.AppliesTo.Target != storage.TargetActivities {
		if len(p.AppliesTo.Severities) > 0 {
			fields["appliesTo.severities"] = "only applies to activity_records"
		}
		if len(p.AppliesTo.Actions) > 0 {
			fields["appliesTo.actions"] = "only applies to activity_records"
		}
	}
	if p.AppliesTo.Target != storage.TargetSystemEvents && len(p.AppliesTo.Categories) > 0 {
		fields["appliesTo.categories"] = "only applies to system_events"
	}
	if len(fields) > 0 {
		return &activity.ValidationError{Fields: fields}
	}
	return nil
}

// Cutoff is the instant before which records fall under the policy
func (p *Policy) Cutoff(now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -p.MaxAgeDays)
}

// Selector builds the store selector for records eligible at now
func (p *Policy) Selector(now time.Time) storage.Selector {
	return storage.Selector{
		Target:     p.AppliesTo.Target,
		Before:     p.Cutoff(now),
		Severities: p.AppliesTo.Severities,
		Actions:    p.AppliesTo.Actions,
		Categories: p.AppliesTo.Categories,
	}
}

// DefaultPolicies is the set a fresh deployment starts with
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:       "debug-activity",
			AppliesTo:  Scope{Target: storage.TargetActivities, Severities: []activity.Severity{activity.SeverityDebug}},
			MaxAgeDays: 7,
			Enabled:    true,
		},
		{
			Name:       "routine-activity",
			AppliesTo:  Scope{Target: storage.TargetActivities, Severities: []activity.Severity{activity.SeverityInfo, activity.SeverityWarn}},
			MaxAgeDays: 90,
			Enabled:    true,
		},
		{
			Name:                "error-activity",
			AppliesTo:           Scope{Target: storage.TargetActivities, Severities: []activity.Severity{activity.SeverityError, activity.SeverityCritical}},
			MaxAgeDays:          365,
			ArchiveBeforeDelete: true,
			Enabled:             false,
		},
		{
			Name:       "batch-job-events",
			AppliesTo:  Scope{Target: storage.TargetSystemEvents, Categories: []activity.EventCategory{activity.CategoryBatchJob}},
			MaxAgeDays: 30,
			Enabled:    true,
		},
		{
			Name:       "metric-rows",
			AppliesTo:  Scope{Target: storage.TargetMetrics},
			MaxAgeDays: 730,
			Enabled:    true,
		},
	}
}
