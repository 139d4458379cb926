package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/httputil"
)

// MaxBatchItems bounds one ingestion request
const MaxBatchItems = 500

// ItemError reports why one item of a batch was rejected
type ItemError struct {
	Index  int               `json:"index"`
	ID     string            `json:"id,omitempty"`
	Errors map[string]string `json:"errors"`
}

// IngestResponse summarizes a batch
type IngestResponse struct {
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []ItemError `json:"rejected,omitempty"`
}

// ingestBatch handles POST /api/v1/activity/batch. Items are validated one by
// one; valid items are stored even when others are rejected. Ids seen
// recently are skipped so client retries do not double count.
func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var items []json.RawMessage
	if !httputil.ParseJSONOrError(w, r, &items) {
		return
	}
	if len(items) == 0 {
		httputil.WriteServiceError(w, s.logger, activity.NewValidationError("body", "batch is empty"))
		return
	}
	if len(items) > MaxBatchItems {
		httputil.WriteServiceError(w, s.logger, activity.NewValidationError("body", "batch exceeds "+strconv.Itoa(MaxBatchItems)+" items"))
		return
	}

	principal := authz.FromContext(ctx)
	now := time.Now()
	resp := IngestResponse{}
	accepted := make([]activity.ActivityRecord, 0, len(items))
	inBatch := make(map[string]bool, len(items))

	for i, raw := range items {
		var rec activity.ActivityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			resp.Rejected = append(resp.Rejected, ItemError{Index: i, Errors: map[string]string{"body": err.Error()}})
			continue
		}
		rec.Normalize(now)
		// identity comes from the caller, never from the payload
		if principal.Authenticated() {
			rec.UserID = activity.StringPtr(principal.UserID)
		} else {
			rec.UserID = nil
		}
		if err := rec.Validate(); err != nil {
			item := ItemError{Index: i, ID: rec.ID, Errors: map[string]string{"record": err.Error()}}
			var verr *activity.ValidationError
			if errors.As(err, &verr) {
				item.Errors = verr.Fields
			}
			resp.Rejected = append(resp.Rejected, item)
			continue
		}
		if inBatch[rec.ID] || s.seen.Contains(rec.ID) {
			resp.Duplicates++
			continue
		}
		inBatch[rec.ID] = true
		accepted = append(accepted, rec)
	}

	s.metrics.IngestRecordsTotal.WithLabelValues("rejected").Add(float64(len(resp.Rejected)))
	s.metrics.IngestRecordsTotal.WithLabelValues("duplicate").Add(float64(resp.Duplicates))

	if len(accepted) > 0 {
		if err := s.writer.AppendActivities(ctx, accepted); err != nil {
			s.metrics.IngestRecordsTotal.WithLabelValues("error").Add(float64(len(accepted)))
			httputil.WriteServiceError(w, s.logger, &activity.TransientIngestionError{Op: "ingest", Err: err})
			return
		}
		for i := range accepted {
			s.seen.Add(accepted[i].ID, struct{}{})
		}
		s.metrics.IngestRecordsTotal.WithLabelValues("accepted").Add(float64(len(accepted)))
	}
	resp.Accepted = len(accepted)

	status := http.StatusOK
	if resp.Accepted == 0 && resp.Duplicates == 0 {
		status = http.StatusBadRequest
	}
	httputil.WriteJSON(w, status, resp)
}
