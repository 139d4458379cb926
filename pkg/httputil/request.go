package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxBodyBytes bounds JSON request bodies
const MaxBodyBytes = 1 << 20

const dateLayout = "2006-01-02"

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// ParseQueryBool extracts and parses a boolean query parameter
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseTime accepts RFC3339 timestamps or plain YYYY-MM-DD dates (UTC midnight)
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want RFC3339 or YYYY-MM-DD", s)
}

// ParseEndTime parses the end of a range. A plain YYYY-MM-DD date covers the
// whole day, so it becomes the following UTC midnight for use as an
// exclusive bound. RFC3339 timestamps are taken as they are.
func ParseEndTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.AddDate(0, 0, 1), nil
	}
	return ParseTime(s)
}

// ParseQueryTime parses an optional time query parameter. The zero time means absent.
func ParseQueryTime(r *http.Request, key string) (time.Time, error) {
	return parseQueryTime(r, key, ParseTime)
}

// ParseQueryEndTime is ParseQueryTime for the end of a range, see ParseEndTime
func ParseQueryEndTime(r *http.Request, key string) (time.Time, error) {
	return parseQueryTime(r, key, ParseEndTime)
}

func parseQueryTime(r *http.Request, key string, parse func(string) (time.Time, error)) (time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return time.Time{}, nil
	}
	t, err := parse(str)
	if err != nil {
		return time.Time{}, fmt.Errorf("query param %s: %w", key, err)
	}
	return t, nil
}
