package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
)

func benchRecords(n int, base time.Time) []activity.ActivityRecord {
	recs := make([]activity.ActivityRecord, n)
	for i := range recs {
		recs[i] = activity.ActivityRecord{
			ID:        fmt.Sprintf("bench-%d", i),
			UserID:    activity.StringPtr(fmt.Sprintf("user-%d", i%50)),
			Action:    activity.ActionRead,
			Resource:  "booking",
			Severity:  activity.SeverityInfo,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return recs
}

// BenchmarkAppendActivities benchmarks batched appends of 100 records
func BenchmarkAppendActivities(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batch := benchRecords(100, base)
		for j := range batch {
			batch[j].ID = fmt.Sprintf("bench-%d-%d", i, j)
		}
		if err := store.AppendActivities(ctx, batch); err != nil {
			b.Fatalf("append failed: %v", err)
		}
	}
}

// BenchmarkBucketActivity benchmarks hourly bucketing over a week of records
func BenchmarkBucketActivity(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.AppendActivities(ctx, benchRecords(7*24*60, base)); err != nil {
		b.Fatalf("seed failed: %v", err)
	}
	filter := ActivityFilter{From: base, To: base.AddDate(0, 0, 7)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.BucketActivity(ctx, filter, activity.PeriodHour); err != nil {
			b.Fatalf("bucket failed: %v", err)
		}
	}
}
