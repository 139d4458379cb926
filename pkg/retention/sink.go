package retention

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/beacon/pkg/storage"
)

// ErrNoArchiveSink is returned by NopSink. Policies that require an archive
// fail loudly instead of deleting unarchived records.
var ErrNoArchiveSink = errors.New("no archive sink configured")

// ArchiveSink persists a batch before it is deleted. Archive must not return
// nil unless the batch is durably stored.
type ArchiveSink interface {
	// Archive stores batch under the policy's namespace and returns where it went
	Archive(ctx context.Context, policy string, batch *storage.Batch) (string, error)
}

// NopSink refuses every batch
type NopSink struct{}

func (NopSink) Archive(context.Context, string, *storage.Batch) (string, error) {
	return "", ErrNoArchiveSink
}

// encodeBatch renders a batch as gzip-compressed NDJSON, one record per line
func encodeBatch(batch *storage.Batch) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, item := range batch.Items() {
		if err := enc.Encode(item); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

// objectName is the relative path of one archived batch
func objectName(policy string, batch *storage.Batch, now time.Time) string {
	return filepath.ToSlash(filepath.Join(
		string(batch.Target),
		policy,
		now.UTC().Format("2006/01/02"),
		fmt.Sprintf("%s-%s.ndjson.gz", now.UTC().Format("150405"), uuid.NewString()),
	))
}

// FileSink writes each batch to its own file under a root directory
type FileSink struct {
	root string
	now  func() time.Time
}

// NewFileSink creates a sink rooted at dir, creating it if needed
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSink{root: dir, now: time.Now}, nil
}

func (s *FileSink) Archive(ctx context.Context, policy string, batch *storage.Batch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := encodeBatch(batch)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.root, filepath.FromSlash(objectName(policy, batch, s.now())))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp := path + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	return path, nil
}
