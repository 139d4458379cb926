package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/observability"
)

// ErrPolicyNotFound is returned when removing or fetching an unknown policy
var ErrPolicyNotFound = fmt.Errorf("retention policy %w", activity.ErrNotFound)

// policyFile is the on-disk layout
type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// PolicyStore holds the configured retention policies. When opened on a file,
// every change is written back and external edits are picked up by Watch.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
	path     string
	lastData []byte
	logger   *observability.Logger
}

// NewPolicyStore creates an in-memory store seeded with policies
func NewPolicyStore(policies ...Policy) (*PolicyStore, error) {
	s := &PolicyStore{
		policies: make(map[string]Policy, len(policies)),
		logger:   observability.NewNopLogger(),
	}
	if err := s.replace(policies); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPolicyFile loads policies from path. A missing file is created from
// defaults.
func OpenPolicyFile(path string, defaults []Policy, logger *observability.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &PolicyStore{
		policies: map[string]Policy{},
		path:     filepath.Clean(path),
		logger:   logger.WithField("component", "retention_policies"),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.replace(defaults); err != nil {
			return nil, err
		}
		if err := s.persistLocked(s.policies); err != nil {
			return nil, err
		}
		s.logger.WithField("path", s.path).Info("created retention policy file from defaults")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policies, err := decodePolicies(data)
	if err != nil {
		return nil, err
	}
	if err := s.replace(policies); err != nil {
		return nil, err
	}
	s.lastData = data
	return s, nil
}

func decodePolicies(data []byte) ([]Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return f.Policies, nil
}

// replace validates policies and swaps them in
func (s *PolicyStore) replace(policies []Policy) error {
	next := make(map[string]Policy, len(policies))
	for i := range policies {
		p := policies[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
		if _, dup := next[p.Name]; dup {
			return activity.NewValidationError("name", fmt.Sprintf("duplicate policy %q", p.Name))
		}
		next[p.Name] = p
	}
	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()
	return nil
}

// Add registers a new policy. Names are unique.
func (s *PolicyStore) Add(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[p.Name]; exists {
		return activity.NewValidationError("name", fmt.Sprintf("policy %q already exists", p.Name))
	}

	next := make(map[string]Policy, len(s.policies)+1)
	for k, v := range s.policies {
		next[k] = v
	}
	next[p.Name] = p
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.policies = next
	return nil
}

// Remove deletes a policy by name
func (s *PolicyStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[name]; !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	next := make(map[string]Policy, len(s.policies))
	for k, v := range s.policies {
		if k != name {
			next[k] = v
		}
	}
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.policies = next
	return nil
}

// Get returns the named policy
func (s *PolicyStore) Get(name string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	return p, ok
}

// List returns every policy sorted by name
func (s *PolicyStore) List() []Policy {
	s.mu.RLock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedPolicies(m map[string]Policy) []Policy {
	out := make([]Policy, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// persistLocked writes policies to the backing file through a rename so a
// concurrent reader never sees a partial file
func (s *PolicyStore) persistLocked(policies map[string]Policy) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(policyFile{Policies: sortedPolicies(policies)})
	if err != nil {
		return fmt.Errorf("failed to encode policies: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace policy file: %w", err)
	}
	s.lastData = data
	return nil
}

// Reload rereads the backing file. An invalid file leaves the current
// policies in place.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	s.mu.RLock()
	unchanged := bytes.Equal(data, s.lastData)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}

	policies, err := decodePolicies(data)
	if err != nil {
		return err
	}
	if err := s.replace(policies); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastData = data
	s.mu.Unlock()
	s.logger.WithField("policies", len(policies)).Info("reloaded retention policies")
	return nil
}

// Watch reloads the policies whenever the backing file changes, until ctx is
// cancelled. The parent directory is watched since editors usually replace
// files instead of writing them in place.
func (s *PolicyStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("policy store has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	// editors emit bursts of events for one save
	const settle = 100 * time.Millisecond
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.logger.WithError(err).Warn("ignoring invalid policy file")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("policy watcher error")
		}
	}
}
