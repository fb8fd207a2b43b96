package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/logging"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

const (
	lockFileName = ".registry.lock"
	recordExt    = ".json"

	defaultLockRetry = 25 * time.Millisecond
)

// Store keeps one JSON file per agent in a deployments directory.
//
// Writers hold an exclusive file lock on the directory's lock file and readers a
// shared one, so concurrent CLI processes never interleave a read-modify-write.
// Records are written to a temporary file and renamed into place.
type Store struct {
	dir       string
	mu        sync.RWMutex
	logger    *zap.Logger
	now       func() time.Time
	lockRetry time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockRetry sets how often a busy lock is retried.
func WithLockRetry(d time.Duration) Option {
	return func(s *Store) { s.lockRetry = d }
}

// NewStore opens (creating if needed) the deployments directory dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("deployments directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create deployments directory: %w", err)
	}
	s := &Store{
		dir:       dir,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		lockRetry: defaultLockRetry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the deployments directory.
func (s *Store) Dir() string {
	return s.dir
}

// Register persists a new record. Status defaults to initialized and every
// entrypoint gets its transport resolved and validated here, once.
func (s *Store) Register(ctx context.Context, rec *AgentRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if err := ValidateID(rec.AgentID); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = StatusInitialized
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("unknown status %q", rec.Status)
	}
	entrypoints, err := resolveEntrypoints(rec.Entrypoints)
	if err != nil {
		return err
	}
	rec.Entrypoints = entrypoints

	return s.withLock(ctx, true, func() error {
		if _, err := os.Stat(s.path(rec.AgentID)); err == nil {
			return fmt.Errorf("%w: %s", ErrAgentExists, rec.AgentID)
		}
		now := s.now()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if err := s.write(rec); err != nil {
			return err
		}
		s.logger.Debug("agent registered",
			zap.String("agent_id", rec.AgentID),
			zap.String("status", string(rec.Status)))
		return nil
	})
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (*AgentRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var rec *AgentRecord
	err := s.withLock(ctx, false, func() error {
		var err error
		rec, err = s.read(id)
		return err
	})
	return rec, err
}

// Resolve returns the endpoint of id.
func (s *Store) Resolve(ctx context.Context, id string) (Endpoint, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Endpoint{}, err
	}
	return rec.Endpoint(), nil
}

// List returns every readable record ordered by creation time. Unreadable files
// are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*AgentRecord, error) {
	var records []*AgentRecord
	err := s.withLock(ctx, false, func() error {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return fmt.Errorf("failed to read deployments directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
				continue
			}
			id := strings.TrimSuffix(name, recordExt)
			if ValidateID(id) != nil {
				continue
			}
			rec, err := s.read(id)
			if err != nil {
				s.logger.Warn("skipping unreadable agent record",
					zap.String("file", name),
					zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].AgentID < records[j].AgentID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// FindByContentFingerprint returns the oldest record with the given content
// fingerprint, used to recognize duplicate uploads.
func (s *Store) FindByContentFingerprint(ctx context.Context, fingerprint string) (*AgentRecord, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ContentFingerprint == fingerprint {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: no record with content fingerprint %s", ErrAgentNotFound, fingerprint)
}

// UpdateOnStart records where a started agent listens and moves it to deployed.
func (s *Store) UpdateOnStart(ctx context.Context, id, host string, port int) (*AgentRecord, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("host is required")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port %d is out of range", port)
	}
	return s.update(ctx, id, func(rec *AgentRecord) error {
		if err := transition(rec, StatusDeployed); err != nil {
			return err
		}
		now := s.now()
		rec.Host = host
		rec.Port = port
		rec.LastStartedAt = &now
		rec.LastError = ""
		return nil
	})
}

// MarkRunning records that the agent was confirmed reachable.
func (s *Store) MarkRunning(ctx context.Context, id string) (*AgentRecord, error) {
	return s.update(ctx, id, func(rec *AgentRecord) error {
		return transition(rec, StatusRunning)
	})
}

// MarkUploaded records that the agent source was uploaded to the remote server.
func (s *Store) MarkUploaded(ctx context.Context, id string) (*AgentRecord, error) {
	return s.update(ctx, id, func(rec *AgentRecord) error {
		return transition(rec, StatusUploaded)
	})
}

// MarkFailed records a failed start or health check.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (*AgentRecord, error) {
	return s.update(ctx, id, func(rec *AgentRecord) error {
		if err := transition(rec, StatusFailed); err != nil {
			return err
		}
		rec.LastError = reason
		return nil
	})
}

// Reset moves the agent back to initialized and clears its address.
func (s *Store) Reset(ctx context.Context, id string) (*AgentRecord, error) {
	return s.update(ctx, id, func(rec *AgentRecord) error {
		rec.Status = StatusInitialized
		rec.Host = ""
		rec.Port = 0
		rec.LastError = ""
		return nil
	})
}

// UpdateFingerprints stores freshly computed fingerprints.
func (s *Store) UpdateFingerprints(ctx context.Context, id, configFingerprint, contentFingerprint string) (*AgentRecord, error) {
	return s.update(ctx, id, func(rec *AgentRecord) error {
		rec.ConfigFingerprint = configFingerprint
		rec.ContentFingerprint = contentFingerprint
		return nil
	})
}

// UpdateEntrypoints replaces the registered entrypoints, validating them first.
func (s *Store) UpdateEntrypoints(ctx context.Context, id string, entrypoints []manifest.Entrypoint) (*AgentRecord, error) {
	resolved, err := resolveEntrypoints(entrypoints)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *AgentRecord) error {
		rec.Entrypoints = resolved
		return nil
	})
}

// Delete removes the record for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return s.withLock(ctx, true, func() error {
		err := os.Remove(s.path(id))
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		return err
	})
}

func transition(rec *AgentRecord, next Status) error {
	if !rec.Status.CanTransitionTo(next) {
		return &TransitionError{AgentID: rec.AgentID, From: rec.Status, To: next}
	}
	rec.Status = next
	return nil
}

func resolveEntrypoints(entrypoints []manifest.Entrypoint) ([]manifest.Entrypoint, error) {
	resolved := make([]manifest.Entrypoint, 0, len(entrypoints))
	seen := make(map[string]struct{}, len(entrypoints))
	for _, ep := range entrypoints {
		if err := manifest.ValidateEntrypoint(ep); err != nil {
			return nil, fmt.Errorf("invalid entrypoint: %w", err)
		}
		if _, dup := seen[ep.Tag]; dup {
			return nil, fmt.Errorf("invalid entrypoint: duplicate tag %q", ep.Tag)
		}
		seen[ep.Tag] = struct{}{}
		ep.Transport = ep.ResolvedTransport()
		resolved = append(resolved, ep)
	}
	return resolved, nil
}

func (s *Store) update(ctx context.Context, id string, fn func(*AgentRecord) error) (*AgentRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var out *AgentRecord
	err := s.withLock(ctx, true, func() error {
		rec, err := s.read(id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.now()
		if err := s.write(rec); err != nil {
			return err
		}
		s.logger.Debug("agent record updated",
			zap.String("agent_id", id),
			zap.String("status", string(rec.Status)))
		out = rec
		return nil
	})
	return out, err
}

// withLock runs fn while holding the in-process mutex and the file lock.
func (s *Store) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if exclusive {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	fl := flock.New(filepath.Join(s.dir, lockFileName))
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fl.TryLockContext(ctx, s.lockRetry)
	} else {
		locked, err = fl.TryRLockContext(ctx, s.lockRetry)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrLocked, ctx.Err())
		}
		return fmt.Errorf("failed to lock registry: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release registry lock", zap.Error(err))
		}
	}()

	return fn()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

func (s *Store) read(id string) (*AgentRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		return nil, fmt.Errorf("failed to read agent record: %w", err)
	}
	var rec AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse agent record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) write(rec *AgentRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode agent record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.AgentID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary record: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write agent record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync agent record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path(rec.AgentID)); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace agent record: %w", err)
	}
	return nil
}
