// Package persist writes file content to durable storage and mirrors it into
// the metadata repository. The two writes are independent failure domains.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metadata"
	"github.com/fruitsalade/fruitsalade/livesync/internal/retry"
	"github.com/fruitsalade/fruitsalade/livesync/internal/storage"
)

var (
	// ErrTotalFailure means the storage write failed. Durable state is
	// unchanged.
	ErrTotalFailure = errors.New("persist failed")

	// ErrPartialFailure means content reached storage but the metadata
	// repository is stale.
	ErrPartialFailure = errors.New("persisted to storage but metadata update failed")
)

// Repository is the metadata side of a persist. *metadata.Store satisfies it.
type Repository interface {
	UpsertDocument(ctx context.Context, d metadata.Document) error
}

// Outcome reports each sub-write separately.
type Outcome struct {
	ID          fileid.ID
	StorageErr  error
	MetadataErr error
	Timestamp   time.Time
}

// OK reports whether content reached durable storage.
func (o Outcome) OK() bool { return o.StorageErr == nil }

// Partial reports whether storage succeeded while the metadata write failed.
func (o Outcome) Partial() bool { return o.StorageErr == nil && o.MetadataErr != nil }

// Err folds the outcome into a single error, nil when both writes succeeded.
// A storage failure dominates.
func (o Outcome) Err() error {
	switch {
	case o.StorageErr != nil:
		return fmt.Errorf("%w: %s: %w", ErrTotalFailure, o.ID, o.StorageErr)
	case o.MetadataErr != nil:
		return fmt.Errorf("%w: %s: %w", ErrPartialFailure, o.ID, o.MetadataErr)
	default:
		return nil
	}
}

// Label returns "success", "partial" or "error" for metrics.
func (o Outcome) Label() string {
	switch {
	case o.StorageErr != nil:
		return "error"
	case o.MetadataErr != nil:
		return "partial"
	default:
		return "success"
	}
}

// Sink persists file content.
type Sink struct {
	backend storage.Backend
	repo    Repository
	retry   retry.Config
	now     func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithRepository enables the metadata write. Without it only storage is
// written.
func WithRepository(repo Repository) Option {
	return func(s *Sink) { s.repo = repo }
}

// WithRetry overrides the retry policy for metadata writes.
func WithRetry(cfg retry.Config) Option {
	return func(s *Sink) { s.retry = cfg }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// New creates a Sink writing to backend.
func New(backend storage.Backend, opts ...Option) *Sink {
	s := &Sink{
		backend: backend,
		retry:   retry.DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the storage backend.
func (s *Sink) Backend() storage.Backend { return s.backend }

// Persist writes content for id to storage, then upserts its metadata row.
// Both writes are always attempted. Persist is safe to repeat with the same
// input.
func (s *Sink) Persist(ctx context.Context, id fileid.ID, content, language string) Outcome {
	out := Outcome{ID: id, Timestamp: s.now()}

	out.StorageErr = s.backend.PutObject(ctx, id.Key(), strings.NewReader(content), int64(len(content)))
	if out.StorageErr != nil {
		logging.Error("storage write failed",
			logging.File(id.String()),
			zap.String("backend", s.backend.Type()),
			zap.Error(out.StorageErr))
	}

	if s.repo != nil {
		if language == "" {
			language = id.Language()
		}
		doc := metadata.Document{
			Title:     id.Name(),
			Path:      id.String(),
			Content:   content,
			Language:  language,
			UpdatedAt: out.Timestamp,
		}
		out.MetadataErr = retry.Do(ctx, s.retryConfig(id), func(ctx context.Context) error {
			return retry.Retryable(s.repo.UpsertDocument(ctx, doc))
		})
		if out.MetadataErr != nil {
			logging.Warn("metadata upsert failed",
				logging.File(id.String()),
				zap.Error(out.MetadataErr))
		}
	}

	return out
}

func (s *Sink) retryConfig(id fileid.ID) retry.Config {
	cfg := s.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
			logging.Debug("retrying metadata upsert",
				logging.File(id.String()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
	}
	return cfg
}

// Load reads the durable content of id. A missing object is reported with
// found=false and a nil error.
func (s *Sink) Load(ctx context.Context, id fileid.ID) (string, bool, error) {
	rc, _, err := s.backend.GetObject(ctx, id.Key(), 0, 0)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load %s: %w", id, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", id, err)
	}
	return string(data), true, nil
}
