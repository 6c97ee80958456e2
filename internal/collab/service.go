// Package collab implements the per-file synchronization state machine:
// edits and patches update the edit cache, re-arm the debounced save and
// fan out to the room; explicit saves go through the file lock.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/livesync/internal/debounce"
	"github.com/fruitsalade/fruitsalade/livesync/internal/editcache"
	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/filelock"
	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/livesync/internal/patch"
	"github.com/fruitsalade/fruitsalade/livesync/internal/persist"
	"github.com/fruitsalade/fruitsalade/livesync/internal/protocol"
	"github.com/fruitsalade/fruitsalade/livesync/internal/retry"
	"github.com/fruitsalade/fruitsalade/livesync/internal/rooms"
)

// ErrNotCached is returned by Save when the file has no cached content.
var ErrNotCached = errors.New("file has no pending content")

// Lock owner used for saves the server starts on its own.
const ownerServer = "server"

// Persist triggers, used as metric labels.
const (
	triggerSave       = "save"
	triggerDebounce   = "debounce"
	triggerDisconnect = "disconnect"
	triggerShutdown   = "shutdown"
)

// Persister writes and loads durable file content. *persist.Sink
// satisfies it.
type Persister interface {
	Persist(ctx context.Context, id fileid.ID, content, language string) persist.Outcome
	Load(ctx context.Context, id fileid.ID) (string, bool, error)
}

// Config holds synchronization timing.
type Config struct {
	DebounceDelay   time.Duration
	CacheRetention  time.Duration
	JanitorInterval time.Duration

	// PersistTimeout bounds a background save started by a timer.
	PersistTimeout time.Duration

	// LockRetry controls how long a disconnect or shutdown flush waits for
	// a concurrent save to release the file lock.
	LockRetry retry.Config
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:   5 * time.Second,
		CacheRetention:  time.Hour,
		JanitorInterval: 5 * time.Minute,
		PersistTimeout:  30 * time.Second,
		LockRetry: retry.Config{
			MaxAttempts: 5,
			InitialWait: 20 * time.Millisecond,
			MaxWait:     500 * time.Millisecond,
			Multiplier:  2,
			Jitter:      0.1,
		},
	}
}

// Service is the synchronization engine. All cache, timer and lock
// mutations for a file go through it.
type Service struct {
	cfg       Config
	cache     *editcache.Cache
	scheduler *debounce.Scheduler
	locks     *filelock.Manager
	rooms     *rooms.Manager
	sink      Persister
	fileMu    *keyedMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithCache replaces the edit cache, e.g. one with a fake clock.
func WithCache(c *editcache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// New creates a Service.
func New(cfg Config, sink Persister, hub *rooms.Manager, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.LockRetry.MaxAttempts == 0 {
		cfg.LockRetry = def.LockRetry
	}

	s := &Service{
		cfg:       cfg,
		cache:     editcache.New(),
		scheduler: debounce.New(),
		locks:     filelock.New(),
		rooms:     hub,
		sink:      sink,
		fileMu:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cache returns the edit cache.
func (s *Service) Cache() *editcache.Cache { return s.cache }

// Locks returns the file lock manager.
func (s *Service) Locks() *filelock.Manager { return s.locks }

// Scheduler returns the debounce scheduler.
func (s *Service) Scheduler() *debounce.Scheduler { return s.scheduler }

// Rooms returns the room manager.
func (s *Service) Rooms() *rooms.Manager { return s.rooms }

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	Sessions     int `json:"sessions"`
	Rooms        int `json:"rooms"`
	CachedFiles  int `json:"cached_files"`
	PendingSaves int `json:"pending_saves"`
}

// Stats reports current counts.
func (s *Service) Stats() Stats {
	return Stats{
		Sessions:     s.rooms.Count(),
		Rooms:        s.rooms.RoomCount(),
		CachedFiles:  s.cache.Len(),
		PendingSaves: len(s.scheduler.Keys()),
	}
}

// Join adds the session to the file's room, warms the cache from storage if
// needed and announces the session to the other members. A session joining
// a file with cached content is sent that content.
func (s *Service) Join(ctx context.Context, sessionID string, id fileid.ID) error {
	joined, err := s.rooms.Join(sessionID, id)
	if err != nil {
		return fmt.Errorf("join %s: %w", id, err)
	}

	if err := s.hydrate(ctx, id); err != nil {
		logging.Warn("hydrate on join failed", logging.File(id.String()), zap.Error(err))
	}

	if entry, ok := s.cache.Get(id); ok {
		s.send(sessionID, protocol.MustNew(protocol.TypeCodeUpdate, protocol.CodeUpdate{
			Code:     entry.Content,
			Language: entry.Language,
		}))
	}

	if joined {
		s.rooms.NotifyPresence(id, protocol.TypeUserJoined, sessionID)
		logging.Debug("session joined file", logging.Session(sessionID), logging.File(id.String()))
	}
	return nil
}

// Leave removes the session from one file's room.
func (s *Service) Leave(_ context.Context, sessionID string, id fileid.ID) {
	if s.rooms.Leave(sessionID, id) {
		s.rooms.NotifyPresence(id, protocol.TypeUserLeft, sessionID)
	}
}

// hydrate loads id from storage into the cache when it is not cached. The
// load runs outside the file mutex; an edit that lands meanwhile wins.
func (s *Service) hydrate(ctx context.Context, id fileid.ID) error {
	if _, ok := s.cache.Get(id); ok {
		return nil
	}

	content, found, err := s.sink.Load(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	unlock := s.fileMu.Lock(id)
	defer unlock()
	if _, ok := s.cache.Get(id); !ok {
		s.cache.Put(id, content, id.Language())
	}
	return nil
}

// Edit replaces the file's content with code, re-arms the debounced save
// and sends the new content to the other members.
func (s *Service) Edit(_ context.Context, sessionID string, id fileid.ID, code, language string) {
	unlock := s.fileMu.Lock(id)
	defer unlock()

	entry := s.cache.Put(id, code, language)
	s.arm(id)
	s.rooms.Broadcast(id, protocol.MustNew(protocol.TypeCodeUpdate, protocol.CodeUpdate{
		Code:     code,
		Language: entry.Language,
		ChangeBy: sessionID,
	}), sessionID)
}

// Patch applies patches to the cached content, re-arms the debounced save
// and forwards the patch set itself to the other members.
func (s *Service) Patch(ctx context.Context, sessionID string, id fileid.ID, patches []patch.Patch, language string) error {
	if err := s.hydrate(ctx, id); err != nil {
		return fmt.Errorf("load %s before patching: %w", id, err)
	}

	unlock := s.fileMu.Lock(id)
	defer unlock()

	base, _ := s.cache.Get(id)
	entry := s.cache.Put(id, patch.Apply(base.Content, patches), language)
	s.arm(id)
	s.rooms.Broadcast(id, protocol.MustNew(protocol.TypeCodePatches, protocol.CodePatches{
		Patches:  patches,
		Language: entry.Language,
		ChangeBy: sessionID,
	}), sessionID)
	return nil
}

// Cursor relays a cursor position to the other members.
func (s *Service) Cursor(sessionID string, id fileid.ID, position json.RawMessage) {
	s.rooms.Broadcast(id, protocol.MustNew(protocol.TypeRemoteCursor, protocol.RemoteCursor{
		Position: position,
		UserID:   sessionID,
	}), sessionID)
}

// Save persists the cached content now. It fails with filelock.ErrBusy
// without touching the pending timer when another save holds the file.
// Otherwise the pending timer is cancelled, and on success the other
// members are told the file was saved.
func (s *Service) Save(ctx context.Context, sessionID string, id fileid.ID) (persist.Outcome, error) {
	if err := s.locks.TryAcquire(id, sessionID); err != nil {
		return persist.Outcome{ID: id, Timestamp: time.Now()}, err
	}
	defer s.locks.Release(id)

	s.scheduler.Cancel(id)

	out, ok := s.write(ctx, id, triggerSave)
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrNotCached, id)
	}
	if out.OK() {
		s.rooms.Broadcast(id, protocol.MustNew(protocol.TypeFileExternallySaved, protocol.FileExternallySaved{
			Path:      id.String(),
			Timestamp: out.Timestamp,
		}), sessionID)
	}
	return out, out.Err()
}

// Disconnect flushes any pending save for the session's files, then removes
// it from every room and tells the remaining members.
func (s *Service) Disconnect(ctx context.Context, sessionID string) {
	for _, id := range s.rooms.Rooms(sessionID) {
		if s.scheduler.Cancel(id) {
			s.flush(ctx, id, triggerDisconnect)
		}
	}

	for _, id := range s.rooms.Unregister(sessionID) {
		s.rooms.NotifyPresence(id, protocol.TypeUserLeft, sessionID)
	}
	logging.Debug("session disconnected", logging.Session(sessionID))
}

// arm (re)starts the debounced save for id. Callers hold the file mutex.
func (s *Service) arm(id fileid.ID) {
	s.scheduler.Schedule(id, s.cfg.DebounceDelay, func() { s.debounced(id) })
}

// debounced is the timer action. It never waits for the lock: if a save is
// running it re-arms and tries again after another quiet period.
func (s *Service) debounced(id fileid.ID) {
	if err := s.locks.TryAcquire(id, ownerServer); err != nil {
		logging.Debug("file busy, deferring save", logging.File(id.String()))
		unlock := s.fileMu.Lock(id)
		if _, ok := s.cache.Get(id); ok {
			s.arm(id)
		}
		unlock()
		return
	}
	defer s.locks.Release(id)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	s.write(ctx, id, triggerDebounce)
}

// flush persists id synchronously, waiting briefly for a concurrent save to
// finish. If the lock stays busy the save is re-armed instead.
func (s *Service) flush(ctx context.Context, id fileid.ID, trigger string) {
	err := retry.Do(ctx, s.cfg.LockRetry, func(context.Context) error {
		return retry.Retryable(s.locks.TryAcquire(id, ownerServer))
	})
	if err != nil {
		logging.Warn("could not flush file, re-arming save",
			logging.File(id.String()), zap.String("trigger", trigger), zap.Error(err))
		if !s.scheduler.Schedule(id, s.cfg.DebounceDelay, func() { s.debounced(id) }) {
			logging.Error("pending edits not persisted", logging.File(id.String()))
		}
		return
	}
	defer s.locks.Release(id)
	s.write(ctx, id, trigger)
}

// write persists the current cache entry for id. Callers hold the file lock.
// It reports false when nothing is cached.
func (s *Service) write(ctx context.Context, id fileid.ID, trigger string) (persist.Outcome, bool) {
	entry, ok := s.cache.Get(id)
	if !ok {
		return persist.Outcome{ID: id, Timestamp: time.Now()}, false
	}

	start := time.Now()
	out := s.sink.Persist(ctx, id, entry.Content, entry.Language)
	metrics.RecordPersist(trigger, out.Label(), time.Since(start))

	if err := out.Err(); err != nil {
		logging.Warn("persist failed",
			logging.File(id.String()),
			zap.String("trigger", trigger),
			zap.Error(err))
	} else {
		logging.Debug("persisted file",
			logging.File(id.String()),
			zap.String("trigger", trigger),
			zap.Int("bytes", len(entry.Content)))
	}
	return out, true
}

func (s *Service) send(sessionID string, msg protocol.Message) {
	if err := s.rooms.Send(sessionID, msg); err != nil {
		logging.Warn("send failed", logging.Session(sessionID), zap.String("type", msg.Type), zap.Error(err))
	}
}

// Start launches the cache janitor. It stops when ctx is cancelled or
// Shutdown is called.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJanitor(ctx)
	}()
}

// Shutdown stops the janitor, persists every file with a pending timer and
// waits for running timer saves. Edits arriving afterwards are not saved.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	pending := s.scheduler.Keys()
	for _, id := range pending {
		if s.scheduler.Cancel(id) {
			s.flush(ctx, id, triggerShutdown)
		}
	}
	s.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		s.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight saves: %w", ctx.Err())
	}

	logging.Info("synchronization service stopped", zap.Int("flushed", len(pending)))
	return nil
}
