package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metadata"
	"github.com/fruitsalade/fruitsalade/livesync/internal/retry"
	"github.com/fruitsalade/fruitsalade/livesync/internal/storage/local"
)

type fakeRepo struct {
	mu    sync.Mutex
	docs  map[string]metadata.Document
	fails int
	calls int
}

func (f *fakeRepo) UpsertDocument(_ context.Context, d metadata.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("connection refused")
	}
	if f.docs == nil {
		f.docs = make(map[string]metadata.Document)
	}
	f.docs[d.Title] = d
	return nil
}

var fastRetry = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}

func newSink(t *testing.T, opts ...Option) (*Sink, string) {
	t.Helper()
	root := t.TempDir()
	backend, err := local.New(local.Config{RootPath: root, CreateDirs: true})
	require.NoError(t, err)
	opts = append([]Option{WithRetry(fastRetry)}, opts...)
	return New(backend, opts...), root
}

func TestPersistWritesStorageAndMetadata(t *testing.T) {
	repo := &fakeRepo{}
	sink, root := newSink(t, WithRepository(repo))
	id := fileid.MustParse("/src/app.js")

	out := sink.Persist(context.Background(), id, "let x=1;", "")
	require.True(t, out.OK())
	assert.False(t, out.Partial())
	assert.NoError(t, out.Err())
	assert.Equal(t, "success", out.Label())
	assert.False(t, out.Timestamp.IsZero())

	data, err := os.ReadFile(filepath.Join(root, "src", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "let x=1;", string(data))

	doc := repo.docs["app.js"]
	assert.Equal(t, "/src/app.js", doc.Path)
	assert.Equal(t, "javascript", doc.Language)
	assert.Equal(t, "let x=1;", doc.Content)
}

func TestPersistRetriesMetadata(t *testing.T) {
	repo := &fakeRepo{fails: 2}
	sink, _ := newSink(t, WithRepository(repo))

	out := sink.Persist(context.Background(), fileid.MustParse("/a.py"), "x = 1", "python")
	assert.NoError(t, out.Err())
	assert.Equal(t, 3, repo.calls)
	assert.Equal(t, "python", repo.docs["a.py"].Language)
}

func TestPersistPartialFailure(t *testing.T) {
	repo := &fakeRepo{fails: 10}
	sink, root := newSink(t, WithRepository(repo))

	out := sink.Persist(context.Background(), fileid.MustParse("/a.txt"), "hello", "")
	assert.True(t, out.OK(), "storage write must not be rolled back")
	assert.True(t, out.Partial())
	assert.ErrorIs(t, out.Err(), ErrPartialFailure)
	assert.NotErrorIs(t, out.Err(), ErrTotalFailure)
	assert.Equal(t, "partial", out.Label())

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPersistTotalFailure(t *testing.T) {
	repo := &fakeRepo{}
	sink, root := newSink(t, WithRepository(repo))

	// A directory where the file should go makes the rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "blocked.txt", "child"), 0755))

	out := sink.Persist(context.Background(), fileid.MustParse("/blocked.txt"), "x", "")
	assert.False(t, out.OK())
	assert.ErrorIs(t, out.Err(), ErrTotalFailure)
	assert.Equal(t, "error", out.Label())
	assert.Equal(t, 1, repo.calls, "metadata write is independent of storage")
}

func TestPersistWithoutRepository(t *testing.T) {
	sink, _ := newSink(t)
	out := sink.Persist(context.Background(), fileid.MustParse("/a.txt"), "x", "")
	assert.NoError(t, out.Err())
	assert.NoError(t, out.MetadataErr)
}

func TestPersistIsIdempotent(t *testing.T) {
	repo := &fakeRepo{}
	sink, root := newSink(t, WithRepository(repo))
	id := fileid.MustParse("/dup.txt")

	for i := 0; i < 2; i++ {
		require.NoError(t, sink.Persist(context.Background(), id, "same", "").Err())
	}
	data, _ := os.ReadFile(filepath.Join(root, "dup.txt"))
	assert.Equal(t, "same", string(data))
	assert.Len(t, repo.docs, 1)
}

func TestLoad(t *testing.T) {
	sink, _ := newSink(t)
	ctx := context.Background()
	id := fileid.MustParse("/notes/todo.md")

	_, found, err := sink.Load(ctx, id)
	require.NoError(t, err)
	assert.False(t, found, "missing file is not an error")

	require.NoError(t, sink.Persist(ctx, id, "- [ ] ship", "").Err())

	content, found, err := sink.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "- [ ] ship", content)
}

func TestOutcomeErrWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	out := Outcome{ID: fileid.MustParse("/a"), StorageErr: cause, MetadataErr: errors.New("db")}
	err := out.Err()
	assert.ErrorIs(t, err, ErrTotalFailure)
	assert.ErrorIs(t, err, cause)
}

func TestPersistWithSQLiteRepository(t *testing.T) {
	store, err := metadata.New("sqlite://" + filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(context.Background()))

	sink, _ := newSink(t, WithRepository(store))
	ctx := context.Background()
	id := fileid.MustParse("/web/index.html")

	require.NoError(t, sink.Persist(ctx, id, "<p>v1</p>", "").Err())
	require.NoError(t, sink.Persist(ctx, id, "<p>v2</p>", "").Err())

	doc, err := store.GetDocument(ctx, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "<p>v2</p>", doc.Content)
	assert.Equal(t, "html", doc.Language)
	assert.Equal(t, 2, doc.Version)
}
