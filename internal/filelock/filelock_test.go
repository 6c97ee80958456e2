package filelock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
)

func TestAcquireRelease(t *testing.T) {
	m := New()
	id := fileid.MustParse("/a.js")

	if err := m.TryAcquire(id, "s1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if owner, ok := m.Owner(id); !ok || owner != "s1" {
		t.Errorf("expected owner s1, got %q (%v)", owner, ok)
	}

	err := m.TryAcquire(id, "s2")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	m.Release(id)
	if _, ok := m.Owner(id); ok {
		t.Error("expected unlocked after release")
	}
	if err := m.TryAcquire(id, "s2"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestSameOwnerIsStillBusy(t *testing.T) {
	m := New()
	id := fileid.MustParse("/a.js")
	m.TryAcquire(id, "s1")

	if err := m.TryAcquire(id, "s1"); !errors.Is(err, ErrBusy) {
		t.Errorf("locks are not reentrant, expected ErrBusy, got %v", err)
	}
}

func TestLocksArePerFile(t *testing.T) {
	m := New()
	if err := m.TryAcquire(fileid.MustParse("/a.js"), "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.TryAcquire(fileid.MustParse("/b.js"), "s1"); err != nil {
		t.Errorf("different file should not be busy: %v", err)
	}
}

func TestReleaseUnlockedIsNoop(t *testing.T) {
	m := New()
	m.Release(fileid.MustParse("/never.js"))
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	m := New()
	id := fileid.MustParse("/race.js")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryAcquire(id, "s") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
