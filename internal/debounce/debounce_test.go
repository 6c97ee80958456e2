package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
)

func TestScheduleFiresOnce(t *testing.T) {
	s := New()
	id := fileid.MustParse("/a.txt")

	var fired atomic.Int32
	done := make(chan struct{})
	s.Schedule(id, 10*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for action")
	}
	time.Sleep(30 * time.Millisecond)

	if fired.Load() != 1 {
		t.Errorf("expected 1 fire, got %d", fired.Load())
	}
	if s.Pending(id) {
		t.Error("pending entry should be cleared after firing")
	}
}

func TestRescheduleCoalesces(t *testing.T) {
	s := New()
	id := fileid.MustParse("/a.txt")

	var mu sync.Mutex
	var got []int
	for i := 1; i <= 5; i++ {
		v := i
		s.Schedule(id, 40*time.Millisecond, func() {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 5 {
		t.Errorf("expected only the last action to run, got %v", got)
	}
}

func TestRescheduleResetsWait(t *testing.T) {
	s := New()
	id := fileid.MustParse("/a.txt")

	var fired atomic.Int32
	for i := 0; i < 4; i++ {
		s.Schedule(id, 50*time.Millisecond, func() { fired.Add(1) })
		time.Sleep(30 * time.Millisecond)
	}
	if fired.Load() != 0 {
		t.Fatalf("action fired during continuous edits: %d", fired.Load())
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("expected 1 fire after quiet period, got %d", fired.Load())
	}
}

func TestCancel(t *testing.T) {
	s := New()
	id := fileid.MustParse("/a.txt")

	var fired atomic.Int32
	s.Schedule(id, 20*time.Millisecond, func() { fired.Add(1) })

	if !s.Cancel(id) {
		t.Fatal("Cancel should report a pending timer")
	}
	if s.Cancel(id) {
		t.Error("second Cancel should report nothing pending")
	}

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("cancelled action fired %d times", fired.Load())
	}
}

func TestIndependentKeys(t *testing.T) {
	s := New()
	a := fileid.MustParse("/a.txt")
	b := fileid.MustParse("/b.txt")

	var fa, fb atomic.Int32
	s.Schedule(a, 20*time.Millisecond, func() { fa.Add(1) })
	s.Schedule(b, 20*time.Millisecond, func() { fb.Add(1) })
	s.Cancel(a)

	time.Sleep(60 * time.Millisecond)
	if fa.Load() != 0 || fb.Load() != 1 {
		t.Errorf("expected a=0 b=1, got a=%d b=%d", fa.Load(), fb.Load())
	}
}

func TestStop(t *testing.T) {
	s := New()
	id := fileid.MustParse("/a.txt")

	var fired atomic.Int32
	s.Schedule(id, 20*time.Millisecond, func() { fired.Add(1) })
	s.Stop()

	if s.Schedule(id, time.Millisecond, func() { fired.Add(1) }) {
		t.Error("Schedule after Stop should fail")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected no fires after Stop, got %d", fired.Load())
	}
	if len(s.Keys()) != 0 {
		t.Error("expected no pending keys after Stop")
	}
}

func TestWaitCoversActionRunningAtStop(t *testing.T) {
	s := New()
	id := fileid.MustParse("/a.txt")

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s.Schedule(id, time.Millisecond, func() {
		close(started)
		<-release
		finished.Store(true)
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for action to start")
	}
	s.Stop()

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while the action was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the action finished")
	}
	if !finished.Load() {
		t.Error("expected action to have finished")
	}
}

func TestWaitWithNothingRunning(t *testing.T) {
	s := New()
	s.Schedule(fileid.MustParse("/a.txt"), time.Hour, func() {})
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a cancelled timer")
	}
}
