package guard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/pdferr"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRecursiveReadBalance(t *testing.T) {
	g := New(nil)
	h := g.NewHolder()
	other := g.NewHolder()
	if err := g.LockRead(other); err != nil {
		t.Fatal(err)
	}
	before := g.State()
	for i := 0; i < 5; i++ {
		if err := g.LockRead(h); err != nil {
			t.Fatalf("LockRead %d: %v", i, err)
		}
	}
	if h.Reads() != 5 {
		t.Fatalf("reads = %d, want 5", h.Reads())
	}
	for i := 0; i < 5; i++ {
		if err := g.UnlockRead(h); err != nil {
			t.Fatalf("UnlockRead %d: %v", i, err)
		}
	}
	if diff := cmp.Diff(before, g.State()); diff != "" {
		t.Fatalf("state after balanced reads (-want +got):\n%s", diff)
	}
	if err := g.UnlockRead(other); err != nil {
		t.Fatal(err)
	}
	if !g.State().Unlocked() {
		t.Fatalf("guard not unlocked: %+v", g.State())
	}
}

func TestUnbalancedUnlock(t *testing.T) {
	g := New(nil)
	h := g.NewHolder()
	var usage *pdferr.LockUsageError
	if err := g.UnlockRead(h); !errors.As(err, &usage) {
		t.Fatalf("UnlockRead without lock = %v, want LockUsageError", err)
	}
	if err := g.Unlock(h); !errors.As(err, &usage) {
		t.Fatalf("Unlock without lock = %v, want LockUsageError", err)
	}
	if err := g.LockRead(h); err != nil {
		t.Fatal(err)
	}
	// a read lock does not balance a write unlock
	if err := g.Unlock(h); !errors.As(err, &usage) {
		t.Fatalf("Unlock with only a read lock = %v, want LockUsageError", err)
	}
}

func TestUpgradeRefused(t *testing.T) {
	g := New(nil)
	h := g.NewHolder()
	if err := g.LockRead(h); err != nil {
		t.Fatal(err)
	}
	var upgrade *pdferr.LockUpgradeError
	if err := g.Lock(h); !errors.As(err, &upgrade) {
		t.Fatalf("Lock while reading = %v, want LockUpgradeError", err)
	}
	if upgrade.Reads != 1 {
		t.Fatalf("reported reads = %d", upgrade.Reads)
	}
	if _, err := g.TryLock(h); !errors.As(err, &upgrade) {
		t.Fatalf("TryLock while reading = %v, want LockUpgradeError", err)
	}
	// the failed attempts leave the holder as it was
	if h.Reads() != 1 || h.Writes() != 0 {
		t.Fatalf("holder reads=%d writes=%d", h.Reads(), h.Writes())
	}
	if err := g.UnlockRead(h); err != nil {
		t.Fatal(err)
	}
	if err := g.Lock(h); err != nil {
		t.Fatalf("Lock after releasing reads: %v", err)
	}
}

func TestWriterReadsIndependently(t *testing.T) {
	g := New(nil)
	h := g.NewHolder()
	if err := g.Lock(h); err != nil {
		t.Fatal(err)
	}
	if err := g.Lock(h); err != nil {
		t.Fatalf("recursive Lock: %v", err)
	}
	if err := g.LockRead(h); err != nil {
		t.Fatalf("LockRead while writing: %v", err)
	}
	if h.Writes() != 2 || h.Reads() != 1 {
		t.Fatalf("holder reads=%d writes=%d", h.Reads(), h.Writes())
	}
	if g.State().Readers != 0 {
		t.Fatalf("write holder counted as a reader")
	}
	if err := g.UnlockRead(h); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := g.Unlock(h); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff(State{}, g.State()); diff != "" {
		t.Fatalf("guard not unlocked (-want +got):\n%s", diff)
	}
}

func TestUnlockKeepsReadLock(t *testing.T) {
	g := New(nil)
	h := g.NewHolder()
	w := g.NewHolder()
	if err := g.Lock(h); err != nil {
		t.Fatal(err)
	}
	if err := g.LockRead(h); err != nil {
		t.Fatal(err)
	}
	if err := g.Unlock(h); err != nil {
		t.Fatal(err)
	}
	if g.State().Readers != 1 {
		t.Fatalf("remaining read lock not held: %+v", g.State())
	}
	if ok, err := g.TryLock(w); ok || err != nil {
		t.Fatalf("TryLock by another holder = %v, %v; want false", ok, err)
	}
	if err := g.UnlockRead(h); err != nil {
		t.Fatal(err)
	}
	if ok, err := g.TryLock(w); !ok || err != nil {
		t.Fatalf("TryLock after release = %v, %v", ok, err)
	}
}

func TestWriterWaitsForReaders(t *testing.T) {
	g := New(nil)
	const n = 8
	readers := make([]*Holder, n)
	var wg sync.WaitGroup
	for i := range readers {
		readers[i] = g.NewHolder()
		wg.Add(1)
		go func(h *Holder) {
			defer wg.Done()
			if err := g.LockRead(h); err != nil {
				t.Error(err)
			}
		}(readers[i])
	}
	wg.Wait()
	if got := g.State().Readers; got != n {
		t.Fatalf("readers = %d, want %d", got, n)
	}

	w := g.NewHolder()
	acquired := make(chan struct{})
	go func() {
		if err := g.Lock(w); err != nil {
			t.Error(err)
		}
		close(acquired)
	}()
	waitFor(t, "writer to queue", func() bool { return g.State().WaitingWriters == 1 })
	for i, h := range readers {
		select {
		case <-acquired:
			t.Fatalf("writer admitted with %d readers left", n-i)
		default:
		}
		if err := g.UnlockRead(h); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatalf("writer never admitted")
	}
	if g.State().Writer != w.ID() {
		t.Fatalf("writer = %d, want %d", g.State().Writer, w.ID())
	}
}

func TestConcurrentReadersDoNotBlock(t *testing.T) {
	g := New(nil)
	// both workers must hold the lock at once to pass the barrier
	var holding sync.WaitGroup
	holding.Add(2)
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := g.NewHolder()
			if err := g.LockRead(h); err != nil {
				t.Error(err)
				holding.Done()
				return
			}
			holding.Done()
			holding.Wait()
			if err := g.UnlockRead(h); err != nil {
				t.Error(err)
			}
		}()
	}
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("readers blocked each other")
	}
	if !g.State().Unlocked() {
		t.Fatalf("guard not unlocked: %+v", g.State())
	}
}

func TestQueuedWriterBlocksNewReaders(t *testing.T) {
	g := New(nil)
	r1 := g.NewHolder()
	if err := g.LockRead(r1); err != nil {
		t.Fatal(err)
	}
	w := g.NewHolder()
	go func() {
		if err := g.Lock(w); err != nil {
			t.Error(err)
		}
	}()
	waitFor(t, "writer to queue", func() bool { return g.State().WaitingWriters == 1 })

	r2 := g.NewHolder()
	if ok, _ := g.TryLockRead(r2); ok {
		t.Fatalf("new reader admitted ahead of a queued writer")
	}
	// existing readers still recurse
	if ok, _ := g.TryLockRead(r1); !ok {
		t.Fatalf("recursive read refused")
	}
	for i := 0; i < 2; i++ {
		if err := g.UnlockRead(r1); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "writer to enter", func() bool { return g.State().Writer == w.ID() })
	if err := g.Unlock(w); err != nil {
		t.Fatal(err)
	}
	if ok, _ := g.TryLockRead(r2); !ok {
		t.Fatalf("reader refused after writer left")
	}
}

func TestWaitingReadersEnterBeforeNextWriter(t *testing.T) {
	g := New(nil)
	w1 := g.NewHolder()
	if err := g.Lock(w1); err != nil {
		t.Fatal(err)
	}
	r := g.NewHolder()
	readerIn := make(chan struct{})
	go func() {
		if err := g.LockRead(r); err != nil {
			t.Error(err)
		}
		close(readerIn)
	}()
	waitFor(t, "reader to queue", func() bool { return g.State().WaitingReaders == 1 })

	w2 := g.NewHolder()
	writerIn := make(chan struct{})
	go func() {
		if err := g.Lock(w2); err != nil {
			t.Error(err)
		}
		close(writerIn)
	}()
	waitFor(t, "second writer to queue", func() bool { return g.State().WaitingWriters == 1 })

	if err := g.Unlock(w1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-readerIn:
	case <-time.After(5 * time.Second):
		t.Fatalf("waiting reader was not handed the lock")
	}
	select {
	case <-writerIn:
		t.Fatalf("second writer entered while the reader holds the lock")
	default:
	}
	if err := g.UnlockRead(r); err != nil {
		t.Fatal(err)
	}
	select {
	case <-writerIn:
	case <-time.After(5 * time.Second):
		t.Fatalf("second writer never admitted")
	}
}

func TestTryLockRead(t *testing.T) {
	g := New(nil)
	w := g.NewHolder()
	r := g.NewHolder()
	if ok, err := g.TryLock(w); !ok || err != nil {
		t.Fatalf("TryLock on idle guard = %v, %v", ok, err)
	}
	if ok, err := g.TryLockRead(r); ok || err != nil {
		t.Fatalf("TryLockRead under a foreign writer = %v, %v", ok, err)
	}
	if ok, _ := g.TryLockRead(w); !ok {
		t.Fatalf("write holder refused a read lock")
	}
	if err := g.UnlockRead(w); err != nil {
		t.Fatal(err)
	}
	if err := g.Unlock(w); err != nil {
		t.Fatal(err)
	}
	if ok, err := g.TryLockRead(r); !ok || err != nil {
		t.Fatalf("TryLockRead on idle guard = %v, %v", ok, err)
	}
}

func TestForeignHolder(t *testing.T) {
	a, b := New(nil), New(nil)
	h := b.NewHolder()
	var state *pdferr.StateError
	if err := a.LockRead(h); !errors.As(err, &state) || !errors.Is(err, pdferr.ErrForeignHolder) {
		t.Fatalf("LockRead with foreign holder = %v", err)
	}
	if err := a.Lock(nil); !errors.As(err, &state) {
		t.Fatalf("Lock(nil) = %v", err)
	}
	if a.Holds(h) || a.HoldsWrite(h) {
		t.Fatalf("foreign holder reported as holding")
	}
}
