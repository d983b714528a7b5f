// Package guard implements the recursive read/write lock that protects a
// document's object graph.
//
// Go has no goroutine identity, so lock ownership is carried by a Holder
// token. Every goroutine (or task) that touches a document takes its own
// Holder from the guard; a Holder must not be used from two goroutines at
// the same time.
//
// Arbitration: a queued writer blocks new readers. When a writer releases,
// every reader already waiting at that moment is admitted before the next
// writer may enter. Neither side can starve the other.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
)

// Holder identifies one lock owner.
type Holder struct {
	g      *Guard
	id     uint64
	reads  int
	writes int
	// counted is set while the holder occupies a reader slot in the guard.
	counted bool
}

// ID is unique within the guard that issued the holder.
func (h *Holder) ID() uint64 { return h.id }

// Reads returns the holder's read-lock depth.
func (h *Holder) Reads() int {
	h.g.mu.Lock()
	defer h.g.mu.Unlock()
	return h.reads
}

// Writes returns the holder's write-lock depth.
func (h *Holder) Writes() int {
	h.g.mu.Lock()
	defer h.g.mu.Unlock()
	return h.writes
}

func (h *Holder) String() string { return fmt.Sprintf("holder#%d", h.id) }

// State is a snapshot of the guard.
type State struct {
	Writer         uint64 // holder id, 0 when no write lock is held
	Readers        int    // holders with a read lock outside a write lock
	WaitingReaders int
	WaitingWriters int
}

// Unlocked reports whether nobody holds the guard.
func (s State) Unlocked() bool { return s.Writer == 0 && s.Readers == 0 }

// Guard is a recursive shared/exclusive lock.
type Guard struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  observability.Logger

	nextID  uint64
	writer  *Holder
	readers int

	waitingReaders int
	waitingWriters int
	// phase advances every time a writer releases. Readers that started
	// waiting in an earlier phase are entitled to enter before any writer.
	phase    uint64
	entitled int
}

// New returns an unlocked guard. A nil logger uses the process default.
func New(log observability.Logger) *Guard {
	g := &Guard{log: observability.OrDefault(log)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// NewHolder issues a fresh lock owner.
func (g *Guard) NewHolder() *Holder {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return &Holder{g: g, id: g.nextID}
}

// State returns a snapshot of the lock.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := State{
		Readers:        g.readers,
		WaitingReaders: g.waitingReaders,
		WaitingWriters: g.waitingWriters,
	}
	if g.writer != nil {
		s.Writer = g.writer.id
	}
	return s
}

// Holds reports whether h holds at least a read lock.
func (g *Guard) Holds(h *Holder) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return h != nil && h.g == g && (h.reads > 0 || h.writes > 0)
}

// HoldsWrite reports whether h holds the write lock.
func (g *Guard) HoldsWrite(h *Holder) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return h != nil && h.g == g && h.writes > 0
}

func (g *Guard) check(op string, h *Holder) error {
	if h == nil || h.g != g {
		return pdferr.State(op, pdferr.ErrForeignHolder)
	}
	return nil
}

// LockRead acquires a shared lock, blocking while another holder writes or
// while a writer is queued. A holder that already reads or writes is
// admitted immediately.
func (g *Guard) LockRead(h *Holder) error {
	if err := g.check("lock read", h); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h.reads > 0 || h.writes > 0 {
		h.reads++
		return nil
	}
	if !g.readerMayEnter(false) {
		start := time.Now()
		ticket := g.phase
		g.waitingReaders++
		for !g.readerMayEnter(g.phase > ticket) {
			g.cond.Wait()
		}
		g.waitingReaders--
		if g.phase > ticket {
			g.entitled--
		}
		g.log.Debug("read lock acquired after wait",
			observability.String("holder", h.String()),
			observability.Int64(observability.MetricLockWaitTime, time.Since(start).Microseconds()))
	}
	g.readers++
	h.counted = true
	h.reads = 1
	return nil
}

// TryLockRead is LockRead without blocking. It reports whether the lock
// was acquired.
func (g *Guard) TryLockRead(h *Holder) (bool, error) {
	if err := g.check("try lock read", h); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h.reads > 0 || h.writes > 0 {
		h.reads++
		return true, nil
	}
	if !g.readerMayEnter(false) {
		return false, nil
	}
	g.readers++
	h.counted = true
	h.reads = 1
	return true, nil
}

func (g *Guard) readerMayEnter(entitled bool) bool {
	if g.writer != nil {
		return false
	}
	return entitled || g.waitingWriters == 0
}

// UnlockRead releases one level of shared lock.
func (g *Guard) UnlockRead(h *Holder) error {
	if err := g.check("unlock read", h); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h.reads == 0 {
		return &pdferr.LockUsageError{Op: "unlock read"}
	}
	h.reads--
	if h.reads == 0 && h.counted {
		h.counted = false
		g.readers--
		if g.readers == 0 {
			g.cond.Broadcast()
		}
	}
	return nil
}

// Lock acquires the exclusive lock. It is recursive for the write holder.
// A holder that only reads gets a LockUpgradeError.
func (g *Guard) Lock(h *Holder) error {
	if err := g.check("lock", h); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h.writes > 0 {
		h.writes++
		return nil
	}
	if h.reads > 0 {
		return &pdferr.LockUpgradeError{Reads: h.reads}
	}
	if !g.writerMayEnter() {
		start := time.Now()
		g.waitingWriters++
		for !g.writerMayEnter() {
			g.cond.Wait()
		}
		g.waitingWriters--
		g.log.Debug("write lock acquired after wait",
			observability.String("holder", h.String()),
			observability.Int64(observability.MetricLockWaitTime, time.Since(start).Microseconds()))
	}
	g.writer = h
	h.writes = 1
	return nil
}

// TryLock is Lock without blocking. It reports whether the lock was
// acquired; the upgrade rule still applies.
func (g *Guard) TryLock(h *Holder) (bool, error) {
	if err := g.check("try lock", h); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h.writes > 0 {
		h.writes++
		return true, nil
	}
	if h.reads > 0 {
		return false, &pdferr.LockUpgradeError{Reads: h.reads}
	}
	if !g.writerMayEnter() {
		return false, nil
	}
	g.writer = h
	h.writes = 1
	return true, nil
}

func (g *Guard) writerMayEnter() bool {
	return g.writer == nil && g.readers == 0 && g.entitled == 0
}

// Unlock releases one level of the exclusive lock. Read locks taken while
// writing survive the release and turn into an ordinary shared lock.
func (g *Guard) Unlock(h *Holder) error {
	if err := g.check("unlock", h); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h.writes == 0 {
		return &pdferr.LockUsageError{Op: "unlock"}
	}
	h.writes--
	if h.writes > 0 {
		return nil
	}
	g.writer = nil
	if h.reads > 0 {
		g.readers++
		h.counted = true
	}
	g.phase++
	g.entitled = g.waitingReaders
	g.cond.Broadcast()
	return nil
}
