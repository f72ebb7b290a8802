package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dataloft/tabflow/pkg/decision"
)

// FallbackPolicy controls what a waiter does when its wait times out and no
// executed destination is registered for the fingerprint either.
type FallbackPolicy string

const (
	// FallbackIndependent makes the waiter a second, independent owner
	// with its own oracle call.
	FallbackIndependent FallbackPolicy = "independent"

	// FallbackFail surfaces ErrDecisionTimeout instead of a second call.
	FallbackFail FallbackPolicy = "fail"
)

// ErrDecisionTimeout is returned under FallbackFail when a waiter's bounded
// wait expires with no decision and no executed destination to merge into.
var ErrDecisionTimeout = errors.New("timed out waiting for mapping decision")

// Config tunes the coordinator's bounded wait.
//
// The effective wait for a waiter is WaitBase + WaitPerColumn * columnCount,
// capped at WaitMax: wider schemas imply slower oracle calls, so siblings
// wait longer before giving up on the owner.
type Config struct {
	WaitBase      time.Duration
	WaitPerColumn time.Duration
	WaitMax       time.Duration
	Fallback      FallbackPolicy
}

func DefaultConfig() Config {
	return Config{
		WaitBase:      15 * time.Second,
		WaitPerColumn: 500 * time.Millisecond,
		WaitMax:       60 * time.Second,
		Fallback:      FallbackIndependent,
	}
}

// ComputeFunc is the (slow, fallible) oracle call made by an owning worker.
type ComputeFunc func(ctx context.Context) (*decision.MappingDecision, error)

// cacheEntry is the live coordination slot for one distinct fingerprint.
type cacheEntry struct {
	decision *decision.MappingDecision
	err      error

	// executed is the destination table a write actually landed in, which
	// may differ from the decision's proposal (e.g. a "new table" silently
	// becoming a merge because a sibling created the table first).
	executed string

	// done fires exactly once, on success or failure of the owning call,
	// so waiters are never blocked past their timeout.
	done chan struct{}
}

// Coordinator deduplicates oracle calls for structurally identical inputs
// and tracks which destination table each fingerprint has been routed to.
//
// Entries live for the duration of a batch; the coordinator holds no
// persistent state. Create one per orchestrator and share it across the
// worker pool.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func NewCoordinator(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.WaitBase <= 0 {
		cfg.WaitBase = def.WaitBase
	}
	if cfg.WaitPerColumn < 0 {
		cfg.WaitPerColumn = def.WaitPerColumn
	}
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = def.WaitMax
	}
	if cfg.Fallback == "" {
		cfg.Fallback = def.Fallback
	}
	return &Coordinator{
		cfg:     cfg,
		entries: make(map[string]*cacheEntry),
	}
}

// Resolve returns the mapping decision for a fingerprint.
//
// The first caller for a fingerprint becomes the owner: it invokes compute,
// publishes the result, and fires the completion signal — on every exit
// path, or the whole pool would deadlock behind it. Later callers reuse the
// stored decision, wait on the owner up to a bounded timeout, or degrade
// per the configured fallback policy.
//
// The returned bool is true when this call made its own oracle call (owner
// or independent fallback), false when a cached or merged decision was
// reused. When a write has already landed for the fingerprint, the executed
// destination wins over the decision's original proposal.
func (c *Coordinator) Resolve(ctx context.Context, fp string, columnCount int, compute ComputeFunc) (*decision.MappingDecision, bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[fp]
	if !ok {
		entry = &cacheEntry{done: make(chan struct{})}
		c.entries[fp] = entry
		c.mu.Unlock()
		return c.computeAsOwner(ctx, entry, compute, true)
	}

	if entry.decision != nil {
		d := c.preferExecutedLocked(entry)
		c.mu.Unlock()
		return d, false, nil
	}
	c.mu.Unlock()

	// Owner is mid-call: wait for its completion signal, bounded.
	timer := time.NewTimer(c.waitFor(columnCount))
	defer timer.Stop()

	select {
	case <-entry.done:
	case <-timer.C:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	c.mu.Lock()
	if entry.decision != nil {
		d := c.preferExecutedLocked(entry)
		c.mu.Unlock()
		return d, false, nil
	}

	// No decision after the wait. If any worker already landed a write for
	// this fingerprint — even via a different decision path — force a merge
	// into that table rather than asking the oracle again.
	if entry.executed != "" {
		d := &decision.MappingDecision{
			Strategy:    decision.StrategyMergeExisting,
			TargetTable: entry.executed,
			HasHeader:   true,
		}
		c.mu.Unlock()
		return d, false, nil
	}
	c.mu.Unlock()

	if c.cfg.Fallback == FallbackFail {
		return nil, false, fmt.Errorf("%w: fingerprint %s", ErrDecisionTimeout, short(fp))
	}

	// Degrade to a second, independent owner. A success is still published
	// so later arrivals reuse it; the original owner's signal is left to
	// the original owner.
	return c.computeAsOwner(ctx, entry, compute, false)
}

// computeAsOwner runs the oracle call and publishes its outcome. signal
// controls whether this caller owns the entry's one-shot completion signal.
func (c *Coordinator) computeAsOwner(ctx context.Context, entry *cacheEntry, compute ComputeFunc, signal bool) (d *decision.MappingDecision, fresh bool, err error) {
	if signal {
		// The signal must fire even if compute panics: a swallowed signal
		// hangs every waiter for the full timeout window.
		defer close(entry.done)
	}

	d, err = compute(ctx)

	c.mu.Lock()
	if err == nil && d != nil {
		if entry.decision == nil {
			entry.decision = d
		} else {
			// A racing independent owner published first; reuse its answer
			// so the batch converges on one destination.
			d = entry.decision
		}
		d = c.preferExecutedLocked(entry)
		c.mu.Unlock()
		return d, true, nil
	}
	if signal {
		entry.err = err
	}
	c.mu.Unlock()

	if err == nil {
		err = errors.New("oracle returned no decision")
	}
	return nil, true, err
}

// RecordExecuted registers the destination table a write actually landed
// in. Must be called after execution commits: the owner's original proposal
// may have been renamed or converted at execution time, and waiters that
// fall back to the registry must see the real table.
func (c *Coordinator) RecordExecuted(fp, table string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		entry = &cacheEntry{done: make(chan struct{})}
		close(entry.done)
		c.entries[fp] = entry
	}
	entry.executed = table
}

// ExecutedTable reports the destination a fingerprint's rows have landed
// in, if any write has committed yet.
func (c *Coordinator) ExecutedTable(fp string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok || entry.executed == "" {
		return "", false
	}
	return entry.executed, true
}

// preferExecutedLocked returns the entry's decision, rewritten to merge
// into the executed destination when one is known and differs from the
// proposal. Callers must hold c.mu.
func (c *Coordinator) preferExecutedLocked(entry *cacheEntry) *decision.MappingDecision {
	d := entry.decision
	if entry.executed != "" && entry.executed != d.TargetTable {
		return d.MergeInto(entry.executed)
	}
	return d
}

func (c *Coordinator) waitFor(columnCount int) time.Duration {
	wait := c.cfg.WaitBase + time.Duration(columnCount)*c.cfg.WaitPerColumn
	if wait > c.cfg.WaitMax {
		wait = c.cfg.WaitMax
	}
	return wait
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
