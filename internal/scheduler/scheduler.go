// Package scheduler implements the Scheduler (C8): a weighted,
// bounded-concurrency admission pool. Each unit of work declares a resource
// vector (cpu, memory, disk-io, network-io); the pool admits it only once
// the running set's committed weight plus the candidate's weight fits
// within a configured cap along every axis.
//
// Grounded on the reference tool's src/core/state.go priority-queue worker
// pool, adapted from a single FIFO task queue over a fixed worker count to
// a weighted-semaphore admission model per the resource-vector requirement
// — the queue's Kill/Stop task-count bookkeeping becomes this package's
// first-failure cancellation flag instead.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/internal/resources"
)

// Weight is a task's declared resource vector, the same four axes a
// Capacity describes host-side.
type Weight = resources.Capacity

// Pool admits and runs weighted tasks under a fixed resource cap. Safe for
// concurrent use; a single Pool is shared by every rule build in an
// engine invocation.
type Pool struct {
	cpu, mem, disk, net *axis

	keepGoing bool
	mu        sync.Mutex
	failed    bool
	failure   error
}

// New constructs a Pool with the given cap, scaled by scale (e.g. a
// config.Build.ResourceScale of 1.5 lets the pool over-commit the sampled
// host capacity by 50%). fair selects FIFO admission order; unfair trades
// strict ordering for lower contention when queueing isn't load-bearing
// (§4.8: "fair or unfair queueing, selectable").
func New(cap resources.Capacity, scale float64, fair bool, keepGoing bool) *Pool {
	scaled := func(n int64) int64 {
		v := int64(float64(n) * scale)
		if v < 1 {
			v = 1
		}
		return v
	}
	return &Pool{
		cpu:       newAxis(scaled(cap.CPU), fair),
		mem:       newAxis(scaled(cap.Memory), fair),
		disk:      newAxis(scaled(cap.DiskIO), fair),
		net:       newAxis(scaled(cap.NetIO), fair),
		keepGoing: keepGoing,
	}
}

// Default builds a Pool capped at sampled host capacity, the fallback the
// engine uses absent an explicit config override (§4.8, D4).
func Default(scale float64, fair bool, keepGoing bool) (*Pool, error) {
	cap, err := resources.Sample()
	if err != nil {
		return nil, err
	}
	return New(cap, scale, fair, keepGoing), nil
}

// Submit blocks until w can be admitted under the configured cap, then runs
// fn and releases w's weight regardless of outcome. If the pool has already
// recorded a first failure and keep-going is disabled, Submit short-circuits
// to a Canceled-flavoured error without running fn at all or consuming any
// weight (§4.8 Cancellation).
//
// Submit must never be called by a goroutine that is itself holding
// admitted weight while it waits for one of its own subtasks to be admitted
// — doing so can deadlock the pool once outstanding demand exceeds the cap.
// The engine avoids this by issuing a rule's subtasks as independent,
// separately-scheduled futures (§5's "waves") rather than calling Submit
// synchronously from inside a running task.
func (p *Pool) Submit(ctx context.Context, w Weight, fn func(ctx context.Context) error) error {
	if err := p.checkCancelled(); err != nil {
		return err
	}

	if err := p.acquireAll(ctx, w); err != nil {
		return errs.NewInterrupted("acquiring scheduler admission: " + err.Error())
	}
	defer p.releaseAll(w)

	if err := p.checkCancelled(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && !p.keepGoing {
		p.recordFailure(err)
	}
	return err
}

func (p *Pool) acquireAll(ctx context.Context, w Weight) error {
	if err := p.cpu.acquire(ctx, w.CPU); err != nil {
		return err
	}
	if err := p.mem.acquire(ctx, w.Memory); err != nil {
		p.cpu.release(w.CPU)
		return err
	}
	if err := p.disk.acquire(ctx, w.DiskIO); err != nil {
		p.cpu.release(w.CPU)
		p.mem.release(w.Memory)
		return err
	}
	if err := p.net.acquire(ctx, w.NetIO); err != nil {
		p.cpu.release(w.CPU)
		p.mem.release(w.Memory)
		p.disk.release(w.DiskIO)
		return err
	}
	return nil
}

func (p *Pool) releaseAll(w Weight) {
	p.cpu.release(w.CPU)
	p.mem.release(w.Memory)
	p.disk.release(w.DiskIO)
	p.net.release(w.NetIO)
}

// Cancel records a first failure, causing every subsequently submitted task
// to short-circuit without running — the engine calls this once when
// keep-going is false and any rule fails (§4.8, §7 Interrupted).
func (p *Pool) Cancel(cause error) {
	p.recordFailure(cause)
}

func (p *Pool) recordFailure(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.failed {
		p.failed = true
		p.failure = cause
	}
}

// Cancelled reports whether a first failure has already been recorded.
func (p *Pool) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

func (p *Pool) checkCancelled() error {
	if p.keepGoing {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed {
		return errs.NewInterrupted("build canceled after an earlier failure: " + p.failure.Error())
	}
	return nil
}

// axis is one resource dimension's admission gate: a weighted semaphore in
// fair mode, or an unfair equivalent that trades FIFO ordering for
// lower handoff latency under contention.
type axis struct {
	cap  int64
	fair *semaphore.Weighted

	// unfair mode: a buffered token channel. Handing tokens back into a
	// channel doesn't preserve waiter arrival order the way a semaphore's
	// internal FIFO wait-list does, so whichever blocked Acquire call
	// wins the race for the next released token goes first.
	unfair   chan struct{}
	tokenCap int64
}

func newAxis(cap int64, fair bool) *axis {
	if cap < 1 {
		cap = 1
	}
	if fair {
		return &axis{cap: cap, fair: semaphore.NewWeighted(cap)}
	}
	// Unfair mode only makes sense for whole-token granularity; a request
	// wider than one token acquires that many tokens individually, which
	// is still correct (it just blocks on tokenCap single-unit releases)
	// but not weight-homogeneous the way the fair semaphore is. Tasks in
	// this domain overwhelmingly request <= cap anyway.
	return &axis{cap: cap, unfair: make(chan struct{}, cap), tokenCap: cap}
}

func (a *axis) acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if a.fair != nil {
		if n > a.cap {
			// A single task wider than the whole cap would otherwise
			// deadlock forever; admit it alone at full cap instead.
			n = a.cap
		}
		return a.fair.Acquire(ctx, n)
	}
	if n > a.tokenCap {
		n = a.tokenCap
	}
	for i := int64(0); i < n; i++ {
		select {
		case a.unfair <- struct{}{}:
		case <-ctx.Done():
			// Give back whatever we already grabbed this call.
			for ; i > 0; i-- {
				<-a.unfair
			}
			return ctx.Err()
		}
	}
	return nil
}

func (a *axis) release(n int64) {
	if n <= 0 {
		return
	}
	if a.fair != nil {
		if n > a.cap {
			n = a.cap
		}
		a.fair.Release(n)
		return
	}
	if n > a.tokenCap {
		n = a.tokenCap
	}
	for i := int64(0); i < n; i++ {
		<-a.unfair
	}
}
