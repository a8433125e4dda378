// Package shutdown coordinates graceful process teardown: it stops intake,
// drains in-flight operations, then runs registered cleanup callbacks in
// order, all under a hard ceiling so a wedged dependency can never hang the
// exit.
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Exit codes reported by Shutdown.
const (
	ExitClean    = 0
	ExitDegraded = 1
)

type callback struct {
	name string
	fn   func(ctx context.Context) error
}

// Coordinator runs the shutdown sequence exactly once. Concurrent triggers
// (signal handler, fatal error path, supervisor request) share the single run
// and receive the same exit code.
type Coordinator struct {
	clock           clock.Clock
	operationWait   time.Duration
	callbackTimeout time.Duration
	ceiling         time.Duration

	mu        sync.Mutex
	callbacks []callback
	ops       map[string]struct{}
	opsDone   chan struct{}
	started   bool

	group singleflight.Group
}

// New builds a coordinator. operationWait bounds the in-flight drain,
// callbackTimeout bounds each cleanup callback, ceiling bounds the whole
// sequence.
func New(clk clock.Clock, operationWait, callbackTimeout, ceiling time.Duration) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		clock:           clk,
		operationWait:   operationWait,
		callbackTimeout: callbackTimeout,
		ceiling:         ceiling,
		ops:             make(map[string]struct{}),
		opsDone:         make(chan struct{}),
	}
}

// OnShutdown registers a named cleanup callback. Callbacks run in
// registration order, so register in dependency order: intake first, storage
// last.
func (c *Coordinator) OnShutdown(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{name: name, fn: fn})
}

// ErrShuttingDown is returned by Track once shutdown has begun.
type ErrShuttingDown struct{}

func (ErrShuttingDown) Error() string { return "shutting down, new operations rejected" }

// Track registers an in-flight operation. The returned func must be called
// when the operation completes. After shutdown starts, Track rejects so no
// new work sneaks in during the drain.
func (c *Coordinator) Track(id string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, ErrShuttingDown{}
	}
	c.ops[id] = struct{}{}
	return func() { c.release(id) }, nil
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ops, id)
	if c.started && len(c.ops) == 0 {
		select {
		case <-c.opsDone:
		default:
			close(c.opsDone)
		}
	}
}

// InFlight returns the number of tracked operations.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Shutdown runs the full sequence and returns the process exit code: 0 when
// everything drained and every callback succeeded, 1 otherwise. Safe to call
// from multiple goroutines; all callers share one run.
func (c *Coordinator) Shutdown(reason string) int {
	code, _, _ := c.group.Do("shutdown", func() (interface{}, error) {
		return c.run(reason), nil
	})
	return code.(int)
}

func (c *Coordinator) run(reason string) int {
	start := c.clock.Now()
	zap.L().Info("shutdown: sequence started", zap.String("reason", reason))

	c.mu.Lock()
	c.started = true
	pending := len(c.ops)
	if pending == 0 {
		select {
		case <-c.opsDone:
		default:
			close(c.opsDone)
		}
	}
	callbacks := make([]callback, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	degraded := false

	// Phase 1: drain in-flight operations up to the operation budget.
	if pending > 0 {
		zap.L().Info("shutdown: waiting for in-flight operations",
			zap.Int("count", pending),
			zap.Duration("budget", c.operationWait))
		t := c.clock.Timer(c.operationWait)
		select {
		case <-c.opsDone:
			t.Stop()
		case <-t.C:
			degraded = true
			zap.L().Warn("shutdown: abandoning in-flight operations",
				zap.Int("remaining", c.InFlight()))
		}
	}

	// Phase 2: run callbacks in order, each with its own budget, all bounded
	// by the hard ceiling. A failing callback is logged and never blocks the
	// rest of the sequence.
	deadline := start.Add(c.ceiling)
	for _, cb := range callbacks {
		left := deadline.Sub(c.clock.Now())
		if left <= 0 {
			degraded = true
			zap.L().Error("shutdown: hard ceiling reached, skipping remaining callbacks",
				zap.String("next", cb.name))
			break
		}
		budget := c.callbackTimeout
		if budget > left {
			budget = left
		}
		if err := c.runCallback(cb, budget); err != nil {
			degraded = true
			zap.L().Error("shutdown: callback failed",
				zap.String("callback", cb.name), zap.Error(err))
		} else {
			zap.L().Info("shutdown: callback completed", zap.String("callback", cb.name))
		}
	}

	code := ExitClean
	if degraded {
		code = ExitDegraded
	}
	zap.L().Info("shutdown: sequence finished",
		zap.Duration("elapsed", c.clock.Now().Sub(start)),
		zap.Int("exit_code", code))
	return code
}

// runCallback executes one callback in its own goroutine so a callback that
// ignores its context cannot stall the sequence past its budget.
func (c *Coordinator) runCallback(cb callback, budget time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{name: cb.name, value: r}
			}
		}()
		done <- cb.fn(ctx)
	}()

	t := c.clock.Timer(budget)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		return &timeoutError{name: cb.name, budget: budget}
	}
}

type timeoutError struct {
	name   string
	budget time.Duration
}

func (e *timeoutError) Error() string {
	return "callback " + e.name + " exceeded its budget of " + e.budget.String()
}

type panicError struct {
	name  string
	value interface{}
}

func (e *panicError) Error() string { return "callback " + e.name + " panicked" }
