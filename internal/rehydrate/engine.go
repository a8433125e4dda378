// Package rehydrate restores persisted sessions after a restart and keeps
// them alive afterwards. One engine runs per worker process: it queues
// eligible accounts, dispatches reconnect attempts under a cross-process
// lock, and feeds every outcome back into the durable store and the
// observability collector.
package rehydrate

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/talkincode/warelay/config"
	"github.com/talkincode/warelay/internal/bridge"
	"github.com/talkincode/warelay/internal/domain"
	"github.com/talkincode/warelay/internal/observe"
	"github.com/talkincode/warelay/internal/sessionstore"
	"go.uber.org/zap"
)

// terminalReasons are disconnect causes where an automatic retry can never
// succeed; the account stays down until an operator intervenes.
var terminalReasons = map[string]bool{
	bridge.ReasonLoggedOut: true,
	bridge.ReasonConflict:  true,
	bridge.ReasonBanned:    true,
	"NAVIGATION":           true,
}

// TerminalReason reports whether the disconnect cause rules out retrying.
func TerminalReason(reason string) bool { return terminalReasons[reason] }

// releaseTimeout bounds the bookkeeping writes that must land even after the
// per-attempt deadline has been consumed by the bridge call.
const releaseTimeout = 5 * time.Second

// OperationTracker registers in-flight reconnects with the shutdown
// coordinator so they can drain before the process exits. Track returns a
// completion func, or an error once shutdown has begun.
type OperationTracker interface {
	Track(id string) (func(), error)
}

// Engine drives session rehydration. Construct with New, then call Run once;
// all other methods are safe from any goroutine.
type Engine struct {
	cfg       config.SessionConfig
	store     *sessionstore.Store
	bridge    bridge.Client
	collector *observe.Collector
	tracker   OperationTracker
	clock     clock.Clock
	breaker   *breaker

	queue chan string
	sem   chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[string]bool

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg config.SessionConfig, store *sessionstore.Store, br bridge.Client,
	col *observe.Collector, tracker OperationTracker, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		bridge:    br,
		collector: col,
		tracker:   tracker,
		clock:     clk,
		breaker:   newBreaker(clk, cfg.BreakerThreshold, cfg.BreakerCooldown()),
		queue:     make(chan string, 256),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		pending:   make(map[string]bool),
		readyCh:   make(chan struct{}),
	}
}

// Ready is closed once the initial rehydration sweep has been queued. HTTP
// readiness and message intake gate on this.
func (e *Engine) Ready() <-chan struct{} { return e.readyCh }

func (e *Engine) signalReady() {
	e.readyOnce.Do(func() {
		close(e.readyCh)
		if e.collector != nil {
			e.collector.SetReady(true)
		}
		zap.L().Info("rehydrate: engine ready")
	})
}

// Enqueue schedules one account for a reconnect attempt. Duplicate requests
// for an account already queued or mid-attempt are dropped.
func (e *Engine) Enqueue(accountID string) bool {
	e.mu.Lock()
	if e.pending[accountID] {
		e.mu.Unlock()
		return false
	}
	e.pending[accountID] = true
	depth := len(e.pending)
	e.mu.Unlock()

	if e.collector != nil {
		e.collector.SetQueueDepth(depth)
	}
	select {
	case e.queue <- accountID:
		return true
	default:
		// Queue full: drop the pending mark so the next sweep retries it.
		e.clearPending(accountID)
		zap.L().Warn("rehydrate: queue full, deferring account",
			zap.String("account_id", accountID))
		return false
	}
}

func (e *Engine) clearPending(accountID string) {
	e.mu.Lock()
	delete(e.pending, accountID)
	depth := len(e.pending)
	e.mu.Unlock()
	if e.collector != nil {
		e.collector.SetQueueDepth(depth)
	}
}

// Run executes the engine loop until ctx is cancelled. It waits the settle
// delay, queues all eligible sessions, flips readiness, then serves the queue
// and the bridge event channel.
func (e *Engine) Run(ctx context.Context) error {
	settle := e.clock.Timer(e.cfg.SettleDelay())
	select {
	case <-settle.C:
	case <-ctx.Done():
		settle.Stop()
		return ctx.Err()
	}

	queued, _ := e.sweep(ctx)
	zap.L().Info("rehydrate: initial sweep queued",
		zap.Int("accounts", queued),
		zap.Int("max_concurrent", e.cfg.MaxConcurrent))
	e.signalReady()

	events := e.bridge.Events()
	for {
		if e.breaker.Open() {
			e.pauseForBreaker(ctx)
			if ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleBridgeEvent(ctx, evt)
			continue
		case accountID := <-e.queue:
			// The breaker can trip from an attempt goroutine while this loop
			// is parked in the select above, so the top-of-loop check is not
			// enough: re-check before dispatching dequeued work.
			if e.breaker.Open() {
				e.deferForBreaker(accountID)
				continue
			}
			if !e.acquireSlot(ctx) {
				e.clearPending(accountID)
				break
			}
			// Waiting for a slot can also span a trip.
			if e.breaker.Open() {
				<-e.sem
				e.deferForBreaker(accountID)
				continue
			}
			e.wg.Add(1)
			go func(id string) {
				defer e.wg.Done()
				defer func() { <-e.sem }()
				e.executeReconnect(id)
			}(accountID)
			e.staggerPause(ctx)
			continue
		}
		break
	}

	e.wg.Wait()
	return ctx.Err()
}

// deferForBreaker puts a dequeued account back on the clock for the rest of
// the cool-down instead of dispatching it while the breaker is open.
func (e *Engine) deferForBreaker(accountID string) {
	left := e.breaker.Remaining()
	zap.L().Warn("rehydrate: breaker open, deferring dequeued account",
		zap.String("account_id", accountID),
		zap.Duration("remaining", left))
	e.clearPending(accountID)
	e.requeueAfter(accountID, left)
}

func (e *Engine) acquireSlot(ctx context.Context) bool {
	select {
	case e.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// staggerPause spaces dispatches so a burst of rehydrations does not hammer
// the wire service all at once.
func (e *Engine) staggerPause(ctx context.Context) {
	t := e.clock.Timer(e.cfg.StaggerDelay())
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (e *Engine) pauseForBreaker(ctx context.Context) {
	left := e.breaker.Remaining()
	if left <= 0 {
		return
	}
	zap.L().Warn("rehydrate: circuit breaker open, pausing",
		zap.Duration("remaining", left))
	t := e.clock.Timer(left)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	if !e.breaker.Open() && e.collector != nil {
		e.collector.SetBreaker(false)
	}
}

// sweep queues every account the store considers eligible and returns the
// count. Also run periodically from the maintenance job to catch accounts
// whose requeue timer was lost to a restart.
func (e *Engine) sweep(ctx context.Context) (int, error) {
	records, err := e.store.SessionsForReconnect(ctx)
	if err != nil {
		zap.L().Error("rehydrate: eligibility sweep failed", zap.Error(err))
		return 0, err
	}
	queued := 0
	for _, r := range records {
		// Filter unusable credentials here so a doomed account does not burn
		// an attempt and a lock round-trip before executeReconnect rejects it.
		payload, perr := sessionstore.ParsePayload(r.Credentials)
		if perr != nil || !payload.Valid() {
			zap.L().Warn("rehydrate: credentials unusable, pairing required",
				zap.String("account_id", r.AccountID))
			_ = e.store.MarkValidation(ctx, r.AccountID, domain.ValidationQRRequired, "incomplete credentials")
			continue
		}
		if e.Enqueue(r.AccountID) {
			queued++
		}
	}
	return queued, nil
}

// Heartbeat is the periodic liveness job: it marks the loop alive and runs an
// eligibility sweep so scheduled retries are picked up even if their in-memory
// timer never fires. A failed sweep counts as a missed beat.
func (e *Engine) Heartbeat(ctx context.Context) {
	if _, err := e.sweep(ctx); err != nil {
		if e.collector != nil {
			e.collector.RecordMissedHeartbeat()
		}
		return
	}
	if e.collector != nil {
		e.collector.RecordHeartbeat()
	}
}

// HandleDisconnection records the drop and queues a reconnect unless the
// reason is terminal.
func (e *Engine) HandleDisconnection(ctx context.Context, accountID, reason string) {
	if err := e.store.UpdateConnectionStatus(ctx, accountID, domain.StatusDisconnected, reason); err != nil {
		if sessionstore.ErrCode(err) != sessionstore.CodeNotFound {
			zap.L().Error("rehydrate: record disconnect failed",
				zap.String("account_id", accountID), zap.Error(err))
		}
		return
	}
	if TerminalReason(reason) {
		zap.L().Warn("rehydrate: terminal disconnect, not retrying",
			zap.String("account_id", accountID),
			zap.String("reason", reason))
		if reason == bridge.ReasonLoggedOut {
			_ = e.store.MarkValidation(ctx, accountID, domain.ValidationQRRequired, reason)
		}
		return
	}
	zap.L().Info("rehydrate: disconnect observed, queueing reconnect",
		zap.String("account_id", accountID),
		zap.String("reason", reason))
	e.Enqueue(accountID)
}

// HandleAuthenticated resets the account after a successful login that this
// engine did not itself drive, e.g. a QR pairing completed elsewhere.
func (e *Engine) HandleAuthenticated(ctx context.Context, accountID string) {
	e.breaker.RecordSuccess()
	if err := e.store.UpdateConnectionStatus(ctx, accountID, domain.StatusConnected, ""); err != nil &&
		sessionstore.ErrCode(err) != sessionstore.CodeNotFound {
		zap.L().Error("rehydrate: record authentication failed",
			zap.String("account_id", accountID), zap.Error(err))
	}
}

func (e *Engine) handleBridgeEvent(ctx context.Context, evt bridge.Event) {
	switch evt.Kind {
	case bridge.EventDisconnected:
		e.HandleDisconnection(ctx, evt.AccountID, evt.Reason)
	case bridge.EventAuthenticated:
		e.HandleAuthenticated(ctx, evt.AccountID)
	}
}

// requeueAfter re-enqueues the account once its backoff has elapsed.
func (e *Engine) requeueAfter(accountID string, d time.Duration) {
	e.clock.AfterFunc(d, func() {
		e.Enqueue(accountID)
	})
}

// executeReconnect runs one complete attempt for one account. The per-attempt
// context is detached from the run loop so shutdown drains attempts instead
// of killing them mid-write; the operation tracker enforces the drain budget.
func (e *Engine) executeReconnect(accountID string) {
	defer e.clearPending(accountID)

	if e.tracker != nil {
		done, err := e.tracker.Track("reconnect:" + accountID)
		if err != nil {
			return
		}
		defer done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OperationWait())
	defer cancel()

	acquired, err := e.store.AcquireReconnectLock(ctx, accountID, e.cfg.LockTTL(), "reconnect")
	if err != nil {
		zap.L().Error("rehydrate: lock acquisition failed",
			zap.String("account_id", accountID), zap.Error(err))
		e.requeueAfter(accountID, e.cfg.InitialBackoff())
		return
	}
	if !acquired {
		// Another worker owns this account right now. Its lock expires within
		// the TTL, so check back then.
		zap.L().Debug("rehydrate: lock held elsewhere, deferring",
			zap.String("account_id", accountID))
		e.requeueAfter(accountID, e.cfg.LockTTL())
		return
	}
	if e.collector != nil {
		e.collector.SetLock(accountID, e.store.WorkerID())
	}
	defer func() {
		// The attempt ctx may already be spent after a full-budget bridge
		// call; release with a fresh one so the lock never lingers to TTL.
		rctx, rcancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer rcancel()
		if err := e.store.ReleaseReconnectLock(rctx, accountID); err != nil {
			zap.L().Warn("rehydrate: lock release failed",
				zap.String("account_id", accountID), zap.Error(err))
		}
		if e.collector != nil {
			e.collector.SetLock(accountID, "")
		}
	}()

	sched, err := e.store.RecordReconnectAttempt(ctx, accountID)
	if err != nil {
		if sessionstore.ErrCode(err) == sessionstore.CodeNotFound {
			return
		}
		zap.L().Error("rehydrate: record attempt failed",
			zap.String("account_id", accountID), zap.Error(err))
		e.requeueAfter(accountID, e.cfg.InitialBackoff())
		return
	}

	loaded, err := e.store.LoadSession(ctx, accountID)
	if err != nil {
		if sessionstore.ErrCode(err) != sessionstore.CodeNotFound {
			zap.L().Error("rehydrate: load session failed",
				zap.String("account_id", accountID), zap.Error(err))
		}
		return
	}
	if loaded.Corrupt {
		zap.L().Error("rehydrate: stored session failed checksum, halting account",
			zap.String("account_id", accountID))
		return
	}
	if !loaded.Payload.Valid() {
		zap.L().Warn("rehydrate: credential payload incomplete, pairing required",
			zap.String("account_id", accountID))
		_ = e.store.MarkValidation(ctx, accountID, domain.ValidationQRRequired, "incomplete credentials")
		return
	}

	zap.L().Info("rehydrate: attempting reconnect",
		zap.String("account_id", accountID),
		zap.Int("attempt", sched.Attempts),
		zap.Int("backoff_seconds", sched.BackoffSeconds))

	start := e.clock.Now()
	result, err := e.bridge.AttemptConnect(ctx, accountID, loaded.Payload)
	latency := e.clock.Now().Sub(start)

	// The bridge call may have consumed the whole attempt budget; the outcome
	// still has to reach the store, so write it under its own deadline.
	outCtx, outCancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer outCancel()

	switch {
	case err == nil && result.Success:
		e.onSuccess(outCtx, accountID, latency)
	case err == nil && result.LoggedOut:
		e.onLoggedOut(outCtx, accountID, result.Detail, latency)
	default:
		detail := result.Detail
		if err != nil {
			detail = err.Error()
		}
		e.onFailure(outCtx, accountID, detail, sched, latency)
	}
}

func (e *Engine) onSuccess(ctx context.Context, accountID string, latency time.Duration) {
	e.breaker.RecordSuccess()
	if e.collector != nil {
		e.collector.ObserveReconnect(accountID, latency, true)
	}
	if err := e.store.UpdateConnectionStatus(ctx, accountID, domain.StatusConnected, ""); err != nil {
		zap.L().Error("rehydrate: record success failed",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	zap.L().Info("rehydrate: reconnected",
		zap.String("account_id", accountID),
		zap.Duration("latency", latency))
}

func (e *Engine) onLoggedOut(ctx context.Context, accountID, detail string, latency time.Duration) {
	if e.collector != nil {
		e.collector.ObserveReconnect(accountID, latency, false)
	}
	zap.L().Warn("rehydrate: credentials rejected, pairing required",
		zap.String("account_id", accountID),
		zap.String("detail", detail))
	_ = e.store.MarkValidation(ctx, accountID, domain.ValidationQRRequired, detail)
}

func (e *Engine) onFailure(ctx context.Context, accountID, detail string,
	sched *sessionstore.ReconnectSchedule, latency time.Duration) {
	if e.collector != nil {
		e.collector.ObserveReconnect(accountID, latency, false)
	}

	if tripped := e.breaker.RecordFailure(); tripped {
		if e.collector != nil {
			e.collector.SetBreaker(true)
		}
		zap.L().Error("rehydrate: circuit breaker tripped",
			zap.Int("threshold", e.cfg.BreakerThreshold),
			zap.Duration("cooldown", e.cfg.BreakerCooldown()))
	}

	if sched.Attempts >= e.cfg.MaxReconnectAttempts {
		zap.L().Error("rehydrate: retry budget exhausted, halting account",
			zap.String("account_id", accountID),
			zap.Int("attempts", sched.Attempts),
			zap.String("detail", detail))
		_ = e.store.MarkValidation(ctx, accountID, domain.ValidationMaxRetries, detail)
		return
	}

	backoff := time.Duration(sched.BackoffSeconds) * time.Second
	zap.L().Warn("rehydrate: attempt failed, backing off",
		zap.String("account_id", accountID),
		zap.Int("attempt", sched.Attempts),
		zap.Duration("backoff", backoff),
		zap.String("detail", detail))
	e.requeueAfter(accountID, backoff)
}
