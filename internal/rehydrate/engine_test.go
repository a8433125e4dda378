package rehydrate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/warelay/config"
	"github.com/talkincode/warelay/internal/bridge"
	"github.com/talkincode/warelay/internal/domain"
	"github.com/talkincode/warelay/internal/observe"
	"github.com/talkincode/warelay/internal/sessionstore"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeBridge scripts connect outcomes per account and records calls. A gated
// account blocks inside AttemptConnect until its gate closes or the attempt
// context expires; onCall observes every dispatch as it happens.
type fakeBridge struct {
	mu      sync.Mutex
	results map[string]bridge.ConnectResult
	calls   map[string]int
	gates   map[string]chan struct{}
	onCall  func(accountID string)
	events  chan bridge.Event
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		results: make(map[string]bridge.ConnectResult),
		calls:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
		events:  make(chan bridge.Event, 16),
	}
}

func (f *fakeBridge) set(accountID string, res bridge.ConnectResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[accountID] = res
}

func (f *fakeBridge) gate(accountID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[accountID] = g
	return g
}

func (f *fakeBridge) callCount(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

func (f *fakeBridge) AttemptConnect(ctx context.Context, accountID string, creds sessionstore.CredentialPayload) (bridge.ConnectResult, error) {
	f.mu.Lock()
	f.calls[accountID]++
	res := f.results[accountID]
	g := f.gates[accountID]
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(accountID)
	}
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
		}
	}
	return res, nil
}

func (f *fakeBridge) Events() <-chan bridge.Event { return f.events }
func (f *fakeBridge) Close() error                { return nil }

type testRig struct {
	engine    *Engine
	store     *sessionstore.Store
	bridge    *fakeBridge
	collector *observe.Collector
	clock     *clock.Mock
	db        *gorm.DB
	cfg       config.SessionConfig
}

func newTestRig(t *testing.T, mutate func(*config.SessionConfig)) *testRig {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrator().AutoMigrate(domain.Tables...))

	cfg := config.DefaultSessionConfig
	if mutate != nil {
		mutate(&cfg)
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	store := sessionstore.NewStore(db, cfg, nil, mock)
	collector := observe.NewCollector(mock)
	fb := newFakeBridge()
	engine := New(cfg, store, fb, collector, nil, mock)
	return &testRig{engine: engine, store: store, bridge: fb, collector: collector, clock: mock, db: db, cfg: cfg}
}

func (r *testRig) seedDisconnected(t *testing.T, accountID, reason string) {
	t.Helper()
	ctx := context.Background()
	_, err := r.store.SaveSession(ctx, accountID, sessionstore.CredentialPayload{
		JID:            accountID + "@s.whatsapp.net",
		DeviceID:       "device-1",
		RegistrationID: 99,
	}, sessionstore.SessionMeta{})
	require.NoError(t, err)
	require.NoError(t, r.store.UpdateConnectionStatus(ctx, accountID, domain.StatusDisconnected, reason))
}

func (r *testRig) record(t *testing.T, accountID string) domain.SessionRecord {
	t.Helper()
	var rec domain.SessionRecord
	require.NoError(t, r.db.Where("account_id = ?", accountID).First(&rec).Error)
	return rec
}

func TestReconnectSuccess(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{Success: true})

	rig.engine.executeReconnect("acct-1")

	rec := rig.record(t, "acct-1")
	assert.Equal(t, domain.StatusConnected, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Zero(t, rec.BackoffSeconds)
	assert.Equal(t, 1, rig.bridge.callCount("acct-1"))

	// Lock released afterwards.
	var locks int64
	rig.db.Model(&domain.SessionLock{}).Count(&locks)
	assert.EqualValues(t, 0, locks)
	assert.Zero(t, rig.engine.breaker.Failures())
}

func TestReconnectFailureSchedulesRetry(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{Detail: "socket closed"})

	rig.engine.executeReconnect("acct-1")

	rec := rig.record(t, "acct-1")
	assert.Equal(t, domain.StatusReconnecting, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 10, rec.BackoffSeconds)

	// The requeue timer fires once the backoff elapses.
	rig.clock.Add(10 * time.Second)
	select {
	case id := <-rig.engine.queue:
		assert.Equal(t, "acct-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected a requeued account after the backoff")
	}
}

func TestBreakerTripsAndCoolsDown(t *testing.T) {
	rig := newTestRig(t, nil)
	for _, id := range []string{"a1", "a2", "a3"} {
		rig.seedDisconnected(t, id, "STREAM_ERROR")
		rig.bridge.set(id, bridge.ConnectResult{Detail: "refused"})
	}

	rig.engine.executeReconnect("a1")
	rig.engine.executeReconnect("a2")
	assert.False(t, rig.engine.breaker.Open())
	rig.engine.executeReconnect("a3")
	assert.True(t, rig.engine.breaker.Open())

	snap := rig.collector.Snapshot()
	assert.True(t, snap.BreakerOpen)
	assert.Equal(t, 1, snap.BreakerTrips)

	// Cool-down elapses, breaker auto-resets.
	rig.clock.Add(60 * time.Second)
	assert.False(t, rig.engine.breaker.Open())
}

func TestSuccessResetsBreakerStreak(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "bad", "STREAM_ERROR")
	rig.seedDisconnected(t, "good", "STREAM_ERROR")
	rig.bridge.set("bad", bridge.ConnectResult{Detail: "refused"})
	rig.bridge.set("good", bridge.ConnectResult{Success: true})

	rig.engine.executeReconnect("bad")
	rig.engine.executeReconnect("bad")
	rig.engine.executeReconnect("good")
	rig.engine.executeReconnect("bad")
	assert.False(t, rig.engine.breaker.Open())
}

func TestMaxAttemptsHaltsAccount(t *testing.T) {
	rig := newTestRig(t, func(c *config.SessionConfig) {
		c.MaxReconnectAttempts = 2
		c.BreakerThreshold = 100
	})
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{Detail: "refused"})

	rig.engine.executeReconnect("acct-1")
	rig.engine.executeReconnect("acct-1")

	rec := rig.record(t, "acct-1")
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, domain.ValidationMaxRetries, rec.ValidationStatus)

	// Halted accounts never reappear in the eligibility sweep.
	rig.clock.Add(time.Hour)
	records, err := rig.store.SessionsForReconnect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoggedOutRequiresPairing(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{LoggedOut: true, Detail: "device removed"})

	rig.engine.executeReconnect("acct-1")

	rec := rig.record(t, "acct-1")
	assert.Equal(t, domain.ValidationQRRequired, rec.ValidationStatus)
	assert.Equal(t, domain.StatusQRRequired, rec.Status)

	// No retry is ever scheduled for a logged-out account.
	rig.clock.Add(time.Hour)
	records, err := rig.store.SessionsForReconnect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCorruptSessionNeverReachesBridge(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	require.NoError(t, rig.db.Model(&domain.SessionRecord{}).
		Where("account_id = ?", "acct-1").
		Update("credentials", `{"jid":"evil@s.whatsapp.net"}`).Error)

	rig.engine.executeReconnect("acct-1")

	assert.Zero(t, rig.bridge.callCount("acct-1"))
	rec := rig.record(t, "acct-1")
	assert.Equal(t, domain.ValidationCorrupt, rec.ValidationStatus)
}

func TestLockHeldElsewhereDefers(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{Success: true})

	require.NoError(t, rig.db.Create(&domain.SessionLock{
		AccountID:  "acct-1",
		Holder:     "other-host-999",
		Operation:  "reconnect",
		AcquiredAt: rig.clock.Now(),
		ExpiresAt:  rig.clock.Now().Add(60 * time.Second),
	}).Error)

	rig.engine.executeReconnect("acct-1")
	assert.Zero(t, rig.bridge.callCount("acct-1"))
	rec := rig.record(t, "acct-1")
	assert.Zero(t, rec.Attempts)

	// Deferred until the foreign lock's TTL, then requeued.
	rig.clock.Add(60 * time.Second)
	select {
	case id := <-rig.engine.queue:
		assert.Equal(t, "acct-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected a deferred requeue after the lock TTL")
	}
}

func TestHandleDisconnectionTerminalReasons(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	for _, reason := range []string{"LOGGED_OUT", "SESSION_CONFLICT", "NAVIGATION", "ACCOUNT_BANNED"} {
		id := "acct-" + reason
		rig.seedDisconnected(t, id, "")
		rig.engine.HandleDisconnection(ctx, id, reason)
		select {
		case got := <-rig.engine.queue:
			t.Fatalf("terminal reason %s queued account %s", reason, got)
		default:
		}
	}

	// LOGGED_OUT additionally demands a fresh pairing.
	rec := rig.record(t, "acct-LOGGED_OUT")
	assert.Equal(t, domain.ValidationQRRequired, rec.ValidationStatus)
}

func TestHandleDisconnectionRetriableQueues(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "")

	rig.engine.HandleDisconnection(context.Background(), "acct-1", "STREAM_ERROR")

	select {
	case id := <-rig.engine.queue:
		assert.Equal(t, "acct-1", id)
	default:
		t.Fatal("retriable disconnect should queue the account")
	}
	rec := rig.record(t, "acct-1")
	assert.Equal(t, domain.StatusDisconnected, rec.Status)
	assert.Equal(t, "STREAM_ERROR", rec.DisconnectReason)
}

func TestEnqueueDeduplicates(t *testing.T) {
	rig := newTestRig(t, nil)
	assert.True(t, rig.engine.Enqueue("acct-1"))
	assert.False(t, rig.engine.Enqueue("acct-1"))
	assert.True(t, rig.engine.Enqueue("acct-2"))
}

func TestRunQueuesEligibleSessionsAndSignalsReady(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "PROTOCOL_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{Success: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rig.engine.Run(ctx)
	}()

	// Walk the mock clock through the settle delay, the dispatch and the
	// stagger pause until the attempt lands.
	deadline := time.After(5 * time.Second)
	for rig.bridge.callCount("acct-1") == 0 {
		select {
		case <-deadline:
			t.Fatal("reconnect attempt never dispatched")
		default:
		}
		rig.clock.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-rig.engine.Ready():
	case <-time.After(time.Second):
		t.Fatal("engine never became ready")
	}
	assert.True(t, rig.collector.Ready())

	require.Eventually(t, func() bool {
		return rig.record(t, "acct-1").Status == domain.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

// advanceUntil walks the mock clock forward a second at a time, yielding to
// the scheduler between steps, until cond holds or the real-time deadline hits.
func (r *testRig) advanceUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
		}
		r.clock.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBreakerOpenHoldsQueuedDispatch(t *testing.T) {
	rig := newTestRig(t, func(c *config.SessionConfig) {
		c.BreakerThreshold = 1
	})
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	rig.seedDisconnected(t, "acct-2", "STREAM_ERROR")
	// Keep acct-2 out of the initial sweep; it arrives via Enqueue later.
	require.NoError(t, rig.db.Model(&domain.SessionRecord{}).
		Where("account_id = ?", "acct-2").
		Update("next_attempt_at", rig.clock.Now().Add(time.Hour)).Error)
	rig.bridge.set("acct-1", bridge.ConnectResult{Detail: "refused"})
	rig.bridge.set("acct-2", bridge.ConnectResult{Success: true})

	var hookMu sync.Mutex
	openAt := make(map[string]bool)
	rig.bridge.onCall = func(id string) {
		hookMu.Lock()
		openAt[id] = rig.engine.breaker.Open()
		hookMu.Unlock()
	}
	gate := rig.bridge.gate("acct-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rig.engine.Run(ctx)
	}()

	// acct-1 is dispatched and held open inside the bridge; acct-2 queues up
	// behind it while the run loop is parked.
	rig.advanceUntil(t, func() bool { return rig.bridge.callCount("acct-1") == 1 },
		"first attempt never dispatched")
	require.True(t, rig.engine.Enqueue("acct-2"))
	rig.clock.Add(3 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, rig.bridge.callCount("acct-2"))

	// Releasing acct-1 lets its failure trip the breaker and free the slot.
	rig.bridge.set("acct-1", bridge.ConnectResult{Success: true})
	close(gate)
	require.Eventually(t, func() bool { return rig.engine.breaker.Open() },
		2*time.Second, 5*time.Millisecond)

	// The freed slot must not leak the queued account out while open.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rig.bridge.callCount("acct-2"))
	for i := 0; i < 30; i++ {
		rig.clock.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Zero(t, rig.bridge.callCount("acct-2"))

	// After the cool-down the deferred account goes through with the breaker
	// closed again.
	rig.advanceUntil(t, func() bool { return rig.bridge.callCount("acct-2") == 1 },
		"deferred account never dispatched after cool-down")
	hookMu.Lock()
	assert.False(t, openAt["acct-2"])
	hookMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestRunBackoffLadderAndBreakerPause(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "PROTOCOL_ERROR")
	rig.seedDisconnected(t, "acct-2", "PROTOCOL_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{Detail: "refused"})
	rig.bridge.set("acct-2", bridge.ConnectResult{Detail: "refused"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rig.engine.Run(ctx)
	}()

	// Round one: both accounts attempted once, acct-1 on the first rung.
	rig.advanceUntil(t, func() bool {
		return rig.bridge.callCount("acct-1") == 1 && rig.bridge.callCount("acct-2") == 1
	}, "first reconnect round never dispatched")
	rec := rig.record(t, "acct-1")
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 10, rec.BackoffSeconds)

	// The 10s backoff elapses and acct-1 climbs to the second rung.
	rig.advanceUntil(t, func() bool { return rig.bridge.callCount("acct-1") == 2 },
		"second attempt never dispatched")
	rec = rig.record(t, "acct-1")
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 20, rec.BackoffSeconds)

	// That was the third consecutive failure across accounts: breaker opens
	// and all processing pauses.
	require.Eventually(t, func() bool { return rig.engine.breaker.Open() },
		2*time.Second, 5*time.Millisecond)
	before := rig.bridge.callCount("acct-1") + rig.bridge.callCount("acct-2")
	for i := 0; i < 30; i++ {
		rig.clock.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, before, rig.bridge.callCount("acct-1")+rig.bridge.callCount("acct-2"))

	// Cool-down over: the accounts requeued during the pause are retried.
	rig.advanceUntil(t, func() bool {
		return rig.bridge.callCount("acct-1")+rig.bridge.callCount("acct-2") > before
	}, "processing never resumed after the cool-down")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestSlowAttemptReleasesLockAndPersistsOutcome(t *testing.T) {
	rig := newTestRig(t, func(c *config.SessionConfig) {
		c.OperationWaitSeconds = 1
	})
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")
	rig.bridge.set("acct-1", bridge.ConnectResult{Detail: "timed out"})
	// Gate never closes: the bridge call eats the whole attempt budget and
	// only returns when the attempt context expires.
	rig.bridge.gate("acct-1")

	rig.engine.executeReconnect("acct-1")

	// The lock must not linger to its TTL just because the attempt context
	// was already spent.
	var locks int64
	rig.db.Model(&domain.SessionLock{}).Count(&locks)
	assert.EqualValues(t, 0, locks)

	rec := rig.record(t, "acct-1")
	assert.Equal(t, domain.StatusReconnecting, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 10, rec.BackoffSeconds)
}

func TestSweepSkipsUnusableCredentials(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "no-jid", "STREAM_ERROR")
	rig.seedDisconnected(t, "garbled", "STREAM_ERROR")
	require.NoError(t, rig.db.Model(&domain.SessionRecord{}).
		Where("account_id = ?", "no-jid").
		Update("credentials", `{"jid":""}`).Error)
	require.NoError(t, rig.db.Model(&domain.SessionRecord{}).
		Where("account_id = ?", "garbled").
		Update("credentials", `not-json`).Error)

	queued, err := rig.engine.sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)
	select {
	case id := <-rig.engine.queue:
		t.Fatalf("unusable account %s was queued", id)
	default:
	}

	// Neither account burned an attempt; both wait for a fresh pairing.
	for _, id := range []string{"no-jid", "garbled"} {
		rec := rig.record(t, id)
		assert.Zero(t, rec.Attempts)
		assert.Equal(t, domain.ValidationQRRequired, rec.ValidationStatus)
	}
}

func TestHeartbeatSweepsDueRetries(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.seedDisconnected(t, "acct-1", "STREAM_ERROR")

	rig.engine.Heartbeat(context.Background())

	select {
	case id := <-rig.engine.queue:
		assert.Equal(t, "acct-1", id)
	default:
		t.Fatal("heartbeat sweep should queue the due account")
	}
	assert.Greater(t, rig.collector.Snapshot().HeartbeatCount, int64(0))
}
