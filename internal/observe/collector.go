// Package observe keeps the process-local metrics for the rehydration
// engine and evaluates operator alerts against them. Nothing here is
// persisted: the durable store is the system of record and these counters
// reset on restart.
package observe

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/talkincode/warelay/internal/domain"
	"github.com/talkincode/warelay/internal/sessionstore"
)

const latencyHistorySize = 32

type accountMetrics struct {
	Status              string
	StatusChangedAt     time.Time
	DisconnectReason    string
	ValidationStatus    string
	ValidationFailures  int
	ReconnectAttempts   int
	LastAttemptAt       time.Time
	LastLatency         time.Duration
	LatencyHistory      []time.Duration
	LastCredentialWrite time.Time
	LockHolder          string
	ChecksumValid       bool
}

// Collector owns all observability state for one worker process. Construct
// one per engine instance; tests run several side by side.
type Collector struct {
	mu    sync.RWMutex
	clock clock.Clock

	startedAt time.Time
	ready     bool

	accounts map[string]*accountMetrics

	heartbeatAt     time.Time
	heartbeatCount  int64
	heartbeatMisses int

	breakerOpen     bool
	breakerOpenedAt time.Time
	breakerTrips    int

	queueDepth int

	thresholds AlertThresholds
}

func NewCollector(clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.New()
	}
	return &Collector{
		clock:      clk,
		startedAt:  clk.Now(),
		accounts:   make(map[string]*accountMetrics),
		thresholds: DefaultAlertThresholds,
	}
}

// SetThresholds overrides the alert tiers; zero fields keep the defaults.
func (c *Collector) SetThresholds(t AlertThresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = t.withDefaults()
}

func (c *Collector) account(id string) *accountMetrics {
	m, ok := c.accounts[id]
	if !ok {
		m = &accountMetrics{ChecksumValid: true}
		c.accounts[id] = m
	}
	return m
}

// HandleTransition consumes store state transitions from the event bus.
func (c *Collector) HandleTransition(t sessionstore.StatusTransition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.account(t.AccountID)
	if t.Status != "" {
		m.Status = t.Status
		m.StatusChangedAt = t.At
		if t.Status == domain.StatusDisconnected {
			m.DisconnectReason = t.Reason
		}
	}
	if t.Validation != "" {
		m.ValidationStatus = t.Validation
		if t.Validation != domain.ValidationValid {
			m.ValidationFailures++
			m.ChecksumValid = t.Validation != domain.ValidationCorrupt
		} else {
			m.ChecksumValid = true
		}
	}
}

// ObserveReconnect records one reconnect attempt and its latency.
func (c *Collector) ObserveReconnect(accountID string, latency time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.account(accountID)
	m.ReconnectAttempts++
	m.LastAttemptAt = c.clock.Now()
	m.LastLatency = latency
	m.LatencyHistory = append(m.LatencyHistory, latency)
	if len(m.LatencyHistory) > latencyHistorySize {
		m.LatencyHistory = m.LatencyHistory[1:]
	}
	if success {
		m.ReconnectAttempts = 0
	}
}

// RecordHeartbeat marks the engine loop alive.
func (c *Collector) RecordHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatAt = c.clock.Now()
	c.heartbeatCount++
	c.heartbeatMisses = 0
}

// RecordMissedHeartbeat increments the consecutive-miss counter.
func (c *Collector) RecordMissedHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatMisses++
}

// RecordCredentialWrite notes a successful credential save.
func (c *Collector) RecordCredentialWrite(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account(accountID).LastCredentialWrite = c.clock.Now()
}

// SetLock tracks lock ownership; empty holder clears it.
func (c *Collector) SetLock(accountID, holder string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account(accountID).LockHolder = holder
}

// SetBreaker tracks the process-wide circuit breaker state.
func (c *Collector) SetBreaker(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if open && !c.breakerOpen {
		c.breakerOpenedAt = c.clock.Now()
		c.breakerTrips++
	}
	c.breakerOpen = open
}

// SetQueueDepth tracks the reconnect queue backlog.
func (c *Collector) SetQueueDepth(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth = n
}

// SetReady flips the readiness gate once rehydration queueing completes.
func (c *Collector) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready reports the readiness gate.
func (c *Collector) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// AccountSnapshot is the per-account projection inside ObservabilityData.
type AccountSnapshot struct {
	AccountID                string  `json:"account_id"`
	Status                   string  `json:"status"`
	StatusAgeSeconds         float64 `json:"status_age_seconds"`
	DisconnectReason         string  `json:"disconnect_reason,omitempty"`
	ValidationStatus         string  `json:"validation_status"`
	ValidationFailures       int     `json:"validation_failures"`
	ChecksumValid            bool    `json:"checksum_valid"`
	ReconnectAttempts        int     `json:"reconnect_attempts"`
	LastAttemptAgeSeconds    float64 `json:"last_attempt_age_seconds"`
	LastLatencyMillis        int64   `json:"last_latency_ms"`
	AvgLatencyMillis         int64   `json:"avg_latency_ms"`
	CredentialAgeSeconds     float64 `json:"credential_age_seconds"`
	LockHolder               string  `json:"lock_holder,omitempty"`
	DisconnectedForSeconds   float64 `json:"disconnected_for_seconds"`
	HasCredentialWriteRecord bool    `json:"has_credential_write_record"`
}

// ObservabilityData is the full dashboard snapshot. Assembled entirely from
// memory, no I/O.
type ObservabilityData struct {
	GeneratedAt     time.Time                  `json:"generated_at"`
	UptimeSeconds   float64                    `json:"uptime_seconds"`
	Ready           bool                       `json:"ready"`
	QueueDepth      int                        `json:"queue_depth"`
	HeartbeatAge    float64                    `json:"heartbeat_age_seconds"`
	HeartbeatCount  int64                      `json:"heartbeat_count"`
	HeartbeatMisses int                        `json:"heartbeat_misses"`
	BreakerOpen     bool                       `json:"circuit_breaker_open"`
	BreakerTrips    int                        `json:"circuit_breaker_trips"`
	BreakerOpenFor  float64                    `json:"circuit_breaker_open_seconds"`
	Accounts        map[string]AccountSnapshot `json:"accounts"`
	AlertLevel      Level                      `json:"alert_level"`
	Alerts          []Alert                    `json:"alerts"`
}

func (c *Collector) snapshotAccountLocked(id string, m *accountMetrics, now time.Time) AccountSnapshot {
	snap := AccountSnapshot{
		AccountID:          id,
		Status:             m.Status,
		DisconnectReason:   m.DisconnectReason,
		ValidationStatus:   m.ValidationStatus,
		ValidationFailures: m.ValidationFailures,
		ChecksumValid:      m.ChecksumValid,
		ReconnectAttempts:  m.ReconnectAttempts,
		LastLatencyMillis:  m.LastLatency.Milliseconds(),
		LockHolder:         m.LockHolder,
	}
	if !m.StatusChangedAt.IsZero() {
		snap.StatusAgeSeconds = now.Sub(m.StatusChangedAt).Seconds()
		if m.Status == domain.StatusDisconnected || m.Status == domain.StatusReconnecting {
			snap.DisconnectedForSeconds = snap.StatusAgeSeconds
		}
	}
	if !m.LastAttemptAt.IsZero() {
		snap.LastAttemptAgeSeconds = now.Sub(m.LastAttemptAt).Seconds()
	}
	if !m.LastCredentialWrite.IsZero() {
		snap.CredentialAgeSeconds = now.Sub(m.LastCredentialWrite).Seconds()
		snap.HasCredentialWriteRecord = true
	}
	if n := len(m.LatencyHistory); n > 0 {
		var total time.Duration
		for _, d := range m.LatencyHistory {
			total += d
		}
		snap.AvgLatencyMillis = (total / time.Duration(n)).Milliseconds()
	}
	return snap
}

// Snapshot assembles the full observability payload including alerts.
func (c *Collector) Snapshot() ObservabilityData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.clock.Now()

	data := ObservabilityData{
		GeneratedAt:     now,
		UptimeSeconds:   now.Sub(c.startedAt).Seconds(),
		Ready:           c.ready,
		QueueDepth:      c.queueDepth,
		HeartbeatCount:  c.heartbeatCount,
		HeartbeatMisses: c.heartbeatMisses,
		BreakerOpen:     c.breakerOpen,
		BreakerTrips:    c.breakerTrips,
		Accounts:        make(map[string]AccountSnapshot, len(c.accounts)),
	}
	if !c.heartbeatAt.IsZero() {
		data.HeartbeatAge = now.Sub(c.heartbeatAt).Seconds()
	}
	if c.breakerOpen {
		data.BreakerOpenFor = now.Sub(c.breakerOpenedAt).Seconds()
	}
	for id, m := range c.accounts {
		data.Accounts[id] = c.snapshotAccountLocked(id, m, now)
	}
	data.AlertLevel, data.Alerts = c.evaluateLocked(data)
	return data
}

// HealthStatus is the compact projection for load-balancer polling.
type HealthStatus struct {
	Status          string  `json:"status"`
	Ready           bool    `json:"ready"`
	Accounts        int     `json:"accounts"`
	Connected       int     `json:"connected"`
	BreakerOpen     bool    `json:"circuit_breaker_open"`
	HeartbeatAgeSec float64 `json:"heartbeat_age_seconds"`
	AlertCount      int     `json:"alert_count"`
}

// Health returns the compact status without building per-account snapshots
// beyond what alert evaluation needs.
func (c *Collector) Health() HealthStatus {
	snap := c.Snapshot()
	connected := 0
	for _, a := range snap.Accounts {
		if a.Status == domain.StatusConnected {
			connected++
		}
	}
	return HealthStatus{
		Status:          string(snap.AlertLevel),
		Ready:           snap.Ready,
		Accounts:        len(snap.Accounts),
		Connected:       connected,
		BreakerOpen:     snap.BreakerOpen,
		HeartbeatAgeSec: snap.HeartbeatAge,
		AlertCount:      len(snap.Alerts),
	}
}

// EvaluateAlerts runs the threshold checks against current metrics.
func (c *Collector) EvaluateAlerts() (Level, []Alert) {
	snap := c.Snapshot()
	return snap.AlertLevel, snap.Alerts
}
