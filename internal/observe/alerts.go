package observe

import (
	"fmt"

	"github.com/talkincode/warelay/internal/domain"
)

// Level is the overall alert severity.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one actionable finding from threshold evaluation.
type Alert struct {
	Code        string `json:"code"`
	Level       Level  `json:"level"`
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
	AccountID   string `json:"account_id,omitempty"`
}

// AlertThresholds holds the warning/critical tiers. Durations are seconds to
// keep the yaml surface flat.
type AlertThresholds struct {
	HeartbeatWarnSec        float64
	HeartbeatCritSec        float64
	AttemptsWarn            int
	AttemptsCrit            int
	CredentialAgeWarnSec    float64
	CredentialAgeCritSec    float64
	LatencyWarnMillis       int64
	LatencyCritMillis       int64
	MissedHeartbeatsWarn    int
	MissedHeartbeatsCrit    int
	ValidationFailuresWarn  int
	ValidationFailuresCrit  int
	DisconnectedWarnSeconds float64
	DisconnectedCritSeconds float64
}

var DefaultAlertThresholds = AlertThresholds{
	HeartbeatWarnSec:        60,
	HeartbeatCritSec:        300,
	AttemptsWarn:            5,
	AttemptsCrit:            8,
	CredentialAgeWarnSec:    24 * 3600,
	CredentialAgeCritSec:    72 * 3600,
	LatencyWarnMillis:       15000,
	LatencyCritMillis:       30000,
	MissedHeartbeatsWarn:    3,
	MissedHeartbeatsCrit:    10,
	ValidationFailuresWarn:  1,
	ValidationFailuresCrit:  3,
	DisconnectedWarnSeconds: 300,
	DisconnectedCritSeconds: 1800,
}

func (t AlertThresholds) withDefaults() AlertThresholds {
	def := DefaultAlertThresholds
	if t.HeartbeatWarnSec <= 0 {
		t.HeartbeatWarnSec = def.HeartbeatWarnSec
	}
	if t.HeartbeatCritSec <= 0 {
		t.HeartbeatCritSec = def.HeartbeatCritSec
	}
	if t.AttemptsWarn <= 0 {
		t.AttemptsWarn = def.AttemptsWarn
	}
	if t.AttemptsCrit <= 0 {
		t.AttemptsCrit = def.AttemptsCrit
	}
	if t.CredentialAgeWarnSec <= 0 {
		t.CredentialAgeWarnSec = def.CredentialAgeWarnSec
	}
	if t.CredentialAgeCritSec <= 0 {
		t.CredentialAgeCritSec = def.CredentialAgeCritSec
	}
	if t.LatencyWarnMillis <= 0 {
		t.LatencyWarnMillis = def.LatencyWarnMillis
	}
	if t.LatencyCritMillis <= 0 {
		t.LatencyCritMillis = def.LatencyCritMillis
	}
	if t.MissedHeartbeatsWarn <= 0 {
		t.MissedHeartbeatsWarn = def.MissedHeartbeatsWarn
	}
	if t.MissedHeartbeatsCrit <= 0 {
		t.MissedHeartbeatsCrit = def.MissedHeartbeatsCrit
	}
	if t.ValidationFailuresWarn <= 0 {
		t.ValidationFailuresWarn = def.ValidationFailuresWarn
	}
	if t.ValidationFailuresCrit <= 0 {
		t.ValidationFailuresCrit = def.ValidationFailuresCrit
	}
	if t.DisconnectedWarnSeconds <= 0 {
		t.DisconnectedWarnSeconds = def.DisconnectedWarnSeconds
	}
	if t.DisconnectedCritSeconds <= 0 {
		t.DisconnectedCritSeconds = def.DisconnectedCritSeconds
	}
	return t
}

// evaluateLocked is pure over the assembled snapshot; callers hold the read
// lock only because thresholds live on the collector.
func (c *Collector) evaluateLocked(data ObservabilityData) (Level, []Alert) {
	t := c.thresholds
	var alerts []Alert
	add := func(a Alert) { alerts = append(alerts, a) }

	// Heartbeat staleness only matters once the loop has started beating.
	if data.HeartbeatCount > 0 {
		switch {
		case data.HeartbeatAge >= t.HeartbeatCritSec:
			add(Alert{Code: "HEARTBEAT_DEAD", Level: LevelCritical,
				Message:     fmt.Sprintf("no engine heartbeat for %.0fs", data.HeartbeatAge),
				Remediation: "restart the worker; check for a wedged event loop or database stall"})
		case data.HeartbeatAge >= t.HeartbeatWarnSec:
			add(Alert{Code: "HEARTBEAT_STALE", Level: LevelWarning,
				Message:     fmt.Sprintf("engine heartbeat is %.0fs old", data.HeartbeatAge),
				Remediation: "check database latency and event loop load"})
		}
	}

	switch {
	case data.HeartbeatMisses >= t.MissedHeartbeatsCrit:
		add(Alert{Code: "HEARTBEAT_MISSES", Level: LevelCritical,
			Message:     fmt.Sprintf("%d consecutive missed heartbeats", data.HeartbeatMisses),
			Remediation: "restart the worker process"})
	case data.HeartbeatMisses >= t.MissedHeartbeatsWarn:
		add(Alert{Code: "HEARTBEAT_MISSES", Level: LevelWarning,
			Message:     fmt.Sprintf("%d consecutive missed heartbeats", data.HeartbeatMisses),
			Remediation: "check scheduler job health"})
	}

	if data.BreakerOpen {
		add(Alert{Code: "BREAKER_OPEN", Level: LevelWarning,
			Message:     fmt.Sprintf("circuit breaker open for %.0fs, reconnection paused", data.BreakerOpenFor),
			Remediation: "check bridge service availability; breaker auto-resets after cool-down"})
	}

	for id, a := range data.Accounts {
		switch {
		case a.ReconnectAttempts >= t.AttemptsCrit:
			add(Alert{Code: "RECONNECT_ATTEMPTS", Level: LevelCritical, AccountID: id,
				Message:     fmt.Sprintf("account %s at %d reconnect attempts", id, a.ReconnectAttempts),
				Remediation: "inspect bridge logs; account is close to the retry ceiling"})
		case a.ReconnectAttempts >= t.AttemptsWarn:
			add(Alert{Code: "RECONNECT_ATTEMPTS", Level: LevelWarning, AccountID: id,
				Message:     fmt.Sprintf("account %s at %d reconnect attempts", id, a.ReconnectAttempts),
				Remediation: "watch for a systemic bridge outage"})
		}

		if a.HasCredentialWriteRecord {
			switch {
			case a.CredentialAgeSeconds >= t.CredentialAgeCritSec:
				add(Alert{Code: "CREDENTIALS_STALE", Level: LevelCritical, AccountID: id,
					Message:     fmt.Sprintf("account %s credentials last written %.0fh ago", id, a.CredentialAgeSeconds/3600),
					Remediation: "re-authenticate the account before the session expires server-side"})
			case a.CredentialAgeSeconds >= t.CredentialAgeWarnSec:
				add(Alert{Code: "CREDENTIALS_STALE", Level: LevelWarning, AccountID: id,
					Message:     fmt.Sprintf("account %s credentials last written %.0fh ago", id, a.CredentialAgeSeconds/3600),
					Remediation: "verify credential refresh is running"})
			}
		}

		if a.LastLatencyMillis > 0 {
			switch {
			case a.LastLatencyMillis >= t.LatencyCritMillis:
				add(Alert{Code: "RECONNECT_SLOW", Level: LevelCritical, AccountID: id,
					Message:     fmt.Sprintf("account %s last reconnect took %dms", id, a.LastLatencyMillis),
					Remediation: "check network path to the messaging service"})
			case a.LastLatencyMillis >= t.LatencyWarnMillis:
				add(Alert{Code: "RECONNECT_SLOW", Level: LevelWarning, AccountID: id,
					Message:     fmt.Sprintf("account %s last reconnect took %dms", id, a.LastLatencyMillis),
					Remediation: "watch reconnect latency trend"})
			}
		}

		switch {
		case a.ValidationFailures >= t.ValidationFailuresCrit:
			add(Alert{Code: "VALIDATION_FAILURES", Level: LevelCritical, AccountID: id,
				Message:     fmt.Sprintf("account %s has %d validation failures", id, a.ValidationFailures),
				Remediation: "clear the session and re-pair; stored state is unreliable"})
		case a.ValidationFailures >= t.ValidationFailuresWarn:
			add(Alert{Code: "VALIDATION_FAILURES", Level: LevelWarning, AccountID: id,
				Message:     fmt.Sprintf("account %s has %d validation failures", id, a.ValidationFailures),
				Remediation: "check for concurrent writers or storage faults"})
		}

		if a.ValidationStatus == domain.ValidationCorrupt {
			add(Alert{Code: "SESSION_CORRUPT", Level: LevelCritical, AccountID: id,
				Message:     fmt.Sprintf("account %s session failed checksum verification", id),
				Remediation: "manual re-authentication required; automatic reconnect is halted"})
		}
		if a.ValidationStatus == domain.ValidationMaxRetries {
			add(Alert{Code: "MAX_RETRIES", Level: LevelCritical, AccountID: id,
				Message:     fmt.Sprintf("account %s exhausted its reconnect budget", id),
				Remediation: "investigate the failure cause, then trigger a manual reconnect"})
		}

		if a.DisconnectedForSeconds > 0 {
			switch {
			case a.DisconnectedForSeconds >= t.DisconnectedCritSeconds:
				add(Alert{Code: "DISCONNECTED_LONG", Level: LevelCritical, AccountID: id,
					Message:     fmt.Sprintf("account %s disconnected for %.0fs", id, a.DisconnectedForSeconds),
					Remediation: "check bridge availability and the account's retry state"})
			case a.DisconnectedForSeconds >= t.DisconnectedWarnSeconds:
				add(Alert{Code: "DISCONNECTED_LONG", Level: LevelWarning, AccountID: id,
					Message:     fmt.Sprintf("account %s disconnected for %.0fs", id, a.DisconnectedForSeconds),
					Remediation: "reconnection should be in progress; verify the queue is moving"})
			}
		}
	}

	level := LevelOK
	for _, a := range alerts {
		if a.Level == LevelCritical {
			level = LevelCritical
			break
		}
		level = LevelWarning
	}
	return level, alerts
}
