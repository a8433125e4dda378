package observe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/talkincode/warelay/internal/domain"
)

// RenderText writes the current metrics in the flat text exposition format
// used by pull-based scrapers: one line per sample with # HELP and # TYPE
// annotations per metric family.
func (c *Collector) RenderText() string {
	snap := c.Snapshot()
	var b strings.Builder

	family := func(name, help, typ string) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, typ)
	}

	family("warelay_uptime_seconds", "Seconds since the worker started.", "counter")
	fmt.Fprintf(&b, "warelay_uptime_seconds %.3f\n", snap.UptimeSeconds)

	family("warelay_ready", "1 once rehydration queueing has completed.", "gauge")
	fmt.Fprintf(&b, "warelay_ready %d\n", boolToInt(snap.Ready))

	family("warelay_queue_depth", "Accounts waiting in the reconnect queue.", "gauge")
	fmt.Fprintf(&b, "warelay_queue_depth %d\n", snap.QueueDepth)

	family("warelay_heartbeat_age_seconds", "Age of the last engine heartbeat.", "gauge")
	fmt.Fprintf(&b, "warelay_heartbeat_age_seconds %.3f\n", snap.HeartbeatAge)

	family("warelay_heartbeat_total", "Heartbeats recorded since start.", "counter")
	fmt.Fprintf(&b, "warelay_heartbeat_total %d\n", snap.HeartbeatCount)

	family("warelay_heartbeat_misses", "Consecutive missed heartbeats.", "gauge")
	fmt.Fprintf(&b, "warelay_heartbeat_misses %d\n", snap.HeartbeatMisses)

	family("warelay_circuit_breaker_open", "1 while reconnect processing is paused.", "gauge")
	fmt.Fprintf(&b, "warelay_circuit_breaker_open %d\n", boolToInt(snap.BreakerOpen))

	family("warelay_circuit_breaker_trips_total", "Times the breaker has opened.", "counter")
	fmt.Fprintf(&b, "warelay_circuit_breaker_trips_total %d\n", snap.BreakerTrips)

	ids := make([]string, 0, len(snap.Accounts))
	for id := range snap.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	family("warelay_session_up", "1 when the account session is connected.", "gauge")
	for _, id := range ids {
		fmt.Fprintf(&b, "warelay_session_up{account=%q} %d\n",
			id, boolToInt(snap.Accounts[id].Status == domain.StatusConnected))
	}

	family("warelay_reconnect_attempts", "Consecutive reconnect attempts for the account.", "gauge")
	for _, id := range ids {
		fmt.Fprintf(&b, "warelay_reconnect_attempts{account=%q} %d\n", id, snap.Accounts[id].ReconnectAttempts)
	}

	family("warelay_reconnect_last_latency_ms", "Duration of the last reconnect attempt.", "gauge")
	for _, id := range ids {
		fmt.Fprintf(&b, "warelay_reconnect_last_latency_ms{account=%q} %d\n", id, snap.Accounts[id].LastLatencyMillis)
	}

	family("warelay_session_checksum_valid", "1 while the stored credential checksum verifies.", "gauge")
	for _, id := range ids {
		fmt.Fprintf(&b, "warelay_session_checksum_valid{account=%q} %d\n", id, boolToInt(snap.Accounts[id].ChecksumValid))
	}

	family("warelay_session_validation_failures", "Validation failures observed for the account.", "counter")
	for _, id := range ids {
		fmt.Fprintf(&b, "warelay_session_validation_failures{account=%q} %d\n", id, snap.Accounts[id].ValidationFailures)
	}

	family("warelay_alert_level", "0 ok, 1 warning, 2 critical.", "gauge")
	fmt.Fprintf(&b, "warelay_alert_level %d\n", levelToInt(snap.AlertLevel))

	return b.String()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func levelToInt(l Level) int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}
