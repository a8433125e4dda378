package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/warelay/internal/sessionstore"
	"go.uber.org/zap"
)

// getHealth is the load-balancer probe. 503 until the initial rehydration
// sweep has been queued, and while alerts report critical.
func (s *Server) getHealth(c echo.Context) error {
	health := s.collector.Health()
	status := http.StatusOK
	if !health.Ready || health.Status == "critical" {
		status = http.StatusServiceUnavailable
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	dbOK := true
	if err := s.store.Ping(ctx); err != nil {
		dbOK = false
		status = http.StatusServiceUnavailable
		zap.L().Warn("adminapi: health db ping failed", zap.Error(err))
	}
	return c.JSON(status, map[string]interface{}{
		"status":                health.Status,
		"ready":                 health.Ready,
		"database":              dbOK,
		"accounts":              health.Accounts,
		"connected":             health.Connected,
		"circuit_breaker_open":  health.BreakerOpen,
		"heartbeat_age_seconds": health.HeartbeatAgeSec,
		"alert_count":           health.AlertCount,
	})
}

// getObservability returns the full dashboard snapshot.
func (s *Server) getObservability(c echo.Context) error {
	return ok(c, s.collector.Snapshot())
}

// getAlerts returns only the evaluated alerts and overall level.
func (s *Server) getAlerts(c echo.Context) error {
	level, alerts := s.collector.EvaluateAlerts()
	return ok(c, map[string]interface{}{
		"level":  level,
		"alerts": alerts,
	})
}

// getMetrics serves the flat-text exposition for pull-based scrapers.
func (s *Server) getMetrics(c echo.Context) error {
	return c.String(http.StatusOK, s.collector.RenderText())
}

// sessionView is the list projection; credentials never leave the store.
type sessionView struct {
	AccountID        string `json:"account_id"`
	Phone            string `json:"phone,omitempty"`
	Platform         string `json:"platform,omitempty"`
	PushName         string `json:"push_name,omitempty"`
	Status           string `json:"status"`
	StatusChangedAt  string `json:"status_changed_at"`
	DisconnectReason string `json:"disconnect_reason,omitempty"`
	ValidationStatus string `json:"validation_status"`
	Attempts         int    `json:"attempts"`
	BackoffSeconds   int    `json:"backoff_seconds"`
	NextAttemptAt    string `json:"next_attempt_at,omitempty"`
	Checksum         string `json:"checksum"`
	SchemaVersion    int    `json:"schema_version"`
	UpdatedAt        string `json:"updated_at"`
}

func (s *Server) listSessions(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	records, err := s.store.ListSessions(ctx)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "LIST_FAILED", "Failed to list sessions", err.Error())
	}
	views := make([]sessionView, 0, len(records))
	for _, r := range records {
		v := sessionView{
			AccountID:        r.AccountID,
			Phone:            r.Phone,
			Platform:         r.Platform,
			PushName:         r.PushName,
			Status:           r.Status,
			StatusChangedAt:  r.StatusChangedAt.Format("2006-01-02 15:04:05"),
			DisconnectReason: r.DisconnectReason,
			ValidationStatus: r.ValidationStatus,
			Attempts:         r.Attempts,
			BackoffSeconds:   r.BackoffSeconds,
			Checksum:         r.Checksum,
			SchemaVersion:    r.SchemaVersion,
			UpdatedAt:        r.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		if !r.NextAttemptAt.IsZero() {
			v.NextAttemptAt = r.NextAttemptAt.Format("2006-01-02 15:04:05")
		}
		views = append(views, v)
	}
	return ok(c, map[string]interface{}{"sessions": views})
}

func (s *Server) getSessionEvents(c echo.Context) error {
	account := c.Param("account")
	if account == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "account is required", nil)
	}
	limit := cast.ToInt(c.QueryParam("limit"))

	ctx, cancel := reqCtx(c)
	defer cancel()
	events, err := s.store.RecentEvents(ctx, account, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "EVENTS_FAILED", "Failed to load events", err.Error())
	}
	return ok(c, map[string]interface{}{"events": events})
}

// postSaveSession registers or refreshes the credentials for an account.
// This is how paired accounts enter the durable store.
func (s *Server) postSaveSession(c echo.Context) error {
	var payload struct {
		AccountID      string `json:"account_id"`
		JID            string `json:"jid"`
		DeviceID       string `json:"device_id"`
		RegistrationID uint32 `json:"registration_id"`
		ClientToken    string `json:"client_token"`
		ServerToken    string `json:"server_token"`
		Phone          string `json:"phone"`
		Platform       string `json:"platform"`
		PushName       string `json:"push_name"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.AccountID == "" || payload.JID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "account_id and jid are required", nil)
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	receipt, err := s.store.SaveSession(ctx, payload.AccountID, sessionstore.CredentialPayload{
		JID:            payload.JID,
		DeviceID:       payload.DeviceID,
		RegistrationID: payload.RegistrationID,
		ClientToken:    payload.ClientToken,
		ServerToken:    payload.ServerToken,
		IssuedAt:       time.Now(),
	}, sessionstore.SessionMeta{
		Phone:    payload.Phone,
		Platform: payload.Platform,
		PushName: payload.PushName,
	})
	if err != nil {
		if sessionstore.ErrCode(err) == sessionstore.CodeInvalid {
			return fail(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Credential payload rejected", err.Error())
		}
		return fail(c, http.StatusInternalServerError, "SAVE_FAILED", "Failed to save session", err.Error())
	}
	s.collector.RecordCredentialWrite(payload.AccountID)
	zap.L().Info("adminapi: session credentials saved",
		zap.String("account_id", payload.AccountID),
		zap.String("checksum", receipt.Checksum))
	return ok(c, map[string]interface{}{"checksum": receipt.Checksum})
}

// postReconnect queues a manual reconnect attempt for one account.
func (s *Server) postReconnect(c echo.Context) error {
	account := c.Param("account")
	if account == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "account is required", nil)
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	if _, err := s.store.LoadSession(ctx, account); err != nil {
		if sessionstore.ErrCode(err) == sessionstore.CodeNotFound {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "No session for account", nil)
		}
		return fail(c, http.StatusInternalServerError, "STORE_FAILED", "Failed to load session", err.Error())
	}

	queued := s.engine.Enqueue(account)
	zap.L().Info("adminapi: manual reconnect requested",
		zap.String("account_id", account), zap.Bool("queued", queued))
	return c.JSON(http.StatusAccepted, response{Code: "OK",
		Data: map[string]interface{}{"queued": queued}})
}

// postLogout tears down the wire client and clears the stored session. An
// explicit logout is final: nothing requeues the account afterwards.
func (s *Server) postLogout(c echo.Context) error {
	account := c.Param("account")
	if account == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "account is required", nil)
	}

	if s.wire != nil {
		s.wire.Disconnect(account)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := s.store.ClearSession(ctx, account, "operator logout"); err != nil {
		return fail(c, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to clear session", err.Error())
	}
	zap.L().Info("adminapi: session logged out", zap.String("account_id", account))
	return ok(c, map[string]interface{}{"cleared": true})
}
