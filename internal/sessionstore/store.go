package sessionstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/talkincode/warelay/config"
	"github.com/talkincode/warelay/internal/domain"
	"github.com/talkincode/warelay/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TopicTransition is published on the event bus for every connection or
// validation state change, so the observability collector stays decoupled
// from this package.
const TopicTransition = "session.transition"

// StatusTransition is the bus payload for TopicTransition.
type StatusTransition struct {
	AccountID  string
	Status     string
	Validation string
	Reason     string
	At         time.Time
}

// TransitionPublisher is satisfied by EventBus.
type TransitionPublisher interface {
	Publish(topic string, args ...interface{})
}

// SessionMeta carries the non-credential fields written by SaveSession.
type SessionMeta struct {
	Phone     string
	Platform  string
	PushName  string
	StateBlob []byte // already compressed by the caller, optional
}

// SaveReceipt is the success payload of SaveSession.
type SaveReceipt struct {
	AccountID string
	Checksum  string
}

// LoadedSession annotates a record with the integrity verdict. Corruption is
// reported here, never as an error: the caller decides how to halt.
type LoadedSession struct {
	Record  domain.SessionRecord
	Payload CredentialPayload
	Corrupt bool
}

// ReconnectSchedule is the result of RecordReconnectAttempt.
type ReconnectSchedule struct {
	Attempts       int
	BackoffSeconds int
	NextAttemptAt  time.Time
}

// Store is the durable session store. All cross-process mutations are single
// conditional writes so concurrent workers never lose updates.
type Store struct {
	db       *gorm.DB
	cfg      config.SessionConfig
	workerID string
	clock    clock.Clock
	bus      TransitionPublisher
}

func NewStore(db *gorm.DB, cfg config.SessionConfig, bus TransitionPublisher, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		db:       db,
		cfg:      cfg,
		workerID: common.WorkerID(),
		clock:    clk,
		bus:      bus,
	}
}

// WorkerID returns the lock-holder identity of this process.
func (s *Store) WorkerID() string { return s.workerID }

// Ping verifies the storage connection for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return opError("ping", CodeStorage, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return opError("ping", CodeStorage, err)
	}
	return nil
}

func (s *Store) publish(t StatusTransition) {
	if s.bus != nil {
		s.bus.Publish(TopicTransition, t)
	}
}

// SaveSession computes the credential checksum and upserts the record keyed
// by account id. Connection state and retry counters are left untouched on
// update; a credential refresh must not clobber an in-flight reconnect.
func (s *Store) SaveSession(ctx context.Context, accountID string, creds CredentialPayload, meta SessionMeta) (*SaveReceipt, error) {
	if accountID == "" {
		return nil, opError("save_session", CodeInvalid, nil)
	}
	payload, err := canonicalJSON(creds)
	if err != nil {
		return nil, opError("save_session", CodeInvalid, err)
	}
	checksum := common.Sha256Hash(payload)

	now := s.clock.Now()
	record := domain.SessionRecord{
		ID:               common.UUIDint64(),
		AccountID:        accountID,
		Credentials:      string(payload),
		Phone:            meta.Phone,
		Platform:         meta.Platform,
		PushName:         meta.PushName,
		Status:           domain.StatusConnected,
		StatusChangedAt:  now,
		Checksum:         checksum,
		ValidationStatus: domain.ValidationValid,
		SchemaVersion:    domain.CurrentSchemaVersion,
		StateBlob:        meta.StateBlob,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"credentials":       record.Credentials,
			"phone":             record.Phone,
			"platform":          record.Platform,
			"push_name":         record.PushName,
			"checksum":          record.Checksum,
			"validation_status": domain.ValidationValid,
			"schema_version":    domain.CurrentSchemaVersion,
			"state_blob":        record.StateBlob,
			"updated_at":        now,
		}),
	}).Create(&record).Error
	if err != nil {
		return nil, opError("save_session", CodeStorage, err)
	}

	s.appendEvent(ctx, accountID, "credentials_saved", map[string]interface{}{
		"checksum": checksum,
	})
	return &SaveReceipt{AccountID: accountID, Checksum: checksum}, nil
}

// LoadSession fetches the record and verifies its checksum. A mismatch marks
// the row corrupt and is reported on the returned value rather than failing
// the call.
func (s *Store) LoadSession(ctx context.Context, accountID string) (*LoadedSession, error) {
	var record domain.SessionRecord
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, opError("load_session", CodeNotFound, err)
	}
	if err != nil {
		return nil, opError("load_session", CodeStorage, err)
	}

	loaded := &LoadedSession{Record: record}
	fresh, err := ChecksumStored(record.Credentials)
	if err != nil || fresh != record.Checksum {
		loaded.Corrupt = true
		s.markCorrupt(ctx, accountID)
		loaded.Record.ValidationStatus = domain.ValidationCorrupt
		return loaded, nil
	}
	_ = json.Unmarshal([]byte(record.Credentials), &loaded.Payload)
	return loaded, nil
}

func (s *Store) markCorrupt(ctx context.Context, accountID string) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Model(&domain.SessionRecord{}).
		Where("account_id = ? AND validation_status <> ?", accountID, domain.ValidationCorrupt).
		Updates(map[string]interface{}{
			"validation_status": domain.ValidationCorrupt,
			"updated_at":        now,
		}).Error
	if err != nil {
		zap.L().Warn("session: failed to mark record corrupt",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	s.appendEvent(ctx, accountID, "session_corrupt", nil)
	s.publish(StatusTransition{AccountID: accountID, Validation: domain.ValidationCorrupt, At: now})
}

// UpdateConnectionStatus transitions the connection state. Reaching connected
// resets failure counters and backoff; disconnected records the reason.
func (s *Store) UpdateConnectionStatus(ctx context.Context, accountID, status, reason string) error {
	now := s.clock.Now()
	updates := map[string]interface{}{
		"status":            status,
		"status_changed_at": now,
		"updated_at":        now,
	}
	switch status {
	case domain.StatusConnected:
		updates["consecutive_failures"] = 0
		updates["attempts"] = 0
		updates["backoff_seconds"] = 0
		updates["disconnect_reason"] = ""
		updates["validation_status"] = domain.ValidationValid
	case domain.StatusDisconnected:
		updates["disconnect_reason"] = reason
		updates["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
	case domain.StatusQRRequired:
		updates["validation_status"] = domain.ValidationQRRequired
	}

	res := s.db.WithContext(ctx).Model(&domain.SessionRecord{}).
		Where("account_id = ?", accountID).Updates(updates)
	if res.Error != nil {
		return opError("update_status", CodeStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		return opError("update_status", CodeNotFound, gorm.ErrRecordNotFound)
	}

	s.appendEvent(ctx, accountID, "status_"+status, map[string]interface{}{
		"reason": reason,
	})
	s.publish(StatusTransition{AccountID: accountID, Status: status, Reason: reason, At: now})
	return nil
}

// RecordReconnectAttempt bumps the attempt counter and doubles the backoff up
// to the ceiling in one conditional write, then schedules the next try.
func (s *Store) RecordReconnectAttempt(ctx context.Context, accountID string) (*ReconnectSchedule, error) {
	now := s.clock.Now()
	initial := s.cfg.InitialBackoffSeconds
	ceiling := s.cfg.BackoffCeilingSeconds

	res := s.db.WithContext(ctx).Model(&domain.SessionRecord{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"attempts": gorm.Expr("attempts + 1"),
			"backoff_seconds": gorm.Expr(
				"CASE WHEN backoff_seconds <= 0 THEN ? WHEN backoff_seconds * 2 >= ? THEN ? ELSE backoff_seconds * 2 END",
				initial, ceiling, ceiling),
			"status":            domain.StatusReconnecting,
			"status_changed_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, opError("record_attempt", CodeStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, opError("record_attempt", CodeNotFound, gorm.ErrRecordNotFound)
	}

	var record domain.SessionRecord
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&record).Error; err != nil {
		return nil, opError("record_attempt", CodeStorage, err)
	}

	next := now.Add(time.Duration(record.BackoffSeconds) * time.Second)
	if err := s.db.WithContext(ctx).Model(&domain.SessionRecord{}).
		Where("account_id = ?", accountID).
		Update("next_attempt_at", next).Error; err != nil {
		return nil, opError("record_attempt", CodeStorage, err)
	}

	s.appendEvent(ctx, accountID, "reconnect_attempt", map[string]interface{}{
		"attempt":         record.Attempts,
		"backoff_seconds": record.BackoffSeconds,
	})
	return &ReconnectSchedule{
		Attempts:       record.Attempts,
		BackoffSeconds: record.BackoffSeconds,
		NextAttemptAt:  next,
	}, nil
}

// MarkValidation sets the validation verdict that halts automatic
// reconnection (corrupt, qr_required, max_retries, expired).
func (s *Store) MarkValidation(ctx context.Context, accountID, validation, note string) error {
	now := s.clock.Now()
	updates := map[string]interface{}{
		"validation_status": validation,
		"updated_at":        now,
	}
	if validation == domain.ValidationQRRequired {
		updates["status"] = domain.StatusQRRequired
		updates["status_changed_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&domain.SessionRecord{}).
		Where("account_id = ?", accountID).Updates(updates)
	if res.Error != nil {
		return opError("mark_validation", CodeStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		return opError("mark_validation", CodeNotFound, gorm.ErrRecordNotFound)
	}
	s.appendEvent(ctx, accountID, "validation_"+validation, map[string]interface{}{
		"note": note,
	})
	s.publish(StatusTransition{AccountID: accountID, Validation: validation, Reason: note, At: now})
	return nil
}

// AcquireReconnectLock takes the cross-process reconnect mutex for one
// account. The upsert only fires when the existing lock is expired or already
// ours, so at most one unexpired holder exists at any time.
func (s *Store) AcquireReconnectLock(ctx context.Context, accountID string, ttl time.Duration, operation string) (bool, error) {
	if ttl <= 0 {
		ttl = s.cfg.LockTTL()
	}
	now := s.clock.Now()
	lock := domain.SessionLock{
		AccountID:  accountID,
		Holder:     s.workerID,
		Operation:  operation,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("wa_session_lock.expires_at <= ? OR wa_session_lock.holder = ?", now, s.workerID),
		}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"holder":      lock.Holder,
			"operation":   lock.Operation,
			"acquired_at": lock.AcquiredAt,
			"expires_at":  lock.ExpiresAt,
		}),
	}).Create(&lock)
	if res.Error != nil {
		return false, opError("acquire_lock", CodeStorage, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReleaseReconnectLock drops the lock only if this worker still holds it.
func (s *Store) ReleaseReconnectLock(ctx context.Context, accountID string) error {
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND holder = ?", accountID, s.workerID).
		Delete(&domain.SessionLock{}).Error
	if err != nil {
		return opError("release_lock", CodeStorage, err)
	}
	return nil
}

// SessionsForReconnect returns the accounts eligible for an automatic
// reconnect: disconnected or mid-reconnect, integrity valid, retry budget
// remaining, and past their scheduled attempt time.
func (s *Store) SessionsForReconnect(ctx context.Context) ([]domain.SessionRecord, error) {
	now := s.clock.Now()
	var records []domain.SessionRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{domain.StatusDisconnected, domain.StatusReconnecting}).
		Where("validation_status = ?", domain.ValidationValid).
		Where("attempts < ?", s.cfg.MaxReconnectAttempts).
		Where("next_attempt_at <= ?", now).
		Order("next_attempt_at").
		Find(&records).Error
	if err != nil {
		return nil, opError("sessions_for_reconnect", CodeStorage, err)
	}
	return records, nil
}

// ListSessions returns every record for the dashboard surface.
func (s *Store) ListSessions(ctx context.Context) ([]domain.SessionRecord, error) {
	var records []domain.SessionRecord
	if err := s.db.WithContext(ctx).Order("account_id").Find(&records).Error; err != nil {
		return nil, opError("list_sessions", CodeStorage, err)
	}
	return records, nil
}

// ClearSession removes the record and its lock after an explicit logout. The
// audit trail keeps the final event past the deletion.
func (s *Store) ClearSession(ctx context.Context, accountID, reason string) error {
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Delete(&domain.SessionRecord{}).Error; err != nil {
		return opError("clear_session", CodeStorage, err)
	}
	_ = s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Delete(&domain.SessionLock{}).Error
	s.appendEvent(ctx, accountID, "session_cleared", map[string]interface{}{
		"reason": reason,
	})
	s.publish(StatusTransition{AccountID: accountID, Status: domain.StatusDisconnected, Reason: reason, At: s.clock.Now()})
	return nil
}

// ReapExpiredLocks reclaims locks abandoned by crashed holders. Run from the
// maintenance job; acquisition also steps over expired rows on its own.
func (s *Store) ReapExpiredLocks(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.clock.Now()).
		Delete(&domain.SessionLock{})
	if res.Error != nil {
		return 0, opError("reap_locks", CodeStorage, res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeExpiredEvents enforces the audit retention window.
func (s *Store) PurgeExpiredEvents(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.clock.Now()).
		Delete(&domain.SessionEvent{})
	if res.Error != nil {
		return 0, opError("purge_events", CodeStorage, res.Error)
	}
	return res.RowsAffected, nil
}

// RecentEvents returns the newest audit entries for one account.
func (s *Store) RecentEvents(ctx context.Context, accountID string, limit int) ([]domain.SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []domain.SessionEvent
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, opError("recent_events", CodeStorage, err)
	}
	return events, nil
}

// appendEvent writes an audit entry. Best-effort: a failure is logged and
// never propagates into the primary operation.
func (s *Store) appendEvent(ctx context.Context, accountID, eventType string, data map[string]interface{}) {
	payload := ""
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = string(b)
		}
	}
	now := s.clock.Now()
	event := domain.SessionEvent{
		ID:        common.UUIDint64(),
		AccountID: accountID,
		EventType: eventType,
		EventData: payload,
		WorkerID:  s.workerID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.cfg.EventRetentionDays) * 24 * time.Hour),
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		zap.L().Warn("session: audit event write failed",
			zap.String("account_id", accountID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
