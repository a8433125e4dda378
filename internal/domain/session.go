package domain

import "time"

// Connection status values for SessionRecord.Status.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusReconnecting = "reconnecting"
	StatusQRRequired   = "qr_required"
)

// Validation status values for SessionRecord.ValidationStatus.
const (
	ValidationValid      = "valid"
	ValidationCorrupt    = "corrupt"
	ValidationExpired    = "expired"
	ValidationQRRequired = "qr_required"
	ValidationMaxRetries = "max_retries"
)

// CurrentSchemaVersion is stamped on every saved record so future migrations
// can tell old payload layouts apart.
const CurrentSchemaVersion = 2

// SessionRecord is the durable state of one authenticated account. One row
// per account; rows are only removed by an explicit logout/clear.
type SessionRecord struct {
	ID                  int64     `json:"id,string" gorm:"primaryKey"`
	AccountID           string    `json:"account_id" gorm:"uniqueIndex;size:128"`
	Credentials         string    `json:"-" gorm:"type:text"` // JSON credential payload, checksummed
	Phone               string    `json:"phone"`
	Platform            string    `json:"platform"`
	PushName            string    `json:"push_name"`
	Status              string    `json:"status" gorm:"index;size:24"`
	StatusChangedAt     time.Time `json:"status_changed_at"`
	DisconnectReason    string    `json:"disconnect_reason"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Attempts            int       `json:"attempts"`
	BackoffSeconds      int       `json:"backoff_seconds"`
	NextAttemptAt       time.Time `json:"next_attempt_at"`
	Checksum            string    `json:"checksum" gorm:"size:64"`
	ValidationStatus    string    `json:"validation_status" gorm:"index;size:24"`
	SchemaVersion       int       `json:"schema_version"`
	StateBlob           []byte    `json:"-"` // gzip-compressed full bridge state, optional
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (SessionRecord) TableName() string {
	return "wa_session"
}

// SessionEvent is an append-only audit entry. Rows expire after the
// configured retention window and are purged by a daily job.
type SessionEvent struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	AccountID string    `json:"account_id" gorm:"index;size:128"`
	EventType string    `json:"event_type" gorm:"size:48"`
	EventData string    `json:"event_data" gorm:"type:text"`
	WorkerID  string    `json:"worker_id" gorm:"size:128"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
}

func (SessionEvent) TableName() string {
	return "wa_session_event"
}

// SessionLock is the cross-process reconnect mutex for one account. At most
// one unexpired holder exists; acquisition is a single conditional upsert.
type SessionLock struct {
	AccountID  string    `json:"account_id" gorm:"primaryKey;size:128"`
	Holder     string    `json:"holder" gorm:"size:128"`
	Operation  string    `json:"operation" gorm:"size:48"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"index"`
}

func (SessionLock) TableName() string {
	return "wa_session_lock"
}
