package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type SystemConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LoggerConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// SessionConfig holds the rehydration engine tunables. Zero values are
// replaced with defaults in LoadConfig so a minimal yaml file still yields a
// working engine.
type SessionConfig struct {
	InitialBackoffSeconds int `yaml:"initial_backoff_seconds" json:"initial_backoff_seconds"`
	BackoffCeilingSeconds int `yaml:"backoff_ceiling_seconds" json:"backoff_ceiling_seconds"`
	MaxReconnectAttempts  int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	MaxConcurrent         int `yaml:"max_concurrent" json:"max_concurrent"`
	SettleDelaySeconds    int `yaml:"settle_delay_seconds" json:"settle_delay_seconds"`
	StaggerDelaySeconds   int `yaml:"stagger_delay_seconds" json:"stagger_delay_seconds"`
	BreakerThreshold      int `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldownSecs   int `yaml:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`
	LockTTLSeconds        int `yaml:"lock_ttl_seconds" json:"lock_ttl_seconds"`
	EventRetentionDays    int `yaml:"event_retention_days" json:"event_retention_days"`
	ShutdownCeilingSecs   int `yaml:"shutdown_ceiling_seconds" json:"shutdown_ceiling_seconds"`
	OperationWaitSeconds  int `yaml:"operation_wait_seconds" json:"operation_wait_seconds"`
	CallbackTimeoutSecs   int `yaml:"callback_timeout_seconds" json:"callback_timeout_seconds"`
}

type AppConfig struct {
	System   SystemConfig  `yaml:"system" json:"system"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Database DBConfig      `yaml:"database" json:"database"`
	Logger   LoggerConfig  `yaml:"logger" json:"logger"`
	Session  SessionConfig `yaml:"session" json:"session"`
}

func (c SessionConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSeconds) * time.Second
}

func (c SessionConfig) BackoffCeiling() time.Duration {
	return time.Duration(c.BackoffCeilingSeconds) * time.Second
}

func (c SessionConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelaySeconds) * time.Second
}

func (c SessionConfig) StaggerDelay() time.Duration {
	return time.Duration(c.StaggerDelaySeconds) * time.Second
}

func (c SessionConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSecs) * time.Second
}

func (c SessionConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c SessionConfig) ShutdownCeiling() time.Duration {
	return time.Duration(c.ShutdownCeilingSecs) * time.Second
}

func (c SessionConfig) OperationWait() time.Duration {
	return time.Duration(c.OperationWaitSeconds) * time.Second
}

func (c SessionConfig) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutSecs) * time.Second
}

var DefaultAppConfig = &AppConfig{
	System: SystemConfig{
		Appid:    "warelay",
		Location: "Asia/Shanghai",
		Workdir:  "/var/warelay",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "warelay",
		User:     "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LoggerConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/warelay/warelay.log",
	},
	Session: DefaultSessionConfig,
}

var DefaultSessionConfig = SessionConfig{
	InitialBackoffSeconds: 10,
	BackoffCeilingSeconds: 300,
	MaxReconnectAttempts:  10,
	MaxConcurrent:         1,
	SettleDelaySeconds:    5,
	StaggerDelaySeconds:   2,
	BreakerThreshold:      3,
	BreakerCooldownSecs:   60,
	LockTTLSeconds:        60,
	EventRetentionDays:    30,
	ShutdownCeilingSecs:   25,
	OperationWaitSeconds:  10,
	CallbackTimeoutSecs:   5,
}

func setEnvValue(name string, val *string) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = evalue == "true" || evalue == "1" || evalue == "on"
	}
}

func setEnvIntValue(name string, val *int) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToInt(evalue)
	}
}

// LoadConfig reads the yaml configuration file and applies environment
// overrides. A missing file falls back to defaults so the relay can start in
// a container with environment-only configuration.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	setEnvValue("WARELAY_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvBoolValue("WARELAY_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WARELAY_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WARELAY_DB_PORT", &cfg.Database.Port)
	setEnvValue("WARELAY_DB_NAME", &cfg.Database.Name)
	setEnvValue("WARELAY_DB_USER", &cfg.Database.User)
	setEnvValue("WARELAY_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("WARELAY_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("WARELAY_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WARELAY_WEB_PORT", &cfg.Web.Port)

	setEnvValue("WARELAY_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WARELAY_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)
	setEnvValue("WARELAY_LOGGER_FILENAME", &cfg.Logger.Filename)

	setEnvIntValue("WARELAY_SESSION_MAX_CONCURRENT", &cfg.Session.MaxConcurrent)
	setEnvIntValue("WARELAY_SESSION_MAX_ATTEMPTS", &cfg.Session.MaxReconnectAttempts)
	setEnvIntValue("WARELAY_SESSION_BREAKER_THRESHOLD", &cfg.Session.BreakerThreshold)

	applySessionDefaults(&cfg.Session)
	return cfg
}

func applySessionDefaults(sc *SessionConfig) {
	def := DefaultSessionConfig
	if sc.InitialBackoffSeconds <= 0 {
		sc.InitialBackoffSeconds = def.InitialBackoffSeconds
	}
	if sc.BackoffCeilingSeconds <= 0 {
		sc.BackoffCeilingSeconds = def.BackoffCeilingSeconds
	}
	if sc.MaxReconnectAttempts <= 0 {
		sc.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if sc.MaxConcurrent <= 0 {
		sc.MaxConcurrent = def.MaxConcurrent
	}
	if sc.SettleDelaySeconds <= 0 {
		sc.SettleDelaySeconds = def.SettleDelaySeconds
	}
	if sc.StaggerDelaySeconds <= 0 {
		sc.StaggerDelaySeconds = def.StaggerDelaySeconds
	}
	if sc.BreakerThreshold <= 0 {
		sc.BreakerThreshold = def.BreakerThreshold
	}
	if sc.BreakerCooldownSecs <= 0 {
		sc.BreakerCooldownSecs = def.BreakerCooldownSecs
	}
	if sc.LockTTLSeconds <= 0 {
		sc.LockTTLSeconds = def.LockTTLSeconds
	}
	if sc.EventRetentionDays <= 0 {
		sc.EventRetentionDays = def.EventRetentionDays
	}
	if sc.ShutdownCeilingSecs <= 0 {
		sc.ShutdownCeilingSecs = def.ShutdownCeilingSecs
	}
	if sc.OperationWaitSeconds <= 0 {
		sc.OperationWaitSeconds = def.OperationWaitSeconds
	}
	if sc.CallbackTimeoutSecs <= 0 {
		sc.CallbackTimeoutSecs = def.CallbackTimeoutSecs
	}
}
