package app

import (
	"fmt"
	"path"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/talkincode/warelay/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens the gorm handle. Postgres is the production durability
// layer; the pure-Go sqlite driver serves single-node and test deployments.
func getDatabase(dbCfg config.DBConfig, workdir string) *gorm.DB {
	logLevel := logger.Silent
	if dbCfg.Debug {
		logLevel = logger.Info
	}
	gormCfg := &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch dbCfg.Type {
	case "sqlite", "sqlite3":
		dsn := path.Join(workdir, "data", dbCfg.Name+".db")
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			dbCfg.Host, dbCfg.Port, dbCfg.User, dbCfg.Passwd, dbCfg.Name)
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	}
	if err != nil {
		zap.S().Panicf("database connect failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		zap.S().Panicf("database handle unavailable: %v", err)
	}
	if dbCfg.MaxConn > 0 {
		sqlDB.SetMaxOpenConns(dbCfg.MaxConn)
	}
	if dbCfg.IdleConn > 0 {
		sqlDB.SetMaxIdleConns(dbCfg.IdleConn)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db
}
