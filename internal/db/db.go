package db

import (
	"log/slog"
	"os"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the gorm handle for the configured driver ("mysql" or "sqlite").
// It exits the process on failure, callers run it once at startup.
func Connect(driver, dsn string) *gorm.DB {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = gormsqlite.Open(dsn)
	default:
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		slog.Error("db connect failed", "driver", driver, "error", err)
		os.Exit(1)
	}

	if driver == "sqlite" {
		// sqlite allows a single writer; serialize through one connection.
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return gdb
}
