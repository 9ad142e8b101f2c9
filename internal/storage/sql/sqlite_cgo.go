//go:build !no_sqlite && cgo

package sql

import (
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// createSQLiteDialector 创建SQLite dialector (CGo版本).
func createSQLiteDialector(dsn string) (gorm.Dialector, error) {
	if !strings.Contains(dsn, "busy_timeout") {
		dsn = appendQuery(dsn, "_busy_timeout=5000")
	}
	return sqlite.Open(dsn), nil
}

func init() {
	RegisterDialectorFactory(SQLite, createSQLiteDialector)
}
