//go:build !no_sqlite && !cgo

package sql

import (
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// createSQLiteDialector 创建SQLite dialector (纯 Go 版本).
func createSQLiteDialector(dsn string) (gorm.Dialector, error) {
	if !strings.Contains(dsn, "busy_timeout") {
		dsn = appendQuery(dsn, "_pragma=busy_timeout(5000)")
	}
	return sqlite.Open(dsn), nil
}

func init() {
	RegisterDialectorFactory(SQLite, createSQLiteDialector)
}
