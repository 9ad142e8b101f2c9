//go:build !no_mysql

package sql

import (
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// createMySQLDialector 创建MySQL dialector.
//
// 时间统一按 UTC 解析；ClientFoundRows 保证同一消费者重复确认时影响行数不为 0。
func createMySQLDialector(dsn string) (gorm.Dialector, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true

	return mysql.New(mysql.Config{
		DSN: cfg.FormatDSN(),
	}), nil
}

func init() {
	RegisterDialectorFactory(MySQL, createMySQLDialector)
}
