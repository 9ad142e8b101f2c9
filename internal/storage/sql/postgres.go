//go:build !no_postgres

package sql

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// createPostgresDialector 解析 DSN 并通过 pgx 标准库适配器打开连接池
func createPostgresDialector(dsn string) (gorm.Dialector, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	return postgres.New(postgres.Config{
		Conn: stdlib.OpenDB(*connConfig),
	}), nil
}

func init() {
	RegisterDialectorFactory(PostgreSQL, createPostgresDialector)
}
