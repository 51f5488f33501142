package sqlstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// markersDDL 为 markerDB=mysql 时使用的标记表。
const markersDDL = `CREATE TABLE IF NOT EXISTS chat_markers (
  store_key     VARCHAR(191) NOT NULL,
  message_key   VARCHAR(191) NOT NULL,
  marked_by     JSON         NOT NULL,
  ordering_time DATETIME(3)  NOT NULL,
  updated_at    DATETIME(3)  NOT NULL,
  PRIMARY KEY (store_key, message_key)
)`

// Open 打开 MySQL 连接池。
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// EnsureMarkersTable 在表不存在时创建 chat_markers。
func EnsureMarkersTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, markersDDL)
	return errors.Wrap(err, "create chat_markers")
}
