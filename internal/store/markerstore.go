package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"go-im-markers/internal/markers"
)

// SQLMarkerStore 基于 SQL 的标记持久化（MySQL/TiDB 兼容）。
// 表结构：
//
//	CREATE TABLE chat_markers (
//	  store_key     VARCHAR(191) NOT NULL,
//	  message_key   VARCHAR(191) NOT NULL,
//	  marked_by     JSON         NOT NULL,
//	  ordering_time DATETIME(3)  NOT NULL,
//	  updated_at    DATETIME(3)  NOT NULL,
//	  PRIMARY KEY (store_key, message_key)
//	);
type SQLMarkerStore struct{ DB *sql.DB }

func NewSQLMarkerStore(db *sql.DB) *SQLMarkerStore { return &SQLMarkerStore{DB: db} }

// Load 读取一个会话的全部标记记录（按排序时间升序）。
func (s *SQLMarkerStore) Load(ctx context.Context, key string) ([]*markers.Marker, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT message_key, marked_by, ordering_time FROM chat_markers WHERE store_key=? ORDER BY ordering_time ASC`, key)
	if err != nil {
		return nil, errors.Wrapf(err, "query markers %s", key)
	}
	defer rows.Close()
	var res []*markers.Marker
	for rows.Next() {
		var (
			m   markers.Marker
			raw []byte
		)
		if err := rows.Scan(&m.MessageKey, &raw, &m.Time); err != nil {
			return nil, errors.Wrap(err, "scan marker")
		}
		if err := json.Unmarshal(raw, &m.MarkedBy); err != nil {
			// 跳过损坏的记录，不影响整体加载
			continue
		}
		res = append(res, &m)
	}
	return res, errors.Wrap(rows.Err(), "iterate markers")
}

// Save 写入或覆盖一条记录。
func (s *SQLMarkerStore) Save(ctx context.Context, key string, m *markers.Marker) error {
	raw, err := json.Marshal(m.MarkedBy)
	if err != nil {
		return errors.Wrap(err, "encode marked_by")
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO chat_markers(store_key, message_key, marked_by, ordering_time, updated_at) VALUES(?,?,?,?,?) ON DUPLICATE KEY UPDATE marked_by=VALUES(marked_by), ordering_time=VALUES(ordering_time), updated_at=VALUES(updated_at)`, key, m.MessageKey, raw, m.Time, time.Now())
	return errors.Wrapf(err, "upsert marker %s", m.MessageKey)
}

func (s *SQLMarkerStore) Remove(ctx context.Context, key, messageKey string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM chat_markers WHERE store_key=? AND message_key=?`, key, messageKey)
	return errors.Wrapf(err, "delete marker %s", messageKey)
}
