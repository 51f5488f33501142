package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"go-im-markers/internal/markers"
)

// PgxConn 为 PGMarkerStore 依赖的最小连接接口，*pgxpool.Pool 满足该接口。
type PgxConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const pgMarkersDDL = `CREATE TABLE IF NOT EXISTS chat_markers (
  store_key     TEXT        NOT NULL,
  message_key   TEXT        NOT NULL,
  marked_by     JSONB       NOT NULL,
  ordering_time TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (store_key, message_key)
)`

// PGMarkerStore 基于 PostgreSQL（pgx）的标记持久化，表结构与 MySQL 版一致。
type PGMarkerStore struct{ DB PgxConn }

func NewPGMarkerStore(db PgxConn) *PGMarkerStore { return &PGMarkerStore{DB: db} }

// OpenPG 创建连接池并确保标记表存在。
func OpenPG(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if _, err := pool.Exec(ctx, pgMarkersDDL); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create chat_markers")
	}
	return pool, nil
}

func (s *PGMarkerStore) Load(ctx context.Context, key string) ([]*markers.Marker, error) {
	rows, err := s.DB.Query(ctx, `SELECT message_key, marked_by, ordering_time FROM chat_markers WHERE store_key=$1 ORDER BY ordering_time ASC`, key)
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
			continue
		}
		res = append(res, &m)
	}
	return res, errors.Wrap(rows.Err(), "iterate markers")
}

func (s *PGMarkerStore) Save(ctx context.Context, key string, m *markers.Marker) error {
	raw, err := json.Marshal(m.MarkedBy)
	if err != nil {
		return errors.Wrap(err, "encode marked_by")
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO chat_markers(store_key, message_key, marked_by, ordering_time, updated_at) VALUES($1,$2,$3,$4,now()) ON CONFLICT (store_key, message_key) DO UPDATE SET marked_by=EXCLUDED.marked_by, ordering_time=EXCLUDED.ordering_time, updated_at=now()`, key, m.MessageKey, raw, m.Time)
	return errors.Wrapf(err, "upsert marker %s", m.MessageKey)
}

func (s *PGMarkerStore) Remove(ctx context.Context, key, messageKey string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM chat_markers WHERE store_key=$1 AND message_key=$2`, key, messageKey)
	return errors.Wrapf(err, "delete marker %s", messageKey)
}
