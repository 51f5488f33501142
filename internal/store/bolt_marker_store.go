package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"go-im-markers/internal/markers"
)

// BoltMarkerStore 单机嵌入式持久化：每个存储键一个 bucket，key 为 message_key，value 为记录 JSON。
type BoltMarkerStore struct {
	db *bolt.DB
}

// OpenBolt 打开（必要时创建）path 处的数据文件。
func OpenBolt(path string) (*BoltMarkerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir bolt dir")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt %s", path)
	}
	return &BoltMarkerStore{db: db}, nil
}

func (s *BoltMarkerStore) Close() error { return s.db.Close() }

func (s *BoltMarkerStore) Load(_ context.Context, key string) ([]*markers.Marker, error) {
	var out []*markers.Marker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var m markers.Marker
			if e := json.Unmarshal(v, &m); e != nil {
				// 跳过损坏的记录
				return nil
			}
			m.MessageKey = string(k)
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt load %s", key)
	}
	return out, nil
}

func (s *BoltMarkerStore) Save(_ context.Context, key string, m *markers.Marker) error {
	enc, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode marker")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, e := tx.CreateBucketIfNotExists([]byte(key))
		if e != nil {
			return e
		}
		return b.Put([]byte(m.MessageKey), enc)
	})
	return errors.Wrapf(err, "bolt save %s", key)
}

func (s *BoltMarkerStore) Remove(_ context.Context, key, messageKey string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key))
		if b == nil {
			return nil
		}
		if e := b.Delete([]byte(messageKey)); e != nil {
			return e
		}
		// 空 bucket 一并删除
		if k, _ := b.Cursor().First(); k == nil {
			return tx.DeleteBucket([]byte(key))
		}
		return nil
	})
	return errors.Wrapf(err, "bolt remove %s", key)
}
