package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go-im-markers/internal/markers"
)

// MongoMarkerStore 基于 MongoDB 的标记持久化。
// - NewMongoMarkerStore 在 chat_markers 集合上创建 (store_key, message_key) 唯一索引
// - Save 使用 upsert + $set 覆盖整条记录
type MongoMarkerStore struct {
	DB *mongo.Database
}

func NewMongoMarkerStore(db *mongo.Database) *MongoMarkerStore {
	ms := &MongoMarkerStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "store_key", Value: 1}, {Key: "message_key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_store_message"),
	})
	return ms
}

// mongoMarker 为存储层内部结构，与 markers.Marker 一一映射。
type mongoMarker struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	StoreKey   string             `bson:"store_key"`
	MessageKey string             `bson:"message_key"`
	MarkedBy   map[string]string  `bson:"marked_by"`
	Time       time.Time          `bson:"time"`
	UpdatedAt  time.Time          `bson:"updated_at"`
}

func (s *MongoMarkerStore) collection() *mongo.Collection {
	return s.DB.Collection("chat_markers")
}

func (s *MongoMarkerStore) Load(ctx context.Context, key string) ([]*markers.Marker, error) {
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}})
	cursor, err := s.collection().Find(ctx, bson.D{{Key: "store_key", Value: key}}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find markers %s", key)
	}
	defer cursor.Close(ctx)

	var result []*markers.Marker
	for cursor.Next(ctx) {
		var doc mongoMarker
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		result = append(result, fromMongoMarker(&doc))
	}
	return result, errors.Wrap(cursor.Err(), "iterate markers")
}

func (s *MongoMarkerStore) Save(ctx context.Context, key string, m *markers.Marker) error {
	by := make(map[string]string, len(m.MarkedBy))
	for p, l := range m.MarkedBy {
		by[p] = string(l)
	}
	filter := bson.D{
		{Key: "store_key", Value: key},
		{Key: "message_key", Value: m.MessageKey},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "store_key", Value: key},
		{Key: "message_key", Value: m.MessageKey},
		{Key: "marked_by", Value: by},
		{Key: "time", Value: m.Time},
		{Key: "updated_at", Value: time.Now()},
	}}}
	_, err := s.collection().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return errors.Wrapf(err, "upsert marker %s", m.MessageKey)
}

func (s *MongoMarkerStore) Remove(ctx context.Context, key, messageKey string) error {
	filter := bson.D{
		{Key: "store_key", Value: key},
		{Key: "message_key", Value: messageKey},
	}
	_, err := s.collection().DeleteOne(ctx, filter)
	return errors.Wrapf(err, "delete marker %s", messageKey)
}

func fromMongoMarker(doc *mongoMarker) *markers.Marker {
	m := &markers.Marker{MessageKey: doc.MessageKey, Time: doc.Time, MarkedBy: make(map[string]markers.Level, len(doc.MarkedBy))}
	for p, l := range doc.MarkedBy {
		m.MarkedBy[p] = markers.Level(l)
	}
	return m
}
