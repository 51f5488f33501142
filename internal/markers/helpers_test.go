package markers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-im-markers/internal/models"
)

const me = "me@example"

type recorder struct {
	mu   sync.Mutex
	sent []*Stanza
	err  error
}

func (r *recorder) Send(_ context.Context, st *Stanza) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, st)
	return nil
}

func (r *recorder) stanzas() []*Stanza {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Stanza(nil), r.sent...)
}

func newTestEngine(t *testing.T, maxOccupants int, levels ...string) (*Engine, *recorder, *Session) {
	t.Helper()
	if len(levels) == 0 {
		levels = []string{"received", "displayed", "acknowledged"}
	}
	st, err := NewSettings(maxOccupants, levels)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	rec := &recorder{}
	return NewEngine(NewRegistry(nil, nil), st, nil), rec, NewSession(me+"/laptop", rec)
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func roomConv(occupants int) *models.Conversation {
	c := models.NewConversation("room-1", models.ConversationTypeGroup, "lounge@conference.example")
	c.SetOccupants(occupants)
	return c
}

func directConv() *models.Conversation {
	return models.NewConversation("dm-bob", models.ConversationTypeC2C, "bob@example")
}

func roomMsg(id, stable string, offset time.Duration) *models.Message {
	return &models.Message{
		ClientMsgID: id,
		StableID:    stable,
		ConvID:      "room-1",
		ConvType:    models.ConversationTypeGroup,
		From:        "lounge@conference.example/alice",
		To:          me,
		Timestamp:   baseTime.Add(offset),
		Body:        "hi",
		Markable:    true,
		IsNew:       true,
	}
}

func directMsg(id string, offset time.Duration) *models.Message {
	return &models.Message{
		ClientMsgID: id,
		ConvID:      "dm-bob",
		ConvType:    models.ConversationTypeC2C,
		From:        "bob@example/phone",
		To:          me,
		Timestamp:   baseTime.Add(offset),
		Body:        "hello",
		Markable:    true,
		IsNew:       true,
	}
}

func storeOf(t *testing.T, e *Engine, conv *models.Conversation) *Store {
	t.Helper()
	s := e.Registry().Initialize(context.Background(), conv)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("store not ready: %v", err)
	}
	return s
}

// checkSinglePointer 校验每个参与者至多出现在一条记录中，且没有空记录。
func checkSinglePointer(t *testing.T, s *Store) {
	t.Helper()
	seen := map[string]string{}
	for _, m := range s.List() {
		if len(m.MarkedBy) == 0 {
			t.Fatalf("empty marker %q kept in store", m.MessageKey)
		}
		for p := range m.MarkedBy {
			if prev, ok := seen[p]; ok {
				t.Fatalf("participant %s marks both %s and %s", p, prev, m.MessageKey)
			}
			seen[p] = m.MessageKey
		}
	}
}

type failingPersistence struct {
	*MemoryPersistence
	loadErr error
	saveErr error
}

func (f *failingPersistence) Load(ctx context.Context, key string) ([]*Marker, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemoryPersistence.Load(ctx, key)
}

func (f *failingPersistence) Save(ctx context.Context, key string, m *Marker) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryPersistence.Save(ctx, key, m)
}

var errBoom = errors.New("boom")

func outgoingMsg(id string) *models.Message {
	m := directMsg(id, 0)
	m.From = me
	m.To = "bob@example"
	m.Outgoing = true
	m.Sent = true
	m.Markable = false
	return m
}

func unreads(n int, activity bool) models.Unreads {
	return models.Unreads{NumUnread: n, HasActivity: activity}
}
