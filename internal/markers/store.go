package markers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/metrics"
)

// ErrStoreClosed 表示会话已关闭，其标记存储不再接受变更。
var ErrStoreClosed = errors.New("markers: store closed")

// StoreKey 返回会话标记存储的持久化键。
func StoreKey(convID string) string { return fmt.Sprintf("im:markers:%s", convID) }

// Persistence 为存储边界：按存储键批量加载，并对单条记录增改/删除。
type Persistence interface {
	Load(ctx context.Context, key string) ([]*Marker, error)
	Save(ctx context.Context, key string, m *Marker) error
	Remove(ctx context.Context, key, messageKey string) error
}

type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventRemove EventType = "remove"
	EventReset  EventType = "reset" // 持久化数据加载完成
)

// Event 为存储变更通知，Marker 为变更后的快照（remove 时为删除前的快照，reset 时为 nil）。
type Event struct {
	Type   EventType `json:"type"`
	ConvID string    `json:"convId"`
	Marker *Marker   `json:"marker,omitempty"`
}

// Store 保存单个会话的全部标记记录。
// 记录只由 apply 变更；加载完成前（Ready 未关闭）的内容不具权威性。
type Store struct {
	convID  string
	key     string
	backend Persistence
	log     *zap.Logger

	mu      sync.RWMutex
	records map[string]*Marker
	closed  bool

	ready chan struct{}

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

func newStore(convID string, backend Persistence, log *zap.Logger) *Store {
	return &Store{
		convID:    convID,
		key:       StoreKey(convID),
		backend:   backend,
		log:       log,
		records:   make(map[string]*Marker),
		ready:     make(chan struct{}),
		observers: make(map[int]func(Event)),
	}
}

// load 读取持久化记录后关闭 ready；失败时以空存储就绪。
func (s *Store) load(ctx context.Context) {
	defer close(s.ready)
	start := time.Now()
	list, err := s.backend.Load(ctx, s.key)
	metrics.StoreLoadLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.log.Warn("marker store load failed, starting empty", zap.String("key", s.key), zap.Error(err))
		list = nil
	}
	s.mu.Lock()
	for _, m := range list {
		if m == nil || m.MessageKey == "" || len(m.MarkedBy) == 0 {
			continue
		}
		s.records[m.MessageKey] = m.clone()
	}
	n := len(s.records)
	s.mu.Unlock()
	s.log.Debug("marker store ready", zap.String("key", s.key), zap.Int("records", n))
	s.emit(Event{Type: EventReset, ConvID: s.convID})
}

func (s *Store) ConvID() string { return s.convID }
func (s *Store) Key() string    { return s.key }

// Ready 在持久化数据加载结束（成功或失败）后关闭。
func (s *Store) Ready() <-chan struct{} { return s.ready }

func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get 返回 messageKey 对应记录的快照。
func (s *Store) Get(messageKey string) (*Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.records[messageKey]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// List 返回按排序时间升序的全部记录快照。
func (s *Store) List() []*Marker {
	s.mu.RLock()
	out := make([]*Marker, 0, len(s.records))
	for _, m := range s.records {
		out = append(out, m.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].MessageKey < out[j].MessageKey
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Subscribe 注册变更观察者，返回取消函数。观察者在变更完成后同步调用。
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) emit(evs ...Event) {
	s.obsMu.Lock()
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, ev := range evs {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *Store) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.obsMu.Lock()
	s.observers = make(map[int]func(Event))
	s.obsMu.Unlock()
}

// apply 把 {by: level} 记到 key 对应的记录上：
// 先把 by 从其它记录中移除（移空则删除该记录），
// 再合并到已有记录（覆盖 by 在该记录上的旧级别）或新建记录。
func (s *Store) apply(ctx context.Context, key, by string, level Level, at time.Time) (*Marker, error) {
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	var (
		evs     []Event
		saves   []*Marker
		removes []string
		result  *Marker
	)
	for k, other := range s.records {
		if k == key {
			continue
		}
		if _, ok := other.MarkedBy[by]; !ok {
			continue
		}
		delete(other.MarkedBy, by)
		snap := other.clone()
		if len(other.MarkedBy) == 0 {
			delete(s.records, k)
			removes = append(removes, k)
			evs = append(evs, Event{Type: EventRemove, ConvID: s.convID, Marker: snap})
			metrics.MarkersReconciled.WithLabelValues("remove").Inc()
		} else {
			saves = append(saves, snap)
			evs = append(evs, Event{Type: EventChange, ConvID: s.convID, Marker: snap})
			metrics.MarkersReconciled.WithLabelValues("move").Inc()
		}
	}
	if rec, ok := s.records[key]; ok {
		rec.MarkedBy[by] = level
		result = rec.clone()
		saves = append(saves, result)
		evs = append(evs, Event{Type: EventChange, ConvID: s.convID, Marker: result})
		metrics.MarkersReconciled.WithLabelValues("merge").Inc()
	} else {
		rec := &Marker{MessageKey: key, MarkedBy: map[string]Level{by: level}, Time: at}
		s.records[key] = rec
		result = rec.clone()
		saves = append(saves, result)
		evs = append(evs, Event{Type: EventAdd, ConvID: s.convID, Marker: result})
		metrics.MarkersReconciled.WithLabelValues("add").Inc()
	}

	var firstErr error
	for _, k := range removes {
		if err := s.backend.Remove(ctx, s.key, k); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "remove marker %s", k)
		}
	}
	for _, m := range saves {
		if err := s.backend.Save(ctx, s.key, m); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "save marker %s", m.MessageKey)
		}
	}
	s.mu.Unlock()

	s.emit(evs...)
	if firstErr != nil {
		s.log.Warn("marker store persist failed", zap.String("key", s.key), zap.Error(firstErr))
		return result, firstErr
	}
	return result, nil
}
