package markers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-im-markers/internal/models"
)

const loadTimeout = 10 * time.Second

// Registry 管理各会话的标记存储：会话首次激活时创建并异步加载，会话关闭时销毁。
// 不同会话的存储互不影响，Registry 只保护自身的映射表。
type Registry struct {
	backend Persistence
	log     *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

func NewRegistry(backend Persistence, log *zap.Logger) *Registry {
	if backend == nil {
		backend = NewMemoryPersistence()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{backend: backend, log: log, stores: make(map[string]*Store)}
}

// Initialize 返回会话的标记存储；首次调用时分配空存储并在后台加载持久化记录。
// 调用方应等待 Store.Ready 后再把“无记录”视为“从未确认”。
func (r *Registry) Initialize(ctx context.Context, conv *models.Conversation) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[conv.ID]; ok {
		return s
	}
	s := newStore(conv.ID, r.backend, r.log)
	r.stores[conv.ID] = s
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
	go func() {
		defer cancel()
		s.load(loadCtx)
	}()
	return s
}

func (r *Registry) Get(convID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[convID]
	return s, ok
}

// Close 随会话一起销毁其标记存储；已持久化的数据保留。
func (r *Registry) Close(convID string) {
	r.mu.Lock()
	s, ok := r.stores[convID]
	delete(r.stores, convID)
	r.mu.Unlock()
	if ok {
		s.close()
	}
}
