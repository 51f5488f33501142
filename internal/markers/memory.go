package markers

import (
	"context"
	"sync"
)

// MemoryPersistence 为进程内持久化实现，用于测试以及 markerDB=memory。
type MemoryPersistence struct {
	mu   sync.Mutex
	data map[string]map[string]*Marker
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{data: make(map[string]map[string]*Marker)}
}

func (p *MemoryPersistence) Load(_ context.Context, key string) ([]*Marker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Marker, 0, len(p.data[key]))
	for _, m := range p.data[key] {
		out = append(out, m.clone())
	}
	return out, nil
}

func (p *MemoryPersistence) Save(_ context.Context, key string, m *Marker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok := p.data[key]
	if !ok {
		bucket = make(map[string]*Marker)
		p.data[key] = bucket
	}
	bucket[m.MessageKey] = m.clone()
	return nil
}

func (p *MemoryPersistence) Remove(_ context.Context, key, messageKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data[key], messageKey)
	return nil
}
