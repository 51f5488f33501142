package conv

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/markers"
	"go-im-markers/internal/models"
)

// ErrNotFound 表示会话尚未打开。
var ErrNotFound = errors.New("conversation not found")

// MemberCounter 返回群当前成员数（store.GroupStore 实现）。
type MemberCounter interface {
	CountMembers(ctx context.Context, groupID string) (int, error)
}

// lockStripes 为会话串行锁的分段数，不同会话可能共用一段。
const lockStripes = 64

// Directory 为进程内的会话目录：会话首次出现时打开并激活其标记存储，关闭时一并销毁。
// 同一会话上的变更须在 Lock 返回的临界区内进行。
type Directory struct {
	reg     *markers.Registry
	members MemberCounter
	log     *zap.Logger

	mu    sync.RWMutex
	convs map[string]*models.Conversation

	stripes [lockStripes]sync.Mutex
}

// Lock 串行化同一会话上的操作，返回解锁函数。
func (d *Directory) Lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &d.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// NewDirectory 创建会话目录；members 为 nil 时群成员数只能由 SetOccupants 设置。
func NewDirectory(reg *markers.Registry, members MemberCounter, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{reg: reg, members: members, log: log, convs: make(map[string]*models.Conversation)}
}

// Open 返回会话，不存在时创建。新会话默认隐藏，直到客户端报告可见。
func (d *Directory) Open(ctx context.Context, id string, typ models.ConversationType, jid string) (*models.Conversation, error) {
	if id == "" {
		return nil, errors.New("empty conversation id")
	}
	d.mu.Lock()
	c, ok := d.convs[id]
	if !ok {
		c = models.NewConversation(id, typ, markers.Bare(jid))
		c.SetHidden(true)
		d.convs[id] = c
	}
	d.mu.Unlock()
	if ok {
		return c, nil
	}

	d.reg.Initialize(ctx, c)
	if c.IsGroup() {
		if err := d.RefreshOccupants(ctx, id); err != nil {
			d.log.Warn("refresh occupants failed", zap.String("conv", id), zap.Error(err))
		}
	}
	d.log.Debug("conversation opened", zap.String("conv", id), zap.String("type", string(typ)))
	return c, nil
}

func (d *Directory) Get(id string) (*models.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return c, nil
}

// IDs 返回已打开会话的 id（字典序）。
func (d *Directory) IDs() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.convs))
	for id := range d.convs {
		out = append(out, id)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RefreshOccupants 从成员表重新读取群成员数。
func (d *Directory) RefreshOccupants(ctx context.Context, id string) error {
	c, err := d.Get(id)
	if err != nil {
		return err
	}
	if !c.IsGroup() || d.members == nil {
		return nil
	}
	n, err := d.members.CountMembers(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "count members of %s", id)
	}
	c.SetOccupants(n)
	return nil
}

// Close 关闭会话并销毁其标记存储。
func (d *Directory) Close(id string) {
	d.mu.Lock()
	delete(d.convs, id)
	d.mu.Unlock()
	d.reg.Close(id)
}
