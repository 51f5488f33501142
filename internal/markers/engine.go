package markers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Settings 为配置边界：群成员数上限（超过后忽略他人的标记）与允许发送的级别。
type Settings struct {
	RoomMaxOccupants int
	Enabled          map[Level]bool
}

// NewSettings 校验级别名并构造 Settings；未知级别名返回 ErrUnknownLevel。
func NewSettings(roomMaxOccupants int, levels []string) (Settings, error) {
	st := Settings{RoomMaxOccupants: roomMaxOccupants, Enabled: make(map[Level]bool, len(levels))}
	for _, name := range levels {
		l, err := ParseLevel(name)
		if err != nil {
			return Settings{}, err
		}
		st.Enabled[l] = true
	}
	return st, nil
}

func (s Settings) enabled(l Level) bool { return s.Enabled[l] }

// Engine 汇集出站策略、入站处理与对账算法。
// 引擎本身不订阅任何事件，由外部事件分发方显式调用 On* 方法。
type Engine struct {
	reg *Registry
	log *zap.Logger
	now func() time.Time

	mu       sync.RWMutex
	settings Settings
}

func NewEngine(reg *Registry, settings Settings, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{reg: reg, settings: settings, log: log, now: time.Now}
}

func (e *Engine) Registry() *Registry { return e.reg }

// Settings 返回当前生效的配置。
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// SetSettings 替换配置（配置文件热加载时调用），对之后的调用生效。
func (e *Engine) SetSettings(st Settings) {
	e.mu.Lock()
	e.settings = st
	e.mu.Unlock()
}
