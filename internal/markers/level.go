// Package markers 实现 XEP-0333 聊天标记的状态同步：
// 每个会话一份标记存储（Store），由对账算法（Reconcile）维护“每条被确认消息一条记录、
// 每个参与者至多指向一条记录”的不变式；出站策略决定何时以何种级别回标记，
// 入站处理将对端标记并入本地状态。
package markers

import "github.com/pkg/errors"

// Level 为确认级别，封闭集合 received < displayed < acknowledged。
type Level string

const (
	Received     Level = "received"
	Displayed    Level = "displayed"
	Acknowledged Level = "acknowledged"
)

// ErrUnknownLevel 表示调用方传入了集合之外的级别（调用方缺陷，不做容错转换）。
var ErrUnknownLevel = errors.New("markers: unknown acknowledgment level")

var ranks = map[Level]int{
	Received:     1,
	Displayed:    2,
	Acknowledged: 3,
}

// Levels 按级别从低到高返回全部确认级别。
func Levels() []Level { return []Level{Received, Displayed, Acknowledged} }

// ParseLevel 解析级别名；级别名同时也是线上 XEP-0333 子元素名。
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", errors.Wrapf(ErrUnknownLevel, "%q", s)
	}
	return l, nil
}

func (l Level) Valid() bool {
	_, ok := ranks[l]
	return ok
}

// Rank 返回级别序数，未知级别（含空值）为 0。
func (l Level) Rank() int { return ranks[l] }

// AtLeast 报告 l 是否不低于 other。
func (l Level) AtLeast(other Level) bool { return l.Valid() && l.Rank() >= other.Rank() }

func (l Level) String() string { return string(l) }

func mustValid(l Level) error {
	if !l.Valid() {
		return errors.Wrapf(ErrUnknownLevel, "%q", string(l))
	}
	return nil
}
