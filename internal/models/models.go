package models

import (
	"sync"
	"time"
)

// Conversation/Message 为标记引擎所读取的会话与消息模型。
// 会话、消息本身的管理不在本模块范围内，这里只保留标记策略需要的属性：
// 类型（单聊/群聊）、可见性、未读计数、群成员数以及消息的 id/时间/可标记性。

type ConversationType string

const (
	ConversationTypeC2C   ConversationType = "c2c"
	ConversationTypeGroup ConversationType = "group"
)

// ParseConversationType 将外部传入的字符串映射为会话类型，未知值按单聊处理。
func ParseConversationType(s string) ConversationType {
	switch s {
	case "group", "groupchat", "room":
		return ConversationTypeGroup
	default:
		return ConversationTypeC2C
	}
}

// 出站标记 stanza 的消息类型，与被确认消息自身的类型保持一致。
const (
	StanzaTypeChat      = "chat"
	StanzaTypeGroupChat = "groupchat"
)

// Message 表示会话中的一条消息。
// - ClientMsgID 为发送方客户端生成的 msgid
// - StableID 为群服务端盖章的稳定 ID（仅群聊有意义，可能尚未到达）
// - SentMarkers 记录本端已对该消息发出的标记（按级别分别记录发送时间）
type Message struct {
	ClientMsgID string           `json:"clientMsgId"`
	StableID    string           `json:"stableId,omitempty"`
	ConvID      string           `json:"convId"`
	ConvType    ConversationType `json:"convType"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Timestamp   time.Time        `json:"timestamp"`
	Body        string           `json:"body,omitempty"`
	Markable    bool             `json:"markable,omitempty"` // 发送方声明可接收标记
	IsNew       bool             `json:"isNew,omitempty"`    // 新到达（非重复、非历史回放）
	Outgoing    bool             `json:"outgoing,omitempty"` // 本端发出
	Sent        bool             `json:"sent,omitempty"`     // 本端消息已送达服务器

	mu          sync.Mutex
	SentMarkers map[string]time.Time `json:"sentMarkers,omitempty"`
}

// StanzaType 返回确认该消息时应使用的 stanza 类型。
func (m *Message) StanzaType() string {
	if m.ConvType == ConversationTypeGroup {
		return StanzaTypeGroupChat
	}
	return StanzaTypeChat
}

// RecordSentMarker 记录本端已按 level 发出标记。
func (m *Message) RecordSentMarker(level string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SentMarkers == nil {
		m.SentMarkers = make(map[string]time.Time)
	}
	m.SentMarkers[level] = at
}

// SentMarkerLevels 返回本端已发出标记的级别集合（无序）。
func (m *Message) SentMarkerLevels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.SentMarkers))
	for l := range m.SentMarkers {
		out = append(out, l)
	}
	return out
}

// Unreads 为会话未读状态快照，用于“已读动作完成”时判断是否需要回标记。
type Unreads struct {
	NumUnread        int  `json:"numUnread"`
	NumUnreadGeneral int  `json:"numUnreadGeneral"` // 群聊中非提及类未读
	HasActivity      bool `json:"hasActivity"`
}

// Conversation 表示一个单聊或群聊会话。
// JID 为对端（单聊）或群（群聊）的裸地址，出站标记发往该地址。
// Messages 按时间升序保存。
type Conversation struct {
	ID   string           `json:"id"`
	Type ConversationType `json:"type"`
	JID  string           `json:"jid"`

	mu        sync.RWMutex
	hidden    bool
	unreads   Unreads
	occupants int
	messages  []*Message
}

func NewConversation(id string, typ ConversationType, jid string) *Conversation {
	return &Conversation{ID: id, Type: typ, JID: jid}
}

func (c *Conversation) IsGroup() bool { return c.Type == ConversationTypeGroup }

func (c *Conversation) Hidden() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hidden
}

func (c *Conversation) SetHidden(hidden bool) {
	c.mu.Lock()
	c.hidden = hidden
	c.mu.Unlock()
}

// Occupants 返回群当前成员数；单聊固定为 0。
func (c *Conversation) Occupants() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.occupants
}

func (c *Conversation) SetOccupants(n int) {
	c.mu.Lock()
	c.occupants = n
	c.mu.Unlock()
}

func (c *Conversation) Unreads() Unreads {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unreads
}

// ClearUnreads 清空未读计数并返回清空前的快照。
func (c *Conversation) ClearUnreads() Unreads {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.unreads
	c.unreads = Unreads{}
	return prev
}

// Append 追加消息；按 ClientMsgID 去重，重复到达的消息不再计入未读。
// 返回 false 表示该消息已存在。
func (c *Conversation) Append(m *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.messages {
		if existing.ClientMsgID == m.ClientMsgID {
			return false
		}
	}
	// 多数情况下按时间顺序到达，只需从尾部回退少量位置
	i := len(c.messages)
	for i > 0 && c.messages[i-1].Timestamp.After(m.Timestamp) {
		i--
	}
	c.messages = append(c.messages, nil)
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
	if !m.Outgoing && m.IsNew && m.Body != "" && c.hidden {
		c.unreads.NumUnread++
		if c.Type == ConversationTypeGroup {
			c.unreads.HasActivity = true
		}
	}
	return true
}

// Latest 返回最新一条消息，会话为空时返回 nil。
func (c *Conversation) Latest() *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Reverse 返回按时间倒序的消息快照。
func (c *Conversation) Reverse() []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Message, len(c.messages))
	for i, m := range c.messages {
		out[len(c.messages)-1-i] = m
	}
	return out
}

func (c *Conversation) FindByClientID(id string) *Message {
	if id == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages {
		if m.ClientMsgID == id {
			return m
		}
	}
	return nil
}

func (c *Conversation) FindByStableID(id string) *Message {
	if id == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages {
		if m.StableID == id {
			return m
		}
	}
	return nil
}
