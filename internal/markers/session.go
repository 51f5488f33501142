package markers

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// ChatMarkersNS 为 XEP-0333 命名空间。
const ChatMarkersNS = "urn:xmpp:chat-markers:0"

// Sender 为网络边界：一次调用交出一个出站单元，不等待对端确认。
type Sender interface {
	Send(ctx context.Context, st *Stanza) error
}

// SenderFunc 允许用普通函数充当 Sender。
type SenderFunc func(ctx context.Context, st *Stanza) error

func (f SenderFunc) Send(ctx context.Context, st *Stanza) error { return f(ctx, st) }

// Session 为显式传入每个入口的会话上下文：本端身份与当前连接。
type Session struct {
	BareJID string
	Conn    Sender
}

func NewSession(jid string, conn Sender) *Session {
	return &Session{BareJID: Bare(jid), Conn: conn}
}

// Bare 去掉地址中的资源部分（"/" 之后），并统一为小写。
func Bare(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// Stanza 为一次出站标记：目的地址、唯一 id、消息类型，
// 以及以级别命名的子元素（其 id 属性指向被确认消息）。
type Stanza struct {
	ID       string `json:"id"`
	To       string `json:"to"`
	Type     string `json:"type"`
	Marker   Level  `json:"marker"`
	MarkerID string `json:"markerId"`
}

func NewStanza(to, msgType string, level Level, markerID string) *Stanza {
	return &Stanza{ID: uuid.NewString(), To: to, Type: msgType, Marker: level, MarkerID: markerID}
}

// Element 返回子元素名，与级别名一一对应。
func (s *Stanza) Element() string { return string(s.Marker) }
