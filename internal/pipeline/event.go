package pipeline

import (
	"time"

	"go-im-markers/internal/markers"
	"go-im-markers/internal/models"
)

// Kind 为上游事件类型。
type Kind string

const (
	KindMessage    Kind = "message"    // 入站消息，可能只携带标记
	KindOutgoing   Kind = "outgoing"   // 本端发出的消息
	KindSent       Kind = "sent"       // 本端消息已送达服务器
	KindStamped    Kind = "stamped"    // 群服务端回显，带稳定 ID
	KindVisibility Kind = "visibility" // 会话可见性变化
	KindOccupants  Kind = "occupants"  // 群成员数变化，未带人数时从成员表重新读取
	KindClosed     Kind = "closed"     // 会话关闭
)

// Event 为会话层投递给标记引擎的一条事件（Kafka im-marker-in 的消息体）。
type Event struct {
	Kind     Kind   `json:"kind"`
	ConvID   string `json:"convId"`
	ConvType string `json:"convType"`
	JID      string `json:"jid"`

	ID          string `json:"id,omitempty"`
	StableID    string `json:"stableId,omitempty"`
	From        string `json:"from,omitempty"`
	FromRealJID string `json:"fromRealJid,omitempty"`
	To          string `json:"to,omitempty"`
	Body        string `json:"body,omitempty"`
	TS          int64  `json:"ts,omitempty"` // 毫秒
	Markable    bool   `json:"markable,omitempty"`

	MarkerID string `json:"markerId,omitempty"`
	Marker   string `json:"marker,omitempty"`

	Visible   bool `json:"visible,omitempty"`
	Occupants *int `json:"occupants,omitempty"`
}

func (ev *Event) inboundAttrs() *markers.InboundAttrs {
	return &markers.InboundAttrs{
		From:        ev.From,
		FromRealJID: ev.FromRealJID,
		To:          ev.To,
		MarkerID:    ev.MarkerID,
		Marker:      ev.Marker,
	}
}

func (ev *Event) message(conv *models.Conversation) *models.Message {
	ts := time.Now()
	if ev.TS > 0 {
		ts = time.UnixMilli(ev.TS)
	}
	return &models.Message{
		ClientMsgID: ev.ID,
		StableID:    ev.StableID,
		ConvID:      conv.ID,
		ConvType:    conv.Type,
		From:        ev.From,
		To:          ev.To,
		Timestamp:   ts,
		Body:        ev.Body,
		Markable:    ev.Markable,
		IsNew:       true,
	}
}
