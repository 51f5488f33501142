package markers

import (
	"sort"
	"time"

	"go-im-markers/internal/models"
)

// OrderingUnit 为标记排序时间相对被确认消息时间的偏移，使标记紧随其消息之后。
const OrderingUnit = time.Millisecond

// Marker 为一条被确认消息的标记记录。
// MarkedBy 记录各参与者（裸地址）当前对该消息的确认级别；为空的记录必须删除。
type Marker struct {
	MessageKey string           `json:"messageKey" bson:"message_key"`
	MarkedBy   map[string]Level `json:"markedBy" bson:"marked_by"`
	Time       time.Time        `json:"time" bson:"time"`
}

func (m *Marker) clone() *Marker {
	cp := &Marker{MessageKey: m.MessageKey, Time: m.Time, MarkedBy: make(map[string]Level, len(m.MarkedBy))}
	for k, v := range m.MarkedBy {
		cp.MarkedBy[k] = v
	}
	return cp
}

// Participants 返回按字典序排列的标记者列表。
func (m *Marker) Participants() []string {
	out := make([]string, 0, len(m.MarkedBy))
	for p := range m.MarkedBy {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// MessageKey 计算消息在标记存储中的键：
// 群聊优先使用群服务端盖章的稳定 ID，缺失时回退到客户端 msgid；单聊始终使用客户端 msgid。
// 创建、查找、匹配标记时都必须使用同一规则。
func MessageKey(conv *models.Conversation, msg *models.Message) string {
	if conv.IsGroup() && msg.StableID != "" {
		return msg.StableID
	}
	return msg.ClientMsgID
}
