package markers

import (
	"context"

	"go-im-markers/internal/metrics"
	"go-im-markers/internal/models"
)

// Reconcile 记录 by 已按 level 确认 msg，返回新建或更新后的记录快照。
//
// 单聊与本端的 by 归一为裸地址；群聊中他人的 by 为群内地址或真实裸地址，原样保存。
// 群聊中若 by 不是本端且群成员数超过上限，直接返回 (nil, nil)：
// 以此限制大群中的记录增长，群变大之前留下的旧记录不会被清理。
func (e *Engine) Reconcile(ctx context.Context, sess *Session, conv *models.Conversation, msg *models.Message, by string, level Level) (*Marker, error) {
	if err := mustValid(level); err != nil {
		return nil, err
	}
	local := Bare(by) == sess.BareJID
	if local || !conv.IsGroup() {
		by = Bare(by)
	}
	if conv.IsGroup() && !local && conv.Occupants() > e.Settings().RoomMaxOccupants {
		metrics.MarkersSkipped.WithLabelValues("room_too_large").Inc()
		return nil, nil
	}
	store := e.reg.Initialize(ctx, conv)
	return store.apply(ctx, MessageKey(conv, msg), by, level, msg.Timestamp.Add(OrderingUnit))
}
