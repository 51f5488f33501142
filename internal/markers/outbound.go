package markers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/metrics"
	"go-im-markers/internal/models"
)

// OnMessageReceived 处理新到达的未读消息：有正文、确为新消息且会话可见时，
// 按默认级别（displayed）尝试回标记，仅当发送方声明可标记时才发送。
func (e *Engine) OnMessageReceived(ctx context.Context, sess *Session, conv *models.Conversation, msg *models.Message) (bool, error) {
	if msg.Outgoing || msg.Body == "" || !msg.IsNew || conv.Hidden() {
		return false, nil
	}
	return e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false)
}

// OnUnreadsCleared 在本端已读动作完成（未读计数已清空）后调用，prev 为清空前的快照。
// 群聊在清空前存在未读或活动时、单聊在未读数为正时，对最新消息尝试回标记。
func (e *Engine) OnUnreadsCleared(ctx context.Context, sess *Session, conv *models.Conversation, prev models.Unreads) (bool, error) {
	if conv.IsGroup() {
		if prev.NumUnread == 0 && prev.NumUnreadGeneral == 0 && !prev.HasActivity {
			return false, nil
		}
	} else if prev.NumUnread <= 0 {
		return false, nil
	}
	msg := conv.Latest()
	if msg == nil {
		return false, nil
	}
	return e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false)
}

// SendMarkerForLastMessage 从新到旧查找第一条可标记的对端消息（force 时不看可标记性）并发送标记。
func (e *Engine) SendMarkerForLastMessage(ctx context.Context, sess *Session, conv *models.Conversation, level Level, force bool) (bool, error) {
	if err := mustValid(level); err != nil {
		return false, err
	}
	for _, msg := range conv.Reverse() {
		if msg.Outgoing {
			continue
		}
		if force || msg.Markable {
			return e.SendMarkerForMessage(ctx, sess, conv, msg, level, force)
		}
	}
	return false, nil
}

// OnMessageSent 在本端发出的单聊消息到达已发送状态时，强制发送 displayed 标记。
// 群聊不以这种方式给自己的消息打标记。
func (e *Engine) OnMessageSent(ctx context.Context, sess *Session, conv *models.Conversation, msg *models.Message) (bool, error) {
	if conv.IsGroup() || !msg.Outgoing || !msg.Sent {
		return false, nil
	}
	return e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, true)
}

// OnRoomMessageUpdated 在可见群聊中的消息更新（例如稳定 ID 到达）后重新评估是否回标记。
func (e *Engine) OnRoomMessageUpdated(ctx context.Context, sess *Session, conv *models.Conversation, msg *models.Message) (bool, error) {
	if !conv.IsGroup() || conv.Hidden() || msg.Outgoing {
		return false, nil
	}
	return e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false)
}

// SendMarkerForMessage 按 level 为 msg 发送标记，返回是否完成发送。
// 完成发送要求：交给网络边界成功、消息上记下本端已发出该级别、对账记录本端确认，三者都成立。
func (e *Engine) SendMarkerForMessage(ctx context.Context, sess *Session, conv *models.Conversation, msg *models.Message, level Level, force bool) (bool, error) {
	if err := mustValid(level); err != nil {
		return false, err
	}
	if !e.Settings().enabled(level) {
		metrics.MarkersSkipped.WithLabelValues("disabled").Inc()
		return false, nil
	}
	if !force && !msg.Markable {
		metrics.MarkersSkipped.WithLabelValues("not_markable").Inc()
		return false, nil
	}

	markerID := msg.ClientMsgID
	if conv.IsGroup() {
		ok, err := e.allowRoomMarker(ctx, sess, conv, msg, level)
		if err != nil || !ok {
			return false, err
		}
		markerID = msg.StableID
	} else if e.alreadySent(msg, level) {
		metrics.MarkersSkipped.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	st := NewStanza(conv.JID, msg.StanzaType(), level, markerID)
	if err := sess.Conn.Send(ctx, st); err != nil {
		return false, errors.Wrapf(err, "send %s marker for %s", level, markerID)
	}
	// 对账失败时不记发送记录，重试不会被当作重复而抑制
	if _, err := e.Reconcile(ctx, sess, conv, msg, sess.BareJID, level); err != nil {
		return false, err
	}
	msg.RecordSentMarker(string(level), e.now())
	metrics.MarkersSent.WithLabelValues(string(level)).Inc()
	e.log.Debug("marker sent",
		zap.String("conv", conv.ID),
		zap.String("to", st.To),
		zap.String("marker", st.Element()),
		zap.String("markerId", markerID))
	return true, nil
}

// allowRoomMarker 为群聊发送前的检查：必须有稳定 ID；
// 若本端在该消息上已有不低于 level 的确认，则不再重复发送。
func (e *Engine) allowRoomMarker(ctx context.Context, sess *Session, conv *models.Conversation, msg *models.Message, level Level) (bool, error) {
	if msg.StableID == "" {
		e.log.Warn("room marker skipped: message has no stable id",
			zap.String("conv", conv.ID),
			zap.String("room", conv.JID),
			zap.String("msgId", msg.ClientMsgID))
		metrics.MarkersSkipped.WithLabelValues("no_stable_id").Inc()
		return false, nil
	}
	store := e.reg.Initialize(ctx, conv)
	if err := store.WaitReady(ctx); err != nil {
		return false, err
	}
	if rec, ok := store.Get(msg.StableID); ok && rec.MarkedBy[sess.BareJID].AtLeast(level) {
		metrics.MarkersSkipped.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	return true, nil
}

// alreadySent 依据消息上的本端发送记录判断单聊中是否已发过不低于 level 的标记。
func (e *Engine) alreadySent(msg *models.Message, level Level) bool {
	for _, name := range msg.SentMarkerLevels() {
		if Level(name).AtLeast(level) {
			return true
		}
	}
	return false
}
