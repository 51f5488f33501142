package markers

import (
	"context"

	"go.uber.org/zap"

	"go-im-markers/internal/metrics"
	"go-im-markers/internal/models"
)

// InboundAttrs 为已解析的入站消息中与标记相关的属性。
// FromRealJID 为群聊中发送者的真实地址（可选），存在时作为标记者身份。
type InboundAttrs struct {
	From        string `json:"from"`
	FromRealJID string `json:"fromRealJid,omitempty"`
	To          string `json:"to"`
	MarkerID    string `json:"markerId,omitempty"`
	Marker      string `json:"marker,omitempty"`
}

// HandleInbound 判断入站消息是否为标记通知并并入本地状态，返回该消息是否已被消费。
// 收件人不是本端或不带 markerId 时原样返回 handled；
// 带 markerId 时无论是否找到对应消息都视为已消费。
func (e *Engine) HandleInbound(ctx context.Context, sess *Session, conv *models.Conversation, attrs *InboundAttrs, handled bool) (bool, error) {
	if Bare(attrs.To) != sess.BareJID {
		metrics.InboundMarkers.WithLabelValues("not_for_me").Inc()
		return handled, nil
	}
	if attrs.MarkerID == "" {
		return handled, nil
	}
	level, err := ParseLevel(attrs.Marker)
	if err != nil {
		metrics.InboundMarkers.WithLabelValues("invalid").Inc()
		return handled, err
	}

	msg := conv.FindByClientID(attrs.MarkerID)
	if msg == nil && conv.IsGroup() {
		msg = conv.FindByStableID(attrs.MarkerID)
	}
	if msg == nil {
		metrics.InboundMarkers.WithLabelValues("unmatched").Inc()
		e.log.Debug("marker for unknown message",
			zap.String("conv", conv.ID),
			zap.String("from", attrs.From),
			zap.String("markerId", attrs.MarkerID))
		return true, nil
	}

	by := Bare(attrs.From)
	if conv.IsGroup() {
		by = attrs.From
		if attrs.FromRealJID != "" {
			by = Bare(attrs.FromRealJID)
		}
	}
	if _, err := e.Reconcile(ctx, sess, conv, msg, by, level); err != nil {
		return true, err
	}
	metrics.InboundMarkers.WithLabelValues("applied").Inc()
	return true, nil
}
