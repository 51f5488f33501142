package mq

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/markers"
)

// Publisher 为 NATS 发布接口，*nats.Conn 满足该接口。
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NatsSender 把出站标记发布到 NATS 主题（未配置 Kafka 时的替代出口）。
type NatsSender struct {
	Conn    Publisher
	Subject string
}

// Send 实现 markers.Sender。
func (s *NatsSender) Send(ctx context.Context, st *markers.Stanza) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode stanza")
	}
	return errors.Wrapf(s.Conn.Publish(s.Subject, b), "publish %s", s.Subject)
}

// OnNatsMsg 处理 NATS 主题上的一条事件。
func (h *EventHandler) OnNatsMsg(m *nats.Msg) {
	h.dispatch(m.Data, zap.String("subject", m.Subject))
}

// SubscribeNats 以队列组方式订阅事件主题，同组实例分摊消息。
func SubscribeNats(nc *nats.Conn, subject, queue string, h *EventHandler) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(subject, queue, h.OnNatsMsg)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", subject)
	}
	_ = sub.SetPendingLimits(100_000, 64*1024*1024)
	return sub, nil
}
