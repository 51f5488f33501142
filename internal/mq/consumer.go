package mq

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/config"
	"go-im-markers/internal/pipeline"
)

// Dispatcher 处理一条会话层事件（pipeline.Pipeline 实现）。
type Dispatcher interface {
	Handle(ctx context.Context, ev *pipeline.Event) error
}

// EventHandler 为 im-marker-in 的消费者组处理器。
// 解析失败或处理失败的消息只记日志，仍然提交位点。
type EventHandler struct {
	ctx context.Context
	d   Dispatcher
	log *zap.Logger
}

func NewEventHandler(ctx context.Context, d Dispatcher, log *zap.Logger) *EventHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventHandler{ctx: ctx, d: d, log: log}
}

func (h *EventHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *EventHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *EventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(msg)
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (h *EventHandler) handle(msg *sarama.ConsumerMessage) {
	h.dispatch(msg.Value, zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
}

// dispatch 解码并处理一条事件，fields 标识消息来源。
func (h *EventHandler) dispatch(value []byte, fields ...zap.Field) {
	var ev pipeline.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		h.log.Warn("drop malformed event", append(fields, zap.Error(err))...)
		return
	}
	if err := h.d.Handle(h.ctx, &ev); err != nil {
		h.log.Warn("event handling failed", append(fields,
			zap.String("kind", string(ev.Kind)),
			zap.String("conv", ev.ConvID),
			zap.Error(err))...)
	}
}

// RunConsumer 加入消费者组并持续消费，直到 ctx 取消。
func RunConsumer(ctx context.Context, cfg *config.Config, h *EventHandler, log *zap.Logger) error {
	scfg := sarama.NewConfig()
	scfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	client, err := sarama.NewConsumerGroup(config.ParseList(cfg.KafkaBrokers), cfg.KafkaConsumerGroup, scfg)
	if err != nil {
		return errors.Wrap(err, "new consumer group")
	}
	defer client.Close()

	topics := []string{cfg.KafkaMarkerInTopic}
	for {
		if err := client.Consume(ctx, topics, h); err != nil {
			log.Error("consume error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
