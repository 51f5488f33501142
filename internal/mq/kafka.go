package mq

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"

	"go-im-markers/internal/config"
	"go-im-markers/internal/markers"
)

// KafkaProducer 把出站标记写入 im-marker-out，由接入层转成 XMPP stanza 下发。
// 以目的地址为消息 key，保证同一对端/群的标记按序投递。
type KafkaProducer struct {
	Async sarama.AsyncProducer
	Topic string
}

func NewKafkaProducer(brokersCSV, topic string) (*KafkaProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	p, err := sarama.NewAsyncProducer(config.ParseList(brokersCSV), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new kafka producer")
	}
	return &KafkaProducer{Async: p, Topic: topic}, nil
}

// Send 实现 markers.Sender：交给生产者队列即返回，不等待 broker 确认。
func (p *KafkaProducer) Send(ctx context.Context, st *markers.Stanza) error {
	if p == nil || p.Async == nil {
		return errors.New("kafka producer not initialized")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode stanza")
	}
	msg := &sarama.ProducerMessage{Topic: p.Topic, Key: sarama.StringEncoder(st.To), Value: sarama.ByteEncoder(b)}
	select {
	case p.Async.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.Async == nil {
		return nil
	}
	return p.Async.Close()
}
