package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"go-im-markers/internal/markers"
	"go-im-markers/internal/pipeline"
)

func TestKafkaProducerSendsStanza(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var st markers.Stanza
		if err := json.Unmarshal(val, &st); err != nil {
			return err
		}
		if st.To != "bob@example" || st.Marker != markers.Displayed || st.MarkerID != "m1" || st.ID == "" {
			return errors.New("unexpected stanza payload")
		}
		return nil
	})
	p := &KafkaProducer{Async: mp, Topic: "im-marker-out"}
	st := markers.NewStanza("bob@example", "chat", markers.Displayed, "m1")
	if err := p.Send(context.Background(), st); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestKafkaProducerNil(t *testing.T) {
	var p *KafkaProducer
	if err := p.Send(context.Background(), &markers.Stanza{}); err == nil {
		t.Fatalf("nil producer must fail")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close on nil producer: %v", err)
	}
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

type dispatchFunc func(ctx context.Context, ev *pipeline.Event) error

func (f dispatchFunc) Handle(ctx context.Context, ev *pipeline.Event) error { return f(ctx, ev) }

func TestEventHandlerConsumesAndMarks(t *testing.T) {
	var got []*pipeline.Event
	d := dispatchFunc(func(_ context.Context, ev *pipeline.Event) error {
		got = append(got, ev)
		if ev.Kind == pipeline.KindSent {
			return errors.New("unknown message")
		}
		return nil
	})
	h := NewEventHandler(context.Background(), d, nil)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"kind":"message","convId":"dm-bob","convType":"c2c","jid":"bob@example","markerId":"m1","marker":"displayed"}`)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`{not json`)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 3, Value: []byte(`{"kind":"sent","convId":"dm-bob","id":"o1"}`)}
	close(claim.ch)

	sess := &fakeSession{}
	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(got) != 2 || got[0].MarkerID != "m1" || got[1].Kind != pipeline.KindSent {
		t.Fatalf("dispatched = %+v", got)
	}
	if len(sess.marked) != 3 {
		t.Fatalf("every offset must be committed, got %v", sess.marked)
	}
}
