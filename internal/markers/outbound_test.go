package markers

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-im-markers/internal/models"
)

func TestOnMessageSentForcesDisplayedInDirectChat(t *testing.T) {
	ctx := context.Background()
	e, rec, sess := newTestEngine(t, 10)
	conv := directConv()
	msg := outgoingMsg("out-1")
	conv.Append(msg)

	ok, err := e.OnMessageSent(ctx, sess, conv, msg)
	if err != nil || !ok {
		t.Fatalf("OnMessageSent = %v, %v", ok, err)
	}
	sent := rec.stanzas()
	if len(sent) != 1 {
		t.Fatalf("expected one stanza, got %d", len(sent))
	}
	st := sent[0]
	if st.To != "bob@example" || st.Type != "chat" || st.Marker != Displayed || st.MarkerID != "out-1" || st.ID == "" {
		t.Fatalf("unexpected stanza: %+v", st)
	}
	s := storeOf(t, e, conv)
	r, ok := s.Get("out-1")
	if !ok || r.MarkedBy[me] != Displayed {
		t.Fatalf("local marker not recorded: %+v", r)
	}
	if levels := msg.SentMarkerLevels(); len(levels) != 1 || levels[0] != "displayed" {
		t.Fatalf("sent-marker bookkeeping = %v", levels)
	}
}

func TestOnMessageSentIgnoresRooms(t *testing.T) {
	e, rec, sess := newTestEngine(t, 10)
	msg := roomMsg("c1", "s1", 0)
	msg.Outgoing = true
	msg.Sent = true
	ok, err := e.OnMessageSent(context.Background(), sess, roomConv(3), msg)
	if ok || err != nil || len(rec.stanzas()) != 0 {
		t.Fatalf("rooms must not self-mark: ok=%v err=%v sent=%d", ok, err, len(rec.stanzas()))
	}
}

func TestRoomMarkerMonotonic(t *testing.T) {
	ctx := context.Background()
	e, rec, sess := newTestEngine(t, 10)
	conv := roomConv(5)
	msg := roomMsg("c1", "s1", 0)
	conv.Append(msg)

	steps := []struct {
		level Level
		want  bool
	}{
		{Displayed, true},
		{Displayed, false},
		{Received, false},
		{Acknowledged, true},
		{Displayed, false},
	}
	for i, step := range steps {
		ok, err := e.SendMarkerForMessage(ctx, sess, conv, msg, step.level, false)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ok != step.want {
			t.Fatalf("step %d (%s): sent=%v, want %v", i, step.level, ok, step.want)
		}
	}
	sent := rec.stanzas()
	if len(sent) != 2 || sent[0].Marker != Displayed || sent[1].Marker != Acknowledged {
		t.Fatalf("unexpected stanzas: %+v", sent)
	}
	if sent[0].Type != "groupchat" || sent[0].To != "lounge@conference.example" || sent[0].MarkerID != "s1" {
		t.Fatalf("room stanza must reference the stable id: %+v", sent[0])
	}
}

func TestRoomMarkerWithoutStableIDSkipped(t *testing.T) {
	e, rec, sess := newTestEngine(t, 10)
	conv := roomConv(5)
	msg := roomMsg("c1", "", 0)
	ok, err := e.SendMarkerForMessage(context.Background(), sess, conv, msg, Displayed, false)
	if ok || err != nil || len(rec.stanzas()) != 0 {
		t.Fatalf("expected skip, got ok=%v err=%v", ok, err)
	}
	if storeOf(t, e, conv).Len() != 0 {
		t.Fatalf("skipped send must not create markers")
	}
}

func TestSendMarkerPolicyGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled level", func(t *testing.T) {
		e, rec, sess := newTestEngine(t, 10, "received")
		ok, _ := e.SendMarkerForMessage(ctx, sess, directConv(), directMsg("m1", 0), Displayed, true)
		if ok || len(rec.stanzas()) != 0 {
			t.Fatalf("disabled level must not be sent")
		}
	})
	t.Run("not markable", func(t *testing.T) {
		e, rec, sess := newTestEngine(t, 10)
		msg := directMsg("m1", 0)
		msg.Markable = false
		ok, _ := e.SendMarkerForMessage(ctx, sess, directConv(), msg, Displayed, false)
		if ok || len(rec.stanzas()) != 0 {
			t.Fatalf("unmarkable message must not be marked without force")
		}
	})
	t.Run("unknown level", func(t *testing.T) {
		e, _, sess := newTestEngine(t, 10)
		_, err := e.SendMarkerForMessage(ctx, sess, directConv(), directMsg("m1", 0), Level("seen"), true)
		if !errors.Is(err, ErrUnknownLevel) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("transport failure", func(t *testing.T) {
		e, rec, sess := newTestEngine(t, 10)
		rec.err = errBoom
		conv := directConv()
		msg := directMsg("m1", 0)
		ok, err := e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false)
		if ok || !errors.Is(err, errBoom) {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if len(msg.SentMarkerLevels()) != 0 || storeOf(t, e, conv).Len() != 0 {
			t.Fatalf("failed send must not be recorded")
		}
	})
	t.Run("direct duplicate", func(t *testing.T) {
		e, rec, sess := newTestEngine(t, 10)
		conv := directConv()
		msg := directMsg("m1", 0)
		for i := 0; i < 2; i++ {
			_, _ = e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false)
		}
		_, _ = e.SendMarkerForMessage(ctx, sess, conv, msg, Received, false)
		if n := len(rec.stanzas()); n != 1 {
			t.Fatalf("expected a single send, got %d", n)
		}
	})
}

func TestOnMessageReceived(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		mutate func(c *convFixture)
		want   bool
	}{
		{"visible new markable", func(c *convFixture) {}, true},
		{"empty body", func(c *convFixture) { c.msg.Body = "" }, false},
		{"history replay", func(c *convFixture) { c.msg.IsNew = false }, false},
		{"hidden conversation", func(c *convFixture) { c.hidden = true }, false},
		{"not markable", func(c *convFixture) { c.msg.Markable = false }, false},
		{"own message", func(c *convFixture) { c.msg.Outgoing = true }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, rec, sess := newTestEngine(t, 10)
			fx := &convFixture{msg: directMsg("m1", 0)}
			tc.mutate(fx)
			conv := directConv()
			conv.SetHidden(fx.hidden)
			conv.Append(fx.msg)
			ok, err := e.OnMessageReceived(ctx, sess, conv, fx.msg)
			if err != nil || ok != tc.want || (len(rec.stanzas()) == 1) != tc.want {
				t.Fatalf("ok=%v err=%v sent=%d, want %v", ok, err, len(rec.stanzas()), tc.want)
			}
		})
	}
}

type convFixture struct {
	msg    *models.Message
	hidden bool
}

func TestOnUnreadsCleared(t *testing.T) {
	ctx := context.Background()

	e, rec, sess := newTestEngine(t, 10)
	dm := directConv()
	dm.Append(directMsg("m1", 0))
	dm.Append(directMsg("m2", time.Second))
	if ok, _ := e.OnUnreadsCleared(ctx, sess, dm, unreads(0, false)); ok {
		t.Fatalf("direct chat without unreads must not send")
	}
	if ok, _ := e.OnUnreadsCleared(ctx, sess, dm, unreads(2, false)); !ok {
		t.Fatalf("direct chat with unreads must send")
	}
	if sent := rec.stanzas(); len(sent) != 1 || sent[0].MarkerID != "m2" {
		t.Fatalf("marker must target the latest message: %+v", sent)
	}

	room := roomConv(3)
	room.Append(roomMsg("c1", "s1", 0))
	if ok, _ := e.OnUnreadsCleared(ctx, sess, room, unreads(0, false)); ok {
		t.Fatalf("room without pending state must not send")
	}
	if ok, _ := e.OnUnreadsCleared(ctx, sess, room, unreads(0, true)); !ok {
		t.Fatalf("room with activity must send")
	}
}

func TestSendMarkerForLastMessage(t *testing.T) {
	ctx := context.Background()
	e, rec, sess := newTestEngine(t, 10)
	conv := directConv()
	markable := directMsg("m1", 0)
	plain := directMsg("m2", time.Second)
	plain.Markable = false
	own := directMsg("m3", 2*time.Second)
	own.Outgoing = true
	for _, m := range []*models.Message{markable, plain, own} {
		conv.Append(m)
	}

	if ok, err := e.SendMarkerForLastMessage(ctx, sess, conv, Received, false); !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ok, err := e.SendMarkerForLastMessage(ctx, sess, conv, Displayed, true); !ok || err != nil {
		t.Fatalf("forced: ok=%v err=%v", ok, err)
	}
	sent := rec.stanzas()
	if len(sent) != 2 || sent[0].MarkerID != "m1" || sent[1].MarkerID != "m2" {
		t.Fatalf("unexpected targets: %+v", sent)
	}
}

func TestOnRoomMessageUpdated(t *testing.T) {
	ctx := context.Background()
	e, rec, sess := newTestEngine(t, 10)
	conv := roomConv(3)
	msg := roomMsg("c1", "", 0)
	conv.Append(msg)

	if ok, _ := e.OnRoomMessageUpdated(ctx, sess, conv, msg); ok {
		t.Fatalf("no stable id yet, nothing to send")
	}
	msg.StableID = "s1"
	if ok, _ := e.OnRoomMessageUpdated(ctx, sess, conv, msg); !ok {
		t.Fatalf("stable id arrived, marker expected")
	}
	if ok, _ := e.OnRoomMessageUpdated(ctx, sess, conv, msg); ok {
		t.Fatalf("repeat update must be suppressed")
	}
	conv.SetHidden(true)
	msg2 := roomMsg("c2", "s2", time.Second)
	conv.Append(msg2)
	if ok, _ := e.OnRoomMessageUpdated(ctx, sess, conv, msg2); ok {
		t.Fatalf("hidden room must not send")
	}
	if n := len(rec.stanzas()); n != 1 {
		t.Fatalf("expected one stanza, got %d", n)
	}
}

func TestSetSettingsTakesEffect(t *testing.T) {
	ctx := context.Background()
	e, rec, sess := newTestEngine(t, 10, "received")
	conv := directConv()
	msg := directMsg("m1", 0)
	if ok, _ := e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false); ok {
		t.Fatalf("displayed is disabled")
	}
	st, _ := NewSettings(10, []string{"displayed"})
	e.SetSettings(st)
	if ok, err := e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false); !ok || err != nil {
		t.Fatalf("after reload: ok=%v err=%v", ok, err)
	}
	if len(rec.stanzas()) != 1 {
		t.Fatalf("expected one stanza")
	}
}

func TestSendMarkerRetriesAfterPersistFailure(t *testing.T) {
	ctx := context.Background()
	backend := &failingPersistence{MemoryPersistence: NewMemoryPersistence(), saveErr: errBoom}
	st, _ := NewSettings(10, []string{"received", "displayed", "acknowledged"})
	e := NewEngine(NewRegistry(backend, nil), st, nil)
	rec := &recorder{}
	sess := NewSession(me, rec)
	conv := directConv()
	msg := directMsg("m1", 0)

	ok, err := e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false)
	if ok || !errors.Is(err, errBoom) {
		t.Fatalf("first send: ok=%v err=%v", ok, err)
	}
	if n := len(msg.SentMarkerLevels()); n != 0 {
		t.Fatalf("failed send must leave no bookkeeping, got %d", n)
	}

	backend.saveErr = nil
	ok, err = e.SendMarkerForMessage(ctx, sess, conv, msg, Displayed, false)
	if !ok || err != nil {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	if levels := msg.SentMarkerLevels(); len(levels) != 1 || levels[0] != "displayed" {
		t.Fatalf("bookkeeping = %v", levels)
	}
	if n := len(rec.stanzas()); n != 2 {
		t.Fatalf("expected two transmissions, got %d", n)
	}
}
