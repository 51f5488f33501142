package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/conv"
	"go-im-markers/internal/markers"
	"go-im-markers/internal/models"
)

// ErrUnknownMessage 表示会话中找不到被引用的消息。
var ErrUnknownMessage = errors.New("message not found")

// ErrUnknownKind 表示事件类型无法识别。
var ErrUnknownKind = errors.New("unknown event kind")

// Pipeline 把会话层事件分发给标记引擎的各个入口。
type Pipeline struct {
	engine *markers.Engine
	dir    *conv.Directory
	sess   *markers.Session
	log    *zap.Logger
}

func New(engine *markers.Engine, dir *conv.Directory, sess *markers.Session, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{engine: engine, dir: dir, sess: sess, log: log}
}

func (p *Pipeline) Engine() *markers.Engine    { return p.engine }
func (p *Pipeline) Directory() *conv.Directory { return p.dir }
func (p *Pipeline) Session() *markers.Session  { return p.sess }

// Handle 处理一条事件；同一会话的事件与标记请求串行执行。
func (p *Pipeline) Handle(ctx context.Context, ev *Event) error {
	defer p.dir.Lock(ev.ConvID)()
	if ev.Kind == KindClosed {
		p.dir.Close(ev.ConvID)
		return nil
	}
	c, err := p.dir.Open(ctx, ev.ConvID, models.ParseConversationType(ev.ConvType), ev.JID)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case KindMessage:
		return p.onMessage(ctx, c, ev)
	case KindOutgoing:
		msg := ev.message(c)
		msg.Outgoing = true
		msg.From = p.sess.BareJID
		msg.To = c.JID
		c.Append(msg)
		return nil
	case KindSent:
		msg := c.FindByClientID(ev.ID)
		if msg == nil {
			p.log.Debug("sent ack for unknown message", zap.String("conv", c.ID), zap.String("id", ev.ID))
			return nil
		}
		msg.Sent = true
		_, err := p.engine.OnMessageSent(ctx, p.sess, c, msg)
		return err
	case KindStamped:
		msg := c.FindByClientID(ev.ID)
		if msg == nil {
			p.log.Debug("stable id for unknown message", zap.String("conv", c.ID), zap.String("id", ev.ID))
			return nil
		}
		if ev.StableID != "" {
			msg.StableID = ev.StableID
		}
		_, err := p.engine.OnRoomMessageUpdated(ctx, p.sess, c, msg)
		return err
	case KindVisibility:
		_, err := p.setVisible(ctx, c, ev.Visible)
		return err
	case KindOccupants:
		if !c.IsGroup() {
			return nil
		}
		if ev.Occupants == nil {
			return p.dir.RefreshOccupants(ctx, c.ID)
		}
		c.SetOccupants(*ev.Occupants)
		return nil
	default:
		return errors.Wrapf(ErrUnknownKind, "%q", ev.Kind)
	}
}

func (p *Pipeline) onMessage(ctx context.Context, c *models.Conversation, ev *Event) error {
	handled, err := p.engine.HandleInbound(ctx, p.sess, c, ev.inboundAttrs(), false)
	if handled || err != nil {
		return err
	}
	if ev.ID == "" || ev.Body == "" {
		return nil
	}
	msg := ev.message(c)
	if !c.Append(msg) {
		return nil
	}
	_, err = p.engine.OnMessageReceived(ctx, p.sess, c, msg)
	return err
}

// SetVisible 更新会话可见性；由隐藏变为可见时清空未读并按需回标记最新消息。
func (p *Pipeline) SetVisible(ctx context.Context, convID string, visible bool) (bool, error) {
	defer p.dir.Lock(convID)()
	c, err := p.dir.Get(convID)
	if err != nil {
		return false, err
	}
	return p.setVisible(ctx, c, visible)
}

func (p *Pipeline) setVisible(ctx context.Context, c *models.Conversation, visible bool) (bool, error) {
	wasHidden := c.Hidden()
	c.SetHidden(!visible)
	if !visible || !wasHidden {
		return false, nil
	}
	prev := c.ClearUnreads()
	return p.engine.OnUnreadsCleared(ctx, p.sess, c, prev)
}

// MarkLast 对会话中最新一条可标记的消息发送 level 级别的标记。
func (p *Pipeline) MarkLast(ctx context.Context, convID string, level markers.Level, force bool) (bool, error) {
	defer p.dir.Lock(convID)()
	c, err := p.dir.Get(convID)
	if err != nil {
		return false, err
	}
	return p.engine.SendMarkerForLastMessage(ctx, p.sess, c, level, force)
}

// MarkMessage 对指定消息发送标记；msgID 可以是客户端 msgid 或群稳定 ID。
func (p *Pipeline) MarkMessage(ctx context.Context, convID, msgID string, level markers.Level, force bool) (bool, error) {
	defer p.dir.Lock(convID)()
	c, err := p.dir.Get(convID)
	if err != nil {
		return false, err
	}
	msg := c.FindByClientID(msgID)
	if msg == nil {
		msg = c.FindByStableID(msgID)
	}
	if msg == nil {
		return false, errors.Wrap(ErrUnknownMessage, msgID)
	}
	return p.engine.SendMarkerForMessage(ctx, p.sess, c, msg, level, force)
}
