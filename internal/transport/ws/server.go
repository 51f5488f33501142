// Package ws 提供标记观察端的 WebSocket 网关：认证后订阅会话的标记存储变更，并可上行手动标记动作。
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-im-markers/internal/auth"
	"go-im-markers/internal/markers"
	"go-im-markers/internal/pipeline"
)

// Limiter 限制上行 mark 动作频率。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// Server 是标记观察网关。
// - 每个连接一个写协程，存储变更经缓冲队列下发，队列满时丢弃并记日志
// - 连接断开时取消该连接上的全部订阅
type Server struct {
	JWTSecret string
	P         *pipeline.Pipeline
	Limiter   Limiter
	Log       *zap.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait = 10 * time.Second
	queueSize = 256
)

// WSMessage 统一封装上下行动作与载荷。
// 上行 action：subscribe、unsubscribe、mark、visibility
// 下行 action：snapshot、marker、mark_ack、error
type WSMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type convPayload struct {
	ConvID string `json:"convId"`
}

type markPayload struct {
	ConvID string `json:"convId"`
	MsgID  string `json:"msgId,omitempty"`
	Level  string `json:"level"`
	Force  bool   `json:"force,omitempty"`
}

type visibilityPayload struct {
	ConvID  string `json:"convId"`
	Visible bool   `json:"visible"`
}

// client 为单个连接的状态。
type client struct {
	userID string
	out    chan []byte
	log    *zap.Logger

	mu   sync.Mutex
	subs map[string]func()
}

func (cl *client) push(action string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	b, _ := json.Marshal(WSMessage{Action: action, Data: raw})
	select {
	case cl.out <- b:
	default:
		cl.log.Warn("ws queue full, frame dropped", zap.String("user", cl.userID), zap.String("action", action))
	}
}

func (cl *client) cancelAll() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, cancel := range cl.subs {
		cancel()
		delete(cl.subs, id)
	}
}

// Handle 处理 HTTP 升级为 WebSocket，以及该连接的读/写循环。
// 认证：URL 查询参数 token 或 Authorization: Bearer
func (s *Server) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	log := s.logger()
	cl := &client{userID: claims.UserID, out: make(chan []byte, queueSize), log: log, subs: make(map[string]func())}
	log.Info("ws connected", zap.String("user", cl.userID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, conn, cl)
	}()

	defer func() {
		cl.cancelAll()
		cancel()
		<-done
		conn.Close()
		log.Info("ws disconnected", zap.String("user", cl.userID))
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("ws read error", zap.String("user", cl.userID), zap.Error(err))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var m WSMessage
		if err := json.Unmarshal(data, &m); err != nil {
			cl.push("error", gin.H{"error": "malformed frame"})
			continue
		}
		s.handleInbound(ctx, cl, &m)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, cl *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-cl.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cl.log.Debug("ws write error", zap.String("user", cl.userID), zap.Error(err))
				return
			}
		}
	}
}

// handleInbound 分发上行动作：
// - subscribe：下发当前快照，之后推送该会话的每次存储变更
// - mark：手动回标记（受限流约束）
// - visibility：更新会话可见性
func (s *Server) handleInbound(ctx context.Context, cl *client, m *WSMessage) {
	switch m.Action {
	case "subscribe":
		var p convPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			cl.push("error", gin.H{"error": err.Error()})
			return
		}
		s.subscribe(ctx, cl, p.ConvID)
	case "unsubscribe":
		var p convPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		cl.mu.Lock()
		if cancel, ok := cl.subs[p.ConvID]; ok {
			cancel()
			delete(cl.subs, p.ConvID)
		}
		cl.mu.Unlock()
	case "mark":
		var p markPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			cl.push("error", gin.H{"error": err.Error()})
			return
		}
		s.mark(ctx, cl, &p)
	case "visibility":
		var p visibilityPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			cl.push("error", gin.H{"error": err.Error()})
			return
		}
		if _, err := s.P.SetVisible(ctx, p.ConvID, p.Visible); err != nil {
			cl.push("error", gin.H{"convId": p.ConvID, "error": err.Error()})
		}
	default:
		cl.push("error", gin.H{"error": "unknown action " + m.Action})
	}
}

func (s *Server) subscribe(ctx context.Context, cl *client, convID string) {
	store, ok := s.P.Engine().Registry().Get(convID)
	if !ok {
		cl.push("error", gin.H{"convId": convID, "error": "conversation not found"})
		return
	}
	cl.mu.Lock()
	if _, dup := cl.subs[convID]; dup {
		cl.mu.Unlock()
		return
	}
	cl.subs[convID] = store.Subscribe(func(ev markers.Event) { cl.push("marker", ev) })
	cl.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := store.WaitReady(waitCtx); err != nil {
		cl.push("error", gin.H{"convId": convID, "error": "marker store loading"})
		return
	}
	cl.push("snapshot", gin.H{"convId": convID, "markers": store.List()})
}

func (s *Server) mark(ctx context.Context, cl *client, p *markPayload) {
	if s.Limiter != nil {
		ok, _, err := s.Limiter.Allow(ctx, cl.userID+":mark")
		if err != nil {
			s.logger().Warn("rate limiter unavailable", zap.Error(err))
		}
		if !ok {
			cl.push("error", gin.H{"code": "RATE_LIMIT"})
			return
		}
	}
	level, err := markers.ParseLevel(p.Level)
	if err != nil {
		cl.push("error", gin.H{"error": err.Error()})
		return
	}
	var sent bool
	if p.MsgID != "" {
		sent, err = s.P.MarkMessage(ctx, p.ConvID, p.MsgID, level, p.Force)
	} else {
		sent, err = s.P.MarkLast(ctx, p.ConvID, level, p.Force)
	}
	if err != nil {
		cl.push("error", gin.H{"convId": p.ConvID, "error": err.Error()})
		return
	}
	cl.push("mark_ack", gin.H{"convId": p.ConvID, "sent": sent})
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
