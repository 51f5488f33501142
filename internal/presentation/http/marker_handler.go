package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/auth"
	"go-im-markers/internal/conv"
	"go-im-markers/internal/markers"
	"go-im-markers/internal/pipeline"
)

// Limiter 限制手动标记请求频率（ratelimit.TokenBucketLimiter 实现）。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// MarkerHandler 标记管理接口
type MarkerHandler struct {
	p         *pipeline.Pipeline
	jwtSecret string
	limiter   Limiter
	log       *zap.Logger
}

// NewMarkerHandler 创建标记HTTP处理器；limiter 可为 nil（不限流）
func NewMarkerHandler(p *pipeline.Pipeline, jwtSecret string, limiter Limiter, log *zap.Logger) *MarkerHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarkerHandler{p: p, jwtSecret: jwtSecret, limiter: limiter, log: log}
}

// Register 挂载 /api 路由
func (h *MarkerHandler) Register(r gin.IRouter) {
	api := r.Group("/api", h.AuthRequired())
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id/markers", h.ListMarkers)
	api.POST("/conversations/:id/read", h.Read)
	api.POST("/conversations/:id/visibility", h.Visibility)
	api.POST("/events", h.Event)
}

// AuthRequired 校验 Bearer 令牌并把调用方账号写入 userID
func (h *MarkerHandler) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if tok == "" {
			tok = c.Query("token")
		}
		cl, err := auth.ParseJWT(h.jwtSecret, tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("userID", cl.UserID)
		c.Next()
	}
}

// ListConversations 已打开的会话
func (h *MarkerHandler) ListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": h.p.Directory().IDs()})
}

// ListMarkers 会话的标记记录（按排序时间升序）
func (h *MarkerHandler) ListMarkers(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.p.Directory().Get(id); err != nil {
		h.fail(c, err)
		return
	}
	store, ok := h.p.Engine().Registry().Get(id)
	if !ok {
		h.fail(c, conv.ErrNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := store.WaitReady(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "marker store loading"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"convId": id, "markers": store.List()})
}

type readRequest struct {
	Level string `json:"level"`
	MsgID string `json:"msgId"`
	Force bool   `json:"force"`
}

// Read 手动回标记：指定 msgId 时标记该消息，否则标记最新一条可标记消息
func (h *MarkerHandler) Read(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Level == "" {
		req.Level = string(markers.Displayed)
	}
	level, err := markers.ParseLevel(req.Level)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.allow(c) {
		return
	}

	id := c.Param("id")
	var sent bool
	if req.MsgID != "" {
		sent, err = h.p.MarkMessage(c.Request.Context(), id, req.MsgID, level, req.Force)
	} else {
		sent, err = h.p.MarkLast(c.Request.Context(), id, level, req.Force)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

// Visibility 更新会话可见性
func (h *MarkerHandler) Visibility(c *gin.Context) {
	var req struct {
		Visible bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sent, err := h.p.SetVisible(c.Request.Context(), c.Param("id"), req.Visible)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

// Event 直接投递一条会话层事件（未接入 Kafka 时使用）
func (h *MarkerHandler) Event(c *gin.Context) {
	var ev pipeline.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.p.Handle(c.Request.Context(), &ev); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (h *MarkerHandler) allow(c *gin.Context) bool {
	if h.limiter == nil {
		return true
	}
	ok, _, err := h.limiter.Allow(c.Request.Context(), c.GetString("userID")+":mark")
	if err != nil {
		h.log.Warn("rate limiter unavailable", zap.Error(err))
	}
	if !ok {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	}
	return ok
}

func (h *MarkerHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conv.ErrNotFound), errors.Is(err, pipeline.ErrUnknownMessage):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, markers.ErrUnknownLevel), errors.Is(err, pipeline.ErrUnknownKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("marker request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
