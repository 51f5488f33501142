package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-im-markers/internal/auth"
	"go-im-markers/internal/pipeline"
)

// Dispatcher 处理一条会话层事件（pipeline.Pipeline 实现）。
type Dispatcher interface {
	Handle(ctx context.Context, ev *pipeline.Event) error
}

// Server 为按行投递事件的 TCP 接入：首行为 JWT，之后每行一条 JSON 事件，逐行回复 ok 或 err。
type Server struct {
	Addr      string
	JWTSecret string
	D         Dispatcher
	Log       *zap.Logger
}

// Start 监听并服务，直到 ctx 取消；Addr 为空时不启用。
func (s *Server) Start(ctx context.Context) error {
	if s.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrap(err, "listen tcp")
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() { <-ctx.Done(); ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return
	}
	cl, err := auth.ParseJWT(s.JWTSecret, strings.TrimSpace(scanner.Text()))
	if err != nil {
		c.Write([]byte("err: unauthorized\n"))
		return
	}
	log.Info("tcp producer connected", zap.String("user", cl.UserID), zap.String("remote", c.RemoteAddr().String()))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			c.Write([]byte("err: malformed event\n"))
			continue
		}
		if err := s.D.Handle(ctx, &ev); err != nil {
			log.Warn("tcp event failed", zap.String("kind", string(ev.Kind)), zap.String("conv", ev.ConvID), zap.Error(err))
			c.Write([]byte("err: " + err.Error() + "\n"))
			continue
		}
		c.Write([]byte("ok\n"))
	}
}
