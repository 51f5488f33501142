package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"go-im-markers/internal/cache"
	"go-im-markers/internal/config"
	"go-im-markers/internal/conv"
	"go-im-markers/internal/logger"
	"go-im-markers/internal/markers"
	"go-im-markers/internal/metrics"
	"go-im-markers/internal/mq"
	"go-im-markers/internal/pipeline"
	httpapi "go-im-markers/internal/presentation/http"
	"go-im-markers/internal/ratelimit"
	"go-im-markers/internal/store"
	"go-im-markers/internal/store/mongostore"
	"go-im-markers/internal/store/sqlstore"
	"go-im-markers/internal/transport/tcp"
	"go-im-markers/internal/transport/ws"
)

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel)
	defer log.Sync()

	if cfg.LocalJID == "" {
		log.Fatal("IM_LOCAL_JID is required")
	}
	settings, err := markers.NewSettings(cfg.MarkerRoomMaxOccupants, cfg.MarkerLevels)
	if err != nil {
		log.Fatal("invalid marker levels", zap.Strings("levels", cfg.MarkerLevels), zap.Error(err))
	}
	if cfg.EnableMetrics {
		metrics.Init()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()

	var db *sql.DB
	if cfg.MarkerDB == "mysql" || cfg.RoomOccupantsFromDB {
		db = mustOpen(ctx, cfg.MySQLDSN)
		defer db.Close()
	}

	// 根据配置选择标记存储：memory、bolt、mysql、postgres、mongodb 或 redis
	var backend markers.Persistence
	switch cfg.MarkerDB {
	case "mysql":
		if err := sqlstore.EnsureMarkersTable(ctx, db); err != nil {
			log.Fatal("mysql schema", zap.Error(err))
		}
		backend = store.NewSQLMarkerStore(db)
	case "postgres":
		pool, err := store.OpenPG(ctx, cfg.PGURL)
		if err != nil {
			log.Fatal("postgres connection failed", zap.Error(err))
		}
		defer pool.Close()
		backend = store.NewPGMarkerStore(pool)
	case "mongodb":
		mdb, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			log.Fatal("mongodb connection failed", zap.Error(err))
		}
		defer mdb.Client().Disconnect(context.Background())
		backend = store.NewMongoMarkerStore(mdb)
	case "redis":
		backend = store.NewRedisMarkerStore(cache.Client())
	case "bolt":
		bs, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			log.Fatal("bolt open failed", zap.Error(err))
		}
		defer bs.Close()
		backend = bs
	default:
		backend = markers.NewMemoryPersistence()
	}
	log.Info("marker store selected", zap.String("markerDB", cfg.MarkerDB))

	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL, nats.Name("markerd"), nats.MaxReconnects(-1))
		if err != nil {
			log.Fatal("nats connection failed", zap.Error(err))
		}
		defer nc.Drain()
	}

	// 出站标记：优先 Kafka（im-marker-out），其次 NATS，都未配置时只记日志
	var sender markers.Sender = markers.SenderFunc(func(_ context.Context, st *markers.Stanza) error {
		log.Info("outbound marker", zap.String("to", st.To), zap.String("type", st.Type), zap.String("marker", st.Element()), zap.String("id", st.MarkerID))
		return nil
	})
	if cfg.KafkaBrokers != "" {
		producer, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaMarkerOutTopic)
		if err != nil {
			log.Fatal("kafka producer", zap.Error(err))
		}
		defer producer.Close()
		sender = producer
	} else if nc != nil {
		sender = &mq.NatsSender{Conn: nc, Subject: cfg.NatsMarkerOutSubj}
	}

	var members conv.MemberCounter
	if cfg.RoomOccupantsFromDB {
		members = store.NewGroupStore(db)
	}
	reg := markers.NewRegistry(backend, log.Named("store"))
	engine := markers.NewEngine(reg, settings, log.Named("engine"))
	dir := conv.NewDirectory(reg, members, log.Named("conv"))
	p := pipeline.New(engine, dir, markers.NewSession(cfg.LocalJID, sender), log.Named("pipeline"))

	h := mq.NewEventHandler(ctx, p, log.Named("consumer"))
	if nc != nil {
		if _, err := mq.SubscribeNats(nc, cfg.NatsMarkerInSubj, cfg.NatsQueue, h); err != nil {
			log.Fatal("nats subscribe", zap.Error(err))
		}
	}
	if cfg.KafkaBrokers != "" {
		go func() {
			if err := mq.RunConsumer(ctx, cfg, h, log); err != nil {
				log.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	// 配置文件变化时热加载标记级别与群成员数上限
	go func() {
		err := config.Watch(ctx, config.Path(), 500*time.Millisecond, func(next *config.Config) {
			st, err := markers.NewSettings(next.MarkerRoomMaxOccupants, next.MarkerLevels)
			if err != nil {
				log.Warn("ignore invalid marker settings", zap.Error(err))
				return
			}
			engine.SetSettings(st)
			log.Info("marker settings reloaded", zap.Int("roomMaxOccupants", st.RoomMaxOccupants), zap.Strings("levels", next.MarkerLevels))
		})
		if err != nil {
			log.Warn("config watch stopped", zap.Error(err))
		}
	}()

	tcpSrv := &tcp.Server{Addr: cfg.TCPAddr, JWTSecret: cfg.JWTSecret, D: p, Log: log.Named("tcp")}
	go func() {
		if err := tcpSrv.Start(ctx); err != nil {
			log.Error("tcp server stopped", zap.Error(err))
		}
	}()

	limiter := ratelimit.NewTokenBucketLimiter(cache.Client(), cfg.MarkRateQPS, cfg.MarkRateBurst)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	// 健康/指标
	r.GET("/healthz", func(c *gin.Context) {
		if err := cache.Ping(c.Request.Context()); err != nil && cfg.MarkerDB == "redis" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "conversations": len(dir.IDs())})
	})
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	httpapi.NewMarkerHandler(p, cfg.JWTSecret, limiter, log.Named("http")).Register(r)
	r.GET("/ws", (&ws.Server{JWTSecret: cfg.JWTSecret, P: p, Limiter: limiter, Log: log.Named("ws")}).Handle)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.Info("markerd listening", zap.String("addr", cfg.ListenAddr), zap.String("jid", cfg.LocalJID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
}

func mustOpen(ctx context.Context, dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	return db
}
