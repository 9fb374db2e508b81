package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/site-safety/backend/internal/config"
	"github.com/zhouzirui/site-safety/backend/internal/handler"
	sessionHandler "github.com/zhouzirui/site-safety/backend/internal/handler/session"
	"github.com/zhouzirui/site-safety/backend/internal/media"
	"github.com/zhouzirui/site-safety/backend/internal/metrics"
	"github.com/zhouzirui/site-safety/backend/internal/middleware"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
	"github.com/zhouzirui/site-safety/backend/internal/service/ai"
	sessionService "github.com/zhouzirui/site-safety/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize session store: %v", err)
	}
	defer closeStore()

	// Initialize AI service
	var coordinator sessionHandler.Coordinator
	if cfg.AI.Enabled() {
		aiService, err := newAIService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without analysis - 请检查 Ark 模型相关环境变量")
		} else {
			log.Println("AI service initialized successfully")

			svc := sessionService.New(store, aiService, aiService, sessionService.Config{
				Image:         media.Config{MaxBytes: cfg.Image.MaxBytes, MaxDimension: cfg.Image.MaxDimension, MaxPixels: cfg.Image.MaxPixels},
				IdleTTL:       cfg.Session.IdleTTL,
				SweepInterval: cfg.Session.SweepInterval,
			})
			svc.Start(ctx)
			defer svc.Shutdown()
			coordinator = svc
		}
	} else {
		log.Println("Ark 凭证未配置，分析与对话接口将返回 503")
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.PerMinute > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	}

	router := handler.NewRouter(handler.Options{
		Coordinator:   coordinator,
		Registry:      metrics.NewRegistry(),
		Server:        cfg.Server,
		MaxImageBytes: cfg.Image.MaxBytes,
		Limiter:       limiter,
	})

	startServer(ctx, cfg.Server, router)
}

func newAIService(ctx context.Context, cfg config.AIConfig) (*ai.Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	return ai.NewService(ctx, chatModel, ai.Config{
		Timeout:      cfg.Timeout,
		KeywordLimit: cfg.KeywordLimit,
	})
}

// newStore 根据 SESSION_STORE 选择内存或 Redis 会话存储。
func newStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.Session.Store != "redis" {
		log.Println("using in-memory session store")
		return session.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	ttl := cfg.Session.IdleTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	log.Printf("using redis session store addr=%s ttl=%s", cfg.Redis.Addr, ttl)
	store := session.NewRedisStore(client,
		session.WithTTL(ttl),
		session.WithPrefix(cfg.Redis.Prefix),
		// 锁需覆盖一次完整的模型调用
		session.WithLockTTL(cfg.AI.Timeout+30*time.Second),
	)
	return store, func() { _ = client.Close() }, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Site safety backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
