package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/backend/memory"
	"github.com/zhouzirui/z-tavern/dmsync/internal/backend/postgres"
	"github.com/zhouzirui/z-tavern/dmsync/internal/backend/supabase"
	"github.com/zhouzirui/z-tavern/dmsync/internal/cache"
	"github.com/zhouzirui/z-tavern/dmsync/internal/config"
	"github.com/zhouzirui/z-tavern/dmsync/internal/handler"
	"github.com/zhouzirui/z-tavern/dmsync/internal/logging"
	"github.com/zhouzirui/z-tavern/dmsync/internal/metrics"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
	"github.com/zhouzirui/z-tavern/dmsync/internal/service/identity"
	"github.com/zhouzirui/z-tavern/dmsync/internal/service/session"
)

const listenerRetryDelay = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	recorder := metrics.New()

	backend, cleanup, err := newBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize %s backend: %v", cfg.Backend.Kind, err)
	}
	defer cleanup()

	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warnf("redis unavailable, profiles served uncached: %v", err)
		} else {
			defer redisCache.Close()
			backend = withProfileCache(backend, redisCache, cfg.Redis.ProfileTTL)
			log.Info("profile cache enabled")
		}
	}

	var authenticator identity.Authenticator
	if cfg.Server.DevAuth {
		log.Warn("DM_DEV_AUTH enabled: bearer tokens are trusted as user ids")
		authenticator = identity.DevAuthenticator{}
	} else {
		authenticator = identity.NewJWTAuthenticator(cfg.Supabase.JWTSecret, cfg.Supabase.JWTAudience)
	}

	sessions := session.NewManager(backend, session.Config{
		Engine:      engineConfig(cfg.Sync),
		Observer:    recorder,
		Gauge:       recorder,
		IdleTimeout: cfg.Sync.SessionIdleTimeout,
	})

	router := handler.NewRouter(handler.Deps{
		Sessions:       sessions,
		Authenticator:  authenticator,
		Metrics:        recorder,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Backend:        string(cfg.Backend.Kind),
	})

	startServer(ctx, cfg.Server, router)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sessions.Close(closeCtx); err != nil {
		log.Warnf("failed to close sessions: %v", err)
	}
}

func engineConfig(c config.SyncConfig) dmservice.Config {
	return dmservice.Config{
		HistoryLimit:         c.HistoryLimit,
		HistoryConcurrency:   c.HistoryConcurrency,
		ProfileBatchSize:     c.ProfileBatchSize,
		SubscribeMaxAttempts: c.SubscribeMaxAttempts,
		SubscribeBackoff:     c.SubscribeBackoff,
		SubscribeMaxBackoff:  c.SubscribeMaxBackoff,
		EchoWindow:           c.EchoWindow,
	}
}

// newBackend 根据配置构建数据面; cleanup 在退出时释放共享资源
func newBackend(ctx context.Context, cfg *config.Config) (session.Backend, func(), error) {
	switch cfg.Backend.Kind {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		listener := postgres.NewListener(pool, listenerRetryDelay)
		log.Info("postgres backend ready")
		return session.Shared{Store: postgres.NewStore(pool), Push: listener}, func() {
			listener.Close()
			pool.Close()
		}, nil

	case config.BackendSupabase:
		project := cfg.Supabase
		log.Infof("supabase backend ready: %s", project.URL)
		return session.BackendFunc(func(_ context.Context, userID string, token func() string) (session.Conn, error) {
			rest, err := supabase.NewREST(supabase.Config{
				URL:               project.URL,
				AnonKey:           project.AnonKey,
				AccessToken:       token,
				RequestsPerSecond: project.RequestsPerSecond,
				ReadRetries:       2,
			})
			if err != nil {
				return session.Conn{}, err
			}
			realtime, err := supabase.NewRealtime(supabase.RealtimeConfig{
				URL:         project.URL,
				AnonKey:     project.AnonKey,
				AccessToken: token,
			})
			if err != nil {
				return session.Conn{}, err
			}
			return session.Conn{Store: supabase.NewStore(rest), Push: realtime, Close: realtime.Close}, nil
		}), func() {}, nil

	default:
		hub := memory.NewHub()
		log.Info("in-memory backend ready; data is lost on restart")
		return session.Shared{Store: memory.NewStore(hub), Push: hub}, func() {}, nil
	}
}

// withProfileCache 为每个会话的存储包一层联系人缓存
func withProfileCache(backend session.Backend, c cache.Cache, ttl time.Duration) session.Backend {
	return session.BackendFunc(func(ctx context.Context, userID string, token func() string) (session.Conn, error) {
		conn, err := backend.Connect(ctx, userID, token)
		if err != nil {
			return session.Conn{}, err
		}
		conn.Store = cache.NewProfileStore(conn.Store, c, ttl)
		return conn, nil
	})
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Infof("dm gateway listening on %s", addr)
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
