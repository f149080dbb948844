package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/minigames-dev/scoreguard/internal/api"
	"github.com/minigames-dev/scoreguard/internal/evaluate"
	"github.com/minigames-dev/scoreguard/internal/event"
	"github.com/minigames-dev/scoreguard/internal/leaderboard"
	"github.com/minigames-dev/scoreguard/internal/ratelimit"
	"github.com/minigames-dev/scoreguard/internal/session"
	"github.com/minigames-dev/scoreguard/internal/submit"
	"github.com/minigames-dev/scoreguard/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	// Debug exposes diagnostic error detail in API responses.
	Debug bool

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	// Postgres is optional: with no Addr the server keeps sessions in
	// process memory, which is fine for a single instance.
	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	RateLimit struct {
		Limit         int
		WindowSeconds int
	}

	Leaderboard struct {
		Size int
	}

	Sweep struct {
		IntervalMinutes int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		sessions    *session.Service
		leaderboard *leaderboard.Service
		submit      *submit.Service
	}

	http      *http.Server
	sweepStop chan struct{}
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c, sweepStop: make(chan struct{})}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	if s.c.Postgres.Addr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	var store session.Store
	if s.infra.postgres != nil {
		store = session.NewPostgresStore(s.infra.postgres)
	} else {
		slog.Warn("server: no postgres configured, sessions are kept in memory")
		store = session.NewMemoryStore()
	}

	s.service.sessions = session.NewService(session.Config{
		Store: store,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		Redis:  s.infra.redis,
		Prefix: s.c.Redis.Prefix,
		Size:   s.c.Leaderboard.Size,
	})

	s.service.submit = submit.NewService(submit.Config{
		Sessions:    s.service.sessions,
		Leaderboard: s.service.leaderboard,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Redis:  s.infra.redis,
			Prefix: s.c.Redis.Prefix,
			Limit:  s.c.RateLimit.Limit,
			Window: time.Duration(s.c.RateLimit.WindowSeconds) * time.Second,
		}),
		Evaluator:  evaluate.Seeded{},
		EventBus:   s.eb,
		Redis:      s.infra.redis,
		Prefix:     s.c.Redis.Prefix,
		Registerer: prometheus.DefaultRegisterer,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:       e,
		EventBus:     s.eb,
		Sessions:     s.service.sessions,
		Submit:       s.service.submit,
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis,
		PubsubPrefix: s.c.Redis.Prefix,
		Debug:        s.c.Debug,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.Background()

	go s.runSweeper()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// runSweeper deletes expired sessions on a schedule, off the request path.
func (s *Server) runSweeper() {
	interval := time.Duration(s.c.Sweep.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.service.sessions.SweepExpired(ctx)
			cancel()

			if err != nil {
				slog.Error("server: sweep expired sessions failed", "error", err)
				continue
			}
			slog.Info("server: swept expired sessions", "deleted", n)
		}
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	close(s.sweepStop)

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
