package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/quizrank/internal/api"
	"github.com/victornm/quizrank/internal/attempt"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/quiz"
	"github.com/victornm/quizrank/internal/ranking"
	"github.com/victornm/quizrank/internal/reward"
	"github.com/victornm/quizrank/internal/store/postgres"
	"github.com/victornm/quizrank/internal/telemetry"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Cache struct {
			RedisConfig `mapstructure:",squash"`
			TTL         time.Duration
		}

		Pubsub RedisConfig
	}

	Postgres PostgresConfig

	Auth struct {
		Secret string
	}

	Reward struct {
		Badges []reward.Badge
	}

	Event struct {
		PoolSize int
		Timeout  time.Duration
	}
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

// DSN returns the connection URL for the database.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s", c.User, c.Pass, c.Addr, c.Name)
}

// DefaultConfig returns the values used for keys absent from the config file.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Cache.Prefix = "quizrank"
	c.Redis.Cache.TTL = 10 * time.Minute
	c.Redis.Pubsub.Prefix = "quizrank"
	c.Reward.Badges = reward.DefaultBadges
	c.Event.PoolSize = 1000
	c.Event.Timeout = 30 * time.Second
	return c
}

type Server struct {
	c Config

	eb      *event.Bus
	metrics *telemetry.Metrics

	infra struct {
		redis struct {
			cache  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		attempt *attempt.Service
		ranking *ranking.Service
	}

	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	if c.Auth.Secret == "" {
		return nil, fmt.Errorf("server: auth secret not configured")
	}

	s := &Server{c: c}

	s.eb = event.NewBus(event.Config{
		PoolSize: c.Event.PoolSize,
		Timeout:  c.Event.Timeout,
	})

	s.metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	s.metrics.Subscribe(s.eb)

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
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.cache, err = connect(s.c.Redis.Cache.Addrs, s.c.Redis.Cache.Pass)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(s.c.Postgres.DSN())
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	st := postgres.New(postgres.Config{
		DB: s.infra.postgres,
	})

	quizzes := quiz.NewCachedRepository(quiz.Config{
		Redis:  s.infra.redis.cache,
		Source: st,
		Prefix: s.c.Redis.Cache.Prefix,
		TTL:    s.c.Redis.Cache.TTL,
	})

	s.service.attempt = attempt.NewService(attempt.Config{
		EventBus: s.eb,
		Store:    st,
		Quizzes:  quizzes,
		Ledger:   reward.NewLedger(reward.Config{Badges: s.c.Reward.Badges}),
	})

	s.service.ranking = ranking.NewService(ranking.Config{
		Store:   st,
		Quizzes: quizzes,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.Use(gin.Recovery(), telemetry.GinMiddleware(s.metrics))
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", s.healthz)
	pprof.Register(e, "/debug/pprof")

	api.New(api.Config{
		EventBus:     s.eb,
		Attempt:      s.service.attempt,
		Ranking:      s.service.ranking,
		Secret:       []byte(s.c.Auth.Secret),
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	}).Register(e)

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptors()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	var eg errgroup.Group
	eg.Go(func() error {
		if err := s.infra.postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := s.infra.redis.cache.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.WarnContext(ctx, "server: health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves gRPC and HTTP until either fails or Shutdown is called.
func (s *Server) Start() error {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("grpc server: listen: %w", err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Handlers still running may publish notifications, so Redis closes last.
	s.eb.Stop()

	s.infra.postgres.Close()
	for name, r := range map[string]redis.UniversalClient{
		"cache":  s.infra.redis.cache,
		"pubsub": s.infra.redis.pubsub,
	} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "client", name, "error", err)
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
