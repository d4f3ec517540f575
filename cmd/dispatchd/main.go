// Command dispatchd runs the dispatch core: ride/offer REST surface,
// the phase matcher, and (when Postgres/NATS are configured) durable
// persistence and event publishing.
package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridellite/internal/config"
	"github.com/example/ridellite/internal/geoindex"
	"github.com/example/ridellite/internal/httpapi"
	"github.com/example/ridellite/internal/locationrpc"
	"github.com/example/ridellite/internal/matcher"
	"github.com/example/ridellite/internal/notify"
	"github.com/example/ridellite/internal/offers"
	"github.com/example/ridellite/internal/ratelimit"
	"github.com/example/ridellite/internal/store"
	"github.com/example/ridellite/internal/store/memory"
	"github.com/example/ridellite/internal/store/postgres"
	"github.com/example/ridellite/internal/wsdispatch"
	"github.com/example/ridellite/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("dispatchd")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatchd")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := config.Load()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchd")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var st store.Store
	if db != nil {
		st = postgres.New(db)
	} else {
		logger.Warn("no postgres dsn configured, running with the in-memory store")
		st = memory.New(nil)
	}

	var geoIndex geoindex.Index
	if redisClient != nil {
		geoIndex = geoindex.NewRedisIndex(redisClient, "")
	} else {
		geoIndex = geoindex.NewMemoryIndex()
	}

	sink := notify.NewNatsSink(natsConn, "dispatch.events")
	offerSvc := offers.New(st, nil, sink)
	m := matcher.New(st, geoIndex, offerSvc, nil, logger.Named("matcher"), cfg.Phases)

	if err := m.RecoverOnStartup(ctx); err != nil {
		logger.Error("startup recovery failed", zap.Error(err))
	}

	limiter := ratelimit.New(redisClient,
		ratelimit.Config{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
		ratelimit.Config{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst})

	ws := wsdispatch.NewRegistry()
	api := httpapi.New(st, offerSvc, m, geoIndex, ws, cfg.JWTSecret, limiter, cfg.RidesHistoryLimit, cfg.OffersActiveLimit)

	r := chi.NewRouter()
	r.Mount("/", api.Router())
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go runLocationGRPC(logger, cfg.GRPCAddr, st, geoIndex)

	go func() {
		logger.Info("dispatchd listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runLocationGRPC(logger *zap.Logger, addr string, st store.Store, geoIndex geoindex.Index) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen grpc", zap.Error(err))
		return
	}
	srv := grpc.NewServer()
	locationrpc.RegisterServer(srv, locationrpc.NewStreamServer(st, geoIndex, logger.Named("locationrpc")))
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Error("grpc serve", zap.Error(err))
	}
}
