package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"branchgate.org/internal/apitoken"
	"branchgate.org/internal/audit"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/config"
	"branchgate.org/internal/httpapi"
	"branchgate.org/internal/impersonate"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/permission"
	"branchgate.org/internal/session"
	"branchgate.org/internal/tenant"
	"branchgate.org/internal/twofactor"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("BRANCHGATE_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		obs.Logger().Fatal("invalid config", zap.Error(err))
	}
	if err := obs.ConfigureLogger(cfg.Telemetry.LogLevel); err != nil {
		obs.Logger().Fatal("log level", zap.Error(err))
	}
	log := obs.Logger()

	// Инициализация observability: метрики, build_info, трейсинг
	obs.Init()
	obs.InitBuildInfo(obs.BuildInfo{
		Version:         version,
		Commit:          commit,
		Env:             cfg.Env,
		ModulesFailOpen: cfg.Modules.FailOpenWithoutSchema,
	})
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(rootCtx, obs.TracingConfig{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: "branchgate",
		Version:     version,
		Insecure:    cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}

	// Подключение к БД
	db, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Аудит: всегда в лог, плюс kafka если заданы брокеры
	sinks := []audit.Sink{audit.LogSink{}}
	var kafkaSink *audit.KafkaSink
	if len(cfg.Audit.KafkaBrokers) > 0 {
		kafkaSink, err = audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.Audit.KafkaBrokers, Topic: cfg.Audit.KafkaTopic})
		if err != nil {
			log.Fatal("audit kafka sink", zap.Error(err))
		}
		sinks = append(sinks, kafkaSink)
	}
	audit.Configure(sinks...)

	authStore := auth.NewPGStore(db)
	authSvc, err := auth.NewService(authStore,
		auth.WithTokenSecret(cfg.Auth.TokenSecret),
		auth.WithTokenTTL(cfg.Auth.PersonalTokenTTL),
	)
	if err != nil {
		log.Fatal("auth service", zap.Error(err))
	}
	sessions := session.NewRedisStore(rdb, cfg.Auth.SessionTTL)
	validator := twofactor.NewValidator(twofactor.Policy{
		Enabled:          cfg.TwoFactor.Enabled,
		Required:         cfg.TwoFactor.Required,
		TrustedDeviceTTL: cfg.Auth.TrustedDeviceTTL,
	}, sessions)

	policies, err := permission.NewCedarPolicy(nil)
	if err != nil {
		log.Fatal("load policies", zap.Error(err))
	}
	tenants := tenant.NewPGStore(db)
	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.Fatal("trusted proxies", zap.Error(err))
	}
	limiter := httpapi.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, proxies)
	ready := httpapi.ReadyProbe{DB: db, Redis: rdb}

	api := httpapi.New(httpapi.Deps{
		Auth:             authSvc,
		Invalidator:      auth.NewInvalidator(authStore, sessions, validator),
		Sessions:         sessions,
		Branches:         tenants,
		Gate:             tenant.NewGate(tenants, cfg.Modules.FailOpenWithoutSchema),
		Evaluator:        permission.NewEvaluator(policies),
		StoreTokens:      apitoken.NewAuthenticator(apitoken.NewPGStore(db), tenants),
		TwoFactor:        validator,
		Impersonation:    impersonate.NewMediator(authSvc),
		Ready:            ready,
		Version:          version,
		CORSOrigins:      cfg.CORS.AllowedOrigins,
		TrustedProxies:   proxies,
		RateLimiter:      limiter,
		SecureCookies:    cfg.HTTP.SecureCookies,
		RememberTTL:      cfg.Auth.RememberTTL,
		TwoFactorIssuer:  cfg.TwoFactor.Issuer,
		PersonalTokenTTL: cfg.Auth.PersonalTokenTTL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками и трейсингом
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(ready, version)
	health.Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatal("grpc listen", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
	}

	go limiter.Run(rootCtx)
	go health.Watch(rootCtx, 10*time.Second)
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc serve", zap.Error(err))
			stop()
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http listen", zap.Error(err))
			stop()
		}
	}()
	log.Info("branchgate started",
		zap.String("version", version),
		zap.String("http_addr", srv.Addr),
		zap.String("grpc_addr", cfg.GRPC.Addr),
		zap.String("env", cfg.Env),
	)

	<-rootCtx.Done()
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			log.Warn("close audit sink", zap.Error(err))
		}
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	_ = rdb.Close()
	_ = db.Close()
	_ = log.Sync()
	log.Info("stopped")
}
