package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/bootstrap"
	"tenantry.org/internal/config"
	"tenantry.org/internal/dispatch"
	"tenantry.org/internal/events"
	"tenantry.org/internal/httpapi"
	"tenantry.org/internal/notify"
	"tenantry.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal("tenantry-api stopped", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := obs.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()

	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	var closers []io.Closer
	closers = append(closers, store)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
	})
	extra := []auth.Option{auth.WithRunner(dispatcher)}

	switch cfg.Events.Driver {
	case "nats":
		pub, err := events.DialNATS(events.NATSConfig{
			URL:           cfg.Events.NATS.URL,
			Name:          "tenantry-api",
			SubjectPrefix: cfg.Events.NATS.SubjectPrefix,
			ReconnectWait: cfg.Events.NATS.ReconnectWait,
		})
		if err != nil {
			return err
		}
		closers = append(closers, pub)
		extra = append(extra, auth.WithEventPublisher(pub))
	case "kafka":
		pub, err := events.DialKafka(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		if err != nil {
			return err
		}
		closers = append(closers, pub)
		extra = append(extra, auth.WithEventPublisher(pub))
	default:
		log.Info("event publishing disabled")
	}

	if cfg.Redis.Addr != "" {
		queue, rdb, err := notify.Dial(ctx, notify.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Queue:    cfg.Redis.NotifyQueue,
		})
		if err != nil {
			return err
		}
		closers = append(closers, rdb)
		extra = append(extra, auth.WithNotifier(queue))
	} else {
		log.Info("email notifications disabled; redis.addr is empty")
	}

	authn, err := bootstrap.NewAuthenticator(ctx, cfg, store, extra...)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: store}
	api := httpapi.New(authn, probe, version)
	api.SetRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond)
	api.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)
	if err := api.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		log.Error("server failed", zap.Error(runErr))
	}
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("side effects abandoned", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}
	log.Info("stopped")
	return runErr
}
