package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/auth"
	"github.com/example/avocado-ripeness/internal/camera"
	"github.com/example/avocado-ripeness/internal/classifier"
	"github.com/example/avocado-ripeness/internal/config"
	"github.com/example/avocado-ripeness/internal/grpchealth"
	"github.com/example/avocado-ripeness/internal/handlers"
	"github.com/example/avocado-ripeness/internal/logging"
	"github.com/example/avocado-ripeness/internal/media"
	"github.com/example/avocado-ripeness/internal/metrics"
	"github.com/example/avocado-ripeness/internal/prediction"
	"github.com/example/avocado-ripeness/internal/statebus"
	"github.com/example/avocado-ripeness/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogDevelopment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck(cfg, logger))
	}

	gin.SetMode(cfg.App.GinMode)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	publishers, closeInfra := initPublishers(ctx, cfg, logger)
	defer closeInfra()

	a := buildApp(cfg, logger, publishers...)

	if cfg.GRPC.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.HealthAddr)
		if err != nil {
			logger.Fatal("grpc health listen failed", zap.Error(err), zap.String("addr", cfg.GRPC.HealthAddr))
		}
		a.startHealth(lis)
	}

	server := &http.Server{
		Addr:              cfg.App.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("avocado ripeness service listening", zap.String("addr", cfg.App.Addr))
	serveErr := serveHTTPServer(server, cfg.App.ShutdownTimeout.Duration, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout.Duration)
	defer shutdownCancel()
	a.shutdown(shutdownCtx)

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

// app is the wired service without its listeners.
type app struct {
	router    *gin.Engine
	registry  *media.PreviewRegistry
	workspace *usecase.Workspace
	machine   *prediction.Machine
	bus       *statebus.Bus
	health    *grpchealth.Server
	unsub     []func()
	logger    *zap.Logger
}

func buildApp(cfg *config.Config, logger *zap.Logger, publishers ...statebus.Publisher) *app {
	registry := media.NewPreviewRegistry(logger)
	source := media.NewSource(registry)
	validator := media.NewValidator(cfg.Media.MaxImageBytes)

	m := metrics.New()
	m.Gauge("previews_live", "Preview handles not yet revoked.", func() float64 {
		return float64(registry.Live())
	})

	client := classifier.NewClient(classifier.Config{
		URL:            cfg.Classifier.URL,
		FieldName:      cfg.Classifier.FieldName,
		MaxAttempts:    cfg.Classifier.MaxAttempts,
		AttemptTimeout: cfg.Classifier.AttemptTimeout.Duration,
		RetryDelay:     cfg.Classifier.RetryDelay.Duration,
	}, logger, classifier.WithObserver(m), classifier.WithValidator(validator))

	machine := prediction.NewMachine(client, validator, logger)
	session := camera.NewSession(cameraProvider(cfg.Camera), source, registry, logger)
	ws := usecase.NewWorkspace(registry, source, session, machine, logger)

	bus := statebus.NewBus(logger, publishers...)

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, ws, registry, handlers.Options{
		Metrics: m.Handler(),
		Auth:    auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
		Logger:  logger,
	})

	return &app{
		router:    r,
		registry:  registry,
		workspace: ws,
		machine:   machine,
		bus:       bus,
		unsub:     []func(){machine.Subscribe(bus.Listen)},
		logger:    logger,
	}
}

func (a *app) startHealth(lis net.Listener) {
	a.health = grpchealth.NewServer(a.logger)
	a.unsub = append(a.unsub, a.machine.Subscribe(a.health.ObserveView))
	go func() {
		if err := a.health.Serve(lis); err != nil {
			a.logger.Error("grpc health server stopped", zap.Error(err))
		}
	}()
}

// shutdown releases the camera and previews, cancels in-flight submissions and
// flushes the state bus, in that order.
func (a *app) shutdown(ctx context.Context) {
	a.workspace.Close()
	a.machine.Close()
	for _, unsub := range a.unsub {
		unsub()
	}
	if err := a.bus.Close(ctx); err != nil {
		a.logger.Warn("state bus did not drain", zap.Error(err))
	}
	if a.health != nil {
		a.health.Stop()
	}
	if live := a.registry.Live(); live > 0 {
		a.logger.Warn("previews still live at shutdown", zap.Int("count", live))
	}
}

func cameraProvider(cfg config.CameraConfig) camera.Provider {
	devices := make(camera.StaticProvider, 0, len(cfg.Devices))
	for i, d := range cfg.Devices {
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("camera-%d", i)
		}
		devices = append(devices, camera.NewSnapshotDevice(id, d.URL, camera.ParseFacing(d.Facing), nil))
	}
	return devices
}

func initPublishers(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]statebus.Publisher, func()) {
	var (
		publishers []statebus.Publisher
		closers    []func()
	)

	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		client := initRedis(redisCtx, cfg.Redis.Addr, logger)
		publishers = append(publishers, statebus.NewRedisPublisher(statebus.NewRedisCache(client), cfg.Redis.Channel, logger))
		closers = append(closers, func() { _ = client.Close() })
	}

	if cfg.RabbitMQ.URL != "" {
		conn, err := statebus.DialAMQP(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			logger.Fatal("rabbitmq connection failed", zap.Error(err))
		}
		publishers = append(publishers, statebus.NewAMQPPublisher(conn, cfg.RabbitMQ.Exchange))
		closers = append(closers, func() { _ = conn.Close() })
	}

	return publishers, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	if cfg.GRPC.HealthAddr == "" {
		logger.Error("GRPC_HEALTH_ADDR is not set")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := grpchealth.Check(ctx, cfg.GRPC.HealthAddr, "", logger); err != nil {
		logger.Error("healthcheck failed", zap.Error(err))
		return 1
	}
	return 0
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
