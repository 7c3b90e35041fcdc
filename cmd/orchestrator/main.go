package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"thread-orchestrator/internal/api"
	"thread-orchestrator/internal/config"
	"thread-orchestrator/internal/consumer"
	"thread-orchestrator/internal/credentials"
	"thread-orchestrator/internal/deploy"
	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/logging"
	"thread-orchestrator/internal/queue"
	"thread-orchestrator/internal/ratelimit"
	"thread-orchestrator/internal/reconciler"
	"thread-orchestrator/internal/store"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("orchestrator stopped")
	}
	logger.Info("orchestrator stopped")
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return err
	}
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	jobs, err := newJobStore(cfg, st, logger)
	if err != nil {
		return err
	}
	defer jobs.Close()

	kube, err := kubeClient(cfg)
	if err != nil {
		return err
	}

	creds := credentials.New(kube, cfg.Namespace, credentials.NewPostgresRoles(st.Pool()), cfg.TenantDatabaseURL, logger)
	manager := deploy.NewManager(kube, creds, jobs, deploy.ConfigFrom(cfg), logger)

	var locker *redislock.Client
	var throttle *ratelimit.DeployThrottle
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		locker = redislock.New(rdb)
		throttle = ratelimit.NewDeployThrottle(
			ratelimit.NewTokenBucket(rdb, cfg.DeployRateLimitCap, cfg.DeployRateLimitRefill, time.Hour), logger)
	}

	rec := reconciler.New(manager, reconciler.Options{
		Interval:      cfg.ReconcileInterval,
		OrphanCleanup: cfg.OrphanCleanup,
		Locker:        locker,
	}, logger)

	cons := consumer.New(jobs, manager, consumer.Options{
		InboundQueue: cfg.InboundQueue,
		Work:         queue.WorkOptions{Concurrency: cfg.QueueConcurrency, PollInterval: cfg.QueuePollInterval},
	}, logger).WithReconcileTrigger(rec.Trigger)
	if throttle != nil {
		cons.WithThrottle(throttle)
	}
	if err := cons.Start(ctx); err != nil {
		return err
	}

	server := api.New(st, jobs, manager, cfg.InboundQueue, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(logger, "http", func() error {
		logger.WithField("port", cfg.HTTPPort).Info("operational API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	}))
	g.Go(guard(logger, "shutdown", func() error {
		<-gctx.Done()
		server.SetRunning(false)
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}))
	g.Go(guard(logger, "consumer", func() error {
		if err := cons.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))
	g.Go(guard(logger, "reconciler", func() error {
		return rec.Run(gctx)
	}))
	g.Go(guard(logger, "maintenance", func() error {
		queue.RunMaintenance(gctx, jobs, cfg.MaintenanceInterval, logger)
		return nil
	}))

	server.SetRunning(true)
	logger.WithFields(logrus.Fields{
		"env":          cfg.Env,
		"namespace":    cfg.Namespace,
		"queue_driver": cfg.QueueDriver,
		"inbound":      cfg.InboundQueue,
	}).Info("orchestrator started")
	return g.Wait()
}

// guard turns a panic in fn into an error so it takes the normal shutdown path.
func guard(logger logrus.FieldLogger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("goroutine", name).Errorf("recovered panic: %v", r)
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

func newJobStore(cfg config.Config, st *store.Store, logger logrus.FieldLogger) (queue.JobStore, error) {
	defaults := queue.Defaults{
		RetryLimit:   cfg.QueueRetryLimit,
		RetryDelay:   cfg.QueueRetryDelay,
		RetryBackoff: cfg.QueueRetryBackoff,
		ExpireIn:     cfg.QueueExpireIn,
		Retention:    cfg.QueueRetention,
		DeleteAfter:  cfg.QueueDeleteAfter,
	}
	log := logging.Component(logger, "jobstore")
	switch cfg.QueueDriver {
	case config.QueueDriverPostgres:
		return queue.NewPostgresQueue(st.Pool(), defaults, log), nil
	case config.QueueDriverMemory:
		log.Warn("using in-memory job store; jobs do not survive restarts")
		return queue.NewMemoryQueue(defaults, log), nil
	default:
		return nil, errs.New(errs.KindInvalidConfiguration, "select queue driver", "unknown driver "+cfg.QueueDriver)
	}
}

// kubeClient uses KUBECONFIG when set, otherwise in-cluster credentials,
// falling back to ~/.kube/config for local runs.
func kubeClient(cfg config.Config) (kubernetes.Interface, error) {
	var restCfg *rest.Config
	if cfg.Kubeconfig == "" {
		if inCluster, err := rest.InClusterConfig(); err == nil {
			restCfg = inCluster
		}
	}
	if restCfg == nil {
		path := cfg.Kubeconfig
		if path == "" {
			home, _ := os.UserHomeDir()
			path = filepath.Join(home, ".kube", "config")
		}
		loaded, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidConfiguration, "load kubeconfig", path, err)
		}
		restCfg = loaded
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidConfiguration, "build kubernetes client", "", err)
	}
	return client, nil
}
