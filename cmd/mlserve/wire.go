package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/ml-orchestrator/pkg/api"
	"github.com/psantana5/ml-orchestrator/pkg/artifact"
	"github.com/psantana5/ml-orchestrator/pkg/auth"
	"github.com/psantana5/ml-orchestrator/pkg/batch"
	"github.com/psantana5/ml-orchestrator/pkg/config"
	"github.com/psantana5/ml-orchestrator/pkg/logging"
	"github.com/psantana5/ml-orchestrator/pkg/metrics"
	"github.com/psantana5/ml-orchestrator/pkg/mlclient"
	"github.com/psantana5/ml-orchestrator/pkg/modelcache"
	"github.com/psantana5/ml-orchestrator/pkg/modelregistry"
	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/objectstore"
	"github.com/psantana5/ml-orchestrator/pkg/prediction"
	"github.com/psantana5/ml-orchestrator/pkg/queue"
	"github.com/psantana5/ml-orchestrator/pkg/ratelimit"
	"github.com/psantana5/ml-orchestrator/pkg/retry"
	"github.com/psantana5/ml-orchestrator/pkg/shutdown"
	"github.com/psantana5/ml-orchestrator/pkg/store"
	"github.com/psantana5/ml-orchestrator/pkg/tlsutil"
	"github.com/psantana5/ml-orchestrator/pkg/tracing"
	"github.com/psantana5/ml-orchestrator/pkg/training"
	"github.com/psantana5/ml-orchestrator/pkg/worker"
)

// app holds everything build assembled; serve runs it
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	shutdown *shutdown.Manager

	apiServer     *http.Server
	metricsServer *http.Server
	limiter       *ratelimit.Limiter

	trainingWorkers []*worker.Worker[*models.TrainingJob]
	batchWorkers    []*worker.Worker[*models.BatchPredictionJob]
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File {
		return logging.NewFileLogger("mlserve", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

// build wires config into live components. Anything opened here is
// registered with the shutdown manager before build returns.
func build(ctx context.Context, cfg config.Config) (*app, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.New(cfg.Server.ShutdownTimeout, logger),
	}
	ok := false
	defer func() {
		if !ok {
			a.shutdown.Shutdown()
		}
	}()
	a.shutdown.Register("logger", func(context.Context) error { return logger.Close() })

	logger.Info("Starting mlserve", map[string]interface{}{
		"version": version,
		"store":   cfg.Store.Type,
		"queue":   cfg.Queue.Type,
	})

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "mlserve",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.shutdown.Register("tracer", tp.Shutdown)

	collector := metrics.NewCollector()
	if cfg.Metrics.Host {
		collector.RegisterHostMetrics()
	}

	var jobStore store.Store
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		var openErr error
		jobStore, openErr = store.NewStore(store.Config{
			Type:            cfg.Store.Type,
			DSN:             cfg.Store.DSN,
			Path:            cfg.Store.Path,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	a.shutdown.Register("job store", shutdown.CloseResource(jobStore))

	trainingQueue, batchQueue, err := newQueues(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	for _, q := range []queue.Queue{trainingQueue, batchQueue} {
		if c, isCloser := q.(interface{ Close() error }); isCloser {
			a.shutdown.Register("queue", shutdown.CloseResource(c))
		}
	}

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:       cfg.ObjectStore.Endpoint,
		AccessKey:      cfg.ObjectStore.AccessKey,
		SecretKey:      cfg.ObjectStore.SecretKey,
		UseSSL:         cfg.ObjectStore.UseSSL,
		Region:         cfg.ObjectStore.Region,
		ArtifactBucket: cfg.ObjectStore.ArtifactBucket,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return objects.EnsureBucket(ctx, cfg.ObjectStore.ArtifactBucket)
	}); err != nil {
		return nil, fmt.Errorf("object store unavailable: %w", err)
	}

	db, err := modelregistry.Open(modelregistry.Config{Type: cfg.Registry.Type, DSN: cfg.Registry.DSN})
	if err != nil {
		return nil, fmt.Errorf("failed to open model registry: %w", err)
	}
	if sqlDB, dbErr := db.DB(); dbErr == nil {
		a.shutdown.Register("model registry", shutdown.CloseResource(sqlDB))
	}
	registry, err := modelregistry.New(db, objects, logger)
	if err != nil {
		return nil, err
	}

	clientOpts := func(remote config.RemoteConfig) (mlclient.Options, error) {
		opts := mlclient.Options{Timeout: remote.Timeout, APIKey: remote.APIKey}
		if cfg.ClientTLS.CAFile != "" || cfg.ClientTLS.CertFile != "" {
			tlsCfg, err := tlsutil.ClientConfig(cfg.ClientTLS.CertFile, cfg.ClientTLS.KeyFile, cfg.ClientTLS.CAFile)
			if err != nil {
				return opts, err
			}
			opts.TLSConfig = tlsCfg
		}
		return opts, nil
	}
	trackerOpts, err := clientOpts(cfg.Tracker)
	if err != nil {
		return nil, err
	}
	trainerOpts, err := clientOpts(cfg.Trainer.RemoteConfig)
	if err != nil {
		return nil, err
	}

	cache := modelcache.New(registry, artifact.NewRegistry(), modelcache.Options{
		TTL:     cfg.Cache.TTL,
		Logger:  logger,
		Metrics: collector,
	})

	trainingOrch, err := training.NewOrchestrator(training.Dependencies{
		Store:     jobStore,
		Queue:     trainingQueue,
		Trainer:   mlclient.NewTrainer(cfg.Trainer.URL, cfg.Trainer.Algorithms, trainerOpts),
		Tracker:   mlclient.NewTracker(cfg.Tracker.URL, trackerOpts),
		Registry:  registry,
		Artifacts: objects,
		Data:      objects,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		return nil, err
	}
	batchOrch, err := batch.NewOrchestrator(batch.Dependencies{
		Store:   jobStore,
		Queue:   batchQueue,
		Models:  cache,
		Data:    objects,
		Usage:   registry,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		return nil, err
	}

	if err := trainingOrch.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore training jobs: %w", err)
	}
	if err := batchOrch.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore batch jobs: %w", err)
	}

	workerCfg := func(name string) worker.Config {
		return worker.Config{
			Name:             name,
			IdlePollInterval: cfg.Workers.IdlePollInterval,
			BackoffInterval:  cfg.Workers.BackoffInterval,
		}
	}
	for i := 0; i < cfg.Workers.Training; i++ {
		a.trainingWorkers = append(a.trainingWorkers,
			worker.New[*models.TrainingJob](trainingOrch, workerCfg(fmt.Sprintf("training-%d", i)), logger))
	}
	for i := 0; i < cfg.Workers.Batch; i++ {
		a.batchWorkers = append(a.batchWorkers,
			worker.New[*models.BatchPredictionJob](batchOrch, workerCfg(fmt.Sprintf("batch-%d", i)), logger))
	}

	opts := api.Options{
		Catalog: registry,
		Logger:  logger,
		Metrics: collector,
		Checks: map[string]api.HealthCheck{
			"job_store":    func(context.Context) error { return jobStore.HealthCheck() },
			"object_store": objects.HealthCheck,
			"queue": func(ctx context.Context) error {
				_, err := trainingQueue.Len(ctx)
				return err
			},
		},
		HostStats: cfg.Metrics.Host,
	}
	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		opts.PredictMiddleware = a.limiter.Middleware(ratelimit.ClientKey)
	}
	handler := api.NewHandler(trainingOrch, batchOrch, prediction.NewService(cache, registry, logger, collector), opts)

	router := mux.NewRouter()
	keys := auth.NewKeyRing(cfg.Auth.APIKeys...)
	if keys.Enabled() {
		router.Use(keys.Middleware("/health"))
		logger.Info("API authentication enabled", map[string]interface{}{"keys": len(cfg.Auth.APIKeys)})
	} else {
		logger.Warn("API authentication disabled: no auth.api_keys configured")
	}
	handler.RegisterRoutes(router)

	a.apiServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.Server.TLS {
		tlsCfg, err := serverTLS(cfg.Server, logger)
		if err != nil {
			return nil, err
		}
		a.apiServer.TLSConfig = tlsCfg
	}

	if cfg.Metrics.Enabled {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", collector.Handler()).Methods("GET")
		a.metricsServer = &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	ok = true
	return a, nil
}

func newQueues(ctx context.Context, cfg config.QueueConfig) (queue.Queue, queue.Queue, error) {
	if cfg.Type != "redis" {
		return queue.NewMemoryQueue(), queue.NewMemoryQueue(), nil
	}
	tq, err := queue.NewRedisQueue(ctx, cfg.RedisURL, cfg.Prefix, string(models.JobKindTraining))
	if err != nil {
		return nil, nil, err
	}
	bq, err := queue.NewRedisQueue(ctx, cfg.RedisURL, cfg.Prefix, string(models.JobKindBatchPrediction))
	if err != nil {
		tq.Close()
		return nil, nil, err
	}
	return tq, bq, nil
}

// serverTLS loads the configured key pair, generating a self-signed one
// when the certificate file does not exist yet
func serverTLS(cfg config.ServerConfig, logger *logging.Logger) (*tls.Config, error) {
	if _, err := os.Stat(cfg.CertFile); errors.Is(err, os.ErrNotExist) {
		logger.Warn("Certificate not found, generating a self-signed one", map[string]interface{}{"cert": cfg.CertFile})
		if err := tlsutil.GenerateSelfSignedCert(cfg.CertFile, cfg.KeyFile, "mlserve"); err != nil {
			return nil, err
		}
	}
	return tlsutil.ServerConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile, cfg.RequireClientCert)
}

// serve starts workers and servers, waits for a signal and tears everything down
func (a *app) serve(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	// registered before the workers so it runs after them: in-flight jobs
	// only see cancellation once they outlive the shutdown deadline
	a.shutdown.Register("worker context", func(context.Context) error {
		cancelWorkers()
		return nil
	})
	for _, w := range a.trainingWorkers {
		w.Start(workerCtx)
		a.shutdown.Register(w.Name(), shutdown.StopFunc(w.Stop))
	}
	for _, w := range a.batchWorkers {
		w.Start(workerCtx)
		a.shutdown.Register(w.Name(), shutdown.StopFunc(w.Stop))
	}

	if a.limiter != nil {
		go a.sweepLimiter(ctx)
	}

	serveErr := make(chan error, 2)
	if a.metricsServer != nil {
		go func() {
			a.logger.Info("Metrics server listening", map[string]interface{}{"addr": a.metricsServer.Addr})
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		a.shutdown.Register("metrics server", shutdown.StopHTTPServer(a.metricsServer))
	}
	go func() {
		a.logger.Info("API server listening", map[string]interface{}{
			"addr": a.apiServer.Addr,
			"tls":  a.apiServer.TLSConfig != nil,
		})
		var err error
		if a.apiServer.TLSConfig != nil {
			err = a.apiServer.ListenAndServeTLS("", "")
		} else {
			err = a.apiServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	a.shutdown.Register("api server", shutdown.StopHTTPServer(a.apiServer))

	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-serveErr:
			a.logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
			failed <- err
			a.shutdown.Trigger()
		case <-a.shutdown.Done():
		}
	}()

	a.shutdown.Wait(ctx)
	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}

func (a *app) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Cleanup(10 * time.Minute); n > 0 {
				a.logger.Debug("Dropped idle rate limit buckets", map[string]interface{}{"count": n})
			}
		}
	}
}
