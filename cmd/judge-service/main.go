package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cfclient "cpjudge/internal/codeforces/client"
	cfcontroller "cpjudge/internal/codeforces/controller"
	cfrepository "cpjudge/internal/codeforces/repository"
	cfservice "cpjudge/internal/codeforces/service"
	"cpjudge/internal/common/auth"
	"cpjudge/internal/common/cache"
	"cpjudge/internal/common/db"
	commonmw "cpjudge/internal/common/http/middleware"
	"cpjudge/internal/common/mq"
	"cpjudge/internal/common/storage"
	"cpjudge/internal/judge/controller"
	"cpjudge/internal/judge/dispatcher"
	"cpjudge/internal/judge/repository"
	"cpjudge/internal/judge/service"
	scoringcontroller "cpjudge/internal/scoring/controller"
	scoringrepository "cpjudge/internal/scoring/repository"
	scoringservice "cpjudge/internal/scoring/service"
	"cpjudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/judge_service.yaml"
	defaultEnvFile    = ".env"
)

// routes bundles the handlers mounted on the router.
type routes struct {
	judge      *controller.JudgeController
	scoring    *scoringcontroller.ScoringController
	codeforces *cfcontroller.CodeforcesController
	verifier   *auth.Verifier
	limiter    *commonmw.RateLimiter
	rateLimit  commonmw.RateLimitPolicy
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envFile := flag.String("env", defaultEnvFile, "Optional .env file loaded before the config")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio: %w", err)
	}
	if err := objStorage.EnsureBucket(ctx, appCfg.MinIO.Bucket); err != nil {
		return fmt.Errorf("ensure transcript bucket: %w", err)
	}
	transcripts, err := repository.NewTranscriptStore(objStorage, appCfg.MinIO.Bucket, appCfg.Judge.TranscriptPrefix)
	if err != nil {
		return fmt.Errorf("init transcript store: %w", err)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	submissions := repository.NewSubmissionRepository(mysqlDB)
	problems := repository.NewProblemRepository(mysqlDB)
	statusRepo := repository.NewStatusRepository(redisCache, submissions, appCfg.Status.TTL, appCfg.Status.EmptyTTL)
	events := repository.NewMQEventPublisher(mqClient, repository.Topics{
		Jobs:       appCfg.Kafka.JobTopic,
		AwardRetry: appCfg.Kafka.AwardRetryTopic,
		Judged:     appCfg.Kafka.JudgedTopic,
	})

	ledger := scoringservice.NewLedger(mysqlDB, scoringrepository.NewAwardRepository(mysqlDB))
	ranking := scoringservice.NewRankingService(scoringrepository.NewRankingRepository(mysqlDB))
	if appCfg.Scoring.BackfillOnStart {
		updated, err := ranking.BackfillSolversCounts(ctx)
		if err != nil {
			return fmt.Errorf("backfill solvers counts: %w", err)
		}
		logger.Info(ctx, "solvers counts backfilled", zap.Int64("problems_updated", updated))
	}

	kattis, err := dispatcher.NewCLIDispatcher(appCfg.Judge.toDispatcherConfig())
	if err != nil {
		return fmt.Errorf("init judge client: %w", err)
	}
	judgeSvc, err := service.NewService(service.Config{
		DB:             mysqlDB,
		Submissions:    submissions,
		Problems:       problems,
		Backends:       service.NewRegistry(service.NewKattisBackend(kattis)),
		Ledger:         ledger,
		Status:         statusRepo,
		Events:         events,
		Transcripts:    transcripts,
		JudgeTimeout:   appCfg.Worker.JudgeTimeout,
		WorkerPoolSize: appCfg.Worker.PoolSize,
		SlotWait:       appCfg.Worker.SlotWait,
		CommitAttempts: appCfg.Worker.CommitAttempts,
		CommitBackoff:  appCfg.Worker.CommitBackoff,
		Queue:          mqClient,
		RetryTopic:     appCfg.Kafka.RetryTopic,
		DeadLetter:     appCfg.Kafka.DeadLetter,
		PoolRetryMax:   appCfg.Kafka.PoolRetryMax,
		PoolRetryBase:  appCfg.Kafka.PoolRetryBase,
		PoolRetryMaxD:  appCfg.Kafka.PoolRetryMaxD,
	})
	if err != nil {
		return fmt.Errorf("init judge service: %w", err)
	}

	weightedTopics, err := appCfg.Kafka.weightedTopics()
	if err != nil {
		return err
	}
	limiter := mq.NewTokenLimiter(appCfg.Worker.PoolSize)
	if err := mqClient.SubscribeWeighted(ctx, weightedTopics, judgeSvc.HandleMessage, appCfg.Kafka.subscribeOptions(), limiter); err != nil {
		return fmt.Errorf("subscribe judge jobs: %w", err)
	}
	if err := mqClient.SubscribeWithOptions(ctx, appCfg.Kafka.AwardRetryTopic, judgeSvc.HandleAwardRetry, appCfg.Kafka.subscribeOptions()); err != nil {
		return fmt.Errorf("subscribe award retries: %w", err)
	}
	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start kafka consumer: %w", err)
	}
	defer func() {
		_ = mqClient.Stop()
	}()

	cfAPI := cfclient.New(cfclient.Config{
		BaseURL:       appCfg.Codeforces.BaseURL,
		InfoTimeout:   appCfg.Codeforces.InfoTimeout,
		StatusTimeout: appCfg.Codeforces.StatusTimeout,
		UserAgent:     appCfg.Codeforces.UserAgent,
	}, nil)
	syncSvc := cfservice.NewSyncService(cfrepository.NewRepository(mysqlDB), cfAPI, redisCache, appCfg.Codeforces.LockTTL)
	if appCfg.Codeforces.Enabled {
		scheduler, err := cfservice.NewScheduler(syncSvc, appCfg.Codeforces.SyncInterval)
		if err != nil {
			return fmt.Errorf("init codeforces scheduler: %w", err)
		}
		scheduler.Start()
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				logger.Warn(context.Background(), "codeforces scheduler shutdown failed", zap.Error(err))
			}
		}()
	}

	httpServer := buildHTTPServer(appCfg.Server, routes{
		judge: controller.NewJudgeController(statusRepo, judgeSvc, transcripts, controller.WatchConfig{
			Interval: appCfg.Status.WatchInterval,
			Timeout:  appCfg.Status.WatchTimeout,
		}),
		scoring:    scoringcontroller.NewScoringController(ranking, ledger),
		codeforces: cfcontroller.NewCodeforcesController(syncSvc),
		verifier:   auth.NewVerifier(appCfg.Auth.Secret, appCfg.Auth.Issuer),
		limiter:    commonmw.NewRateLimiter(redisCache, 0),
		rateLimit: commonmw.RateLimitPolicy{
			Window: appCfg.Server.RateLimit.Window,
			IPMax:  appCfg.Server.RateLimit.IPMax,
		},
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg ServerConfig, r routes) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      newRouter(r),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func newRouter(r routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	admin := commonmw.RequireRole(r.verifier, auth.RoleAdmin)
	limit := func(route string) gin.HandlerFunc {
		return commonmw.RateLimit(r.limiter, route, r.rateLimit)
	}
	api := router.Group("/api/v1")

	judge := api.Group("/judge/submissions")
	judge.GET("/:id", limit("status"), r.judge.GetStatus)
	judge.GET("/:id/watch", limit("watch"), r.judge.Watch)
	judge.POST("/:id/enqueue", admin, r.judge.Enqueue)
	judge.GET("/:id/transcript", admin, r.judge.Transcript)

	api.GET("/ranking", limit("ranking"), r.scoring.Ranking)
	scoring := api.Group("/scoring", admin)
	scoring.POST("/solvers/backfill", r.scoring.BackfillSolvers)
	scoring.POST("/submissions/:id/replay", r.scoring.Replay)

	cf := api.Group("/codeforces/users", admin)
	cf.POST("/:id/link", r.codeforces.Link)
	cf.POST("/:id/sync", r.codeforces.Sync)

	return router
}
