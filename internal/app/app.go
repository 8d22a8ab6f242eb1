package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"geochat_backend/internal/config"
	"geochat_backend/internal/controller"
	"geochat_backend/internal/livesync"
	"geochat_backend/internal/repository"
	"geochat_backend/internal/service"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/configwatcher"
	"geochat_backend/pkg/database"
	"geochat_backend/pkg/logger"
	"geochat_backend/pkg/monitoring"
	"geochat_backend/pkg/security"
	"geochat_backend/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const pgFeedMaxConns = 10

type App struct {
	Config *config.Config
	Router *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client
	Pg     *pgxpool.Pool
	Store  *repository.GormStore

	// ConfigDir 为空时不监听配置文件
	ConfigDir string

	tracer          *sdktrace.TracerProvider
	services        *services
	configCallbacks []func(*config.Config)
}

type repositories struct {
	profiles    *repository.ProfileRepository
	connections *repository.ConnectionRepository
	messages    *repository.MessageRepository
}

type services struct {
	location *service.LocationService
	nearby   *service.NearbyService
	chat     *service.ChatService
	rosters  *service.RosterService
	hub      *service.LiveHub
}

type controllers struct {
	location *controller.LocationController
	friends  *controller.FriendsController
	chat     *controller.ChatController
	live     *controller.LiveController
	health   *controller.HealthController
}

// SessionConfig converts the sync section into chat session tunables.
func SessionConfig(s config.SyncConfig) service.SessionConfig {
	cfg := service.SessionConfig{
		LoadTimeout: s.LoadTimeout,
		SendTimeout: s.SendTimeout,
		Retry: livesync.RetryPolicy{
			MaxAttempts:     s.RetryAttempts,
			InitialInterval: s.RetryInitial,
			MaxInterval:     s.RetryMax,
		},
		SendBurst: s.SendBurst,
		Logger:    logger.Named("service"),
	}
	if s.SendPerSecond > 0 {
		cfg.SendRate = rate.Limit(s.SendPerSecond)
	}
	return cfg
}

func RosterConfig(s config.SyncConfig) service.RosterConfig {
	return service.RosterConfig{SessionConfig: SessionConfig(s), PresenceFreshness: s.PresenceFreshness}
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

// ApplyConfig 热更新：日志级别和 sync 参数，其余配置需重启生效
func (a *App) ApplyConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		logger.Log.Warn("ignoring invalid config reload", zap.Error(err))
		return
	}
	logger.SetMode(cfg.Server.Mode)
	if a.services != nil {
		a.services.chat.UpdateConfig(SessionConfig(cfg.Sync))
		a.services.rosters.UpdateConfig(RosterConfig(cfg.Sync))
	}
	for _, cb := range a.configCallbacks {
		cb(cfg)
	}
	logger.Log.Info("config reloaded", zap.String("mode", cfg.Server.Mode))
}

func (a *App) initFeed(ctx context.Context, cfg *config.Config) (repository.ChangeFeed, repository.Publisher, error) {
	if cfg.Feed.Type == util.FeedPostgres {
		pool, err := database.InitPgPool(ctx, &cfg.Database, pgFeedMaxConns)
		if err != nil {
			return nil, nil, err
		}
		a.Pg = pool
		// 变更由数据库触发器产生，无需应用侧发布
		return repository.NewPgFeed(pool), nil, nil
	}
	feed := repository.NewRedisFeed(a.Redis)
	return feed, feed, nil
}

func (a *App) initRepositories(store repository.Store) *repositories {
	return &repositories{
		profiles:    repository.NewProfileRepository(store),
		connections: repository.NewConnectionRepository(store, a.Redis),
		messages:    repository.NewMessageRepository(store),
	}
}

func (a *App) initServices(repos *repositories, feed repository.ChangeFeed, cfg *config.Config) (*services, error) {
	var avatars service.AvatarResolver
	if cfg.Storage.Type == util.StorageMinio {
		resolver, err := service.NewMinioAvatarResolver(&cfg.Storage)
		if err != nil {
			return nil, err
		}
		avatars = resolver
	}

	return &services{
		location: service.NewLocationService(repos.profiles, cfg.Sync.SendTimeout),
		nearby:   service.NewNearbyService(repos.connections, repos.profiles, avatars, cfg.Sync.PresenceFreshness, cfg.Sync.LoadTimeout),
		chat:     service.NewChatService(repos.messages, feed, repos.connections, SessionConfig(cfg.Sync)),
		rosters:  service.NewRosterService(repos.connections, repos.profiles, feed, RosterConfig(cfg.Sync)),
		hub:      service.NewLiveHub(cfg.CORS.AllowedOrigins),
	}, nil
}

func (a *App) initControllers(s *services) *controllers {
	friends := controller.NewFriendsController(s.nearby)
	friends.DefaultRadiusKm = a.Config.Sync.NearbyRadiusKm

	components := map[string]controller.Pinger{
		"database": controller.PingFunc(func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
		"redis": controller.PingFunc(func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}),
	}
	if a.Pg != nil {
		components["feed"] = controller.PingFunc(a.Pg.Ping)
	}

	return &controllers{
		location: controller.NewLocationController(s.location),
		friends:  friends,
		chat:     controller.NewChatController(s.chat),
		live:     controller.NewLiveController(s.chat, s.rosters, s.hub),
		health:   controller.NewHealthController(components),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(gin.Recovery())
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(logger.Options{Mode: cfg.Server.Mode})
	logger.Log.Info("Logger initialized successfully")

	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("Invalid config", zap.Error(err))
	}
	gin.SetMode(cfg.Server.Mode)

	// 监控初始化
	monitoring.Init()

	app := &App{Config: cfg}

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(tracing.ServiceName, cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	db, err := database.InitDB(&cfg.Database, cfg.Server.Mode == gin.DebugMode)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}
	app.DB = db

	ctx := context.Background()
	rdb, err := database.InitRedis(ctx, &cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}
	app.Redis = rdb

	feed, publisher, err := app.initFeed(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize change feed", zap.Error(err), zap.String("feed", cfg.Feed.Type))
	}

	app.Store = repository.NewGormStore(db, publisher)
	if err := app.Store.Migrate(); err != nil {
		logger.Log.Fatal("Failed to migrate database", zap.Error(err))
	}
	if cfg.MigrateOnly {
		return app
	}

	repos := app.initRepositories(app.Store)
	services, err := app.initServices(repos, feed, cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize services", zap.Error(err))
	}
	app.services = services
	controllers := app.initControllers(services)

	router := gin.New()
	app.Router = router
	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	return app
}

// Close releases connections held by the app.
func (a *App) Close() {
	if a.Pg != nil {
		a.Pg.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	logger.Log.Sync()
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.ConfigDir != "" {
		go func() {
			err := configwatcher.WatchConfig(ctx, filepath.Join(a.ConfigDir, "config.yaml"), a.ApplyConfig)
			if err != nil {
				logger.Log.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	<-ctx.Done()
	logger.Log.Info("Shutting down server...")

	// WebSocket 连接被劫持，srv.Shutdown 不会等待它们，先主动关闭
	if a.services != nil {
		a.services.hub.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	a.Close()

	logger.Log.Info("Server exiting")
}
