package main

import (
	"context"
	stdErrors "errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"CrossFlow/internal/api"
	"CrossFlow/internal/chains"
	"CrossFlow/internal/config"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/intent"
	"CrossFlow/internal/observability/alerting"
	"CrossFlow/internal/order"
	"CrossFlow/internal/permission"
	"CrossFlow/internal/pricefeed"
	"CrossFlow/internal/proofs"
	"CrossFlow/internal/storage/mysql"
	redisstore "CrossFlow/internal/storage/redis"
	"CrossFlow/internal/supervisor"
	"CrossFlow/pkg/logger"
)

// main 是 CrossFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("crossflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configFlag := flag.String("config", "", "配置文件路径，优先于 CROSSFLOW_CONFIG 环境变量")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CROSSFLOW_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join("configs", "crossflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	alerts := alerting.NewThreshold(
		xerrors.Severity(cfg.Alerting.MinSeverity),
		alerting.NewFanout(&alerting.LogNotifier{}),
	)

	defs, err := loadChainDefinitions(cfg.Chains.Config)
	if err != nil {
		return err
	}
	registry, err := chains.NewRegistry(defs, cfg.Chains.CustodyRoot)
	if err != nil {
		return err
	}

	statusStore, orderStore, permStore, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}

	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}

	verifiers := proofs.NewRegistry()
	permissions := permission.NewService(permStore, verifiers)

	// 签名授权的意图在校验阶段就要通过权限引擎的真实验签。
	validator := intent.NewValidator(registry, permissions)
	intents := intent.NewService(statusStore, queue, validator, cfg.Pipeline.MaxAttempts)
	defer func() {
		if err := intents.Close(); err != nil {
			logger.L().Error("关闭意图服务失败", "error", err)
		}
	}()

	engine := order.NewEngine(orderStore, registry, verifiers, intents)

	feed, closeFeed, err := buildPriceFeed(cfg)
	if err != nil {
		return err
	}
	defer closeFeed()

	var poller *order.Poller
	if cfg.Poller.Enabled {
		poller = order.NewPoller(engine, feed, time.Duration(cfg.Poller.IntervalSeconds)*time.Second)
	}

	var loops []supervisor.Loop
	if cfg.Pipeline.Enabled {
		router, err := buildRouter(cfg)
		if err != nil {
			return err
		}
		dispatcher := intent.NewDispatcher(queue, statusStore, validator, router,
			intent.WithWorkerLimit(cfg.Pipeline.WorkerLimit),
			intent.WithRetryPolicy(cfg.Pipeline.MaxAttempts, time.Duration(cfg.Pipeline.BackoffUnitMs)*time.Millisecond),
			intent.WithIdleWait(time.Duration(cfg.Pipeline.IdleWaitMs)*time.Millisecond),
			intent.WithAlertDispatcher(alerts),
			intent.WithTerminalHook(engine.HandleIntentResult),
		)
		loops = append(loops, supervisor.Loop{Name: "dispatcher", Run: dispatcher.Run})
	} else {
		logger.L().Warn("意图流水线被禁用，提交请求将返回不可用")
	}
	if poller != nil {
		loops = append(loops, supervisor.Loop{Name: "poller", Run: poller.Run})
	}

	sup := supervisor.New(supervisor.WithAlerts(alerts))

	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
	}, intents, engine, poller, permissions, api.WithHealth(sup))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sup.Run(groupCtx, loops...)
	})
	group.Go(func() error {
		return server.Start(groupCtx)
	})

	if err := group.Wait(); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadChainDefinitions 读取链配置文件，文件缺失时退回内置定义。
func loadChainDefinitions(path string) (chains.Definitions, error) {
	if _, err := os.Stat(path); stdErrors.Is(err, os.ErrNotExist) {
		logger.L().Warn("链配置文件不存在，使用内置链定义", "path", path)
		return chains.DefaultDefinitions(), nil
	}
	return chains.LoadDefinitions(path)
}

// buildStores 按配置选择存储后端。MySQL 模式下三个存储共享同一个
// 连接池，迁移在启动时内嵌执行。
func buildStores(ctx context.Context, cfg *config.Config) (intent.StatusStore, order.Store, permission.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return intent.NewMemoryStore(), order.NewMemoryStore(), permission.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if err := mysql.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		statusStore, err := intent.NewMySQLStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		orderStore, err := mysql.NewOrderStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		permStore, err := mysql.NewPermissionStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return &ownedStatusStore{StatusStore: statusStore, db: db}, orderStore, permStore, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// ownedStatusStore 把共享连接池的生命周期挂到意图服务的 Close 上，
// 保证进程退出时连接池恰好被关闭一次。
type ownedStatusStore struct {
	intent.StatusStore
	db interface{ Close() error }
}

func (s *ownedStatusStore) Close() error {
	if err := s.StatusStore.Close(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

// buildQueue 按配置选择队列后端。流水线被禁用时不建队列，
// 提交接口会直接返回不可用。
func buildQueue(ctx context.Context, cfg *config.Config) (intent.Queue, error) {
	if !cfg.Pipeline.Enabled {
		return nil, nil
	}
	switch cfg.Queue.Driver {
	case "", "memory":
		return intent.NewMemoryQueue(1024), nil
	case "redis":
		queue, err := intent.NewRedisQueue(intent.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Addr,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.QueueKey,
			BlockWait: time.Duration(cfg.Queue.Redis.PollTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if restored, err := queue.Recover(ctx); err != nil {
			logger.L().Warn("恢复处理中消息失败", "error", err)
		} else if restored > 0 {
			logger.L().Info("已恢复处理中消息", "count", restored)
		}
		return queue, nil
	case "rabbitmq":
		return intent.NewRabbitMQQueue(intent.RabbitMQConfig{
			URL:     cfg.Queue.RabbitMQ.URL,
			Queue:   cfg.Queue.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// buildRouter 按配置装配执行路由。simulated 之外的路径由外部
// 结算适配器通过 none 模式接管。
func buildRouter(cfg *config.Config) (*intent.Router, error) {
	switch cfg.Executor.Driver {
	case "", "simulated":
		latency := time.Duration(cfg.Executor.Simulated.LatencyMs) * time.Millisecond
		failRate := cfg.Executor.Simulated.FailRate
		return intent.NewRouter(
			intent.NewSimulatedFlow(intent.FlowLendingDeposit, latency, failRate),
			intent.NewSimulatedFlow(intent.FlowLendingWithdraw, latency, failRate),
			intent.NewSimulatedFlow(intent.FlowSwap, latency, failRate),
		), nil
	case "none":
		return intent.NewRouter(nil, nil, nil), nil
	default:
		return nil, fmt.Errorf("未知的执行驱动: %s", cfg.Executor.Driver)
	}
}

// buildPriceFeed 按配置装配价格源，并在启用缓存时包上 Redis 报价缓存。
func buildPriceFeed(cfg *config.Config) (pricefeed.Feed, func(), error) {
	var feed pricefeed.Feed
	switch cfg.PriceFeed.Driver {
	case "", "static":
		feed = pricefeed.NewStaticFeed()
	case "http":
		httpFeed, err := pricefeed.NewHTTPFeed(pricefeed.HTTPConfig{
			BaseURL: cfg.PriceFeed.HTTP.BaseURL,
			APIKey:  cfg.PriceFeed.HTTP.APIKey,
			Timeout: time.Duration(cfg.PriceFeed.HTTP.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		feed = httpFeed
	default:
		return nil, nil, fmt.Errorf("未知的价格源驱动: %s", cfg.PriceFeed.Driver)
	}

	closeFeed := func() {}
	if cfg.PriceFeed.Cache.Enabled {
		cache, err := redisstore.NewPriceCache(redisstore.PriceCacheConfig{
			Address:  cfg.PriceFeed.Cache.Addr,
			Password: cfg.PriceFeed.Cache.Password,
			DB:       cfg.PriceFeed.Cache.DB,
			TTL:      time.Duration(cfg.PriceFeed.Cache.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		feed = pricefeed.NewCachedFeed(feed, cache)
		closeFeed = func() {
			if err := cache.Close(); err != nil {
				logger.L().Warn("关闭报价缓存失败", "error", err)
			}
		}
	}
	return feed, closeFeed, nil
}
