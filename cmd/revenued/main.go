package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Revenue-API/internal/api"
	"Revenue-API/internal/auth"
	"Revenue-API/internal/config"
	"Revenue-API/internal/observability/alerting"
	"Revenue-API/internal/observability/metrics"
	"Revenue-API/internal/revenue"
	"Revenue-API/internal/storage/mysql"
	"Revenue-API/internal/task"
	"Revenue-API/internal/workflow"
	"Revenue-API/pkg/logger"
	"Revenue-API/pkg/plugin"
)

// main 是 revenued 守护进程的入口。
func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径，默认取 REVENUE_CONFIG 或 configs/revenue.yaml")
		host       = flag.String("host", "", "覆盖配置中的监听地址")
		port       = flag.Int("port", 0, "覆盖配置中的监听端口")
		logLevel   = flag.String("log-level", "", "覆盖配置中的日志级别")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *host, *port, *logLevel); err != nil {
		log.Fatalf("revenued 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath, host string, port int, logLevel string) error {
	if configPath == "" {
		configPath = os.Getenv("REVENUE_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join("configs", "revenue.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
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
	defer func() {
		_ = logger.Sync()
	}()

	// 配置热加载目前只跟踪日志级别，其余字段需要重启生效。
	go func() {
		if err := config.Watch(ctx, configPath, func(next *config.Config) {
			logger.SetLevel(next.Logging.Level)
			logger.L().Info("配置变更已应用", slog.String("log_level", next.Logging.Level))
		}); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Warn("配置监听退出", slog.Any("error", err))
		}
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	taskStore, err := buildTaskStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if taskStore != nil {
			_ = taskStore.Close()
		}
	}()

	taskQueue, err := buildTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if taskQueue != nil {
			if err := taskQueue.Close(); err != nil {
				logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
			}
		}
	}()

	ledger, err := buildLedger(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.L().Warn("关闭营收台账失败", slog.Any("error", err))
		}
	}()

	authSvc, authClose, err := buildAuthService(ctx, cfg)
	if err != nil {
		return err
	}
	if authClose != nil {
		defer authClose()
	}

	registry := workflow.NewRegistry(workflow.WithJobTimeout(cfg.Queue.JobTimeout()))
	if err := revenue.NewHandlers(ledger).RegisterAll(registry); err != nil {
		return err
	}

	dispatcher := buildAlertDispatcher(cfg)

	pluginManager, err := buildPluginManager(cfg, registry, dispatcher)
	if err != nil {
		return err
	}
	if pluginManager != nil {
		if err := pluginManager.StartAll(ctx); err != nil {
			return fmt.Errorf("启动插件失败: %w", err)
		}
		defer func() {
			if err := pluginManager.StopAll(context.Background()); err != nil {
				logger.L().Warn("停止插件失败", slog.Any("error", err))
			}
		}()
	}

	taskService := task.NewService(taskStore, taskQueue, registry, cfg.Storage.TaskStore.Retries)

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
	}
	if dispatcher != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}
	processor := task.NewProcessor(registry, taskStore, taskQueue, taskQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(api.Config{
		Address:           cfg.Server.Address(),
		Name:              cfg.Server.Name,
		Version:           cfg.Server.Version,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
	}, taskService, ledger, authSvc)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildTaskStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		ts := cfg.Storage.TaskStore
		return task.NewMySQLStore(task.MySQLStoreConfig{
			DSN:             ts.DSN,
			MaxOpenConns:    ts.MaxOpenConns,
			MaxIdleConns:    ts.MaxIdleConns,
			ConnMaxLifetime: time.Duration(ts.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(ts.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
}

func buildTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func buildLedger(ctx context.Context, cfg *config.Config, dataDir string) (revenue.Repository, error) {
	switch cfg.Storage.Revenue.Driver {
	case "", "memory":
		return revenue.NewFileRepository(dataDir)
	case "mysql":
		return mysql.NewSQLRevenueRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.Revenue.DSN,
			MaxOpenConns:    cfg.Storage.Revenue.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Revenue.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Revenue.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的营收台账驱动: %s", cfg.Storage.Revenue.Driver)
	}
}

func buildAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, func(), error) {
	authCfg := auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		OAuth: auth.OAuthOptions{
			TokenURL:         cfg.Auth.OAuth.TokenURL,
			IntrospectionURL: cfg.Auth.OAuth.IntrospectionURL,
			ClientID:         cfg.Auth.OAuth.ClientID,
			ClientSecret:     cfg.Auth.OAuth.ClientSecret,
			Scopes:           cfg.Auth.OAuth.Scopes,
			TimeoutSeconds:   cfg.Auth.OAuth.TimeoutSeconds,
			UsernameClaim:    cfg.Auth.OAuth.UsernameClaim,
		},
	}
	for _, seed := range cfg.Auth.Seeds {
		authCfg.Seeds = append(authCfg.Seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var (
		store     auth.Store
		closeFunc func()
	)
	switch cfg.Auth.Store.Driver {
	case "", "memory":
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, nil, err
		}
		store = memStore
	case "mysql":
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{DSN: cfg.Auth.Store.DSN})
		if err != nil {
			return nil, nil, err
		}
		store = sqlStore
		closeFunc = func() {
			if err := sqlStore.Close(); err != nil {
				logger.L().Warn("关闭用户存储失败", slog.Any("error", err))
			}
		}
	default:
		return nil, nil, fmt.Errorf("未知的用户存储驱动: %s", cfg.Auth.Store.Driver)
	}

	svc, err := auth.NewService(ctx, authCfg, store)
	if err != nil {
		if closeFunc != nil {
			closeFunc()
		}
		return nil, nil, err
	}
	return svc, closeFunc, nil
}

func buildAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Webhook.URL != "" {
		sender, err := alerting.NewHTTPWebhookSender(
			cfg.Alerting.Webhook.URL,
			time.Duration(cfg.Alerting.Webhook.TimeoutSeconds)*time.Second,
		)
		if err != nil {
			logger.L().Warn("Webhook 告警渠道初始化失败", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, &alerting.WebhookNotifier{Sender: sender})
		}
	}
	if cfg.Alerting.Slack.WebhookURL != "" {
		sender, err := alerting.NewSlackWebhookSender(cfg.Alerting.Slack.WebhookURL)
		if err != nil {
			logger.L().Warn("Slack 告警渠道初始化失败", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, &alerting.SlackNotifier{
				Sender:    sender,
				ChannelID: cfg.Alerting.Slack.Channel,
			})
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func buildPluginManager(cfg *config.Config, registry *workflow.Registry, dispatcher alerting.Dispatcher) (*plugin.Manager, error) {
	enabled := false
	entries := make(map[string]plugin.PluginConfig, len(cfg.Plugins.Entries))
	for id, entry := range cfg.Plugins.Entries {
		entries[id] = plugin.PluginConfig{
			Enabled: entry.Enabled,
			Path:    entry.Path,
			Config:  entry.Config,
		}
		if entry.Enabled {
			enabled = true
		}
	}
	if !enabled {
		return nil, nil
	}

	opts := []plugin.Option{
		plugin.WithResource(plugin.ResourceWorkflowRegistry, registry),
	}
	if dispatcher != nil {
		opts = append(opts, plugin.WithResource(plugin.ResourceAlertDispatcher, dispatcher))
	}
	return plugin.NewManager(plugin.ManagerConfig{
		PluginDir: cfg.Plugins.Dir,
		Plugins:   entries,
	}, opts...)
}
