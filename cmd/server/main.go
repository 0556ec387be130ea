package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dbflow/internal/config"
	"dbflow/internal/handlers"
	"dbflow/internal/models"
	"dbflow/internal/observability"
	"dbflow/internal/services"
	"dbflow/pkg/bkapi"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

const version = "v1.0.0"

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	ctx := context.Background()
	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		appLogger.Warnf("Tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 连接数据库并迁移
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		appLogger.Warnf("gorm tracing plugin: %v", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 互斥矩阵
	exclusion := services.NewExclusionService(cfg.Exclusion.MatrixPath, appLogger)
	if err := exclusion.Load(); err != nil {
		appLogger.Fatalf("Failed to load exclusion matrix: %v", err)
	}

	// 外部协作方客户端
	actuator := bkapi.NewActuatorClient(endpoint(cfg.External.Actuator), appLogger)
	approval := bkapi.NewApprovalClient(endpoint(cfg.External.Approval), appLogger)
	resource := bkapi.NewResourceClient(endpoint(cfg.External.Resource), appLogger)
	notifier := bkapi.NewNotifierClient(endpoint(cfg.External.Notifier), appLogger)
	monitor := bkapi.NewMonitorClient(endpoint(cfg.External.Monitor), appLogger)
	switchQueue := bkapi.NewSwitchQueueClient(endpoint(cfg.External.HASwitch), appLogger)
	inventory := bkapi.NewInventoryClient(endpoint(cfg.External.Inventory), appLogger)

	// 编排核心
	ledger := services.NewLedgerService(db, appLogger, exclusion)
	store := services.NewFlowStore(db, appLogger, cfg.Ticket.DevSkipHumanStages)
	todos := services.NewTodoService(db, appLogger, cfg.Ticket.PlatformDBAs)
	pauseRunner := services.NewPauseRunner(store, ledger, todos, appLogger)
	runners := map[string]services.FlowRunner{
		models.FlowTypeApproval:      services.NewApprovalRunner(store, approval, appLogger),
		models.FlowTypeHumanConfirm:  services.NewHumanConfirmRunner(todos, appLogger),
		models.FlowTypePause:         pauseRunner,
		models.FlowTypeInnerFlow:     services.NewInnerFlowRunner(store, ledger, actuator, appLogger),
		models.FlowTypeDelivery:      services.NewDeliveryRunner(store, notifier, cfg.Alarm.ChannelIDs, appLogger),
		models.FlowTypeResourceApply: services.NewResourceApplyRunner(store, resource, appLogger),
		models.FlowTypeResourceBatch: services.NewResourceApplyRunner(store, resource, appLogger),
	}
	manager := services.NewFlowManager(db, appLogger, store, ledger, todos, actuator, pauseRunner, runners,
		cfg.Ticket.AutoRetryBackoff, cfg.Ticket.TerminateWaitWindow)

	registry := services.NewBuilderRegistry()
	services.RegisterMySQLBuilders(registry, inventory)
	services.RegisterAutofixBuilders(registry, inventory)
	flowConfigs := services.NewFlowConfigService(db, appLogger)
	tickets := services.NewTicketService(db, appLogger, registry, flowConfigs, store, manager)

	recycle := services.NewRecycleService(db, appLogger, tickets, store)
	exercise := services.NewExerciseService(db, appLogger, inventory, tickets,
		cfg.Scheduler.ExerciseTargetCount, cfg.Scheduler.BackupLookback)
	manager.SetTerminalHook(func(ctx context.Context, ticket *models.Ticket) {
		recycle.DispatchTerminal(ctx, ticket)
		exercise.OnTicketTerminal(ctx, ticket)
	})

	drills := services.NewDrillService(db, appLogger, inventory, tickets, manager, store,
		cfg.Drill.StatusMaxRetry, cfg.Drill.StatusInterval,
		cfg.Drill.WorkflowMaxRetry, cfg.Drill.WorkflowInterval)
	backupAudit := services.NewBackupAuditService(db, appLogger, inventory,
		cfg.Drill.FullBackupMaxDuration, cfg.Drill.MinIncrementalCount, cfg.Drill.ClusterMinAge)
	healthAudit := services.NewHealthAuditService(db, appLogger, inventory, monitor)
	watcher := services.NewSwitchWatcher(appLogger, switchQueue,
		time.Duration(cfg.Alarm.SwitchMaxWaitSeconds)*time.Second, 10*time.Second)
	alarms := services.NewAlarmService(db, appLogger, inventory, notifier, tickets, watcher,
		cfg.Alarm.AutofixClusterTypes, cfg.Alarm.ChannelIDs)

	// 启动清扫：上次进程退出留下的脏台账
	if _, err := ledger.StartupSweep(ctx); err != nil {
		appLogger.Errorf("Ledger startup sweep failed: %v", err)
	}

	// 周期任务
	scheduler := services.NewSchedulerService(db, appLogger)
	if cfg.Scheduler.Enabled {
		jobs := []services.SchedulerJob{
			{Name: "mysql_rollback_exercise", Cron: "0 */4 * * *", Run: exercise.RunExercise},
			{Name: "mongodb_backup_audit", Cron: "30 2 * * *", Run: backupAudit.RunSweep},
			{Name: "mysql_health_audit", Cron: "*/30 * * * *", Run: func(ctx context.Context) error {
				return healthAudit.RunSweep(ctx, models.ClusterTypeTendbHA)
			}},
			{Name: "failover_drill_cleanup", Cron: "15 */6 * * *", Run: drills.CleanupStalled},
			{Name: "stuck_ticket_sweep", Cron: "*/10 * * * *", Run: func(ctx context.Context) error {
				_, err := manager.TerminateStuckFlows(ctx)
				return err
			}},
			{Name: "pause_resume_sweep", Cron: "*/1 * * * *", Run: func(ctx context.Context) error {
				_, err := manager.ResumeBlockedPauses(ctx)
				return err
			}},
			{Name: "ledger_sweep", Cron: "5 * * * *", Run: func(ctx context.Context) error {
				_, err := ledger.StartupSweep(ctx)
				return err
			}},
		}
		for _, job := range jobs {
			if err := scheduler.Register(job); err != nil {
				appLogger.Fatalf("Failed to register recurring task %s: %v", job.Name, err)
			}
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("dbflow"))
	if cfg.Security.CORS.Enabled {
		r.Use(corsMiddleware())
	}
	if cfg.Security.RateLimiting.Enabled {
		r.Use(rateLimitMiddleware(cfg.Security.RateLimiting))
	}

	healthHandler := handlers.NewHealthHandler(db, version)
	ticketHandler := handlers.NewTicketHandler(tickets, manager, store, appLogger)
	callbackHandler := handlers.NewCallbackHandler(manager, alarms, appLogger)
	adminHandler := handlers.NewAdminHandler(flowConfigs, exclusion, scheduler, appLogger)

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, healthHandler.Metrics)
	}

	api := r.Group("/api")
	{
		api.POST("/tickets", ticketHandler.CreateTicket)
		api.GET("/tickets", ticketHandler.ListTickets)
		api.GET("/tickets/:id", ticketHandler.GetTicket)
		api.POST("/tickets/:id/approve", ticketHandler.ApproveTicket)
		api.POST("/tickets/:id/confirm", ticketHandler.ConfirmTicket)
		api.POST("/tickets/:id/terminate", ticketHandler.TerminateTicket)
		api.POST("/tickets/:id/retry", ticketHandler.RetryTicket)

		api.POST("/callbacks/workflow", callbackHandler.WorkflowCallback)
		api.POST("/callbacks/approval", callbackHandler.ApprovalCallback)
		api.POST("/callbacks/alarm", callbackHandler.AlarmCallback)

		api.GET("/flow-configs", adminHandler.ListFlowConfigs)
		api.POST("/flow-configs", adminHandler.UpsertFlowConfig)
		api.POST("/exclusions/reload", adminHandler.ReloadExclusions)
		api.GET("/tasks", adminHandler.ListTasks)
		api.GET("/tasks/:name/runs", adminHandler.ListTaskRuns)
		api.POST("/tasks/:name/freeze", adminHandler.FreezeTask)
		api.POST("/tasks/:name/unfreeze", adminHandler.UnfreezeTask)
	}

	// 启动服务器
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	go func() {
		appLogger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLogger.Warnf("Tracing shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func endpoint(e config.EndpointConfig) bkapi.ClientConfig {
	return bkapi.ClientConfig{BaseURL: e.BaseURL, APIKey: e.APIKey, Timeout: e.Timeout}
}

// rateLimitMiddleware 全局限流中间件
func rateLimitMiddleware(cfg config.RateLimitingConfig) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
