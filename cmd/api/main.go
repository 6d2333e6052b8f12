package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"settlement/internal/config"
	"settlement/internal/domain/model"
	"settlement/internal/handler"
	"settlement/internal/infra/db"
	"settlement/internal/infra/gateway"
	"settlement/internal/infra/notify"
	infraRepo "settlement/internal/infra/repository"
	"settlement/internal/logger"
	"settlement/internal/metrics"
	"settlement/internal/server"
	"settlement/internal/usecase"
	"settlement/internal/worker"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	//.envは任意（本番は環境変数だけ）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.GoEnv)

	//DB接続
	gormDB, err := db.Connect(cfg.DSN())
	if err != nil {
		return err
	}
	if err := db.Migrate(gormDB); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	//外部サービス
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		KeyID:         cfg.Gateway.KeyID,
		KeySecret:     cfg.Gateway.KeySecret,
		Currency:      cfg.Gateway.Currency,
		Timeout:       cfg.Gateway.Timeout,
		RatePerSecond: cfg.Gateway.RatePerSecond,
	}, m, log)
	if err != nil {
		return err
	}
	notifier, err := notify.NewClient(cfg.Notify.BaseURL, cfg.Notify.APIKey, cfg.Notify.Timeout, cfg.Notify.RatePerSecond, log)
	if err != nil {
		return err
	}

	//Repository（GORM実装）生成
	txm := infraRepo.NewTxManagerGorm(gormDB)
	userRepo := infraRepo.NewUserGormRepository(gormDB)
	taskQueue := infraRepo.NewTaskGormRepository(gormDB)

	//Usecase生成
	retry := usecase.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	outbox := usecase.NewOutbox(cfg.Dispatcher.TaskMaxAttempts)
	stock := usecase.NewStockReservation()
	machine := usecase.NewOrderStateMachine(stock, outbox, m, log)
	payments := usecase.NewPaymentAdapter(txm, gw, retry, cfg.Gateway.WebhookSecret, cfg.Gateway.Currency, log)
	settle := usecase.NewSettlement(machine, outbox, cfg.Location(), log)

	orderUC := usecase.NewOrderUsecase(txm, stock, machine, payments, outbox, log)
	adminOrderUC := usecase.NewAdminOrderUsecase(txm, machine)
	productUC := usecase.NewProductUsecase(txm)
	adminUserUC := usecase.NewAdminUserUsecase(txm)
	auditUC := usecase.NewAuditLogUsecase(txm)
	subUC := usecase.NewSubscriptionUsecase(txm, payments, settle, cfg.SubscriptionDiscountPercent, log)
	billing := usecase.NewSubscriptionBilling(txm, payments, settle, log)
	reconciler := usecase.NewWebhookReconciler(txm, payments, settle, cfg.Gateway.Name, m, log)
	notifyTasks := usecase.NewNotificationTasks(txm, notifier, cfg.Notify.OpsEmail, log)

	//タスク配信
	dispatcher := worker.NewDispatcher(taskQueue, retry, worker.DispatcherConfig{
		Workers:      cfg.Dispatcher.Workers,
		PollInterval: cfg.Dispatcher.PollInterval,
		BatchSize:    cfg.Dispatcher.BatchSize,
		Lease:        cfg.Dispatcher.Lease,
		AlertMaxTry:  cfg.Dispatcher.TaskMaxAttempts,
	}, m, log)
	dispatcher.Register(model.TaskNotifyEmail, notifyTasks.HandleEmail)
	dispatcher.Register(model.TaskNotifySMS, notifyTasks.HandleSMS)
	dispatcher.Register(model.TaskOpsAlert, notifyTasks.HandleOpsAlert)
	dispatcher.Register(model.TaskGatewayRefund, payments.HandleRefundTask)
	dispatcher.Register(model.TaskGatewayCancelSubscription, payments.HandleCancelSubscriptionTask)

	var scheduler *worker.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = worker.NewScheduler(billing, worker.SchedulerConfig{
			Cron:        cfg.Scheduler.Cron,
			Location:    cfg.Location(),
			Concurrency: cfg.Scheduler.Concurrency,
			UnitTimeout: cfg.Scheduler.UnitTimeout,
			BatchSize:   cfg.Scheduler.BatchSize,
		}, m, log)
		if err != nil {
			return err
		}
	}

	//Handler生成
	e := server.New(log)
	server.RegisterRoutes(e, cfg, userRepo, server.Handlers{
		Orders:        handler.NewOrderHandler(orderUC),
		AdminOrders:   handler.NewAdminOrderHandler(adminOrderUC),
		AdminProducts: handler.NewAdminProductHandler(productUC),
		AdminUsers:    handler.NewAdminUserHandler(adminUserUC, auditUC),
		Subscriptions: handler.NewSubscriptionHandler(subUC),
		Webhooks:      handler.NewWebhookHandler(reconciler, cfg.WebhookTimeout),
		Ops: handler.NewOpsHandler(reg, func(ctx context.Context) error {
			return db.Ping(ctx, gormDB)
		}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(gctx)
		<-gctx.Done()
		dispatcher.Stop()
		return nil
	})
	if scheduler != nil {
		g.Go(func() error {
			scheduler.Start()
			<-gctx.Done()
			scheduler.Stop()
			return nil
		})
	}
	g.Go(func() error {
		log.Info("server starting", slog.String("port", cfg.Port))
		return server.Start(gctx, e, ":"+cfg.Port, cfg.ShutdownTimeout)
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}
