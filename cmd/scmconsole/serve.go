package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/netroby/scm-manager/internal/api"
	"github.com/netroby/scm-manager/internal/auth"
	"github.com/netroby/scm-manager/internal/config"
	"github.com/netroby/scm-manager/internal/events"
	"github.com/netroby/scm-manager/internal/history"
	"github.com/netroby/scm-manager/internal/observability/alerting"
	"github.com/netroby/scm-manager/internal/observability/metrics"
	"github.com/netroby/scm-manager/internal/storage/mysql"
	"github.com/netroby/scm-manager/internal/view"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("serve")

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	authService, err := auth.NewService(cfg.Auth.Tokens)
	if err != nil {
		return err
	}
	messages, err := loadMessages(cfg)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.IsEnabled() {
		collector = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	store, err := openHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer store.Close()

	reporter := &alerting.Reporter{
		Dispatcher: alerting.NewFanout(&alerting.LogNotifier{}),
		Next:       plugin.LogNotifier{},
	}
	centerOpts := []plugin.Option{
		plugin.WithNotifier(plugin.LogNotifier{}),
		plugin.WithFailureReporter(reporter),
		plugin.WithMessages(messages),
		plugin.WithTimeouts(cfg.SCM.Timeout(), cfg.SCM.ExtendedTimeout()),
		plugin.WithObserver(history.NewRecorder(store)),
	}
	if collector != nil {
		centerOpts = append(centerOpts, plugin.WithObserver(plugin.ObserverFunc(collector.OperationFinished)))
	}
	center := plugin.NewCenter(client, centerOpts...)

	publisher, err := openPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	if publisher != nil {
		var fwdOpts []events.Option
		if collector != nil {
			fwdOpts = append(fwdOpts, events.WithObserver(collector.ObserveForward))
		}
		forwarder := events.NewForwarder(publisher, fwdOpts...)
		forwarder.Attach(center)
		defer func() {
			if err := forwarder.Close(); err != nil {
				log.Warn("关闭事件转发失败", slog.Any("error", err))
			}
		}()
	}

	var listOpts []view.Option
	if collector != nil {
		listOpts = append(listOpts, view.WithReloadObserver(collector.ObserveReload))
	}
	list := view.NewPluginList(center, client, listOpts...)
	// SCM 服务端可能晚于控制台启动，首次加载失败时由第一个请求重试。
	if err := list.Reload(ctx); err != nil {
		log.Warn("首次加载插件列表失败", slog.Any("error", err))
	}

	if collector != nil && cfg.Metrics.Address != "" {
		go func() {
			if err := collector.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Plugins:      list,
		History:      store,
		Repositories: client,
		Metrics:      collector,
		Auth:         authService,
	})
	err = server.Start(ctx)

	// 等待进行中的操作写完操作记录与事件。
	center.Wait()
	list.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("控制台已停止")
		return nil
	}
	return err
}

// openHistory 按驱动创建操作记录存储。
func openHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return history.NewMemoryStore(cfg.Retention), nil
	case "mysql":
		return mysql.NewOperationRepository(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的 history 驱动: %s", cfg.Driver)
	}
}

// openPublisher 按驱动创建事件发布者，driver 为 none 时返回 nil。
func openPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("未知的 events 驱动: %s", cfg.Driver)
	}
}
