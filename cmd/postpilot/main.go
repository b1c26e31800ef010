// Command postpilot runs the scheduling and dispatch service: it loads the
// config, opens storage, starts the workflow materializer and the publish
// dispatcher, and delivers due posts until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postpilot/internal/admission"
	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/publish/telegram"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	"postpilot/internal/workflow"
	logx "postpilot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	registry := publish.NewRegistry()
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{
			Token:      cfg.Telegram.Token,
			RatePerSec: cfg.Telegram.RatePerSec,
		}, log)
		if err != nil {
			return fmt.Errorf("telegram publisher: %w", err)
		}
		registry.Register(tg)
	} else {
		log.Warn("telegram token not configured; telegram posts will fail with no_destination")
	}

	bus := eventbus.New()
	gate := admission.NewQuotaGate(st, log)

	dispCfg, err := dispatcherConfig(cfg.Dispatcher)
	if err != nil {
		return err
	}
	disp := dispatch.New(dispCfg, st, registry, bus, log)

	matCfg, err := materializerConfig(cfg.Materializer)
	if err != nil {
		return err
	}
	mat := workflow.New(matCfg, st, gate, nil, bus, log)

	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	sup.GoRestart("config.watch", mgr.Watch)

	// Apply runtime-safe config changes; storage and schedule changes need a
	// restart and are only noted in the reload log.
	cfgCh := mgr.Subscribe(2)
	defer mgr.Unsubscribe(cfgCh)
	sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-cfgCh:
				if !ok {
					return
				}
				logSvc.Apply(logConfig(next))
			}
		}
	})

	if err := mat.Start(); err != nil {
		return err
	}
	if err := disp.Start(); err != nil {
		mat.Stop(context.Background())
		return err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("postpilot running",
		logx.String("storage", cfg.Storage.Driver),
		logx.String("dispatcher", disp.ID()),
		logx.Any("platforms", registry.Platforms()))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	disp.Stop(stopCtx)
	mat.Stop(stopCtx)
	if err := sup.Stop(stopCtx); err != nil {
		log.Warn("shutdown incomplete", logx.Err(err))
	}
	log.Info("postpilot stopped")
	return nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func dispatcherConfig(c config.DispatcherConfig) (dispatch.Config, error) {
	tick, err := config.ParseDurationField("dispatcher.tick_interval", c.TickInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	publishTimeout, err := config.ParseDurationField("dispatcher.publish_timeout", c.PublishTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	lease, err := config.ParseDurationField("dispatcher.lease_duration", c.LeaseDuration)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationField("dispatcher.retry.base_delay", c.Retry.BaseDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatcher.retry.max_delay", c.Retry.MaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		TickInterval:   tick,
		PoolSize:       c.PoolSize,
		PublishTimeout: publishTimeout,
		LeaseDuration:  lease,
		BatchLimit:     c.BatchLimit,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   base,
			MaxDelay:    maxDelay,
			Jitter:      c.Retry.Jitter,
		},
	}, nil
}

func materializerConfig(c config.MaterializerConfig) (workflow.Config, error) {
	check, err := config.ParseDurationField("materializer.check_interval", c.CheckInterval)
	if err != nil {
		return workflow.Config{}, err
	}
	gen, err := config.ParseDurationField("materializer.generate_timeout", c.GenerateTimeout)
	if err != nil {
		return workflow.Config{}, err
	}
	return workflow.Config{CheckInterval: check, GenerateTimeout: gen}, nil
}
