package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"plugin-license-server/internal/account"
	"plugin-license-server/internal/catalog"
	"plugin-license-server/internal/config"
	"plugin-license-server/internal/httpapi"
	"plugin-license-server/internal/license"
	"plugin-license-server/internal/logger"
	"plugin-license-server/internal/store"
	"plugin-license-server/internal/telegram"
)

const stopTimeout = 15 * time.Second

func serve(ctx context.Context, configFile string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return err
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideRegistry,
			provideStore,
			provideDirectory,
			provideCatalog,
			provideService,
			provideAPI,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(runHTTP, runBot),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-app.Wait():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Config{Env: cfg.App.Env, Name: cfg.App.Name, Level: cfg.Log.Level})
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	st, err := store.Open(cfg.Store, log.Named("store"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Info("[Store] closing")
			return st.Close()
		},
	})
	return st, nil
}

func provideDirectory(cfg *config.Config) (*account.Directory, error) {
	return account.NewDirectory(cfg.Accounts)
}

func provideCatalog(cfg *config.Config) (*catalog.Static, error) {
	return catalog.NewStatic(cfg.Plugins)
}

func provideService(
	cfg *config.Config,
	st store.Store,
	dir *account.Directory,
	cat *catalog.Static,
	reg *prometheus.Registry,
	log *zap.Logger,
) (*license.Service, error) {
	keys, err := license.NewKeyGenerator(cfg.Keys.Format, cfg.Keys.Prefix)
	if err != nil {
		return nil, fmt.Errorf("keys.format: %w", err)
	}
	return license.NewService(license.Params{
		Store:   st,
		Keys:    keys,
		Quotas:  dir,
		Catalog: cat,
		Logger:  log,
		Metrics: license.NewMetrics(reg),
		Options: license.Options{
			StoreTimeout:        cfg.Store.Timeout,
			MaxKeyAttempts:      cfg.Keys.MaxAttempts,
			DefaultValidity:     cfg.License.DefaultValidity,
			AllowUnparsedServer: cfg.Validation.AllowUnparsedServer,
		},
	}), nil
}

func provideAPI(
	svc *license.Service,
	dir *account.Directory,
	cat *catalog.Static,
	reg *prometheus.Registry,
	log *zap.Logger,
) *httpapi.API {
	return httpapi.New(httpapi.Params{Service: svc, Auth: dir, Plugins: cat, Logger: log, Registry: reg})
}

func runHTTP(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, api *httpapi.API, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			log.Info("Starting HTTP server...", zap.String("addr", ln.Addr().String()), zap.String("version", version))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("HTTP server failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Shutting down HTTP server...", zap.String("addr", srv.Addr))
			ctx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}

func runBot(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, svc *license.Service, log *zap.Logger) error {
	if !cfg.Telegram.Enabled {
		log.Info("Telegram bot disabled")
		return nil
	}
	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.AdminChatID, svc, log)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := bot.Run(ctx); err != nil {
					log.Error("Telegram bot stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
	return nil
}
