package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/config"
	"github.com/qbixus/tcc-go/repository/boltrepo"
	"github.com/qbixus/tcc-go/repository/memrepo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"time"
)

// app holds what every command shares: configuration, logger, metrics and the resources to release.
type app struct {
	v             *viper.Viper
	configPath    string
	cfg           config.Config
	logger        logr.Logger
	meterProvider metric.MeterProvider
	closers       []func(context.Context) error
}

func newApp() *app {
	return &app{v: viper.New(), logger: logr.Discard(), meterProvider: noop.NewMeterProvider()}
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"log-dev":        "log.development",
	"repository":     "repository.kind",
	"db":             "repository.path",
	"executor-size":  "executor.size",
	"metrics":        "metrics.enabled",
	"metrics-listen": "metrics.address",
}

func (a *app) bindFlags(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, sync, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error {
		_ = sync()
		return nil
	})

	if cfg.Metrics.Enabled {
		mp, shutdown, err := startMetrics(cfg.Metrics.Address, logger)
		if err != nil {
			return err
		}
		a.meterProvider = mp
		a.closers = append(a.closers, shutdown)
	}
	logger.V(1).Info("tccdemo.config", "command", cmd.Name(), "repository", cfg.Repository.Kind, "executor_size", cfg.Executor.Size)
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) openRepository(ctx context.Context) (tcc.Repository, error) {
	rc := a.cfg.Repository
	switch rc.Kind {
	case config.RepositoryBolt:
		repo, err := boltrepo.Open(ctx, rc.Path, boltrepo.WithBucket(rc.Bucket), boltrepo.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return repo.Close() })
		return repo, nil
	default:
		return memrepo.New(memrepo.WithShards(rc.Shards)), nil
	}
}

// newManager builds the coordinator and the interceptor over repo. Targets are resolved in registry.
func (a *app) newManager(repo tcc.Repository, registry *tcc.Registry) (*tcc.Manager, *tcc.Interceptor) {
	manager := tcc.NewManager(repo, tcc.NewTerminator(registry, nil),
		tcc.WithLogger(a.logger),
		tcc.WithExecutorSize(a.cfg.Executor.Size),
		tcc.WithMeterProvider(a.meterProvider),
	)
	a.closers = append(a.closers, func(context.Context) error {
		manager.Close()
		return nil
	})
	return manager, tcc.NewInterceptor(manager)
}

func newLogger(cfg config.LogConfig) (logr.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zl, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(zl), zl.Sync, nil
}
