package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"changequery/internal/access"
	"changequery/internal/app"
	"changequery/internal/config"
	"changequery/internal/policy"
	"changequery/internal/processor"
	"changequery/internal/query"
	"changequery/internal/search"
	"changequery/internal/store"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "changequery",
	Short: "Query code-review changes by field and live label votes",
	Long: `changequery evaluates boolean queries over changes under review.
Field predicates are answered by the search index; label votes are
re-checked against every voter's present permissions before a change
is returned.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var de *app.DomainError
		if errors.As(err, &de) && de.Class == app.ClassInput {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (yaml, optional)")
	flags.String("database-url", "", "Postgres connection URL")
	flags.String("meili-url", "", "Meilisearch URL; empty disables Meilisearch")
	flags.String("redis-url", "", "Redis URL for the policy cache; empty disables caching")
	flags.Int("workers", 0, "Concurrent match workers")
	flags.Duration("match-timeout", 0, "Per-candidate match timeout")
	flags.String("log-format", "", "Log format: text or json")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("metrics-listen", "", "Serve Prometheus metrics on this address")

	for key, flag := range map[string]string{
		"database_url":  "database-url",
		"meili_url":     "meili-url",
		"redis_url":     "redis-url",
		"workers":       "workers",
		"match_timeout": "match-timeout",
		"log_format":    "log-format",
		"log_level":     "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(queryCmd(), watchCmd(), voteCmd(), reindexCmd(), migrateCmd())
	rootCmd.AddCommand(projectCmd(), labelCmd(), grantCmd(), memberCmd(), changeCmd(), revisionCmd())
}

// initConfig registers defaults and reads the --config file. A config file
// that was asked for but cannot be read is an error.
func initConfig() error {
	config.SetDefaults(v)
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

// runtime holds the collaborators a command needs, built from configuration.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sql.DB
	store    *store.PostgresStore
	search   *search.Service
	service  *app.Service
	admin    *app.Admin
	registry *prometheus.Registry

	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func setup(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger(os.Stderr)
	ctx := cmd.Context()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: max(20, 2*cfg.Workers)})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	r := &runtime{cfg: cfg, logger: logger, db: db, registry: prometheus.NewRegistry()}
	r.closers = append(r.closers, func() { _ = db.Close() })

	r.store = store.NewPostgresStore(db)
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, cfg.MaxCandidates, logger)
		r.closers = append(r.closers, meili.Close)
	}
	r.search = search.NewService(meili, search.NewPgIndex(db, cfg.MaxCandidates), logger)

	var (
		policies    query.PolicyLookup = r.store
		invalidator app.PolicyInvalidator
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := policy.NewRedisCache(cfg.RedisURL, r.store, cfg.PolicyCacheTTL, logger)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		r.closers = append(r.closers, func() { _ = cache.Close() })
		policies = cache
		invalidator = cache
		logger.Debug("using redis policy cache", "ttl", cfg.PolicyCacheTTL)
	}

	evaluator := access.NewEvaluator(r.store, policies, r.store)
	r.registry.MustRegister(collectors.NewGoCollector())
	proc := processor.New(r.search, processor.Options{
		Workers:      cfg.Workers,
		MatchTimeout: cfg.MatchTimeout,
		IndexTimeout: cfg.IndexTimeout,
		DefaultLimit: cfg.DefaultLimit,
		MaxLimit:     cfg.MaxLimit,
		Logger:       logger,
		Metrics:      processor.NewMetrics(r.registry),
	})
	r.service = app.New(r.store, policies, evaluator, proc, r.search, logger)
	r.admin = app.NewAdmin(r.store, invalidator, r.search, logger)

	if listen, _ := cmd.Flags().GetString("metrics-listen"); strings.TrimSpace(listen) != "" {
		if err := r.serveMetrics(listen); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *runtime) serveMetrics(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", "err", err)
		}
	}()
	r.closers = append(r.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	r.logger.Info("metrics enabled", "listen", ln.Addr().String())
	return nil
}
