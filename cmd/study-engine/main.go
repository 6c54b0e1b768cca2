package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/studyengine/internal/config"
	"github.com/ehr/studyengine/internal/domain/cohort"
	"github.com/ehr/studyengine/internal/domain/participantgroup"
	"github.com/ehr/studyengine/internal/domain/study"
	"github.com/ehr/studyengine/internal/domain/visit"
	"github.com/ehr/studyengine/internal/platform/db"
	"github.com/ehr/studyengine/internal/platform/grouplist"
	"github.com/ehr/studyengine/internal/platform/metrics"
	"github.com/ehr/studyengine/internal/platform/middleware"
	"github.com/ehr/studyengine/internal/platform/studylock"
	"github.com/ehr/studyengine/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "study-engine",
		Short: "Study visits, cohorts and participant groups API",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(cohortCmd())
	root.AddCommand(visitsCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource reads migrations from dir when set, else from the files
// embedded in the binary.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	})
	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func cohortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cohort",
		Short: "Cohort maintenance",
	}
	recompute := &cobra.Command{
		Use:   "recompute",
		Short: "Re-derive automatic cohort assignments of a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			studyID, _ := cmd.Flags().GetInt("study")
			if studyID <= 0 {
				return fmt.Errorf("--study is required")
			}
			return withServices(cmd.Context(), func(s *services) error {
				if err := s.cohorts.Recompute(cmd.Context(), studyID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cohorts of study %d recomputed.\n", studyID)
				return nil
			})
		},
	}
	recompute.Flags().Int("study", 0, "Study id")
	cmd.AddCommand(recompute)
	return cmd
}

func visitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visits",
		Short: "Visit maintenance",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Report overlapping visit ranges of a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			studyID, _ := cmd.Flags().GetInt("study")
			if studyID <= 0 {
				return fmt.Errorf("--study is required")
			}
			return withServices(cmd.Context(), func(s *services) error {
				pairs, err := s.visits.CheckStudyVisits(cmd.Context(), studyID)
				if err != nil {
					return err
				}
				return reportOverlaps(cmd, studyID, pairs)
			})
		},
	}
	check.Flags().Int("study", 0, "Study id")
	cmd.AddCommand(check)
	return cmd
}

func reportOverlaps(cmd *cobra.Command, studyID int, pairs []visit.OverlapPair) error {
	out := cmd.OutOrStdout()
	if len(pairs) == 0 {
		fmt.Fprintf(out, "Study %d: no overlapping visits.\n", studyID)
		return nil
	}
	for _, p := range pairs {
		fmt.Fprintf(out, "%s overlaps %s\n", p.First, p.Second)
	}
	return fmt.Errorf("study %d has %d overlapping visit pair(s)", studyID, len(pairs))
}

// services is the wired domain layer shared by the server and the CLI.
type services struct {
	studies *study.Service
	visits  *visit.Service
	groups  *participantgroup.Service
	cohorts *cohort.Engine
}

func newServices(pool *pgxpool.Pool, locks *studylock.Locker, logger zerolog.Logger) *services {
	tx := db.NewPoolTxBeginner(pool)
	studyRepo := study.NewRepoPG(pool)
	visitRepo := visit.NewRepoPG(pool)
	subjects := cohort.NewSubjectStorePG(pool)

	visitSvc := visit.NewService(visitRepo, studyRepo, tx, locks, logger.With().Str("component", "visits").Logger())
	engine := cohort.NewEngine(cohort.NewRepoPG(pool), subjects, cohort.NewDatasetReaderPG(pool), studyRepo,
		visitRepo, tx, locks, logger.With().Str("component", "cohorts").Logger())
	visitSvc.SetCohortRecomputer(engine)

	return &services{
		studies: study.NewService(studyRepo, logger.With().Str("component", "studies").Logger()),
		visits:  visitSvc,
		groups: participantgroup.NewService(participantgroup.NewRepoPG(pool), subjects, tx, locks,
			logger.With().Str("component", "groups").Logger()),
		cohorts: engine,
	}
}

func withServices(ctx context.Context, fn func(s *services) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(newServices(pool, newLocker(cfg), logger))
}

func newLocker(cfg *config.Config) *studylock.Locker {
	if !cfg.StudyLock {
		return nil
	}
	return studylock.New()
}

// newSessions picks the subject list cache backend. The returned client is
// nil for the memory backend.
func newSessions(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*grouplist.Sessions, *goredis.Client, error) {
	log := logger.With().Str("component", "grouplist").Logger()
	if cfg.CacheBackend != config.CacheRedis {
		return grouplist.NewSessions(grouplist.MemoryFactory(cfg.SessionCacheTTL), cfg.SessionCacheTTL, log), nil, nil
	}
	rdb, err := grouplist.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return grouplist.NewSessions(grouplist.RedisFactory(rdb, cfg.SessionCacheTTL), cfg.SessionCacheTTL, log), rdb, nil
}

// newEcho builds the HTTP server around s. pool is used for health stats
// only and may be nil.
func newEcho(cfg *config.Config, logger zerolog.Logger, s *services, sessions *grouplist.Sessions,
	pool *pgxpool.Pool, checks map[string]db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SessionID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader, middleware.SessionIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, middleware.SessionIDHeader},
	}))
	bodyLimit, _ := cfg.BodyLimitBytes() // checked by Validate
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", db.HealthHandler(pool, checks))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	api := e.Group("/api/v1")
	study.NewHandler(s.studies).RegisterRoutes(api)
	visit.NewHandler(s.visits).RegisterRoutes(api)
	cohort.NewHandler(s.cohorts).RegisterRoutes(api)
	participantgroup.NewHandler(s.groups, sessions).RegisterRoutes(api)
	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := map[string]db.Pinger{"postgres": pool}

	// Subject list caches
	sessions, rdb, err := newSessions(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if rdb != nil {
		defer rdb.Close()
		checks["redis"] = grouplist.RedisPinger{Client: rdb}
	}
	logger.Info().Str("backend", cfg.CacheBackend).Dur("ttl", cfg.SessionCacheTTL).Msg("subject list cache ready")

	locks := newLocker(cfg)
	if locks == nil {
		logger.Warn().Msg("per-study locking disabled, relying on database transactions only")
	}

	e := newEcho(cfg, logger, newServices(pool, locks, logger), sessions, pool, checks)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
