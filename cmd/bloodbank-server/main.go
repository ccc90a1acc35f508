package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bloodbank/bloodbank/internal/config"
	"github.com/bloodbank/bloodbank/internal/domain/bloodbank"
	"github.com/bloodbank/bloodbank/internal/platform/audit"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/middleware"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
	"github.com/bloodbank/bloodbank/internal/platform/redis"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
	"github.com/bloodbank/bloodbank/internal/platform/websocket"
	"github.com/bloodbank/bloodbank/migrations"
)

const (
	serviceName    = "bloodbank-server"
	serviceVersion = "0.1.0"
)

// tokenLifetime bounds how long a user-level revocation must be kept.
const tokenLifetime = 12 * time.Hour

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Hospital blood bank server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(unitCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads configuration and connects to Postgres. Used by every
// command that touches the database.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
		ApplicationName: serviceName,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationSource returns the embedded schema files unless dir points at a
// directory on disk.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigratorFS(pool, migrationSource(dir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			color.Green("Applied %d migration(s) successfully.", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigratorFS(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("Migration status for schema: %s\n", schema)
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			color.Yellow("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore the schema from backup or apply a corrective forward migration instead.")
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	applied := color.New(color.FgGreen).SprintFunc()
	pending := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := pending(fmt.Sprintf("%-10s", "pending"))
		appliedAt := ""
		if s.Applied {
			status = applied(fmt.Sprintf("%-10s", "applied"))
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage hospital tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			color.Green("Tenant %q created (schema %s).", name, db.SchemaName(name))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier")
	cmd.AddCommand(createCmd)

	return cmd
}

func unitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Inspect blood units",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run the issue safety gates against a unit without changing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString("id")
			rawBranch, _ := cmd.Flags().GetString("branch")
			tenant, _ := cmd.Flags().GetString("tenant")

			unitID, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
			branchID, err := uuid.Parse(rawBranch)
			if err != nil {
				return fmt.Errorf("invalid --branch: %w", err)
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			logger := zerolog.New(io.Discard)
			svc := bloodbank.NewService(bloodbank.Deps{
				Store:  bloodbank.NewStorePG(pool),
				Tx:     db.NewTxManager(pool, cfg.TxTimeout),
				Audit:  audit.NewLogger(pool),
				Notify: notification.NewLogSink(logger),
				Logger: logger,
				Policy: policyFromConfig(cfg),
			})
			operator := auth.Principal{UserID: "cli", Roles: []string{auth.RoleAdmin}}

			return db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
				e, err := svc.CheckEligibility(ctx, operator, branchID, unitID)
				if err != nil {
					return err
				}
				printEligibility(os.Stdout, e)
				return nil
			})
		},
	}
	checkCmd.Flags().String("id", "", "Unit ID")
	checkCmd.Flags().String("branch", "", "Branch ID owning the unit")
	checkCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(checkCmd)

	return cmd
}

func printEligibility(w io.Writer, e *bloodbank.Eligibility) {
	fmt.Fprintf(w, "Unit %s (%s) status %s\n", e.UnitNumber, e.UnitID, e.Status)
	if e.Eligible {
		fmt.Fprintln(w, color.GreenString("ELIGIBLE"))
		return
	}
	fmt.Fprintln(w, color.RedString("NOT ELIGIBLE"))
	for _, r := range e.Reasons {
		line := fmt.Sprintf("  [%s] %s", r.Gate, r)
		if r.Detail != "" {
			line += " - " + r.Detail
		}
		fmt.Fprintln(w, color.YellowString("%s", line))
	}
}

func policyFromConfig(cfg *config.Config) bloodbank.Policy {
	return bloodbank.Policy{
		CrossMatchValidity:   cfg.CrossMatchValidity,
		ReturnWindow:         cfg.ReturnWindow,
		SeparationAlertAfter: cfg.SeparationAlertAfter,
		ShortfallSample:      cfg.ShortfallSample,
	}
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.IsDev())

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
		ApplicationName: serviceName,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	tp, err := telemetry.Setup(telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Env,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	rdb, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	feed := notification.NewFeed(notification.DefaultFeedCapacity)
	hub := websocket.NewHub(logger.With().Str("component", "notice-stream").Logger())
	notifier := notification.Multi{notification.NewLogSink(logger), feed, hub}
	if rdb != nil {
		notifier = append(notifier, notification.NewRedisPublisher(rdb, cfg.NotifyChannel))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	auditLogger := audit.NewLogger(pool)
	svc := bloodbank.NewService(bloodbank.Deps{
		Store:   bloodbank.NewStorePG(pool),
		Tx:      db.NewTxManager(pool, cfg.TxTimeout),
		Audit:   auditLogger,
		Notify:  notifier,
		Metrics: metrics.New(reg),
		Logger:  logger.With().Str("component", "bloodbank").Logger(),
		Policy:  policyFromConfig(cfg),
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", bloodbank.BranchHeader},
	}))
	e.Use(telemetry.Middleware())

	e.GET("/health", db.HealthHandler(pool))
	checks := map[string]db.Check{"postgres": pool.Ping}
	if rdb != nil {
		checks["redis"] = rdb.Health
	}
	e.GET("/health/ready", db.ReadyHandler(checks))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	var revocations auth.Revocations
	if rdb != nil {
		revocations = auth.NewRedisRevocations(rdb, tokenLifetime)
	} else {
		mem := auth.NewMemoryRevocations(tokenLifetime)
		defer mem.Close()
		revocations = mem
	}

	var authMW echo.MiddlewareFunc
	switch cfg.ResolvedAuthMode() {
	case "development":
		logger.Warn().Msg("development auth enabled; requests are trusted without token validation")
		authMW = auth.DevAuthMiddleware()
	default:
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			JWKSURL:     cfg.AuthJWKSURL,
			Revocations: revocations,
		})
	}

	apiV1 := e.Group("/api/v1",
		authMW,
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.AccessLog(logger, auditLogger),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
	)
	bloodbank.NewHandler(svc).RegisterRoutes(apiV1)
	auth.RegisterRevocationRoutes(apiV1, revocations)
	notices := apiV1.Group("/blood-bank", auth.RequireRole("admin", "physician", "nurse", "lab_tech"))
	notification.NewFeedHandler(feed).RegisterRoutes(notices)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(notices)

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
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
