package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"leadflow/internal/database"
	"leadflow/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var (
	skipMigrate bool
	noScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job scheduler",
	Run:   serve,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not run database migrations on startup")
	serveCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without the periodic job processor")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}

	if !skipMigrate {
		if err := database.Migrate(a.db); err != nil {
			logrus.Fatalf("Failed to migrate database: %v", err)
		}
	}

	if !noScheduler {
		if err := a.scheduler.Start(ctx); err != nil {
			logrus.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	if a.cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler: setupRouter(a),
	}

	go func() {
		logrus.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	a.close(shutdownCtx)

	logrus.Info("Server exited")
}

func setupRouter(a *app) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if a.cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(a.cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(a.db, Version)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	if a.cfg.Monitoring.Enabled {
		path := a.cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	handlers.RegisterLeadRoutes(api, handlers.NewLeadHandler(a.service))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.service, a.processor))

	return router
}
