package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/handlers"
	"github.com/CrowderSoup/boardsync/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the board backend",
	Long:  "Starts the REST API and the websocket hub that boardsync clients sync against",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.InitDB(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		authService := services.NewAuthService(cfg.JWTSecret, cfg.TokenTTL)
		dataService := database.NewDataService(db)

		hubOpts := []services.HubOption{}
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rc := redis.NewClient(opts)
			defer rc.Close()
			if err := rc.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to reach redis: %w", err)
			}
			hubOpts = append(hubOpts, services.WithRelay(services.NewRedisRelay(rc, cfg.RedisChannel, log.StandardLogger())))
		}

		hub := services.NewHub(dataService, hubOpts...)
		go hub.Run(ctx)

		router := handlers.NewRouter(
			handlers.NewAuthHandler(authService, dataService),
			handlers.NewDataHandler(dataService, hub),
			handlers.NewAuthMiddleware(authService),
		)

		c := cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
		})

		access := log.StandardLogger().Writer()
		defer access.Close()
		handler := gorillahandlers.RecoveryHandler(
			gorillahandlers.RecoveryLogger(log.StandardLogger()),
		)(gorillahandlers.CombinedLoggingHandler(access, c.Handler(router)))

		server := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.WithField("port", cfg.Port).Info("server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("server stopped")
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}

		log.Info("server shut down gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
