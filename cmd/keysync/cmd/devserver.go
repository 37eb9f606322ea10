package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/keysync/remote/memserver"
)

var (
	devAddr      string
	devSeedUsers []string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory vault server for development",
	Long: `Serves the vault API from memory. Nothing is persisted: restarting the
server forgets every account, vault and item.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.DevServerAddr
		if cmd.Flags().Changed("addr") {
			addr = devAddr
		}

		opts := []memserver.Option{memserver.WithLogger(logger)}
		if cfg.DevTokenSecret != "" {
			opts = append(opts, memserver.WithTokenSecret([]byte(cfg.DevTokenSecret)))
		}
		srv := memserver.New(opts...)
		for _, userID := range devSeedUsers {
			if err := seedUser(srv, userID); err != nil {
				return fmt.Errorf("seeding %s: %w", userID, err)
			}
		}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Mount("/", srv.Handler())

		server := &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("development server listening", slog.String("addr", addr))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// seedUser creates a vault with a sample login and note for userID.
func seedUser(srv *memserver.Server, userID string) error {
	shareID, err := srv.SeedShare(userID, memserver.ShareContent{Name: "Personal"})
	if err != nil {
		return err
	}
	if _, err := srv.PutItem(shareID, "login", []byte(`{"title":"Example","url":"https://example.com","username":"`+userID+`"}`)); err != nil {
		return err
	}
	if _, err := srv.PutItem(shareID, "note", []byte(`{"title":"Welcome","text":"Synced by keysync"}`)); err != nil {
		return err
	}
	logger.Info("seeded user", slog.String("user_id", userID), slog.String("share_id", shareID))
	return nil
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devAddr, "addr", "", "Listen address (env KEYSYNC_DEV_SERVER_ADDR)")
	devserverCmd.Flags().StringSliceVar(&devSeedUsers, "seed", nil, "Users to create with a sample vault")
}
