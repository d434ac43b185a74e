package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"registrar/internal/app"
	"registrar/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registrar HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if cmd.Flags().Changed("allow-actor-header") {
				cfg.Server.AllowActorHeader = allowActorHeader
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowActorHeader {
				return errors.New("no way to authenticate: set server.jwt_secret (or REGISTRAR_JWT_SECRET) or allow_actor_header")
			}
			logger := app.NewLogger(cfg.Log, cmd.ErrOrStderr())

			ctx := cmd.Context()
			a, err := app.Open(ctx, cfg, app.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()

			srvCfg := server.Config{
				Registrar: a.Registrar,
				BasePath:  cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Server.JWTSecret,
					AllowActorHeader: cfg.Server.AllowActorHeader,
					Keys:             a.Repo,
					Logger:           logger,
				},
				Logger: logger,
			}
			if a.Registry != nil {
				srvCfg.Metrics = a.Registry
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving registrar API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials")
	return cmd
}
