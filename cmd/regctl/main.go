package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"registrar/internal/app"
	"registrar/internal/config"
	"registrar/internal/db"
	"registrar/internal/migrate"
	"registrar/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "regctl",
	Short: "Registrar CLI",
	Long: `regctl drives the stream registrar, the single authority over audio
stream lifecycle, ownership and accessibility overrides.

Every request is judged against the registered invariants and recorded as an
attestation, allowed or not. Offline commands rebuild the registrar from the
workspace log by replay; serve exposes the same registrar over HTTP.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REGISTRAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides registrar.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(statesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(invariantsCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

// loadConfig reads registrar.yml from the workspace, falling back to the
// defaults, and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if ws := cfg.Sinks.SQLite.Workspace; ws == "" || ws == "." {
		cfg.Sinks.SQLite.Workspace = workspace
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	return cfg, nil
}

// withApp opens the workspace, recovers the registrar and closes it after
// fn, draining new attestations to the sinks. readOnly skips the external
// sinks.
func withApp(ctx context.Context, readOnly bool, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if readOnly {
		cfg.Sinks.Redis.Enabled = false
		cfg.Sinks.Kafka.Enabled = false
		cfg.Sinks.Postgres.Enabled = false
		cfg.Sinks.Webhooks = nil
	}
	a, err := app.Open(ctx, cfg, app.Options{Logger: app.NewLogger(cfg.Log, os.Stderr)})
	if err != nil {
		return err
	}
	fnErr := fn(ctx, a)
	if err := a.Close(context.Background()); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
