package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatcontext/internal/bootstrap"
	"chatcontext/internal/config"
	"chatcontext/internal/isolation"
	"chatcontext/internal/jobs"
	"chatcontext/internal/logging"
	"chatcontext/internal/models"
	"chatcontext/pkg/auth"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "ragctl",
		Short: "Operate the chatcontext retrieval service",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			logging.Init(os.Getenv("ENVIRONMENT"), level)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token for a user (requires JWT_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	tokenCmd.Flags().Duration("expiry", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "ingest <user-id> <file>",
		Short: "Ingest a .md, .pdf, .txt or .xlsx file as document fragments",
		Args:  cobra.ExactArgs(2),
		RunE:  runIngest,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "ask <user-id> <message>",
		Short: "Answer a message through the full pipeline",
		Args:  cobra.ExactArgs(2),
		RunE:  runAsk,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "cleanup-cache",
		Short: "Delete expired cache entries and trim per-user caches",
		Args:  cobra.NoArgs,
		RunE:  runCleanupCache,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-isolation",
		Short: "Verify that users cannot observe each other's data",
		Long: `Seeds a fragment, a cache entry and an insight profile under a fresh
scratch user and verifies that a second scratch user cannot list, retrieve,
hit or load any of them. The records are left under isolation-check-* users.`,
		Args: cobra.NoArgs,
		RunE: runCheckIsolation,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the storage schema and indexes",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadServices(ctx context.Context) (*bootstrap.Services, error) {
	cfg := config.Load()
	if cfg.ConfigFile != "" {
		tunables, err := config.LoadTunablesFile(cfg.ConfigFile, cfg.Tunables)
		if err != nil {
			return nil, err
		}
		cfg.Tunables = tunables
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return bootstrap.Build(ctx, cfg, nil)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runToken(cmd *cobra.Command, args []string) error {
	expiry, _ := cmd.Flags().GetDuration("expiry")

	jwtAuth, err := auth.NewLocalJWTAuth(config.Load().JWTSecret, expiry)
	if err != nil {
		return err
	}
	token, err := jwtAuth.GenerateAccessToken(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[1], err)
	}

	svc, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Documents.Ingest(ctx, args[0], filepath.Base(args[1]), data)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	resp, err := svc.RAG.Answer(ctx, models.ChatRequest{UserID: args[0], Message: args[1]})
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func runCleanupCache(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	job := jobs.NewCacheCleanupJob(svc.Cache, func() int {
		return svc.Tunables().Cache.MaxEntriesPerUser
	})
	if err := job.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "cache cleanup complete")
	return nil
}

func runCheckIsolation(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := isolation.Run(ctx, isolation.Deps{
		Knowledge: svc.Knowledge,
		Search:    svc.RAG,
		Cache:     svc.Cache,
		Insights:  svc.InsightStore,
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if !report.Passed() {
		return fmt.Errorf("isolation check failed")
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	svc, err := loadServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", svc.Config.StorageBackend)
	return nil
}
