package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"docflow/internal/app"
	"docflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Docflow document ingestion CLI",
	Long:  `Docflow ingests documents into knowledge bases: it stores the raw files, runs the parse workflow (extraction, chunking, embedding), and indexes the chunks for retrieval.`,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is given, print help.
		cmd.Help()
	},
	// PersistentPreRunE runs before any subcommand's RunE
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Don't run initialization for help command or potentially others
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		// Load configuration once
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		// Initialize the app once and share it with every subcommand
		appInstance, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		// Store the app instance in the command's context
		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Define a custom type for the context key to avoid collisions.
type contextKey string

const appKey contextKey = "app"

// Helper function to retrieve the app instance from context
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		// This should not happen if PersistentPreRunE ran successfully
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	// Other subcommands are added in their own files' init() functions.
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the backing services",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}
		defer appInstance.Close()

		fmt.Println("Checking backing services...")

		if err := appInstance.Ping(ctx); err != nil {
			return fmt.Errorf("connectivity check failed: %w", err)
		}

		fmt.Println("All backing services reachable.")
		return nil
	},
}
