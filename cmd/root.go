package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vitals/internal/config"
	"github.com/andresmejia3/vitals/internal/store"
)

// skipDBAnnotation marks commands that never touch PostgreSQL.
const skipDBAnnotation = "vitals/skip-db"

var (
	// DB is the global database connection shared by subcommands. Nil when the command skips it.
	DB *store.Store
	// Cfg is the loaded configuration file, or the defaults.
	Cfg = config.Default()
	// dbURL is the connection string
	dbURL string
	// cfgPath is the optional YAML file
	cfgPath string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "vitals",
	Short:   "Camera-based heart rate measurement (rPPG)",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			Cfg = loaded
		}

		if !needsDB(cmd) {
			return nil
		}

		// Initialize DB connection
		var err error
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), resolveDBURL(dbURL))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

// needsDB reports whether cmd should open the store.
func needsDB(cmd *cobra.Command) bool {
	if cmd.Annotations[skipDBAnnotation] == "true" {
		return false
	}
	if f := cmd.Flags().Lookup("no-store"); f != nil && f.Value.String() == "true" {
		return false
	}
	return true
}

// resolveDBURL prefers the flag, then DATABASE_URL, then POSTGRES_* variables.
func resolveDBURL(flag string) string {
	if flag != "" {
		return flag
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/vitals"
}

func Execute() {
	// A missing .env is fine; real environment variables always win.
	_ = godotenv.Load()

	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $DATABASE_URL, POSTGRES_* or postgres://localhost:5432/vitals)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML file with pipeline and sink settings")
}
