package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/roadpilot/internal/monitoring"
	"github.com/andresmejia3/roadpilot/internal/store"
	"github.com/spf13/cobra"
)

var (
	// DB is the drive log shared by subcommands. It is only opened by
	// commands that need it (see openDB).
	DB store.DriveLog
	// dbURL is the drive log location
	dbURL string
	// verbose enables diagnostic logging from the engine and worker
	verbose bool
)

// Version is the application version.
const Version = "0.1.0"

const defaultDBURL = "roadpilot.db"

var rootCmd = &cobra.Command{
	Use:           "roadpilot",
	Short:         "Traffic-aware driver loop for a self-driving toy car",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			monitoring.SetLogger(log.New(os.Stderr, "roadpilot ", log.Ltime|log.Lmicroseconds).Printf)
		} else {
			monitoring.SetLogger(nil)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// resolveDBURL returns the --db flag, a postgres URL built from the
// POSTGRES_* environment, or the local SQLite file, in that order.
func resolveDBURL() string {
	if dbURL != "" {
		return dbURL
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
	return defaultDBURL
}

// openDB connects the drive log if it is not open yet.
func openDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	var err error
	DB, err = store.Open(ctx, resolveDBURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
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
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Drive log: postgres:// URL, sqlite://path or a .db file (default: POSTGRES_* env, then roadpilot.db)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log every decision the engine makes")
}
