// Command relayd runs the deep-dive relay HTTP server and its operator
// commands (schema migration, credit grants, guest sweeps).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/deepdive-relay/internal/sysutil"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = ""

var rootCmd = &cobra.Command{
	Use:           "relayd",
	Short:         "Streaming relay for deep-dive and document-review conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		return loadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading configuration (missing file is ignored)")
	rootCmd.Version = sysutil.Version(version)

	rootCmd.AddCommand(serveCmd, migrateCmd, creditsCmd, guestsCmd, sessionCmd)
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
