package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/app"
	"batchline/internal/db"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Batchline CLI",
	Long: `Batchline shows how manufacturing batches move through the production stages
of an order and lets supervisors start and complete stages.
- Orders and batches live in the production backend; batchline reads them on demand.
- Stage status is inferred per batch: waiting, available, in_progress or completed.
- Only the supervisor role can start an available stage or complete one in progress.
- Every start and complete is journaled; view the journal with 'bl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("backend-url", "", "backend base url (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("backend-url", rootCmd.PersistentFlags().Lookup("backend-url"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func envOptions() app.Options {
	return app.Options{
		Workspace:    viper.GetString("workspace"),
		BackendURL:   viper.GetString("backend-url"),
		BackendToken: viper.GetString("backend-token"),
		LogLevel:     viper.GetString("log-level"),
		Version:      version,
	}
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, envOptions())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
