package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "feedctl",
	Short: "Operate the transit feed validation pipeline",
	Long: `feedctl manages the ruleset catalog, submits feed entries for validation and
conversion, and inspects their progress.

Configuration is read from the YAML file given by --config (FEEDCHECK_CONFIG).`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()

	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FEEDCHECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "./configs/local.yaml", "service configuration file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rulesetsCmd())
	rootCmd.AddCommand(overridesCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(entriesCmd())
	rootCmd.AddCommand(endpointsCmd())
}

func withBackend(ctx context.Context, fn func(ctx context.Context, b *app.Backend) error) error {
	b := app.NewBackend(viper.GetString("config"))
	b.Logger()
	defer b.Close(context.WithoutCancel(ctx))
	return fn(ctx, b)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				// Opening the repository applies pending migrations.
				b.Repo(ctx)
				fmt.Println("schema up to date:", b.Config().SQLite.Path)
				return nil
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
