package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/remerge/internal/output"
	"github.com/joescharf/remerge/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "remerge",
	Short: "Resolve git merge conflicts with unattended agent workers",
	Long: `remerge drives a batch of LLM worker agents through the merge conflicts
of a repository: it classifies each conflict, schedules concurrency-bounded
groups, escalates failed attempts with reviewer feedback, gates sensitive
operations through an approval policy, and triages CI failures afterwards.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/remerge/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "remerge")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REMERGE")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".config", "remerge")

	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "remerge.db"))
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("models.standard", "claude-sonnet-4-5-20250929")
	viper.SetDefault("models.strong", "claude-opus-4-1-20250805")
	viper.SetDefault("models.cheap", "claude-haiku-4-5-20251001")
	viper.SetDefault("batch.concurrency", 4)
	viper.SetDefault("batch.max_attempts", 2)
	viper.SetDefault("strategy.dual_agent", true)
	viper.SetDefault("strategy.effort", "")
	viper.SetDefault("sync.base_branch", "main")
	viper.SetDefault("triage.command", "")
	viper.SetDefault("triage.log_ceiling", 40000)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}

// getStore returns the shared ledger store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
