package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "remerge"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage remerge configuration.

Running bare 'remerge config' is the same as 'remerge config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# remerge configuration
# See: remerge config show (for effective values and sources)

# State/data directory (default: ~/.config/remerge)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/remerge/remerge.db)
# db_path: {{ .DBPath }}

# Anthropic
anthropic:
  # API key; falls back to $ANTHROPIC_API_KEY when empty
  api_key: ""

# Model tiers
models:
  standard: "{{ .ModelStandard }}"
  strong: "{{ .ModelStrong }}"
  cheap: "{{ .ModelCheap }}"

# Batch scheduling
batch:
  # Conflicts resolved in parallel per group (default: 4)
  concurrency: {{ .BatchConcurrency }}

  # Resolution rounds per conflict before giving up (default: 2)
  max_attempts: {{ .BatchMaxAttempts }}

# Strategy selection
strategy:
  # Use the planner+executor pair for complex conflicts (default: true)
  dual_agent: {{ .StrategyDualAgent }}

  # Pin reasoning effort to "medium" or "high"; empty derives it per conflict
  effort: "{{ .StrategyEffort }}"

# Preflight sync
sync:
  # Branch merged into the working tree with --sync (default: "main")
  base_branch: "{{ .SyncBaseBranch }}"

# CI triage
triage:
  # Verification command run after a fully resolved batch; empty disables triage
  command: "{{ .TriageCommand }}"

  # Log size in characters before tail+summary preparation kicks in
  log_ceiling: {{ .TriageLogCeiling }}
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	ModelStandard     string
	ModelStrong       string
	ModelCheap        string
	BatchConcurrency  int
	BatchMaxAttempts  int
	StrategyDualAgent bool
	StrategyEffort    string
	SyncBaseBranch    string
	TriageCommand     string
	TriageLogCeiling  int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		ModelStandard:     viper.GetString("models.standard"),
		ModelStrong:       viper.GetString("models.strong"),
		ModelCheap:        viper.GetString("models.cheap"),
		BatchConcurrency:  viper.GetInt("batch.concurrency"),
		BatchMaxAttempts:  viper.GetInt("batch.max_attempts"),
		StrategyDualAgent: viper.GetBool("strategy.dual_agent"),
		StrategyEffort:    viper.GetString("strategy.effort"),
		SyncBaseBranch:    viper.GetString("sync.base_branch"),
		TriageCommand:     viper.GetString("triage.command"),
		TriageLogCeiling:  viper.GetInt("triage.log_ceiling"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "REMERGE_STATE_DIR"},
	{Key: "db_path", EnvVar: "REMERGE_DB_PATH"},
	{Key: "models.standard", EnvVar: "REMERGE_MODELS_STANDARD"},
	{Key: "models.strong", EnvVar: "REMERGE_MODELS_STRONG"},
	{Key: "models.cheap", EnvVar: "REMERGE_MODELS_CHEAP"},
	{Key: "batch.concurrency", EnvVar: "REMERGE_BATCH_CONCURRENCY"},
	{Key: "batch.max_attempts", EnvVar: "REMERGE_BATCH_MAX_ATTEMPTS"},
	{Key: "strategy.dual_agent", EnvVar: "REMERGE_STRATEGY_DUAL_AGENT"},
	{Key: "strategy.effort", EnvVar: "REMERGE_STRATEGY_EFFORT"},
	{Key: "sync.base_branch", EnvVar: "REMERGE_SYNC_BASE_BRANCH"},
	{Key: "triage.command", EnvVar: "REMERGE_TRIAGE_COMMAND"},
	{Key: "triage.log_ceiling", EnvVar: "REMERGE_TRIAGE_LOG_CEILING"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'remerge config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
