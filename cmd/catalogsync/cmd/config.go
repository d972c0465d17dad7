package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/badno/catalogsync/internal/config"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Initialize, view, and modify configuration settings.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a new configuration file with default settings.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display all configuration settings, including environment overrides.`,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value, e.g. "catalogsync config set feed.dir /srv/feed".`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}

// resolvedConfigPath honours --config before the default location
func resolvedConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	header := color.New(color.FgCyan, color.Bold)
	success := color.New(color.FgGreen)

	header.Println("\n  INITIALIZING CONFIGURATION")
	fmt.Println("  " + strings.Repeat("─", 40))
	fmt.Println()

	path, err := resolvedConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		color.Yellow("  Configuration file already exists: %s", path)
		fmt.Println()
		return nil
	}

	if err := config.SaveTo(config.DefaultConfig(), path); err != nil {
		color.Red("  Error: %v", err)
		return err
	}
	success.Printf("  ✓ Created configuration file: %s\n", path)
	fmt.Println()

	color.Yellow("  Next steps:")
	fmt.Println("    1. Point the importer at the vendor feed:")
	fmt.Println("       catalogsync config set feed.dir /srv/feed")
	fmt.Println()
	fmt.Println("    2. Choose a mailer (log, smtp or ses):")
	fmt.Println("       catalogsync config set notifications.mailer smtp")
	fmt.Println()
	fmt.Println("    3. Optionally switch to PostgreSQL:")
	fmt.Println("       export POSTGRES_USER=catalogsync POSTGRES_PASSWORD=...")
	fmt.Println("       catalogsync db init && catalogsync config set database.use_db true")
	fmt.Println()
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	header := color.New(color.FgCyan, color.Bold)

	header.Println("\n  CURRENT CONFIGURATION")
	fmt.Println("  " + strings.Repeat("─", 40))
	fmt.Println()

	path, _ := resolvedConfigPath()
	if _, err := os.Stat(path); err == nil {
		color.Yellow("  Config file: %s\n\n", path)
	} else {
		color.Yellow("  Using default configuration (no config file)\n\n")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	fmt.Println("  " + strings.ReplaceAll(string(data), "\n", "\n  "))
	fmt.Println()

	header.Println("  ENVIRONMENT VARIABLES")
	fmt.Println("  " + strings.Repeat("─", 40))
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Variable", "Status"})
	table.SetBorder(false)
	table.SetHeaderColor(
		tablewriter.Colors{tablewriter.Bold, tablewriter.FgCyanColor},
		tablewriter.Colors{tablewriter.Bold, tablewriter.FgCyanColor},
	)

	envVars := []struct {
		name    string
		envName string
	}{
		{"Admin token", cfg.Admin.TokenEnv},
		{"SMTP username", cfg.Notifications.SMTP.UsernameEnv},
		{"SMTP password", cfg.Notifications.SMTP.PasswordEnv},
		{"S3 access key", cfg.Images.S3.AccessKeyEnv},
		{"S3 secret key", cfg.Images.S3.SecretKeyEnv},
		{"PostgreSQL user", cfg.Database.Postgres.UsernameEnv},
		{"PostgreSQL password", cfg.Database.Postgres.PasswordEnv},
		{"ClickHouse user", cfg.Database.ClickHouse.UsernameEnv},
		{"ClickHouse password", cfg.Database.ClickHouse.PasswordEnv},
		{"Redis password", cfg.Redis.PasswordEnv},
	}

	for _, ev := range envVars {
		if ev.envName == "" {
			continue
		}
		status := color.RedString("not set")
		if os.Getenv(ev.envName) != "" {
			status = color.GreenString("set")
		}
		table.Append([]string{ev.name + " (" + ev.envName + ")", status})
	}

	table.Render()
	fmt.Println()
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	path, err := resolvedConfigPath()
	if err != nil {
		return err
	}
	// Start from the file, not the env-overlaid config, so overrides are not persisted.
	onDisk, err := config.LoadFrom(path)
	if err != nil {
		return err
	}
	if err := config.SetValue(onDisk, key, value); err != nil {
		color.Red("  Error: %v", err)
		return err
	}
	if err := config.SaveTo(onDisk, path); err != nil {
		color.Red("  Error: %v", err)
		return err
	}

	color.Green("  ✓ Set %s = %s", key, value)
	fmt.Println()
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	value, err := config.GetValue(cfg, key)
	if err != nil {
		color.Red("  Error: %v", err)
		return err
	}

	fmt.Printf("  %s = %s\n", key, value)
	fmt.Println()
	return nil
}
