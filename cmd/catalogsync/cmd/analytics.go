package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/badno/catalogsync/internal/database/clickhouse"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Import run analytics",
	Long:  "Commands for the ClickHouse mirror of the import run log",
}

var analyticsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize analytics database",
	Long:  "Creates the ClickHouse run table used for analytics",
	RunE:  runAnalyticsInit,
}

var analyticsRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show daily import totals",
	RunE:  runAnalyticsRuns,
}

var analyticsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show the feed files with the most failed rows",
	RunE:  runAnalyticsFailures,
}

var analyticsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy the run log to ClickHouse",
	Long:  "Backfills ClickHouse from the run log of the configured backend. Re-syncing is idempotent.",
	RunE:  runAnalyticsSync,
}

var (
	analyticsPeriod string
	analyticsLimit  int
)

func init() {
	analyticsCmd.AddCommand(analyticsInitCmd)
	analyticsCmd.AddCommand(analyticsRunsCmd)
	analyticsCmd.AddCommand(analyticsFailuresCmd)
	analyticsCmd.AddCommand(analyticsSyncCmd)

	analyticsRunsCmd.Flags().StringVar(&analyticsPeriod, "period", "30d", "Time period (e.g., 7d, 30d, 90d)")
	analyticsFailuresCmd.Flags().StringVar(&analyticsPeriod, "period", "30d", "Time period (e.g., 7d, 30d, 90d)")
	analyticsFailuresCmd.Flags().IntVar(&analyticsLimit, "limit", 20, "Maximum files to show")
}

func getClickHouseClient(ctx context.Context) (*clickhouse.Client, error) {
	ch := cfg.Database.ClickHouse
	client := clickhouse.NewClient(clickhouse.ConfigFromEnv(ch.Host, ch.Port, ch.Database, ch.Secure, ch.UsernameEnv, ch.PasswordEnv))
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	color.Green("✓ Connected to ClickHouse")
	return client, nil
}

func parsePeriod(period string) int {
	var days int
	fmt.Sscanf(period, "%dd", &days)
	if days <= 0 {
		days = 30
	}
	return days
}

func runAnalyticsInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := getClickHouseClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println("Creating schema...")
	if err := client.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	color.Green("✓ Schema created")

	tables, err := client.GetTableInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get table info: %w", err)
	}
	fmt.Println("\nTables:")
	for _, t := range tables {
		fmt.Printf("  • %s (%s, %d rows)\n", t.Name, t.Engine, t.Rows)
	}
	if size, err := client.GetDatabaseSize(ctx); err == nil {
		fmt.Printf("\nDatabase size: %s\n", formatBytes(int64(size)))
	}

	color.Green("\n✓ Analytics database initialized")
	if !cfg.Database.ClickHouse.Enabled {
		fmt.Println("\nTo mirror new runs, run:")
		fmt.Println("  catalogsync config set database.clickhouse.enabled true")
	}
	return nil
}

func runAnalyticsRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	days := parsePeriod(analyticsPeriod)
	client, err := getClickHouseClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	summaries, err := client.GetDailySummaries(ctx, days)
	if err != nil {
		return fmt.Errorf("failed to get daily summaries: %w", err)
	}
	fmt.Printf("\nImport runs (last %d days):\n\n", days)
	if len(summaries) == 0 {
		color.Yellow("No runs recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Date", "Runs", "Imported", "Updated", "Failed", "Errors", "Failure Rate"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	var totals clickhouse.DailySummary
	for _, s := range summaries {
		rate := fmt.Sprintf("%.1f%%", s.FailureRate()*100)
		if s.FailureRate() > 0.1 {
			rate = color.RedString(rate)
		}
		table.Append([]string{
			s.Date.Format("2006-01-02"),
			fmt.Sprintf("%d", s.Runs),
			fmt.Sprintf("%d", s.Imported),
			fmt.Sprintf("%d", s.Updated),
			fmt.Sprintf("%d", s.Failed),
			fmt.Sprintf("%d", s.Errors),
			rate,
		})
		totals.Runs += s.Runs
		totals.Imported += s.Imported
		totals.Updated += s.Updated
		totals.Failed += s.Failed
		totals.Errors += s.Errors
	}
	table.SetFooter([]string{
		"Total",
		fmt.Sprintf("%d", totals.Runs),
		fmt.Sprintf("%d", totals.Imported),
		fmt.Sprintf("%d", totals.Updated),
		fmt.Sprintf("%d", totals.Failed),
		fmt.Sprintf("%d", totals.Errors),
		fmt.Sprintf("%.1f%%", totals.FailureRate()*100),
	})
	table.Render()
	return nil
}

func runAnalyticsFailures(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	days := parsePeriod(analyticsPeriod)
	client, err := getClickHouseClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	files, err := client.GetFailingFiles(ctx, days, analyticsLimit)
	if err != nil {
		return fmt.Errorf("failed to get failing files: %w", err)
	}
	fmt.Printf("\nFiles with failed rows (last %d days):\n\n", days)
	if len(files) == 0 {
		color.Green("No failed rows")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"File", "Attempts", "Failed Rows", "Last Seen"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, f := range files {
		table.Append([]string{
			f.FileName,
			fmt.Sprintf("%d", f.Attempts),
			color.RedString("%d", f.Failed),
			f.LastSeen.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func runAnalyticsSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	backend, err := openBackend(ctx, cfg, models.DefaultNotificationSettings(cfg.Notifications.AdminEmail))
	if err != nil {
		return err
	}
	defer backend.Close()

	entries, err := backend.Runs.Recent(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to read run log: %w", err)
	}
	fmt.Printf("Run log entries: %d (%s backend)\n", len(entries), backend.Kind)
	if len(entries) == 0 {
		color.Yellow("Nothing to sync")
		return nil
	}

	client, err := getClickHouseClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	const batchSize = 500
	bar := progressbar.NewOptions(len(entries),
		progressbar.OptionSetDescription("Syncing"),
		progressbar.OptionShowCount(),
	)
	for start := 0; start < len(entries); start += batchSize {
		end := min(start+batchSize, len(entries))
		records := make([]clickhouse.RunRecord, 0, end-start)
		for _, e := range entries[start:end] {
			records = append(records, clickhouse.NewRunRecord(e))
		}
		if err := client.InsertRuns(ctx, records); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		bar.Add(len(records))
	}
	bar.Finish()
	fmt.Println()

	color.Green("✓ Synced %d runs", len(entries))
	return nil
}
