package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/badno/catalogsync/internal/importlog"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Browse the detailed import log files",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import log files, newest first",
	RunE:  runLogsList,
}

var logsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print an import log file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogsShow,
}

var logsClearConfirm bool

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every import log file",
	RunE:  runLogsClear,
}

func init() {
	logsClearCmd.Flags().BoolVar(&logsClearConfirm, "yes", false, "Confirm deletion")
	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsShowCmd)
	logsCmd.AddCommand(logsClearCmd)
}

func runLogsList(cmd *cobra.Command, args []string) error {
	files, err := importlog.ListFiles(cfg.Logs.Dir)
	if err != nil {
		return err
	}

	header := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	header.Println("  IMPORT LOGS")
	fmt.Println("  " + strings.Repeat("─", 40))

	if len(files) == 0 {
		color.Yellow("  No log files in %s", cfg.Logs.Dir)
		fmt.Println()
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"File", "Day", "Feed File", "Size", "Modified"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, f := range files {
		feed := f.FeedFile
		if feed == "" {
			feed = "-"
		}
		table.Append([]string{f.Name, f.Day, feed, formatBytes(f.Size), f.Modified.Format("2006-01-02 15:04")})
	}
	table.Render()
	fmt.Println()
	return nil
}

func runLogsShow(cmd *cobra.Command, args []string) error {
	content, err := importlog.ReadFile(cfg.Logs.Dir, args[0])
	if err != nil {
		color.Red("  Error: %v", err)
		return err
	}
	fmt.Print(content)
	return nil
}

func runLogsClear(cmd *cobra.Command, args []string) error {
	if !logsClearConfirm {
		fmt.Println("  Re-run with --yes to delete all import log files.")
		return nil
	}
	n, err := importlog.Clear(cfg.Logs.Dir)
	if err != nil {
		return err
	}
	color.Green("  ✓ Deleted %d log files", n)
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
