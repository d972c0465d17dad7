package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/badno/catalogsync/internal/orchestrator"
	"github.com/badno/catalogsync/internal/scheduler"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var importQuiet bool

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run feed imports on demand",
	Long:  `Import feed files immediately, bypassing the schedule and the auto-import switch.`,
}

var importNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Import the next numbered feed file",
	Long:  `Import file N+1, where N is the last successfully imported file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(scheduler.KindNext)
	},
}

var importInitialCmd = &cobra.Command{
	Use:   "initial",
	Short: "Import the base feed file (1.csv)",
	Long: `Import 1.csv as the initial load. New products are not announced by
email and the file counter is set to 1 even when rows fail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(scheduler.KindInitial)
	},
}

var importSkipCmd = &cobra.Command{
	Use:   "skip",
	Short: "Move past the next feed file without importing it",
	Long: `Advance the file counter past file N+1 without importing it. Use this when
a file keeps failing and blocks every file after it. The skipped file's
products, prices and stock are never applied.`,
	RunE: runImportSkip,
}

func init() {
	importCmd.PersistentFlags().BoolVarP(&importQuiet, "quiet", "q", false, "Hide the progress bar")
	importCmd.AddCommand(importNextCmd)
	importCmd.AddCommand(importInitialCmd)
	importCmd.AddCommand(importSkipCmd)
}

func runImportSkip(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.guard.SkipNext(ctx)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoUpdateAvailable):
			color.Yellow("  No feed file to skip")
			return nil
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			color.Yellow("  An import is already running")
		}
		color.Red("  Skip failed: %v", err)
		return err
	}
	color.Yellow("  Skipped %d.csv without importing it", n)
	fmt.Printf("  Last file number is now %d\n\n", n)
	return nil
}

func runImport(kind scheduler.Kind) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	var extra []orchestrator.Option
	if !importQuiet {
		extra = append(extra, orchestrator.WithProgress(func(read, total int64) {
			if bar == nil {
				bar = progressbar.NewOptions64(total,
					progressbar.OptionSetDescription("Importing"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowBytes(true),
					progressbar.OptionClearOnFinish(),
				)
			}
			bar.Set64(read)
		}))
	}

	a, err := newApp(ctx, cfg, logger, extra...)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.guard.RunManual(ctx, kind)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoUpdateAvailable):
			color.Yellow("  No new feed file available")
			return nil
		case errors.Is(err, orchestrator.ErrInitialFileNotFound):
			color.Yellow("  The initial feed file 1.csv was not found")
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			color.Yellow("  An import is already running")
		case errors.Is(err, scheduler.ErrLocked):
			color.Yellow("  Another process holds the import lock")
		}
		color.Red("  Import failed: %v", err)
		return err
	}

	printResult(res)
	return nil
}

func printResult(res *orchestrator.Result) {
	header := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	header.Printf("  IMPORT OF %s\n", strings.ToUpper(res.FileName))
	fmt.Println("  " + strings.Repeat("─", 40))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Status", statusString(res.Status)})
	table.Append([]string{"Imported", fmt.Sprintf("%d", res.Imported)})
	table.Append([]string{"Updated", fmt.Sprintf("%d", res.Updated)})
	table.Append([]string{"Failed", fmt.Sprintf("%d", res.Failed)})
	table.Append([]string{"Skipped", fmt.Sprintf("%d", res.Skipped)})
	table.Append([]string{"Unique SKUs", fmt.Sprintf("%d", res.UniqueSKUs)})
	table.Append([]string{"Duration", res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond).String()})
	table.Render()

	if len(res.Errors) > 0 {
		fmt.Println()
		color.Yellow("  First errors:")
		for i, e := range res.Errors {
			if i == 10 {
				fmt.Printf("    ... and %d more\n", len(res.Errors)-10)
				break
			}
			fmt.Printf("    • %s\n", e)
		}
	}
	fmt.Println()
}

func statusString(s models.RunStatus) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString(string(s))
	case models.StatusCompletedWithErrors:
		return color.YellowString(string(s))
	case models.StatusError:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}
