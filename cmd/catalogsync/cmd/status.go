package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show feed progression and recent imports",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusRuns, "runs", "n", 10, "Number of recent runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.backend.State.State(ctx)
	if err != nil {
		return err
	}
	_, next, available, err := a.orchestrator.NextFile(ctx)
	if err != nil {
		return err
	}

	header := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	header.Println("  IMPORT STATUS")
	fmt.Println("  " + strings.Repeat("─", 40))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Backend", a.backend.Kind})
	table.Append([]string{"Status", statusString(st.Status)})
	table.Append([]string{"Last file", fmt.Sprintf("%d", st.LastFileNumber)})

	nextFile := filepath.Base(next)
	if available {
		nextFile = color.GreenString("%s (available)", nextFile)
	} else {
		nextFile = color.YellowString("%s (not yet delivered)", nextFile)
	}
	table.Append([]string{"Next file", nextFile})
	table.Append([]string{"Last import", formatTime(st.LastImportTime)})

	auto := color.GreenString("enabled")
	if st.PreventAutoImport {
		auto = color.RedString("disabled since reset at %s", formatTime(st.ResetPerformedAt))
	}
	table.Append([]string{"Auto import", auto})

	interval, _ := cfg.ScheduleInterval()
	table.Append([]string{"Interval", interval.String()})
	table.Render()

	runs, err := a.backend.Runs.Recent(ctx, statusRuns)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println()
		return nil
	}

	fmt.Println()
	header.Println("  RECENT RUNS")
	fmt.Println("  " + strings.Repeat("─", 40))

	runTable := tablewriter.NewWriter(os.Stdout)
	runTable.SetHeader([]string{"File", "When", "Imported", "Updated", "Failed", "Status"})
	runTable.SetBorder(false)
	runTable.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	runTable.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range runs {
		runTable.Append([]string{
			r.FileName,
			r.ImportedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", r.Imported),
			fmt.Sprintf("%d", r.Updated),
			fmt.Sprintf("%d", r.Failed),
			statusString(r.Status),
		})
	}
	runTable.Render()
	fmt.Println()
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
