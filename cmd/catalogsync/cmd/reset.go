package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/badno/catalogsync/internal/state"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var resetConfirm bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all imported data",
	Long: `Delete every product, variation, category, attribute and brand, clear the
run log and return the file counter to zero.

Automatic imports stay disabled afterwards until re-enabled with
"catalogsync auto-import enable".`,
	RunE: runReset,
}

var autoImportCmd = &cobra.Command{
	Use:   "auto-import",
	Short: "Control the scheduled trigger",
}

var autoImportEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Re-enable scheduled imports after a reset",
	RunE:  runAutoImportEnable,
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "Confirm the reset")
	autoImportCmd.AddCommand(autoImportEnableCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		color.Yellow("  This deletes ALL imported products, categories, attributes and brands.")
		fmt.Println("  Re-run with --yes to confirm.")
		fmt.Println()
		return nil
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.resetter.Run(ctx)
	if errors.Is(err, state.ErrAlreadyRunning) {
		color.Yellow("  An import is running. Try the reset again once it has finished.")
		fmt.Println()
		return err
	}
	if err != nil {
		return err
	}

	header := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	header.Println("  RESET")
	fmt.Println("  " + strings.Repeat("─", 40))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Step", "Removed", "Result"})
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, s := range report.Steps {
		result := color.GreenString("ok")
		if s.Error != "" {
			result = color.RedString(s.Error)
		}
		table.Append([]string{s.Name, fmt.Sprintf("%d", s.Count), result})
	}
	table.Render()
	fmt.Println()

	if !report.OK() {
		color.Red("  Reset finished with errors")
		return report.Err()
	}
	color.Green("  ✓ Complete reset performed")
	color.Yellow("  Automatic imports are disabled. Run \"catalogsync auto-import enable\" to resume.")
	fmt.Println()
	return nil
}

func runAutoImportEnable(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.backend.State.EnableAutoImport(ctx); err != nil {
		return err
	}
	color.Green("  ✓ Automatic imports re-enabled")
	fmt.Println()
	return nil
}
