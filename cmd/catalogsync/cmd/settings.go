package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-playground/validator/v10"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage stored import settings",
}

var settingsNotificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show or change email notification settings",
	Long: `Show the email notification settings, or change them with flags:

  catalogsync settings notifications --email ops@example.com --new-products=false`,
	RunE: runSettingsNotifications,
}

var (
	notifyEmail       string
	notifyEnabled     bool
	notifyFailures    bool
	notifyNewProducts bool
)

func init() {
	f := settingsNotificationsCmd.Flags()
	f.StringVar(&notifyEmail, "email", "", "Recipient address")
	f.BoolVar(&notifyEnabled, "enabled", true, "Send emails at all")
	f.BoolVar(&notifyFailures, "failures", true, "Email on import failures")
	f.BoolVar(&notifyNewProducts, "new-products", true, "Email when a product is created")
	settingsCmd.AddCommand(settingsNotificationsCmd)
}

func runSettingsNotifications(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	settings, err := a.backend.State.NotificationSettings(ctx)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	changed := false
	if flags.Changed("email") {
		email := strings.TrimSpace(notifyEmail)
		if err := validator.New().Var(email, "required,email"); err != nil {
			color.Red("  Error: %q is not a valid email address", notifyEmail)
			return fmt.Errorf("invalid email address %q", notifyEmail)
		}
		settings.Email = email
		changed = true
	}
	if flags.Changed("enabled") {
		settings.EmailEnabled = notifyEnabled
		changed = true
	}
	if flags.Changed("failures") {
		settings.NotifyOnFailures = notifyFailures
		changed = true
	}
	if flags.Changed("new-products") {
		settings.NotifyOnNewProducts = notifyNewProducts
		changed = true
	}

	if changed {
		if settings.EmailEnabled && settings.Email == "" {
			return fmt.Errorf("an email address is required while notifications are enabled")
		}
		if err := a.backend.State.SaveNotifications(ctx, settings); err != nil {
			return err
		}
		color.Green("  ✓ Notification settings saved")
	}

	header := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	header.Println("  NOTIFICATIONS")
	fmt.Println("  " + strings.Repeat("─", 40))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Email", settings.Email})
	table.Append([]string{"Enabled", onOff(settings.EmailEnabled)})
	table.Append([]string{"On failures", onOff(settings.NotifyOnFailures)})
	table.Append([]string{"On new products", onOff(settings.NotifyOnNewProducts)})
	table.Render()
	fmt.Println()
	return nil
}

func onOff(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}
