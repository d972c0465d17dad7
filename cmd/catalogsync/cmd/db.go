package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/badno/catalogsync/internal/database/postgres"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  "Commands for managing the PostgreSQL catalog backend",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database schema",
	Long:  "Creates all required tables and indexes in the PostgreSQL database",
	RunE:  runDBInit,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	Long:  "Shows connection status, table counts, and database health information",
	RunE:  runDBStatus,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the last migration",
	RunE:  runDBRollback,
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
}

func connectDB(ctx context.Context) (*postgres.Client, error) {
	pg, err := postgresConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := postgres.NewClient(pg)
	fmt.Println("Connecting to PostgreSQL...")
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	color.Green("✓ Connected to database")
	return client, nil
}

func runDBInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println("Running migrations...")
	if err := client.RunMigrations(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	color.Green("✓ Database schema initialized")

	version, dirty, err := client.MigrationVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	fmt.Printf("\nMigration version: %d", version)
	if dirty {
		color.Yellow(" (dirty)")
	}
	fmt.Println()

	stats, err := client.GetTableStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get table stats: %w", err)
	}
	fmt.Println("\nTables:")
	for _, s := range stats {
		fmt.Printf("  • %s\n", s.TableName)
	}

	color.Green("\n✓ Database initialization complete")
	fmt.Println("\nTo enable the database backend, run:")
	fmt.Println("  catalogsync config set database.use_db true")
	return nil
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := postgresConfig(cfg)
	if err != nil {
		return err
	}
	client := postgres.NewClient(pg)
	fmt.Println("Checking database connection...")
	if err := client.Connect(ctx); err != nil {
		color.Red("✗ Connection failed: %v", err)
		return nil
	}
	defer client.Close()
	color.Green("✓ Connected")

	info, err := client.GetDatabaseInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database info: %w", err)
	}

	fmt.Println("\n" + color.CyanString("Database Information"))
	fmt.Printf("  Database:    %s\n", info.DatabaseName)
	fmt.Printf("  Size:        %s\n", info.DatabaseSize)
	fmt.Printf("  Connections: %d/%d\n", info.ConnectionsNow, info.ConnectionsMax)
	if cfg.Database.UseDB {
		fmt.Printf("  Backend:     %s\n", color.GreenString("active"))
	} else {
		fmt.Printf("  Backend:     %s\n", color.YellowString("inactive (database.use_db=false)"))
	}

	version, dirty, err := client.MigrationVersion()
	if err != nil || version == 0 {
		fmt.Printf("  Migration:   %s\n", color.YellowString("not initialized"))
	} else {
		status := fmt.Sprintf("v%d", version)
		if dirty {
			status += color.YellowString(" (dirty)")
		}
		fmt.Printf("  Migration:   %s\n", status)
	}

	if counts, err := client.GetCatalogCounts(ctx); err == nil {
		fmt.Println("\n" + color.CyanString("Catalog"))
		fmt.Printf("  Products:    %d\n", counts.Products)
		fmt.Printf("  Variations:  %d\n", counts.Variations)
		fmt.Printf("  Terms:       %d\n", counts.Terms)
		fmt.Printf("  Runs:        %d\n", counts.Runs)
		fmt.Printf("  Last file:   %d (%s)\n", counts.LastFile, counts.Status)
	}

	stats, err := client.GetTableStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get table stats: %w", err)
	}
	if len(stats) > 0 {
		fmt.Println("\n" + color.CyanString("Table Statistics"))

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Table", "Rows", "Size"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, s := range stats {
			table.Append([]string{s.TableName, fmt.Sprintf("%d", s.RowCount), s.Size})
		}
		table.Render()
	}

	if poolStats := client.Stats(); poolStats != nil {
		fmt.Println("\n" + color.CyanString("Connection Pool"))
		fmt.Printf("  Total conns:      %d\n", poolStats.TotalConns())
		fmt.Printf("  Idle conns:       %d\n", poolStats.IdleConns())
		fmt.Printf("  Acquired conns:   %d\n", poolStats.AcquiredConns())
	}
	return nil
}

func runDBRollback(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.RollbackMigration(); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	color.Green("✓ Rolled back one migration")
	return nil
}
