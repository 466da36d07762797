package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdimtricp/framesearch/internal/cli"
	"github.com/kdimtricp/framesearch/internal/database"
)

func main() {
	cmd, env := cli.NewCommand("framesearch-migrate", "Apply SQL migrations to the metadata database", run)
	cmd.Flags().String("migrations", "./migrations", "path to migrations directory")
	cmd.Flags().Bool("status", false, "show migration status only")
	env.MustBind(cmd, "database.migrations_path", "migrations")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string, env *cli.Env) error {
	cfg := env.Config
	status, _ := cmd.Flags().GetBool("status")

	db, err := database.NewDB(database.ConfigFrom(cfg.Database), env.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if db.Type() != "postgres" {
		fmt.Printf("%s schema is created on connect; nothing to migrate\n", db.Type())
		return nil
	}

	migrator := database.NewMigrator(db.Conn(), db.Type(), env.Logger)
	path := cfg.Database.MigrationsPath

	if !status {
		fmt.Printf("Running migrations from %s...\n", path)
		if err := migrator.Run(path); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		fmt.Println("Migrations completed successfully!")
		return nil
	}

	migrations, applied, err := migrator.Status(path)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	fmt.Println("Migration Status:")
	fmt.Println("=================")
	for _, m := range migrations {
		state := "pending"
		if applied[m.Version] {
			state = "applied"
		}
		fmt.Printf("%s - %s [%s]\n", m.Version, m.Name, state)
	}
	return nil
}
