package cli

import (
	"context"
	"flag"
	"fmt"
)

func newMigrateCommand() *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply database schema migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
		Run:         runMigrate,
	}
	addStoreFlags(cmd.Flags)
	return cmd
}

func runMigrate(args []string) error {
	cmd := newMigrateCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	store, err := openStore(cmd.Flags)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintf(stdout, "Migrations applied (%s)\n", store.Dialect())
	return nil
}
