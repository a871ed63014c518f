package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"nri_digest/migrations"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|up-one|down|status|version|reset>",
		Short: "Manage the database schema",
		Long: "Manage the database schema. Every other command migrates to the latest\n" +
			"version on start, so this is mostly needed to inspect or roll back.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "up-one", "down", "status", "version", "reset"},
		// Opening the store would apply migrations before a rollback could run.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.loadConfig()
		},
		RunE: func(_ *cobra.Command, args []string) error {
			if err := ensureDataDir(a.cfg.DatabasePath); err != nil {
				return err
			}
			db, err := sql.Open("sqlite", a.cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			if err := migrations.Setup(); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			goose.SetLogger(log.New(os.Stderr, "", log.LstdFlags))

			switch args[0] {
			case "up":
				err = goose.Up(db, ".")
			case "up-one":
				err = goose.UpByOne(db, ".")
			case "down":
				err = goose.Down(db, ".")
			case "status":
				err = goose.Status(db, ".")
			case "version":
				err = goose.Version(db, ".")
			case "reset":
				err = goose.Reset(db, ".")
			}
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return nil
		},
	}
}
