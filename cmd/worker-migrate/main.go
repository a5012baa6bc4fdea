// Command worker-migrate applies or rolls back the Worker Runtime's
// PostgreSQL schema migrations via goose.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/opentiger/worker-runtime/internal/migrations"
	"github.com/opentiger/worker-runtime/pkg/config"
	"github.com/opentiger/worker-runtime/pkg/log"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var databaseURL string

	root := &cobra.Command{
		Use:   "worker-migrate",
		Short: "Apply or roll back the worker runtime's database schema",
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (defaults to OPENTIGER_DATABASE_URL)")

	openDB := func() (*sql.DB, error) {
		url := databaseURL
		if url == "" {
			url = config.Load().DatabaseURL
		}
		if url == "" {
			return nil, fmt.Errorf("no database URL provided: pass --database-url or set OPENTIGER_DATABASE_URL")
		}
		goose.SetBaseFS(migrations.FS)
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, fmt.Errorf("set dialect: %w", err)
		}
		return sql.Open("postgres", url)
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			log.Info("applying migrations")
			return goose.Up(db, ".")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			log.Info("rolling back one migration")
			return goose.Down(db, ".")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.Status(db, ".")
		},
	})

	return root
}
