package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halation/darkroom/internal/config"
	"github.com/halation/darkroom/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := db.Migrate(database.DB); err != nil {
			return err
		}

		m := db.NewMigrator(database.DB)
		version, err := m.CurrentVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %d\n", version)
		return nil
	},
}
