package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docsync/config"
	"docsync/config/database"
	"docsync/internal/document/repository"
	"docsync/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the document tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		logger.Init(cfg.LogLevel)
		defer logger.Log.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		db, dialect, err := database.Connect(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := repository.NewDocumentRepository(db, dialect).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Sugar.Infof("Schema is up to date (%s)", dialect)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
