// Package cmd implements the docsync command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docsync/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Real-time collaborative document server",
	Long: `docsync serves rich-text documents for real-time collaborative editing.

Clients connect over a websocket, join a document and exchange Quill deltas.
Edits are broadcast to the other editors immediately and saved to the
database in the background. A small REST API creates, lists, shares and
deletes documents.

Configuration is read from flags, DOCSYNC_* environment variables, .env files
and an optional YAML config file, in that order of precedence.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db-driver", "", "database driver (postgres or sqlite)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database connection string")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("db.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	_ = viper.BindPFlag("db.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
}

func initConfig() {
	config.LoadEnvFiles()
	config.Setup(viper.GetViper(), cfgFile)
}
