package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Starts the authorization server.

Configuration is read from the YAML file given with --config. OAUTH_*
environment variables override file values; a .env file in the working
directory is loaded first when present.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(cmd)
		slog.SetDefault(logger)

		envFile, _ := cmd.Flags().GetString("env-file")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		return a.run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to the YAML configuration file")
	serveCmd.Flags().String("env-file", ".env", "Path to a dotenv file")
	serveCmd.Flags().String("addr", "", "Listen address (overrides the configuration)")
	rootCmd.AddCommand(serveCmd)
}
