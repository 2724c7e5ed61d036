// Package cmd implements the gatectl operator commands.
package cmd

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"branchgate.org/internal/config"
	"branchgate.org/internal/obs"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	outputFormat string
	configPath   string

	cfg *config.Config
	db  *sql.DB
	rdb *redis.Client
)

// offline commands run without touching postgres or redis.
var offline = map[string]bool{
	"completion":    true,
	"help":          true,
	"hash-password": true,
}

var rootCmd = &cobra.Command{
	Use:   "gatectl",
	Short: "Operator CLI for the branchgate access layer",
	Long: `gatectl runs schema migrations, issues store tokens, toggles branch
modules and revokes user credentials against the branchgate database.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q", outputFormat)
		}
		if offline[cmd.Name()] {
			return nil
		}
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := obs.ConfigureLogger(cfg.Telemetry.LogLevel); err != nil {
			return err
		}
		if db, err = sql.Open("pgx", cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rdb != nil {
			_ = rdb.Close()
		}
		if db != nil {
			_ = db.Close()
		}
		_ = obs.Logger().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("BRANCHGATE_CONFIG"), "Path to YAML config")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// formatOutput writes data as JSON or YAML. It reports false for table
// output so the caller renders its own table.
func formatOutput(w io.Writer, data any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(data)
	}
	return false, nil
}
