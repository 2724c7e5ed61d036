package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"branchgate.org/internal/migrate"
)

type migrationRow struct {
	Name      string     `json:"name" yaml:"name"`
	Applied   bool       `json:"applied" yaml:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

type ranFiles struct {
	Action string   `json:"action" yaml:"action"`
	Files  []string `json:"files" yaml:"files"`
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply, roll back and inspect schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ran, err := migrate.NewManager(db).Up(cmd.Context())
		if err != nil {
			return err
		}
		return printFiles(cmd, "applied", ran)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := migrate.NewManager(db).Down(cmd.Context())
		if errors.Is(err, migrate.ErrNothingApplied) {
			return printFiles(cmd, "rolled back", nil)
		}
		if err != nil {
			return err
		}
		return printFiles(cmd, "rolled back", []string{name})
	},
}

var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply seed files not applied before",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ran, err := migrate.NewManager(db).Seed(cmd.Context())
		if err != nil {
			return err
		}
		return printFiles(cmd, "seeded", ran)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := migrate.NewManager(db).Status(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([]migrationRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, migrationRow{Name: e.Name, Applied: e.Applied, AppliedAt: e.AppliedAt})
		}
		out := cmd.OutOrStdout()
		if done, err := formatOutput(out, rows); done || err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tAPPLIED AT")
		for _, r := range rows {
			status, at := "pending", "-"
			if r.Applied {
				status = "applied"
				if r.AppliedAt != nil {
					at = r.AppliedAt.UTC().Format(time.RFC3339)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, status, at)
		}
		return w.Flush()
	},
}

func printFiles(cmd *cobra.Command, action string, files []string) error {
	out := cmd.OutOrStdout()
	if files == nil {
		files = []string{}
	}
	if done, err := formatOutput(out, ranFiles{Action: action, Files: files}); done || err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(out, "nothing %s\n", action)
		return nil
	}
	for _, f := range files {
		fmt.Fprintf(out, "%s %s\n", action, f)
	}
	return nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateSeedCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
