package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"branchgate.org/internal/tenant"
)

type moduleState struct {
	BranchID int64  `json:"branch_id" yaml:"branch_id"`
	Module   string `json:"module" yaml:"module"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

var (
	moduleBranch int64
	moduleKey    string
)

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Enable or disable modules for a branch",
}

func moduleToggle(use, short string, enabled bool) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store := tenant.NewPGStore(db)
			if _, err := store.Branch(ctx, moduleBranch); err != nil {
				return fmt.Errorf("branch %d: %w", moduleBranch, err)
			}
			if _, err := store.Module(ctx, moduleKey); err != nil {
				return fmt.Errorf("module %q: %w", moduleKey, err)
			}
			if err := store.SetModuleEnabled(ctx, moduleBranch, moduleKey, enabled); err != nil {
				return err
			}
			st := moduleState{BranchID: moduleBranch, Module: moduleKey, Enabled: enabled}
			out := cmd.OutOrStdout()
			if done, err := formatOutput(out, st); done || err != nil {
				return err
			}
			verb := "disabled"
			if enabled {
				verb = "enabled"
			}
			fmt.Fprintf(out, "module %s %s for branch %d\n", st.Module, verb, st.BranchID)
			return nil
		},
	}
	c.Flags().Int64Var(&moduleBranch, "branch", 0, "Branch id")
	c.Flags().StringVar(&moduleKey, "module", "", "Module key")
	_ = c.MarkFlagRequired("branch")
	_ = c.MarkFlagRequired("module")
	return c
}

func init() {
	moduleCmd.AddCommand(
		moduleToggle("enable", "Enable a module for a branch", true),
		moduleToggle("disable", "Disable a module for a branch", false),
	)
	rootCmd.AddCommand(moduleCmd)
}
