package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"branchgate.org/internal/audit"
	"branchgate.org/internal/auth"
)

var (
	grantUser   int64
	grantRole   string
	grantPerm   string
	rolePerms   []string
	roleSetName string
)

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Assign roles and edit role permissions",
}

var roleAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign a role to a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := auth.NewPGStore(db).AssignRole(cmd.Context(), grantUser, grantRole)
		if errors.Is(err, auth.ErrConflict) {
			fmt.Fprintf(cmd.ErrOrStderr(), "user %d already has role %s\n", grantUser, r)
		} else if err != nil {
			return err
		}
		_ = audit.LogEvent(cmd.Context(), "rbac.role_assigned", map[string]any{"target_user_id": grantUser, "role": string(r)})
		return showGrants(cmd, grantUser)
	},
}

var roleRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Remove a role from a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.NewPGStore(db).RevokeRole(cmd.Context(), grantUser, grantRole); err != nil {
			return err
		}
		_ = audit.LogEvent(cmd.Context(), "rbac.role_revoked", map[string]any{"target_user_id": grantUser, "role": grantRole})
		return showGrants(cmd, grantUser)
	},
}

var roleSetPermsCmd = &cobra.Command{
	Use:     "set-permissions",
	Short:   "Replace the permissions a role grants",
	Example: `  gatectl role set-permissions --role cashier --permission pos.sell --permission sales.view`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := auth.NewPGStore(db).SetRolePermissions(cmd.Context(), roleSetName, rolePerms)
		if err != nil {
			return err
		}
		_ = audit.LogEvent(cmd.Context(), "rbac.role_permissions_set", map[string]any{"role": string(r), "permissions": rolePerms})
		out := cmd.OutOrStdout()
		res := map[string]any{"role": string(r), "permissions": rolePerms}
		if done, err := formatOutput(out, res); done || err != nil {
			return err
		}
		fmt.Fprintf(out, "role %s: %s\n", r, strings.Join(rolePerms, ", "))
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Manage direct permission grants of a user",
}

var grantAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Grant a permission directly to a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.NewPGStore(db).GrantPermission(cmd.Context(), grantUser, grantPerm); err != nil {
			return err
		}
		_ = audit.LogEvent(cmd.Context(), "rbac.permission_granted", map[string]any{"target_user_id": grantUser, "permission": grantPerm})
		return showGrants(cmd, grantUser)
	},
}

var grantRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a direct permission grant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.NewPGStore(db).RevokePermission(cmd.Context(), grantUser, grantPerm); err != nil {
			return err
		}
		_ = audit.LogEvent(cmd.Context(), "rbac.permission_revoked", map[string]any{"target_user_id": grantUser, "permission": grantPerm})
		return showGrants(cmd, grantUser)
	},
}

var grantShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the roles and direct grants of a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showGrants(cmd, grantUser)
	},
}

func showGrants(cmd *cobra.Command, userID int64) error {
	g, err := auth.NewPGStore(db).UserGrants(cmd.Context(), userID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if done, err := formatOutput(out, g); done || err != nil {
		return err
	}
	fmt.Fprintf(out, "user %d\n  roles:       %s\n  permissions: %s\n",
		g.UserID, listOrDash(g.Roles), listOrDash(g.Permissions))
	return nil
}

func listOrDash(v []string) string {
	if len(v) == 0 {
		return "-"
	}
	return strings.Join(v, ", ")
}

func init() {
	for _, c := range []*cobra.Command{roleAssignCmd, roleRevokeCmd} {
		c.Flags().Int64Var(&grantUser, "user", 0, "User id")
		c.Flags().StringVar(&grantRole, "role", "", "Role name")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("role")
	}
	roleSetPermsCmd.Flags().StringVar(&roleSetName, "role", "", "Role name")
	roleSetPermsCmd.Flags().StringArrayVar(&rolePerms, "permission", nil, "Permission, repeatable; none clears the role")
	_ = roleSetPermsCmd.MarkFlagRequired("role")

	for _, c := range []*cobra.Command{grantAddCmd, grantRemoveCmd} {
		c.Flags().Int64Var(&grantUser, "user", 0, "User id")
		c.Flags().StringVar(&grantPerm, "permission", "", "Permission")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("permission")
	}
	grantShowCmd.Flags().Int64Var(&grantUser, "user", 0, "User id")
	_ = grantShowCmd.MarkFlagRequired("user")

	roleCmd.AddCommand(roleAssignCmd, roleRevokeCmd, roleSetPermsCmd)
	grantCmd.AddCommand(grantAddCmd, grantRemoveCmd, grantShowCmd)
	rootCmd.AddCommand(roleCmd, grantCmd)
}
