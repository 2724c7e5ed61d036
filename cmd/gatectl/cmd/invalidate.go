package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"branchgate.org/internal/audit"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/session"
)

var invalidateUser int64

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Revoke every session, token and remember cookie of a user",
	Long: `Revoke all credentials of a user: personal tokens, server-side sessions,
tracked activity and the remember cookie. The password-changed timestamp is
bumped so stale sessions in other stores are rejected too. No session is
kept. Steps run independently; failed steps are listed and the command
exits non-zero.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		inv := auth.NewInvalidator(auth.NewPGStore(db), session.NewRedisStore(rdb, cfg.Auth.SessionTTL), nil)
		rep := inv.Invalidate(ctx, invalidateUser, auth.Keep{})
		_ = audit.LogEvent(ctx, "security.invalidate", map[string]any{
			"target_user_id": invalidateUser,
			"source":         "gatectl",
			"failed":         rep.Failed,
		})

		out := cmd.OutOrStdout()
		done, err := formatOutput(out, rep)
		if err != nil {
			return err
		}
		if !done {
			fmt.Fprintf(out, "user %d: %d tokens revoked, %d sessions purged, %d tracked sessions cleared\n",
				rep.UserID, rep.TokensRevoked, rep.SessionsPurged, rep.TrackingCleared)
			if !rep.PasswordChangedAt.IsZero() {
				fmt.Fprintf(out, "password_changed_at %s\n", rep.PasswordChangedAt.Format(time.RFC3339Nano))
			}
		}
		if !rep.OK() {
			return fmt.Errorf("invalidation incomplete: %s", strings.Join(rep.Failed, ", "))
		}
		return nil
	},
}

func init() {
	invalidateCmd.Flags().Int64Var(&invalidateUser, "user", 0, "User id")
	_ = invalidateCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(invalidateCmd)
}
