package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"branchgate.org/internal/auth"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash of a password",
	Long: `Print the bcrypt hash stored in users.password_hash. Without an argument
the password is read from the first line of stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var plain string
		if len(args) == 1 {
			plain = args[0]
		} else {
			sc := bufio.NewScanner(cmd.InOrStdin())
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return err
				}
				return errors.New("no password on stdin")
			}
			plain = strings.TrimRight(sc.Text(), "\r")
		}
		hash, err := auth.HashPassword(plain)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if done, err := formatOutput(out, map[string]string{"hash": hash}); done || err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
