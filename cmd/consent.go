// cmd/consent.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfleetlabs/fleetmind/internal/consent"
)

func newConsentCmd() *cobra.Command {
	consentCmd := &cobra.Command{
		Use:   "consent",
		Short: "Issues and verifies signed consent tokens",
	}

	var ttl time.Duration
	issueCmd := &cobra.Command{
		Use:   "issue [task-id]",
		Short: "Issues a signed consent token for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := consent.Issue(appCfg.Consent.SigningKey, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token validity window")

	verifyCmd := &cobra.Command{
		Use:   "verify [task-id] [token]",
		Short: "Verifies a consent token against a task ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := consent.Verify(appCfg.Consent.SigningKey, args[1], args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token valid")
			return nil
		},
	}

	consentCmd.AddCommand(issueCmd, verifyCmd)
	return consentCmd
}

func init() {
	rootCmd.AddCommand(newConsentCmd())
}
