package main

import (
	"errors"
	"fmt"

	"github.com/opsdesk/opsbot/internal/config"
	"github.com/opsdesk/opsbot/internal/otp"
	"github.com/spf13/cobra"
)

func newOTPCmd(configPath *string) *cobra.Command {
	otpCmd := &cobra.Command{
		Use:   "otp",
		Short: "Manage the step-up TOTP secret",
	}

	var issuer, account string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a new shared secret for an authenticator app",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := otp.NewKey(issuer, account)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Secret: %s\n", key.Secret)
			fmt.Fprintf(out, "URL:    %s\n", key.URL)
			fmt.Fprintln(out, "Set totp.secret (or OPSBOT_TOTP_SECRET) to the secret above.")
			return nil
		},
	}
	newCmd.Flags().StringVar(&issuer, "issuer", "opsbot", "Issuer shown in the authenticator app")
	newCmd.Flags().StringVar(&account, "account", "operators", "Account name shown in the authenticator app")

	codeCmd := &cobra.Command{
		Use:   "code",
		Short: "Print the currently valid code for the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.TOTP.Secret == "" {
				return errors.New("totp.secret is not configured")
			}
			code, err := otp.NewVerifier(cfg.TOTP.Secret).Current()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}

	otpCmd.AddCommand(newCmd, codeCmd)
	return otpCmd
}
