package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/leadmail/internal/credential"
	"github.com/nhle/leadmail/internal/model"
)

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <company-id>",
		Short: "Create the company mailbox on the mail host and start monitoring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			svc := e.newProvisioner()
			if svc == nil {
				return errors.New("provision.host is not configured")
			}
			res, err := svc.Provision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage monitored mailboxes",
	}
	cmd.AddCommand(
		newAccountsListCmd(opts),
		newAccountsSetActiveCmd(opts, "start", true),
		newAccountsSetActiveCmd(opts, "stop", false),
		newAccountsSetPasswordCmd(opts),
		newAccountsRemovePasswordCmd(opts),
	)
	return cmd
}

func newAccountsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered mailboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			accounts, err := e.store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tACTIVE\tCREDENTIAL\tUPDATED")
			for _, a := range accounts {
				ref := a.CredentialRef
				if ref == "" {
					ref = "default"
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", a.Address, a.Active, ref, a.UpdatedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newAccountsSetActiveCmd(opts *rootOptions, use string, active bool) *cobra.Command {
	short := "Resume monitoring a mailbox"
	if !active {
		short = "Stop monitoring a mailbox"
	}
	return &cobra.Command{
		Use:   use + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.SetAccountActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s active=%t\n", args[0], active)
			return nil
		},
	}
}

func newAccountsSetPasswordCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-password <address>",
		Short: "Store a mailbox password in the keyring, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && password == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")
			if password == "" {
				return errors.New("empty password")
			}

			ring, err := e.keyring()
			if err != nil {
				return err
			}
			address := strings.ToLower(strings.TrimSpace(args[0]))
			if err := ring.Set(address, password); err != nil {
				return err
			}

			acct, err := e.store.GetAccount(cmd.Context(), address)
			active := true
			if err == nil {
				active = acct.Active
			}
			if _, err := e.store.UpsertAccount(cmd.Context(), model.MailboxAccount{
				Address:       address,
				CredentialRef: address,
				Active:        active,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password stored for %s\n", address)
			return nil
		},
	}
}

func newAccountsRemovePasswordCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-password <address>",
		Short: "Delete a stored mailbox password and fall back to the default one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			acct, err := e.store.GetAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if acct.CredentialRef == "" || acct.CredentialRef == credential.DefaultRef {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already uses the default password\n", acct.Address)
				return nil
			}
			ring, err := e.keyring()
			if err != nil {
				return err
			}
			if err := ring.Delete(acct.CredentialRef); err != nil {
				return err
			}
			acct.CredentialRef = ""
			if _, err := e.store.UpsertAccount(cmd.Context(), *acct); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now uses the default password\n", acct.Address)
			return nil
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		account string
		since   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print processed-message statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			st, err := e.store.Stats(cmd.Context(), account, time.Now().Add(-since))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "limit to one mailbox")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window for the processedSince counter")
	return cmd
}
