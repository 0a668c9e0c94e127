package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run a single monitoring cycle and print its counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.seedAccounts(cmd.Context()); err != nil {
				return err
			}
			mon, err := e.newMonitor(nil)
			if err != nil {
				return err
			}

			stats, _ := mon.RunCycle(cmd.Context())
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete ledger records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			defer e.close()

			mon, err := e.newMonitor(nil)
			if err != nil {
				return err
			}
			deleted, err := mon.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records older than %s\n", deleted, e.cfg.Monitor.Retention)
			return nil
		},
	}
}
