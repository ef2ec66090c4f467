package main

import (
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator maintenance commands",
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and retry quarantined inbound changes",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List changes parked after repeated apply failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		list, err := cli.QuarantineList(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var quarantineRetryCmd = &cobra.Command{
	Use:   "retry KEY",
	Short: "Re-apply one quarantined change by its id@version key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		return cli.QuarantineRetry(cmd.Context(), args[0])
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the machine's record logs, dropping purged entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		stats, err := cli.Compact(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineRetryCmd)
	adminCmd.AddCommand(quarantineCmd)
	adminCmd.AddCommand(compactCmd)
}
