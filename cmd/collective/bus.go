package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/types"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast MESSAGE",
	Short: "Publish a fleet-wide notice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		severity, _ := cmd.Flags().GetString("severity")
		category, _ := cmd.Flags().GetString("category")

		cli := newClient(cmd)
		defer cli.Close()
		b, err := cli.Broadcast(cmd.Context(), rpc.BroadcastArgs{
			Message:  args[0],
			Severity: types.Severity(severity),
			Category: types.Category(category),
		})
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover MESSAGE",
	Short: "Share a finding: broadcast it and store it as a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		cli := newClient(cmd)
		defer cli.Close()
		result, err := cli.Discover(cmd.Context(), rpc.DiscoverArgs{
			Message:  args[0],
			Category: types.Category(category),
			Tags:     tags,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream bus events (broadcasts and task activity) until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()

		events, cancel, err := cli.Watch(cmd.Context())
		if err != nil {
			return err
		}
		defer cancel()

		for ev := range events {
			line, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Println(string(line))
		}
		return nil
	},
}

func init() {
	broadcastCmd.Flags().String("severity", "info", "info, warning, or critical")
	broadcastCmd.Flags().String("category", "global", "broadcast category")

	discoverCmd.Flags().String("category", "global", "memory category for the stored finding")
	discoverCmd.Flags().StringSlice("tags", nil, "tags for the stored finding")
}
