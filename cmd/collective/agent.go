package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent registrations",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register ROLE",
	Short: "Register an agent with the local machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
		cli := newClient(cmd)
		defer cli.Close()
		a, err := cli.RegisterAgent(cmd.Context(), args[0], capabilities)
		if err != nil {
			return err
		}
		return printJSON(a)
	},
}

var agentDeregisterCmd = &cobra.Command{
	Use:   "deregister AGENT_ID",
	Short: "Remove an agent registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		return cli.DeregisterAgent(cmd.Context(), args[0])
	},
}

var agentHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat AGENT_ID",
	Short: "Renew an agent's lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		cli := newClient(cmd)
		defer cli.Close()
		return cli.AgentHeartbeat(cmd.Context(), args[0], types.AgentStatus(status))
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents across the fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		capability, _ := cmd.Flags().GetString("capability")
		status, _ := cmd.Flags().GetString("status")
		machineID, _ := cmd.Flags().GetString("machine")

		cli := newClient(cmd)
		defer cli.Close()
		roster, err := cli.Roster(cmd.Context(), rpc.RosterArgs{
			Role:       role,
			Capability: capability,
			Status:     types.AgentStatus(status),
			MachineID:  machineID,
		})
		if err != nil {
			return err
		}
		return printJSON(roster)
	},
}

func init() {
	agentRegisterCmd.Flags().StringSlice("capabilities", nil, "capabilities the agent offers")
	agentHeartbeatCmd.Flags().String("status", "idle", "idle or busy")
	agentListCmd.Flags().String("role", "", "filter by role")
	agentListCmd.Flags().String("capability", "", "filter by capability")
	agentListCmd.Flags().String("status", "", "filter by status")
	agentListCmd.Flags().String("machine", "", "filter by machine id")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentDeregisterCmd)
	agentCmd.AddCommand(agentHeartbeatCmd)
	agentCmd.AddCommand(agentListCmd)
}
