package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Delegate and track tasks",
}

var taskDelegateCmd = &cobra.Command{
	Use:   "delegate DESCRIPTION",
	Short: "Route a task to the best capable agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		required, _ := cmd.Flags().GetStringSlice("require")
		priority, _ := cmd.Flags().GetString("priority")
		affinity, _ := cmd.Flags().GetString("affinity")
		deadline, _ := cmd.Flags().GetDuration("deadline")

		delegateArgs := rpc.DelegateArgs{
			Description: args[0],
			Required:    required,
			Priority:    types.TaskPriority(priority),
			Affinity:    affinity,
		}
		if deadline > 0 {
			at := time.Now().Add(deadline).UTC()
			delegateArgs.Deadline = &at
		}

		cli := newClient(cmd)
		defer cli.Close()
		task, err := cli.Delegate(cmd.Context(), delegateArgs)
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get TASK_ID",
	Short: "Show the locally known task state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		task, err := cli.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskAckCmd = &cobra.Command{
	Use:   "ack TASK_ID",
	Short: "Accept a delegated task as the acting agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		cli := newClient(cmd)
		defer cli.Close()
		return cli.AckTask(cmd.Context(), types.TaskAck{TaskID: args[0], AgentID: actor})
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete TASK_ID",
	Short: "Finish a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, _ := cmd.Flags().GetBool("failed")
		cli := newClient(cmd)
		defer cli.Close()
		task, err := cli.CompleteTask(cmd.Context(), args[0], !failed, "")
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Request cooperative cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		cli := newClient(cmd)
		defer cli.Close()
		task, err := cli.CancelTask(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

func init() {
	taskDelegateCmd.Flags().StringSlice("require", nil, "capabilities the assignee must have")
	taskDelegateCmd.Flags().String("priority", "", "low, normal, high, or urgent")
	taskDelegateCmd.Flags().String("affinity", "", "preferred agent id for ties")
	taskDelegateCmd.Flags().Duration("deadline", 0, "deadline relative to now")

	taskCompleteCmd.Flags().Bool("failed", false, "mark the task failed instead of done")
	taskCancelCmd.Flags().String("reason", "", "reason recorded with the cancellation")

	taskCmd.AddCommand(taskDelegateCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskAckCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
