package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/types"
)

var queryCmd = &cobra.Command{
	Use:   "query TEXT",
	Short: "Search the collective memory semantically",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		limit, _ := cmd.Flags().GetInt("limit")
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")

		cli := newClient(cmd)
		defer cli.Close()
		results, err := cli.Search(cmd.Context(), rpc.SearchArgs{
			Query:         args[0],
			Category:      types.Category(category),
			TagsAny:       tags,
			Limit:         limit,
			MinConfidence: minConfidence,
		})
		if err != nil {
			return err
		}
		return printJSON(results)
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage individual memories",
}

var memoryStoreCmd = &cobra.Command{
	Use:   "store CONTENT",
	Short: "Store a new memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		scope, _ := cmd.Flags().GetString("scope")
		importance, _ := cmd.Flags().GetString("importance")
		contextID, _ := cmd.Flags().GetString("context")

		cli := newClient(cmd)
		defer cli.Close()
		m, err := cli.StoreMemory(cmd.Context(), rpc.StoreArgs{
			Content:    args[0],
			Category:   types.Category(category),
			Tags:       tags,
			Scope:      types.Scope(scope),
			Importance: types.Importance(importance),
			ContextID:  contextID,
		})
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var memoryGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Fetch one memory by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		includeDeleted, _ := cmd.Flags().GetBool("include-deleted")
		cli := newClient(cmd)
		defer cli.Close()
		m, err := cli.GetMemory(cmd.Context(), args[0], includeDeleted)
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var memoryUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Patch a memory's content, tags, or importance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := rpc.UpdateArgs{ID: args[0]}
		if cmd.Flags().Changed("content") {
			content, _ := cmd.Flags().GetString("content")
			patch.Content = &content
		}
		if cmd.Flags().Changed("tags") {
			tags, _ := cmd.Flags().GetStringSlice("tags")
			patch.Tags = tags
		}
		if cmd.Flags().Changed("importance") {
			raw, _ := cmd.Flags().GetString("importance")
			imp := types.Importance(raw)
			patch.Importance = &imp
		}

		cli := newClient(cmd)
		defer cli.Close()
		m, err := cli.UpdateMemory(cmd.Context(), patch)
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Soft-delete a memory (or purge with --hard)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		hard, _ := cmd.Flags().GetBool("hard")
		cli := newClient(cmd)
		defer cli.Close()
		return cli.DeleteMemory(cmd.Context(), args[0], reason, hard)
	},
}

var memoryRecoverCmd = &cobra.Command{
	Use:   "recover ID",
	Short: "Recover a soft-deleted memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		m, err := cli.RecoverMemory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent active memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")
		within, _ := cmd.Flags().GetDuration("within")

		listArgs := rpc.ListArgs{Category: types.Category(category), Limit: limit}
		if within > 0 {
			listArgs.Since = time.Now().Add(-within)
		}

		cli := newClient(cmd)
		defer cli.Close()
		memories, err := cli.ListMemories(cmd.Context(), listArgs)
		if err != nil {
			return err
		}
		return printJSON(memories)
	},
}

var memoryVerifyCmd = &cobra.Command{
	Use:   "verify ID",
	Short: "Mark a memory verified by the acting agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		m, err := cli.VerifyMemory(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

func init() {
	queryCmd.Flags().String("category", "", "restrict to one category")
	queryCmd.Flags().StringSlice("tags", nil, "match any of these tags")
	queryCmd.Flags().Int("limit", 10, "maximum results")
	queryCmd.Flags().Float64("min-confidence", 0, "drop results below this confidence")

	memoryStoreCmd.Flags().String("category", "global", "memory category")
	memoryStoreCmd.Flags().StringSlice("tags", nil, "tags to attach")
	memoryStoreCmd.Flags().String("scope", "", "collective, machine_local, or agent_private")
	memoryStoreCmd.Flags().String("importance", "", "low, normal, high, or critical")
	memoryStoreCmd.Flags().String("context", "", "conversation or session context id")

	memoryGetCmd.Flags().Bool("include-deleted", false, "also return soft-deleted memories")

	memoryUpdateCmd.Flags().String("content", "", "replacement content")
	memoryUpdateCmd.Flags().StringSlice("tags", nil, "replacement tag set")
	memoryUpdateCmd.Flags().String("importance", "", "replacement importance")

	memoryDeleteCmd.Flags().String("reason", "", "reason recorded with the deletion")
	memoryDeleteCmd.Flags().Bool("hard", false, "purge instead of soft-deleting")

	memoryListCmd.Flags().String("category", "", "restrict to one category")
	memoryListCmd.Flags().Int("limit", 20, "maximum results")
	memoryListCmd.Flags().Duration("within", 0, "only memories newer than this age")

	memoryCmd.AddCommand(memoryStoreCmd)
	memoryCmd.AddCommand(memoryGetCmd)
	memoryCmd.AddCommand(memoryUpdateCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
	memoryCmd.AddCommand(memoryRecoverCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryVerifyCmd)
}
