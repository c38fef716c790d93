package main

import (
	"encoding/json"
	"fmt"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear an agent's chat log",
	}
	cmd.PersistentFlags().StringVar(&agentID, "agent", internal.DefaultAgentID, "agent id")

	var (
		maxPairs int
		asJSON   bool
	)
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the chat log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := historyStore(flags)
			if err != nil {
				return err
			}
			var records []history.Message
			if maxPairs > 0 {
				records, err = store.LoadWindow(agentID, maxPairs)
			} else {
				records, err = store.LoadAll(agentID)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, m := range records {
					if err := enc.Encode(m); err != nil {
						return err
					}
				}
				return nil
			}
			for _, m := range records {
				fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
			}
			return nil
		},
	}
	showCmd.Flags().IntVar(&maxPairs, "max-pairs", 0, "only the last N user/assistant pairs (0 = all)")
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON Lines records")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty the chat log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := historyStore(flags)
			if err != nil {
				return err
			}
			if err := store.Clear(agentID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared history for %s\n", agentID)
			return nil
		},
	}

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}

// historyStore opens only the chat log; these commands never touch the backend.
func historyStore(flags *globalFlags) (*history.Store, error) {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return history.NewStore(cfg.History.Root, logger), nil
}
