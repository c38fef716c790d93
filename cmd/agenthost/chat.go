package main

import (
	"fmt"
	"strings"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness"
	"github.com/spf13/cobra"
)

func newChatCmd(flags *globalFlags) *cobra.Command {
	var (
		agentID string
		stream  bool
		noTools bool
		only    []string
	)
	cmd := &cobra.Command{
		Use:   "chat [text]",
		Short: "Run one turn and print the reply",
		Example: `  agenthost chat --agent ada "what did I tell you about tea?"
  agenthost chat --agent ada --stream=false --tools "memory.*" "remember that I like green tea"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			profile, err := a.profiles.ReadOrDefault(agentID)
			if err != nil {
				return err
			}
			req := &harness.TurnRequest{
				AgentID:    agentID,
				UserText:   strings.Join(args, " "),
				Persona:    harness.Persona{Character: profile.Character, Notes: profile.Notes},
				AllowTools: !noTools,
				Tools:      only,
				Mode:       harness.ModeBatch,
			}
			if stream {
				req.Mode = harness.ModeStream
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			res, err := a.orchestrator.Run(cmd.Context(), req, func(ev harness.Event) {
				switch ev.Type {
				case harness.EventToken:
					fmt.Fprint(out, ev.Text)
				case harness.EventTool:
					fmt.Fprintf(errOut, "[%s]\n", harness.ToolMessage(*ev.Tool))
				}
			})
			if err != nil {
				return err
			}
			if !strings.HasSuffix(res.Text, "\n") {
				fmt.Fprintln(out)
			}
			if res.HistoryCleared {
				fmt.Fprintln(errOut, "[history cleared]")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", internal.DefaultAgentID, "agent id")
	cmd.Flags().BoolVar(&stream, "stream", true, "stream tokens as they are generated")
	cmd.Flags().BoolVar(&noTools, "no-tools", false, "disable tool calls and maintenance")
	cmd.Flags().StringSliceVar(&only, "tools", nil, "restrict the tool catalog (exact names, prefix.* or *)")
	return cmd
}
