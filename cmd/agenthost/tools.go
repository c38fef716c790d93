package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd(flags *globalFlags) *cobra.Command {
	var schemas bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			specs := a.orchestrator.Tools().ListForPrompt()
			if schemas {
				for _, s := range specs {
					fmt.Fprintf(out, "%s\n  %s\n  %s\n", s.Name, s.Description, s.JSONSchema)
				}
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, s := range specs {
				fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&schemas, "schemas", false, "include each tool's input schema")
	return cmd
}
