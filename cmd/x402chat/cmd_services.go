package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clawnad/x402/services"
)

func init() {
	rootCmd.AddCommand(servicesCmd, agentCmd)
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the built-in agent services and their prices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tNAME\tPRICE\tACTION\tCHAT")
		for _, svc := range services.All() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", svc.Type, svc.Label, svc.Price, svc.ActionPath, svc.ChatPath)
		}
		return w.Flush()
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent <endpoint> [agent-uri]",
	Short: "Show how an agent would be chatted with",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent := services.Agent{Endpoint: args[0]}
		if len(args) == 2 {
			agent.AgentURI = args[1]
		}

		route, ok := services.ResolveChat(agent)
		if !ok {
			return fmt.Errorf("agent has no chat route")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(route)
	},
}
