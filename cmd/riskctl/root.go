package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRootCommand creates the riskctl command tree.
func NewRootCommand() *cobra.Command {
	var addr, tenant string

	cmd := &cobra.Command{
		Use:           "riskctl",
		Short:         "Operator CLI for the risk scoring engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAddr := os.Getenv("RISKD_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8086"
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "riskd API address")
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "", "Tenant ID (default: daemon default tenant)")

	client := func() *Client { return NewClient(addr, tenant) }

	cmd.AddCommand(newRisksCommand(client))
	cmd.AddCommand(newPolicyCommand(client))
	return cmd
}

func newRisksCommand(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risks",
		Short: "Query scored risks",
	}

	var serviceID, status, band string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List risks, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			risks, err := client().ListRisks(serviceID, status, band, limit)
			if err != nil {
				return err
			}
			renderRisks(os.Stdout, risks)
			return nil
		},
	}
	list.Flags().StringVar(&serviceID, "service", "", "Filter by service ID")
	list.Flags().StringVar(&status, "status", "", "Filter by status (comma-separated)")
	list.Flags().StringVar(&band, "band", "", "Filter by band")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	show := &cobra.Command{
		Use:   "show <risk-id>",
		Short: "Show one risk with its score history",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c := client()
			risk, err := c.GetRisk(args[0])
			if err != nil {
				return err
			}
			history, err := c.RiskHistory(args[0])
			if err != nil {
				return err
			}
			renderRiskDetail(os.Stdout, *risk, history)
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newPolicyCommand(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect tenant policies",
	}

	var version string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active policy (or a specific version)",
		RunE: func(_ *cobra.Command, _ []string) error {
			c := client()
			if version == "" {
				pol, err := c.ActivePolicy()
				if err != nil {
					return err
				}
				renderPolicy(os.Stdout, *pol)
				return nil
			}
			v, err := strconv.Atoi(version)
			if err != nil {
				return fmt.Errorf("version must be an integer: %q", version)
			}
			pol, err := c.PolicyVersion(v)
			if err != nil {
				return err
			}
			renderPolicy(os.Stdout, *pol)
			return nil
		},
	}
	show.Flags().StringVar(&version, "policy-version", "", "Show a specific version instead of the active one")

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Show the policy audit trail",
		RunE: func(_ *cobra.Command, _ []string) error {
			entries, err := client().PolicyAudit()
			if err != nil {
				return err
			}
			renderAudit(os.Stdout, entries)
			return nil
		},
	}

	cmd.AddCommand(show, audit)
	return cmd
}
