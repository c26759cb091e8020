package commands

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/warp/escrow-engine/api"
	"github.com/warp/escrow-engine/escrow"
)

func resolveCmd(opts *options) *cobra.Command {
	var (
		refund bool
		reason string
	)
	cmd := &cobra.Command{
		Use:   "resolve <order-id>",
		Short: "Settle a disputed order: release to the seller, or refund with --refund",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out api.ResolveDisputeResponse
			path := "/api/admin/disputes/" + url.PathEscape(args[0]) + "/resolve"
			req := api.ResolveDisputeRequest{ApproveRefund: refund, Reason: reason}
			if err := opts.client().Do(cmd.Context(), "POST", path, req, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&refund, "refund", false, "refund the buyer instead of paying the seller")
	cmd.Flags().StringVar(&reason, "reason", "", "recorded with the ruling")
	return cmd
}

func reconcileCmd(opts *options) *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay the transaction log against stored balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if latest {
				resp := api.LatestReconcileResponse{ReconciliationReport: &escrow.ReconciliationReport{}}
				if err := opts.client().Do(cmd.Context(), "GET", "/api/admin/reconcile/latest", nil, &resp); err != nil {
					return err
				}
				return printJSON(cmd, resp)
			}
			var report escrow.ReconciliationReport
			if err := opts.client().Do(cmd.Context(), "POST", "/api/admin/reconcile", nil, &report); err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "show the last scheduled report instead of running one")
	return cmd
}

func scenariosCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List demo scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []api.ScenarioDTO
			if err := opts.client().Do(cmd.Context(), "GET", "/api/scenarios", nil, &list); err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load <scenario-id>",
		Short: "Load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s api.ScenarioDTO
			req := api.LoadScenarioRequest{ScenarioID: args[0]}
			if err := opts.client().Do(cmd.Context(), "POST", "/api/admin/scenarios/load", req, &s); err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	})
	return cmd
}
