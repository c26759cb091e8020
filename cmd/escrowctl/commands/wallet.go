package commands

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/escrow-engine/api"
	"github.com/warp/escrow-engine/auth"
	"github.com/warp/escrow-engine/escrow"
)

// token <user-id>: sign a token with the server's secret.
func tokenCmd(opts *options) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return fmt.Errorf("signing secret required (--secret or ESCROW_JWT_SECRET)")
			}
			tokens := auth.NewTokenService(opts.secret, opts.issuer, ttl)
			tok, err := tokens.Issue(escrow.UserID(args[0]), escrow.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(escrow.RoleBuyer), "buyer, seller or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func balanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [user-id]",
		Short: "Show a wallet balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/wallets/me"
			if len(args) == 1 {
				path = "/api/wallets/" + url.PathEscape(args[0])
			}
			var b escrow.Balance
			if err := opts.client().Do(cmd.Context(), "GET", path, nil, &b); err != nil {
				return err
			}
			return printJSON(cmd, b)
		},
	}
}

func historyCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show a wallet's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/wallets/%s/transactions?limit=%d", url.PathEscape(args[0]), limit)
			var out api.TransactionListResponse
			if err := opts.client().Do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out.Transactions)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transactions")
	return cmd
}

func creditCmd(opts *options) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "credit <user-id> <amount>",
		Short: "Top up a wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := escrow.ParseAmount(args[1])
			if err != nil {
				return err
			}
			if err := amount.Validate(); err != nil {
				return err
			}
			var out api.TransactionIDResponse
			path := "/api/admin/wallets/" + url.PathEscape(args[0]) + "/credit"
			if err := opts.client().Do(cmd.Context(), "POST", path, api.AmountRequest{Amount: amount, Description: description}, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.TransactionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "Manual top-up", "recorded in the transaction")
	return cmd
}

// walletStateCmd builds freeze, unfreeze and limit; action is also the route suffix.
func walletStateCmd(opts *options, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b escrow.Balance
			path := "/api/admin/wallets/" + url.PathEscape(args[0]) + "/" + action
			if err := opts.client().Do(cmd.Context(), "POST", path, nil, &b); err != nil {
				return err
			}
			return printJSON(cmd, b)
		},
	}
}
