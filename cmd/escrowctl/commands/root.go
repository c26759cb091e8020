/*
Package commands implements escrowctl, the operator CLI of the escrow engine.

COMMANDS:
  token <user-id>              Issue a bearer token locally (needs the JWT secret)
  balance [user-id]            Show a wallet balance (own wallet when omitted)
  history <user-id>            Show a wallet's transactions, newest first
  credit <user-id> <amount>    Top up a wallet (admin)
  freeze|unfreeze|limit <id>   Change a wallet's state (admin)
  resolve <order-id>           Settle a disputed order (admin)
  reconcile                    Run or show a reconciliation (admin)
  scenarios [load <id>]        List or load demo scenarios

ENVIRONMENT:
  ESCROW_SERVER, ESCROW_TOKEN, ESCROW_JWT_SECRET, ESCROW_JWT_ISSUER
*/
package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

type options struct {
	server string
	token  string
	secret string
	issuer string
}

func (o *options) client() *HTTPClient {
	return NewHTTP(o.server, o.token)
}

func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Flags default to the ESCROW_* environment.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "escrowctl",
		Short:        "Operate an escrow engine server",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("ESCROW_SERVER", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("ESCROW_TOKEN"), "bearer token")
	root.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("ESCROW_JWT_SECRET"), "JWT signing secret, for the token command")
	root.PersistentFlags().StringVar(&opts.issuer, "issuer", envOr("ESCROW_JWT_ISSUER", "escrow-engine"), "JWT issuer, for the token command")

	root.AddCommand(
		tokenCmd(opts),
		balanceCmd(opts),
		historyCmd(opts),
		creditCmd(opts),
		walletStateCmd(opts, "freeze", "Freeze a wallet"),
		walletStateCmd(opts, "unfreeze", "Reactivate a wallet"),
		walletStateCmd(opts, "limit", "Block withdrawals from a wallet"),
		resolveCmd(opts),
		reconcileCmd(opts),
		scenariosCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
