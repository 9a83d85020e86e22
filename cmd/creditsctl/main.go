// Command creditsctl is the operator CLI for a creditsd server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/credits/client"
)

var version = "dev"

// DefaultServer is used when neither --server nor CREDITS_SERVER is set.
const DefaultServer = "http://localhost:8080/credits"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cli is the state shared by every command, resolved in PersistentPreRunE.
type cli struct {
	serverURL    string
	outputFormat string
	token        string
	timeout      time.Duration

	client    *client.Client
	formatter Formatter
}

func (c *cli) print(cmd *cobra.Command, data any) {
	fmt.Fprint(cmd.OutOrStdout(), c.formatter.Format(data))
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "creditsctl",
		Short: "Manage tenant credit balances on a creditsd server",
		Long: `creditsctl talks to the creditsd HTTP API. It can meter actions,
grant, purchase and refund credits, inspect balances and history, run a
ledger audit and manage promotional grants.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			f, err := NewFormatter(c.outputFormat)
			if err != nil {
				return err
			}
			c.formatter = f

			opts := []client.Option{client.WithHTTPClient(&http.Client{Timeout: c.timeout})}
			if c.token != "" {
				opts = append(opts, client.WithHeader("Authorization", "Bearer "+c.token))
			}
			c.client = client.New(c.serverURL, opts...)
			return nil
		},
	}

	server := os.Getenv("CREDITS_SERVER")
	if server == "" {
		server = DefaultServer
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.serverURL, "server", server, "creditsd API base URL including the base path")
	pf.StringVarP(&c.outputFormat, "output", "o", "table", "output format: table, json, yaml")
	pf.StringVar(&c.token, "token", os.Getenv("CREDITS_TOKEN"), "bearer token sent with every request")
	pf.DurationVar(&c.timeout, "timeout", client.DefaultTimeout, "request timeout")

	root.AddCommand(
		newBalanceCmd(c),
		newConsumeCmd(c),
		newGrantCmd(c),
		newPurchaseCmd(c),
		newRefundCmd(c),
		newBonusCmd(c),
		newAdjustCmd(c),
		newTierCmd(c),
		newTransactionsCmd(c),
		newWarningsCmd(c),
		newAuditCmd(c),
		newPromoCmd(c),
		newHealthCmd(c),
	)
	return root
}
