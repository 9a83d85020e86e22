package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/transaction"
)

// errRefused makes the process exit non-zero after a refused consume or a
// failed audit; the result has already been printed.
var errRefused = errors.New("refused")

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid amount %q: want a positive integer", s)
	}
	return n, nil
}

func newBalanceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <tenant>",
		Short: "Show a tenant's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			c.print(cmd, snap)
			return nil
		},
	}
}

func newConsumeCmd(c *cli) *cobra.Command {
	var ref transaction.Reference
	cmd := &cobra.Command{
		Use:   "consume <tenant> <action>",
		Short: "Meter one billable action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.Consume(cmd.Context(), args[0], args[1], ref)
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			c.print(cmd, res)
			if !res.OK {
				return fmt.Errorf("%w: %s", errRefused, res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ref.ID, "ref-id", "", "id of the business object being charged")
	cmd.Flags().StringVar(&ref.Type, "ref-type", "", "type of the business object being charged")
	return cmd
}

func newGrantCmd(c *cli) *cobra.Command {
	var cycle string
	cmd := &cobra.Command{
		Use:   "grant <tenant> <amount>",
		Short: "Grant free credits",
		Long: `Grant free credits to a tenant. With --cycle the grant is applied at most
once for that cycle id, so retries are safe.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			txn, err := c.client.GrantFreeCredits(cmd.Context(), args[0], amount, cycle)
			if err != nil {
				return fmt.Errorf("failed to grant credits: %w", err)
			}
			c.print(cmd, txn)
			return nil
		},
	}
	cmd.Flags().StringVar(&cycle, "cycle", "", "idempotency key for the grant cycle")
	return cmd
}

func newPurchaseCmd(c *cli) *cobra.Command {
	var paymentRef string
	cmd := &cobra.Command{
		Use:   "purchase <tenant> <amount>",
		Short: "Record a paid top-up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			txn, err := c.client.PurchaseCredits(cmd.Context(), args[0], amount, paymentRef)
			if err != nil {
				return fmt.Errorf("failed to purchase credits: %w", err)
			}
			c.print(cmd, txn)
			return nil
		},
	}
	cmd.Flags().StringVar(&paymentRef, "payment-ref", "", "payment provider reference")
	_ = cmd.MarkFlagRequired("payment-ref")
	return cmd
}

func newRefundCmd(c *cli) *cobra.Command {
	var (
		ref         transaction.Reference
		description string
	)
	cmd := &cobra.Command{
		Use:   "refund <tenant> <amount>",
		Short: "Credit back an amount",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			txn, err := c.client.Refund(cmd.Context(), args[0], amount, ref, description)
			if err != nil {
				return fmt.Errorf("failed to refund: %w", err)
			}
			c.print(cmd, txn)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref.ID, "ref-id", "", "id of the refunded object")
	cmd.Flags().StringVar(&ref.Type, "ref-type", "", "type of the refunded object")
	cmd.Flags().StringVar(&description, "description", "", "free text shown in history")
	return cmd
}

func newBonusCmd(c *cli) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "bonus <tenant> <amount>",
		Short: "Credit a goodwill bonus",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			txn, err := c.client.Bonus(cmd.Context(), args[0], amount, description)
			if err != nil {
				return fmt.Errorf("failed to credit bonus: %w", err)
			}
			c.print(cmd, txn)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "free text shown in history")
	return cmd
}

func newAdjustCmd(c *cli) *cobra.Command {
	var (
		delta  int64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "adjust <tenant> --delta N --reason TEXT",
		Short: "Apply a signed manual correction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if delta == 0 {
				return errors.New("--delta must be non-zero")
			}
			txn, err := c.client.Adjust(cmd.Context(), args[0], delta, reason)
			if err != nil {
				return fmt.Errorf("failed to adjust: %w", err)
			}
			c.print(cmd, txn)
			return nil
		},
	}
	cmd.Flags().Int64Var(&delta, "delta", 0, "signed amount, negative to debit")
	cmd.Flags().StringVar(&reason, "reason", "", "why the correction was made")
	_ = cmd.MarkFlagRequired("delta")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTierCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:       "tier <tenant> <free|paid>",
		Short:     "Move a tenant onto or off the metered free tier",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"free", "paid"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var free bool
			switch args[1] {
			case "free":
				free = true
			case "paid":
			default:
				return fmt.Errorf("invalid tier %q: want free or paid", args[1])
			}
			snap, err := c.client.SetFreeTier(cmd.Context(), args[0], free)
			if err != nil {
				return fmt.Errorf("failed to set tier: %w", err)
			}
			c.print(cmd, snap)
			return nil
		},
	}
}

func newTransactionsCmd(c *cli) *cobra.Command {
	var (
		kind          string
		since, until  time.Duration
		limit, offset int
	)
	cmd := &cobra.Command{
		Use:     "transactions <tenant>",
		Aliases: []string{"txns", "history"},
		Short:   "List a tenant's transaction history, most recent first",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := transaction.ListOpts{Kind: transaction.Kind(kind), Limit: limit, Offset: offset}
			if kind != "" && !opts.Kind.Valid() {
				return fmt.Errorf("invalid kind %q", kind)
			}
			now := time.Now()
			if since > 0 {
				t := now.Add(-since)
				opts.Since = &t
			}
			if until > 0 {
				t := now.Add(-until)
				opts.Until = &t
			}
			list, err := c.client.ListTransactions(cmd.Context(), args[0], opts)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			c.print(cmd, list)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind: free_grant, purchase, usage, refund, bonus, adjustment")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this long ago, e.g. 24h")
	cmd.Flags().DurationVar(&until, "until", 0, "only entries older than this long ago")
	cmd.Flags().IntVar(&limit, "limit", api.DefaultLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func newWarningsCmd(c *cli) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "warnings <tenant>",
		Short: "Show low balance warnings that are due",
		Long: `Show the low balance thresholds the tenant has crossed but not yet been
warned about. With --apply they are recorded so they are not reported again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				ts  []account.Threshold
				err error
			)
			if apply {
				ts, err = c.client.ApplyWarnings(cmd.Context(), args[0])
			} else {
				ts, err = c.client.NotificationCheck(cmd.Context(), args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to check warnings: %w", err)
			}
			res := &api.WarningsResponse{TenantID: args[0], Thresholds: make([]int, 0, len(ts))}
			for _, t := range ts {
				res.Thresholds = append(res.Thresholds, int(t))
			}
			c.print(cmd, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "record the warnings as sent")
	return cmd
}

func newAuditCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <tenant>",
		Short: "Replay a tenant's log and verify its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.Audit(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to audit: %w", err)
			}
			c.print(cmd, res)
			if !res.OK {
				return fmt.Errorf("%w: audit found inconsistencies", errRefused)
			}
			return nil
		},
	}
}

func newPromoCmd(c *cli) *cobra.Command {
	promo := &cobra.Command{
		Use:     "promo",
		Aliases: []string{"promotions"},
		Short:   "Manage promotional grants",
	}

	var (
		req       api.PromotionRequest
		typ       string
		expiresIn time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue <tenant> <amount>",
		Short: "Issue a promotional grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			req.Amount = amount
			req.Type = grant.Type(typ)
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &t
			}
			g, err := c.client.IssuePromotion(cmd.Context(), args[0], req)
			if err != nil {
				return fmt.Errorf("failed to issue promotion: %w", err)
			}
			c.print(cmd, g)
			return nil
		},
	}
	issue.Flags().StringVar(&typ, "type", string(grant.TypePromo), "promo, referral or compensation")
	issue.Flags().StringVar(&req.Code, "code", "", "promo code")
	issue.Flags().StringVar(&req.Description, "description", "", "free text")
	issue.Flags().BoolVar(&req.OneTime, "one-time", true, "grant can be redeemed once")
	issue.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire after this long, e.g. 720h")

	var (
		listOpts grant.ListOpts
		listType string
	)
	list := &cobra.Command{
		Use:   "list <tenant>",
		Short: "List a tenant's promotional grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listOpts.Type = grant.Type(listType)
			gs, err := c.client.ListPromotions(cmd.Context(), args[0], listOpts)
			if err != nil {
				return fmt.Errorf("failed to list promotions: %w", err)
			}
			c.print(cmd, gs)
			return nil
		},
	}
	list.Flags().StringVar(&listType, "type", "", "filter by type")
	list.Flags().BoolVar(&listOpts.Redeemable, "redeemable", false, "only grants that can still be redeemed")
	list.Flags().IntVar(&listOpts.Limit, "limit", api.DefaultLimit, "page size")
	list.Flags().IntVar(&listOpts.Offset, "offset", 0, "entries to skip")

	get := &cobra.Command{
		Use:   "get <grant-id>",
		Short: "Show one promotional grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := c.client.GetPromotion(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get promotion: %w", err)
			}
			c.print(cmd, g)
			return nil
		},
	}

	redeem := &cobra.Command{
		Use:   "redeem <grant-id>",
		Short: "Apply a promotional grant to its tenant's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txn, err := c.client.RedeemPromotion(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to redeem promotion: %w", err)
			}
			c.print(cmd, txn)
			return nil
		},
	}

	promo.AddCommand(issue, list, get, redeem)
	return promo
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server and its store are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client.Health(cmd.Context()); err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			c.print(cmd, "ok")
			return nil
		},
	}
}
