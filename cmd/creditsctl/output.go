package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/transaction"
)

// Formatter renders command results.
type Formatter interface {
	Format(data any) string
}

// NewFormatter returns a Formatter for "table" (default), "json" or "yaml".
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "", "table":
		return &TableFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown output format %q: want table, json or yaml", format)
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter formats data as YAML. Values go through JSON first so the
// field names match the API.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	b, err := yaml.Marshal(generic)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}

// TableFormatter formats known results as aligned text.
type TableFormatter struct{}

func (f *TableFormatter) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	switch v := data.(type) {
	case *account.Snapshot:
		writeSnapshot(w, v)
	case *credits.ConsumeResult:
		fmt.Fprintf(w, "OK:\t%t\n", v.OK)
		fmt.Fprintf(w, "COST:\t%d\n", v.Cost)
		fmt.Fprintf(w, "BALANCE:\t%d\n", v.Balance)
		if v.Reason != credits.ReasonNone {
			fmt.Fprintf(w, "REASON:\t%s\n", v.Reason)
		}
		if v.Transaction != nil {
			fmt.Fprintf(w, "TRANSACTION:\t%s\n", v.Transaction.ID)
		}
	case *transaction.Transaction:
		writeTransactions(w, []*transaction.Transaction{v})
	case *api.TransactionList:
		if len(v.Transactions) == 0 {
			return "No transactions found.\n"
		}
		writeTransactions(w, v.Transactions)
		w.Flush()
		fmt.Fprintf(&buf, "\nShowing %d of %d (offset %d)\n", len(v.Transactions), v.Total, v.Offset)
		return buf.String()
	case *api.WarningsResponse:
		if len(v.Thresholds) == 0 {
			return fmt.Sprintf("No warnings due for %s.\n", v.TenantID)
		}
		fmt.Fprintln(w, "TENANT\tTHRESHOLD")
		for _, t := range v.Thresholds {
			fmt.Fprintf(w, "%s\t%d%%\n", v.TenantID, t)
		}
	case *api.AuditResponse:
		fmt.Fprintf(w, "OK:\t%t\n", v.OK)
		if v.AuditReport != nil {
			fmt.Fprintf(w, "BALANCE:\t%d\n", v.Balance)
			fmt.Fprintf(w, "REPLAYED:\t%d\n", v.Replayed)
			fmt.Fprintf(w, "EARNED:\t%d\n", v.LifetimeEarned)
			fmt.Fprintf(w, "SPENT:\t%d\n", v.LifetimeSpent)
			fmt.Fprintf(w, "TRANSACTIONS:\t%d\n", v.Transactions)
			for _, issue := range v.Issues {
				fmt.Fprintf(w, "ISSUE:\tseq %d: %s\n", issue.Seq, issue.Message)
			}
		}
	case *grant.Grant:
		writeGrants(w, []*grant.Grant{v})
	case []*grant.Grant:
		if len(v) == 0 {
			return "No promotions found.\n"
		}
		writeGrants(w, v)
	case string:
		fmt.Fprintln(w, v)
	default:
		return (&YAMLFormatter{}).Format(data)
	}

	w.Flush()
	return buf.String()
}

func writeSnapshot(w *tabwriter.Writer, s *account.Snapshot) {
	fmt.Fprintf(w, "TENANT:\t%s\n", s.TenantID)
	fmt.Fprintf(w, "BALANCE:\t%d\n", s.Balance)
	fmt.Fprintf(w, "EARNED:\t%d\n", s.LifetimeEarned)
	fmt.Fprintf(w, "SPENT:\t%d\n", s.LifetimeSpent)
	fmt.Fprintf(w, "FREE TIER:\t%t\n", s.IsFreeTier)
	if !s.NextGrantAt.IsZero() {
		fmt.Fprintf(w, "NEXT GRANT:\t%s\n", s.NextGrantAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "EXISTS:\t%t\n", s.Exists)
}

func writeTransactions(w *tabwriter.Writer, txns []*transaction.Transaction) {
	fmt.Fprintln(w, "SEQ\tID\tKIND\tAMOUNT\tBALANCE\tACTION\tCREATED")
	for _, t := range txns {
		fmt.Fprintf(w, "%d\t%s\t%s\t%+d\t%d\t%s\t%s\n",
			t.Seq, t.ID, t.Kind, t.Amount, t.BalanceAfter, dash(t.ActionKey), t.CreatedAt.Format(time.RFC3339))
	}
}

func writeGrants(w *tabwriter.Writer, grants []*grant.Grant) {
	fmt.Fprintln(w, "ID\tTENANT\tTYPE\tAMOUNT\tCODE\tEXPIRES\tREDEEMED")
	for _, g := range grants {
		expires, redeemed := "-", "-"
		if g.ExpiresAt != nil {
			expires = g.ExpiresAt.Format(time.RFC3339)
		}
		if g.RedeemedAt != nil {
			redeemed = g.RedeemedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			g.ID, g.TenantID, g.Type, g.Amount, dash(g.Code), expires, redeemed)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
