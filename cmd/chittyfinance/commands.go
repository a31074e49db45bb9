package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/chittyapps/chittyfinance/internal/config"
	"github.com/chittyapps/chittyfinance/internal/reconcile"
	"github.com/chittyapps/chittyfinance/internal/statement"
	"github.com/chittyapps/chittyfinance/internal/storage"
)

// --- reconcile ---

type reconcileOptions struct {
	account     string
	balance     string
	from        string
	to          string
	ledger      string
	statement   string
	asJSON      bool
	suggestions bool
	pairs       []string
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile a ledger export against a bank statement",
	Long: `Reconcile a ledger export against a bank statement for one account and period.

The ledger may be CSV or JSON; the statement may be CSV, JSON or PDF.

Examples:
  chittyfinance reconcile --account acct-1 --balance 5000.00 \
    --from 2024-01-01 --to 2024-01-31 --ledger ledger.csv --statement jan.pdf
  chittyfinance reconcile ... --json
  chittyfinance reconcile ... --pair l-104=stmt-88`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts reconcileOptions
		opts.account, _ = cmd.Flags().GetString("account")
		opts.balance, _ = cmd.Flags().GetString("balance")
		opts.from, _ = cmd.Flags().GetString("from")
		opts.to, _ = cmd.Flags().GetString("to")
		opts.ledger, _ = cmd.Flags().GetString("ledger")
		opts.statement, _ = cmd.Flags().GetString("statement")
		opts.asJSON, _ = cmd.Flags().GetBool("json")
		opts.suggestions, _ = cmd.Flags().GetBool("suggest")
		opts.pairs, _ = cmd.Flags().GetStringArray("pair")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runReconcile(reconcile.NewEngine(reconcileConfig(cfg.Reconcile)), opts, cmd.OutOrStdout())
	},
}

func init() {
	f := reconcileCmd.Flags()
	f.String("account", "", "account being reconciled")
	f.String("balance", "", "closing balance reported by the statement")
	f.String("from", "", "first day of the period (YYYY-MM-DD)")
	f.String("to", "", "last day of the period (YYYY-MM-DD)")
	f.String("ledger", "", "ledger export (.csv or .json)")
	f.String("statement", "", "bank statement (.csv, .json or .pdf)")
	f.Bool("json", false, "print the full report as JSON")
	f.Bool("suggest", false, "list suggested pairs for unmatched transactions")
	f.StringArray("pair", nil, "confirm a manual match as LEDGER_ID=STATEMENT_ID (repeatable)")
	for _, name := range []string{"account", "balance", "from", "to", "ledger", "statement"} {
		reconcileCmd.MarkFlagRequired(name)
	}
}

func runReconcile(engine *reconcile.Engine, opts reconcileOptions, w io.Writer) error {
	balance, err := decimal.NewFromString(opts.balance)
	if err != nil {
		return fmt.Errorf("invalid --balance %q: %w", opts.balance, err)
	}
	from, err := reconcile.ParseDate(opts.from)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := reconcile.ParseDate(opts.to)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	ledger, err := statement.LoadLedger(opts.ledger)
	if err != nil {
		return err
	}
	stmt, err := statement.LoadStatement(opts.statement)
	if err != nil {
		return err
	}
	if !opts.asJSON {
		printStep("Loaded %d ledger and %d statement transactions", len(ledger), len(stmt))
	}

	report, err := engine.Reconcile(reconcile.Request{
		AccountID:        opts.account,
		StatementBalance: balance,
		PeriodStart:      from,
		PeriodEnd:        to,
		Ledger:           ledger,
		Statement:        stmt,
	})
	if err != nil {
		return err
	}
	if report, err = applyPairs(report, opts.pairs); err != nil {
		return err
	}

	var suggestions []reconcile.Suggestion
	if opts.suggestions {
		suggestions = engine.SuggestMatches(report.UnmatchedLedger, report.UnmatchedStatement)
	}

	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if opts.suggestions {
			return enc.Encode(struct {
				reconcile.Report
				Suggestions []reconcile.Suggestion `json:"suggestions"`
			}{report, suggestions})
		}
		return enc.Encode(report)
	}

	printReport(w, report)
	if opts.suggestions {
		printSuggestions(w, suggestions)
	}
	return nil
}

// applyPairs records operator-confirmed matches and refreshes the counts.
func applyPairs(report reconcile.Report, pairs []string) (reconcile.Report, error) {
	for _, p := range pairs {
		ledgerID, statementID, ok := strings.Cut(p, "=")
		if !ok || ledgerID == "" || statementID == "" {
			return report, fmt.Errorf("invalid --pair %q: want LEDGER_ID=STATEMENT_ID", p)
		}
		res, err := reconcile.ApplyManual(report.Result, ledgerID, statementID)
		if err != nil {
			return report, fmt.Errorf("--pair %s: %w", p, err)
		}
		report.Result = res
	}
	report.Summary.MatchedCount = len(report.Matches)
	report.Summary.UnmatchedLedgerCount = len(report.UnmatchedLedger)
	report.Summary.UnmatchedStatementCount = len(report.UnmatchedStatement)
	return report, nil
}

func printReport(w io.Writer, report reconcile.Report) {
	s := report.Summary
	printStatus(w, "Run", "%s", s.RunID)
	printStatus(w, "Account", "%s", s.AccountID)
	printStatus(w, "Period", "%s to %s", s.PeriodStart.Format(time.DateOnly), s.PeriodEnd.Format(time.DateOnly))
	printStatus(w, "Statement balance", "%s", s.StatementBalance.StringFixed(2))
	printStatus(w, "Book balance", "%s", s.BookBalance.StringFixed(2))

	diff := s.Difference.StringFixed(2)
	if s.Difference.IsZero() {
		diff = successStyle.Sprint(diff)
	} else {
		diff = errorStyle.Sprint(diff)
	}
	printStatus(w, "Difference", "%s", diff)
	printStatus(w, "Matched", "%d", s.MatchedCount)
	printStatus(w, "Unmatched ledger", "%d", s.UnmatchedLedgerCount)
	printStatus(w, "Unmatched statement", "%d", s.UnmatchedStatementCount)

	for _, l := range report.UnmatchedLedger {
		fmt.Fprintf(w, "    ledger     %s  %s  %12s  %s\n", l.ID, l.Date.Format(time.DateOnly), l.Amount.StringFixed(2), l.Description)
	}
	for _, st := range report.UnmatchedStatement {
		fmt.Fprintf(w, "    statement  %s  %s  %12s  %s\n", st.ID, st.Date.Format(time.DateOnly), st.Amount.StringFixed(2), st.Description)
	}
}

func printSuggestions(w io.Writer, suggestions []reconcile.Suggestion) {
	if len(suggestions) == 0 {
		printStatus(w, "Suggestions", "none")
		return
	}
	printStatus(w, "Suggestions", "%d", len(suggestions))
	for _, s := range suggestions {
		fmt.Fprintf(w, "    %s ↔ %s  %3.0f%%  %s\n", s.Ledger.ID, s.Statement.ID, s.Confidence*100, s.Justification)
	}
}

// --- failures ---

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List recent webhook consumer failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listFailures(cmd.Context(), client, limit, cmd.OutOrStdout())
	},
}

func init() {
	failuresCmd.Flags().Int("limit", 20, "maximum number of failures to show")
}

func listFailures(ctx context.Context, client *apiClient, limit int, w io.Writer) error {
	var failures []storage.OrchestrationFailure
	if err := client.getJSON(ctx, fmt.Sprintf("/webhooks/failures?limit=%d", limit), &failures); err != nil {
		return err
	}

	if len(failures) == 0 {
		printSuccess("No orchestration failures recorded")
		return nil
	}
	for _, f := range failures {
		fmt.Fprintf(w, "%s  %s  %-24s  %-20s  %s\n",
			f.CreatedAt.Local().Format(time.DateTime),
			boldStyle.Sprint(f.Source),
			f.EventID,
			f.Kind,
			errorStyle.Sprint(f.Error),
		)
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		showEnv, _ := cmd.Flags().GetBool("env")
		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			if showEnv {
				fmt.Fprintf(w, "  %s = %s  (%s)\n", boldStyle.Sprint(k.Key), k.Value, k.EnvVar)
				continue
			}
			fmt.Fprintf(w, "  %s = %s\n", boldStyle.Sprint(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			if strings.Contains(err.Error(), "unknown config key") {
				printWarning("valid keys: %s", strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.FilePath())
	},
}

func init() {
	configShowCmd.Flags().Bool("env", false, "also show the environment variable for each key")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)
}
