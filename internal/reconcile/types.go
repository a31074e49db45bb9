package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerTransaction is a transaction from the internal system of record.
type LedgerTransaction struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	// ExternalRef is the statement transaction id, when the ledger already knows it.
	ExternalRef string `json:"externalRef,omitempty"`
}

// StatementTransaction is a transaction reported by an external statement feed.
type StatementTransaction struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// MatchType records which rule paired two transactions.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchFuzzy  MatchType = "fuzzy"
	MatchManual MatchType = "manual"
)

// Match pairs one ledger transaction with one statement transaction.
type Match struct {
	Ledger     LedgerTransaction    `json:"ledger"`
	Statement  StatementTransaction `json:"statement"`
	Confidence float64              `json:"confidence"`
	Type       MatchType            `json:"type"`
}

// Result partitions two transaction batches. No transaction appears in more
// than one Match or in both a Match and an unmatched list.
type Result struct {
	Matches            []Match                `json:"matches"`
	UnmatchedLedger    []LedgerTransaction    `json:"unmatchedLedger"`
	UnmatchedStatement []StatementTransaction `json:"unmatchedStatement"`
}

// Request is the input to a reconciliation run for one account and period.
type Request struct {
	AccountID        string                 `json:"accountId"`
	StatementBalance decimal.Decimal        `json:"statementBalance"`
	PeriodStart      time.Time              `json:"periodStart"`
	PeriodEnd        time.Time              `json:"periodEnd"`
	Ledger           []LedgerTransaction    `json:"ledgerTransactions"`
	Statement        []StatementTransaction `json:"statementTransactions"`
}

// Summary quantifies a reconciliation run. Difference is the statement
// balance minus the book balance.
type Summary struct {
	RunID                   string          `json:"runId"`
	AccountID               string          `json:"accountId"`
	StatementBalance        decimal.Decimal `json:"statementBalance"`
	BookBalance             decimal.Decimal `json:"bookBalance"`
	Difference              decimal.Decimal `json:"difference"`
	MatchedCount            int             `json:"matchedCount"`
	UnmatchedLedgerCount    int             `json:"unmatchedLedgerCount"`
	UnmatchedStatementCount int             `json:"unmatchedStatementCount"`
	PeriodStart             time.Time       `json:"periodStart"`
	PeriodEnd               time.Time       `json:"periodEnd"`
	ReconciledAt            time.Time       `json:"reconciledAt"`
}

// Report is the full output of Reconcile.
type Report struct {
	Summary Summary `json:"summary"`
	Result
}

// Suggestion is a candidate pair for human review. It is never applied
// automatically.
type Suggestion struct {
	Ledger        LedgerTransaction    `json:"ledger"`
	Statement     StatementTransaction `json:"statement"`
	Confidence    float64              `json:"confidence"`
	Justification string               `json:"justification"`
}

// dateLayouts are accepted for transaction and period dates.
var dateLayouts = []string{time.DateOnly, time.RFC3339, time.RFC3339Nano, "01/02/2006", "2006/01/02"}

// ParseDate parses a date in any of the supported layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// Date decodes a JSON date string with ParseDate.
type Date time.Time

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	t, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = Date(t)
	return nil
}

func (t *LedgerTransaction) UnmarshalJSON(b []byte) error {
	type plain LedgerTransaction
	var aux struct {
		plain
		Date Date `json:"date"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = LedgerTransaction(aux.plain)
	t.Date = time.Time(aux.Date)
	return nil
}

func (t *StatementTransaction) UnmarshalJSON(b []byte) error {
	type plain StatementTransaction
	var aux struct {
		plain
		Date Date `json:"date"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = StatementTransaction(aux.plain)
	t.Date = time.Time(aux.Date)
	return nil
}

func (r *Request) UnmarshalJSON(b []byte) error {
	type plain Request
	var aux struct {
		plain
		PeriodStart Date `json:"periodStart"`
		PeriodEnd   Date `json:"periodEnd"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Request(aux.plain)
	r.PeriodStart = time.Time(aux.PeriodStart)
	r.PeriodEnd = time.Time(aux.PeriodEnd)
	return nil
}
