// Package reconcile pairs ledger transactions with statement transactions
// and summarizes the balance difference for an account and period.
//
// Matching is greedy and order-dependent. Three tiers run in order, and a
// transaction paired by an earlier tier is never reconsidered:
//
//  1. reference: the ledger ExternalRef equals the statement ID
//  2. exact: amounts within AmountTolerance and dates within ExactWindow;
//     the first qualifying statement transaction wins
//  3. fuzzy: equal amounts, dates within FuzzyWindow and description
//     similarity above FuzzyThreshold; the best score wins, ties going to
//     the earlier statement transaction
package reconcile

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

const (
	ReferenceConfidence = 1.0
	ExactConfidence     = 0.95
	ManualConfidence    = 1.0
)

// Config holds matching windows and thresholds.
type Config struct {
	AmountTolerance  decimal.Decimal
	ExactWindow      time.Duration
	FuzzyWindow      time.Duration
	FuzzyThreshold   float64
	SuggestThreshold float64
}

// DefaultConfig returns the standard matching policy.
func DefaultConfig() Config {
	return Config{
		AmountTolerance:  decimal.New(1, -2),
		ExactWindow:      2 * 24 * time.Hour,
		FuzzyWindow:      5 * 24 * time.Hour,
		FuzzyThreshold:   0.6,
		SuggestThreshold: 0.4,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if !c.AmountTolerance.IsPositive() {
		c.AmountTolerance = d.AmountTolerance
	}
	if c.ExactWindow <= 0 {
		c.ExactWindow = d.ExactWindow
	}
	if c.FuzzyWindow <= 0 {
		c.FuzzyWindow = d.FuzzyWindow
	}
	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		c.FuzzyThreshold = d.FuzzyThreshold
	}
	if c.SuggestThreshold <= 0 || c.SuggestThreshold > 1 {
		c.SuggestThreshold = d.SuggestThreshold
	}
	return c
}

// Engine runs reconciliations. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

// NewEngine creates an Engine. Zero config fields take their defaults.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg.normalized(),
		now:   time.Now,
		newID: func() string { return ulid.Make().String() },
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Match partitions ledger and statement into matches and unmatched remainders.
// Inputs are not modified.
func (e *Engine) Match(ledger []LedgerTransaction, statement []StatementTransaction) Result {
	ledgerUsed := make([]bool, len(ledger))
	stmtUsed := make([]bool, len(statement))
	var matches []Match

	pair := func(i, j int, confidence float64, typ MatchType) {
		ledgerUsed[i] = true
		stmtUsed[j] = true
		matches = append(matches, Match{
			Ledger:     ledger[i],
			Statement:  statement[j],
			Confidence: confidence,
			Type:       typ,
		})
	}

	// Reference.
	for i, l := range ledger {
		if l.ExternalRef == "" {
			continue
		}
		for j, s := range statement {
			if !stmtUsed[j] && s.ID == l.ExternalRef {
				pair(i, j, ReferenceConfidence, MatchExact)
				break
			}
		}
	}

	// Exact.
	for i, l := range ledger {
		if ledgerUsed[i] {
			continue
		}
		for j, s := range statement {
			if stmtUsed[j] {
				continue
			}
			if l.Amount.Sub(s.Amount).Abs().LessThan(e.cfg.AmountTolerance) && within(l.Date, s.Date, e.cfg.ExactWindow) {
				pair(i, j, ExactConfidence, MatchExact)
				break
			}
		}
	}

	// Fuzzy.
	for i, l := range ledger {
		if ledgerUsed[i] {
			continue
		}
		best, bestScore := -1, 0.0
		for j, s := range statement {
			if stmtUsed[j] || !l.Amount.Equal(s.Amount) || !within(l.Date, s.Date, e.cfg.FuzzyWindow) {
				continue
			}
			score := Similarity(l.Description, s.Description)
			if score > e.cfg.FuzzyThreshold && score > bestScore {
				best, bestScore = j, score
			}
		}
		if best >= 0 {
			pair(i, best, bestScore, MatchFuzzy)
		}
	}

	res := Result{
		Matches:            matches,
		UnmatchedLedger:    []LedgerTransaction{},
		UnmatchedStatement: []StatementTransaction{},
	}
	if res.Matches == nil {
		res.Matches = []Match{}
	}
	for i, l := range ledger {
		if !ledgerUsed[i] {
			res.UnmatchedLedger = append(res.UnmatchedLedger, l)
		}
	}
	for j, s := range statement {
		if !stmtUsed[j] {
			res.UnmatchedStatement = append(res.UnmatchedStatement, s)
		}
	}
	return res
}

// Reconcile matches the request's transactions and summarizes the period.
// Unmatched transactions and balance drift are reported, never errors; only
// a malformed request fails.
func (e *Engine) Reconcile(req Request) (Report, error) {
	if err := validate(req); err != nil {
		return Report{}, err
	}

	res := e.Match(req.Ledger, req.Statement)

	book := decimal.Zero
	for _, l := range req.Ledger {
		if inPeriod(l.Date, req.PeriodStart, req.PeriodEnd) {
			book = book.Add(l.Amount)
		}
	}

	return Report{
		Summary: Summary{
			RunID:                   e.newID(),
			AccountID:               strings.TrimSpace(req.AccountID),
			StatementBalance:        req.StatementBalance,
			BookBalance:             book,
			Difference:              req.StatementBalance.Sub(book),
			MatchedCount:            len(res.Matches),
			UnmatchedLedgerCount:    len(res.UnmatchedLedger),
			UnmatchedStatementCount: len(res.UnmatchedStatement),
			PeriodStart:             req.PeriodStart,
			PeriodEnd:               req.PeriodEnd,
			ReconciledAt:            e.now().UTC(),
		},
		Result: res,
	}, nil
}

func validate(req Request) error {
	fields := map[string]string{}
	if strings.TrimSpace(req.AccountID) == "" {
		fields["accountId"] = "required"
	}
	if req.PeriodStart.IsZero() {
		fields["periodStart"] = "required"
	}
	if req.PeriodEnd.IsZero() {
		fields["periodEnd"] = "required"
	}
	if len(fields) == 0 && req.PeriodEnd.Before(req.PeriodStart) {
		fields["periodEnd"] = "must not be before periodStart"
	}
	if len(fields) > 0 {
		return fault.Validation("invalid reconciliation request", fields)
	}
	return nil
}

// SuggestMatches scores every remaining ledger/statement pair by description
// similarity and returns those above SuggestThreshold, best first. Callers
// pass the unmatched remainder of a Result; nothing is committed.
func (e *Engine) SuggestMatches(ledger []LedgerTransaction, statement []StatementTransaction) []Suggestion {
	suggestions := []Suggestion{}
	for _, l := range ledger {
		for _, s := range statement {
			score := Similarity(l.Description, s.Description)
			if score <= e.cfg.SuggestThreshold {
				continue
			}
			suggestions = append(suggestions, Suggestion{
				Ledger:        l,
				Statement:     s,
				Confidence:    score,
				Justification: justify(l, s, score),
			})
		}
	}
	slices.SortStableFunc(suggestions, func(a, b Suggestion) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	return suggestions
}

func justify(l LedgerTransaction, s StatementTransaction, score float64) string {
	return fmt.Sprintf("amount diff %s, %d day(s) apart, description similarity %.0f%%",
		l.Amount.Sub(s.Amount).Abs().StringFixed(2), dayGap(l.Date, s.Date), score*100)
}

// Manual records an operator-confirmed pair.
func Manual(l LedgerTransaction, s StatementTransaction) Match {
	return Match{Ledger: l, Statement: s, Confidence: ManualConfidence, Type: MatchManual}
}

// ApplyManual moves the named ledger and statement transactions from the
// unmatched lists of res into a manual match. Both must currently be
// unmatched. res is not modified.
func ApplyManual(res Result, ledgerID, statementID string) (Result, error) {
	li := slices.IndexFunc(res.UnmatchedLedger, func(l LedgerTransaction) bool { return l.ID == ledgerID })
	si := slices.IndexFunc(res.UnmatchedStatement, func(s StatementTransaction) bool { return s.ID == statementID })

	fields := map[string]string{}
	if li < 0 {
		fields["ledgerId"] = fmt.Sprintf("%q is not an unmatched ledger transaction", ledgerID)
	}
	if si < 0 {
		fields["statementId"] = fmt.Sprintf("%q is not an unmatched statement transaction", statementID)
	}
	if len(fields) > 0 {
		return Result{}, fault.Validation("invalid manual match", fields)
	}

	out := Result{
		Matches:            append(slices.Clone(res.Matches), Manual(res.UnmatchedLedger[li], res.UnmatchedStatement[si])),
		UnmatchedLedger:    slices.Delete(slices.Clone(res.UnmatchedLedger), li, li+1),
		UnmatchedStatement: slices.Delete(slices.Clone(res.UnmatchedStatement), si, si+1),
	}
	return out, nil
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func dayGap(a, b time.Time) int {
	d := civil(a).Sub(civil(b)).Hours() / 24
	if d < 0 {
		d = -d
	}
	return int(d + 0.5)
}

// civil drops the time of day, keeping the calendar date in t's location.
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// inPeriod compares calendar dates so a period end is inclusive of the whole day.
func inPeriod(t, start, end time.Time) bool {
	d := civil(t)
	return !d.Before(civil(start)) && !d.After(civil(end))
}
