package api

import (
	"encoding/json"
	"net/http"

	"github.com/chittyapps/chittyfinance/internal/reconcile"
)

type suggestionsRequest struct {
	Ledger    []reconcile.LedgerTransaction    `json:"ledgerTransactions"`
	Statement []reconcile.StatementTransaction `json:"statementTransactions"`
}

type suggestionsResponse struct {
	MatchedCount int                    `json:"matchedCount"`
	Suggestions  []reconcile.Suggestion `json:"suggestions"`
}

func handleReconcile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxReconcileBodySize)
		defer r.Body.Close()

		var req reconcile.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		report, err := deps.Engine.Reconcile(req)
		if err != nil {
			faultError(w, err)
			return
		}

		s := report.Summary
		deps.logger().Info("reconciliation complete",
			"run_id", s.RunID,
			"account", s.AccountID,
			"matched", s.MatchedCount,
			"unmatched_ledger", s.UnmatchedLedgerCount,
			"unmatched_statement", s.UnmatchedStatementCount,
			"difference", s.Difference.StringFixed(2),
		)
		writeJSON(w, http.StatusOK, report)
	}
}

// handleSuggestions matches the batches and returns ranked suggestions for
// whatever remains unmatched. Nothing is committed.
func handleSuggestions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxReconcileBodySize)
		defer r.Body.Close()

		var req suggestionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res := deps.Engine.Match(req.Ledger, req.Statement)
		writeJSON(w, http.StatusOK, suggestionsResponse{
			MatchedCount: len(res.Matches),
			Suggestions:  deps.Engine.SuggestMatches(res.UnmatchedLedger, res.UnmatchedStatement),
		})
	}
}
