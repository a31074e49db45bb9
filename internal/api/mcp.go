package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"

	"github.com/chittyapps/chittyfinance/internal/reconcile"
	"github.com/chittyapps/chittyfinance/internal/resilience"
	"github.com/chittyapps/chittyfinance/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine   *reconcile.Engine
	Breakers *resilience.BreakerRegistry
	Failures FailureLister // optional; if nil, the failures resource is empty
}

// NewMCPServer creates an MCP server with the reconciliation tools and
// operational resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"chittyfinance",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chittyfinance: reconcile ledger transactions against bank statements and inspect integration health."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("reconcile",
			mcp.WithDescription("Match ledger transactions against statement transactions for one account and period, and summarize the balance difference."),
			mcp.WithString("account_id", mcp.Description("Account being reconciled"), mcp.Required()),
			mcp.WithString("statement_balance", mcp.Description("Closing balance reported by the statement, e.g. 5000.00"), mcp.Required()),
			mcp.WithString("period_start", mcp.Description("First day of the period (YYYY-MM-DD)"), mcp.Required()),
			mcp.WithString("period_end", mcp.Description("Last day of the period (YYYY-MM-DD)"), mcp.Required()),
			mcp.WithString("ledger", mcp.Description("JSON array of {id, date, amount, description, externalRef} ledger transactions"), mcp.Required()),
			mcp.WithString("statement", mcp.Description("JSON array of {id, date, amount, description} statement transactions"), mcp.Required()),
		),
		mcpReconcile(deps),
	)

	s.AddTool(
		mcp.NewTool("suggest_matches",
			mcp.WithDescription("Suggest likely pairs among transactions that the automatic tiers leave unmatched. Suggestions are advisory and never applied."),
			mcp.WithString("ledger", mcp.Description("JSON array of ledger transactions"), mcp.Required()),
			mcp.WithString("statement", mcp.Description("JSON array of statement transactions"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of suggestions (default 20)")),
		),
		mcpSuggestMatches(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"finance://breakers",
			"Circuit Breakers",
			mcp.WithResourceDescription("State of every outbound dependency's circuit breaker"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBreakers(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"finance://orchestration-failures",
			"Orchestration Failures",
			mcp.WithResourceDescription("Last 50 webhook consumer failures"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFailures(deps),
	)

	return s
}

func mcpReconcile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accountID, err := req.RequireString("account_id")
		if err != nil {
			return mcpError("account_id is required"), nil
		}
		balanceStr, err := req.RequireString("statement_balance")
		if err != nil {
			return mcpError("statement_balance is required"), nil
		}
		balance, err := decimal.NewFromString(balanceStr)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid statement_balance %q", balanceStr)), nil
		}

		startStr, err := req.RequireString("period_start")
		if err != nil {
			return mcpError("period_start is required"), nil
		}
		endStr, err := req.RequireString("period_end")
		if err != nil {
			return mcpError("period_end is required"), nil
		}
		start, err := reconcile.ParseDate(startStr)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid period_start: %v", err)), nil
		}
		end, err := reconcile.ParseDate(endStr)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid period_end: %v", err)), nil
		}

		ledger, statement, errResult := mcpTransactions(req)
		if errResult != nil {
			return errResult, nil
		}

		report, err := deps.Engine.Reconcile(reconcile.Request{
			AccountID:        accountID,
			StatementBalance: balance,
			PeriodStart:      start,
			PeriodEnd:        end,
			Ledger:           ledger,
			Statement:        statement,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("reconcile failed: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSuggestMatches(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ledger, statement, errResult := mcpTransactions(req)
		if errResult != nil {
			return errResult, nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		res := deps.Engine.Match(ledger, statement)
		suggestions := deps.Engine.SuggestMatches(res.UnmatchedLedger, res.UnmatchedStatement)
		if len(suggestions) > limit {
			suggestions = suggestions[:limit]
		}

		b, err := json.Marshal(suggestions)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal suggestions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

// mcpTransactions decodes the ledger and statement arguments. A non-nil
// result is the error to return to the client.
func mcpTransactions(req mcp.CallToolRequest) ([]reconcile.LedgerTransaction, []reconcile.StatementTransaction, *mcp.CallToolResult) {
	ledgerJSON, err := req.RequireString("ledger")
	if err != nil {
		return nil, nil, mcpError("ledger is required")
	}
	statementJSON, err := req.RequireString("statement")
	if err != nil {
		return nil, nil, mcpError("statement is required")
	}

	var ledger []reconcile.LedgerTransaction
	if err := json.Unmarshal([]byte(ledgerJSON), &ledger); err != nil {
		return nil, nil, mcpError(fmt.Sprintf("invalid ledger JSON: %v", err))
	}
	var statement []reconcile.StatementTransaction
	if err := json.Unmarshal([]byte(statementJSON), &statement); err != nil {
		return nil, nil, mcpError(fmt.Sprintf("invalid statement JSON: %v", err))
	}
	return ledger, statement, nil
}

func mcpResourceBreakers(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		states := []resilience.BreakerState{}
		if deps.Breakers != nil {
			states = append(states, deps.Breakers.Snapshots()...)
		}

		b, err := json.Marshal(states)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal breakers: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceFailures(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		failures := []storage.OrchestrationFailure{}
		if deps.Failures != nil {
			list, err := deps.Failures.ListOrchestrationFailures(ctx, 50)
			if err != nil {
				return nil, fmt.Errorf("failed to list orchestration failures: %w", err)
			}
			failures = append(failures, list...)
		}

		b, err := json.Marshal(failures)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal failures: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
