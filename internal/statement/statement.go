// Package statement loads ledger and bank statement transactions from
// CSV, JSON and PDF files for reconciliation.
package statement

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chittyapps/chittyfinance/internal/reconcile"
)

// Format is a supported file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

// DetectFormat returns the format implied by path's extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported file type %q (want .csv, .json or .pdf)", filepath.Ext(path))
	}
}

// LoadStatement reads statement transactions from a CSV, JSON or PDF file.
func LoadStatement(path string) ([]reconcile.StatementTransaction, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if format == FormatPDF {
		return ReadStatementPDFFile(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening statement: %w", err)
	}
	defer f.Close()

	if format == FormatJSON {
		return ReadStatementJSON(f)
	}
	return ReadStatementCSV(f)
}

// LoadLedger reads ledger transactions from a CSV or JSON file.
func LoadLedger(path string) ([]reconcile.LedgerTransaction, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if format == FormatPDF {
		return nil, fmt.Errorf("ledger exports must be CSV or JSON")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	if format == FormatJSON {
		return ReadLedgerJSON(f)
	}
	return ReadLedgerCSV(f)
}

// ReadStatementJSON decodes a JSON array of statement transactions.
func ReadStatementJSON(r io.Reader) ([]reconcile.StatementTransaction, error) {
	var txs []reconcile.StatementTransaction
	if err := json.NewDecoder(r).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decoding statement JSON: %w", err)
	}
	return txs, nil
}

// ReadLedgerJSON decodes a JSON array of ledger transactions.
func ReadLedgerJSON(r io.Reader) ([]reconcile.LedgerTransaction, error) {
	var txs []reconcile.LedgerTransaction
	if err := json.NewDecoder(r).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decoding ledger JSON: %w", err)
	}
	return txs, nil
}

// ParseAmount parses a money amount as printed on statements: currency
// symbols and thousands separators are ignored, and a leading minus, a
// trailing minus or surrounding parentheses mark a negative amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		neg = true
		s = strings.TrimSuffix(s, "-")
	}
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = strings.TrimPrefix(s, "-")
	}
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}
