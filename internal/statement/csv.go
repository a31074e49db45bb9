package statement

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chittyapps/chittyfinance/internal/reconcile"
)

// Header aliases, matched case-insensitively.
var columnAliases = map[string][]string{
	"id":          {"id", "transaction_id", "transaction id", "txn_id"},
	"date":        {"date", "posted", "posted_date", "posting date", "transaction date"},
	"amount":      {"amount", "amt", "value"},
	"debit":       {"debit", "withdrawal", "withdrawals"},
	"credit":      {"credit", "deposit", "deposits"},
	"description": {"description", "memo", "details", "payee", "narrative"},
	"reference":   {"external_ref", "externalref", "reference", "ref", "statement_id"},
}

type columns map[string]int

func (c columns) get(record []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// row is one parsed CSV line before it is turned into a transaction.
type row struct {
	line        int
	id          string
	date        string
	amount      decimal.Decimal
	description string
	reference   string
}

func readRows(r io.Reader) ([]row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := mapColumns(header)
	if _, ok := cols["date"]; !ok {
		return nil, errors.New("CSV has no date column")
	}
	_, hasAmount := cols["amount"]
	_, hasDebit := cols["debit"]
	_, hasCredit := cols["credit"]
	if !hasAmount && !hasDebit && !hasCredit {
		return nil, errors.New("CSV has no amount, debit or credit column")
	}

	var rows []row
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}

		amount, err := rowAmount(cols, record, hasAmount)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row{
			line:        line,
			id:          cols.get(record, "id"),
			date:        cols.get(record, "date"),
			amount:      amount,
			description: cols.get(record, "description"),
			reference:   cols.get(record, "reference"),
		})
	}
	return rows, nil
}

func mapColumns(header []string) columns {
	cols := columns{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for name, aliases := range columnAliases {
			if _, taken := cols[name]; taken {
				continue
			}
			for _, a := range aliases {
				if h == a {
					cols[name] = i
				}
			}
		}
	}
	return cols
}

// rowAmount reads the amount column, or credit minus debit when the export
// splits them.
func rowAmount(cols columns, record []string, hasAmount bool) (decimal.Decimal, error) {
	if hasAmount {
		if v := cols.get(record, "amount"); v != "" {
			return ParseAmount(v)
		}
	}
	total := decimal.Zero
	if v := cols.get(record, "credit"); v != "" {
		d, err := ParseAmount(v)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d.Abs())
	}
	if v := cols.get(record, "debit"); v != "" {
		d, err := ParseAmount(v)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Sub(d.Abs())
	}
	return total, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// ReadStatementCSV parses a bank statement export. Rows without an id get
// one derived from their line number.
func ReadStatementCSV(r io.Reader) ([]reconcile.StatementTransaction, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	txs := make([]reconcile.StatementTransaction, 0, len(rows))
	for _, row := range rows {
		date, err := reconcile.ParseDate(row.date)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", row.line, err)
		}
		id := row.id
		if id == "" {
			id = fmt.Sprintf("line-%d", row.line)
		}
		txs = append(txs, reconcile.StatementTransaction{
			ID:          id,
			Date:        date,
			Amount:      row.amount,
			Description: row.description,
		})
	}
	return txs, nil
}

// ReadLedgerCSV parses a ledger export.
func ReadLedgerCSV(r io.Reader) ([]reconcile.LedgerTransaction, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	txs := make([]reconcile.LedgerTransaction, 0, len(rows))
	for _, row := range rows {
		date, err := reconcile.ParseDate(row.date)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", row.line, err)
		}
		id := row.id
		if id == "" {
			id = fmt.Sprintf("line-%d", row.line)
		}
		txs = append(txs, reconcile.LedgerTransaction{
			ID:          id,
			Date:        date,
			Amount:      row.amount,
			Description: row.description,
			ExternalRef: row.reference,
		})
	}
	return txs, nil
}
