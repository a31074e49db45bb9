package statement

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/chittyapps/chittyfinance/internal/reconcile"
)

// maxPDFText bounds the text extracted from a single statement.
const maxPDFText = 10 << 20

// statementLine matches "<date> <description> <amount>" rows, optionally
// followed by a running balance which is ignored.
var statementLine = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}|\d{2}/\d{2}/\d{4}|\d{4}/\d{2}/\d{2})\s+(.+?)\s+(\(?-?[$€£]?[\d,]+\.\d{2}\)?-?)(?:\s+-?[$€£]?[\d,]+\.\d{2})?$`,
)

// ReadStatementPDFFile extracts statement transactions from a PDF file.
func ReadStatementPDFFile(path string) ([]reconcile.StatementTransaction, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()
	return readPDF(r)
}

// ReadStatementPDF extracts statement transactions from PDF bytes.
func ReadStatementPDF(data []byte) ([]reconcile.StatementTransaction, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing PDF: %w", err)
	}
	return readPDF(r)
}

func readPDF(r *pdf.Reader) ([]reconcile.StatementTransaction, error) {
	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, maxPDFText)); err != nil {
		return nil, fmt.Errorf("reading PDF text: %w", err)
	}
	return ParseStatementText(buf.String())
}

// ParseStatementText scans extracted statement text line by line and keeps
// the lines that look like transactions. Headers, totals and other prose
// are skipped. Ids are derived from the line number.
func ParseStatementText(text string) ([]reconcile.StatementTransaction, error) {
	var txs []reconcile.StatementTransaction
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for n := 1; sc.Scan(); n++ {
		line := strings.Join(strings.Fields(sc.Text()), " ")
		m := statementLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		date, err := reconcile.ParseDate(m[1])
		if err != nil {
			continue
		}
		amount, err := ParseAmount(m[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		txs = append(txs, reconcile.StatementTransaction{
			ID:          fmt.Sprintf("pdf-%d", n),
			Date:        date,
			Amount:      amount,
			Description: m[2],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning statement text: %w", err)
	}
	return txs, nil
}
