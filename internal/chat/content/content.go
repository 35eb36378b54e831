// Package content holds the canned recommendation payloads printed by the chat demo.
package content

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.yaml.in/yaml/v3"
)

//go:embed recommendations.yaml
var recommendationsYAML []byte

// Table is a static table with a header row.
type Table struct {
	Header []string   `yaml:"header"`
	Rows   [][]string `yaml:"rows"`
}

// Payloads are the static blocks selected by keyword. They are read once and never modified.
type Payloads struct {
	CreditCards            Table  `yaml:"credit_cards"`
	CreditCardSummaryTitle string `yaml:"credit_card_summary_title"`
	CreditCardSummary      string `yaml:"credit_card_summary"`
	ApplicationSteps       string `yaml:"application_steps"`
	ConfirmPrompt          string `yaml:"confirm_prompt"`
	InvestmentProducts     Table  `yaml:"investment_products"`
	MonthlySavingsPlan     string `yaml:"monthly_savings_plan"`
}

// Load parses the embedded payloads.
func Load() (*Payloads, error) {
	return Parse(recommendationsYAML)
}

// Parse decodes payloads from YAML and checks that tables are rectangular.
func Parse(data []byte) (*Payloads, error) {
	var p Payloads
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("content: invalid payloads: %w", err)
	}

	if err := errors.Join(
		p.CreditCards.validate("credit_cards"),
		p.InvestmentProducts.validate("investment_products"),
	); err != nil {
		return nil, err
	}

	return &p, nil
}

func (t Table) validate(name string) error {
	if len(t.Header) == 0 {
		return fmt.Errorf("content: table %s has no header", name)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Header) {
			return fmt.Errorf("content: table %s row %d has %d cells, want %d", name, i, len(row), len(t.Header))
		}
	}

	return nil
}

// Render draws the table with ASCII borders.
func (t Table) Render() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleDefault)
	tw.AppendHeader(toRow(t.Header))
	for _, row := range t.Rows {
		tw.AppendRow(toRow(row))
	}

	return tw.Render()
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}

	return row
}
