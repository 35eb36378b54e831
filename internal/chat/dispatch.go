package chat

import (
	"fmt"
	"io"
	"strings"

	"github.com/ekisa-team/fedassist/internal/chat/content"
)

// Trigger keywords matched as substrings of the trimmed input.
const (
	KeywordCreditCard     = "信用卡"
	KeywordApplication    = "申请办卡"
	KeywordConfirm        = "执行"
	KeywordInvestment     = "投资理财"
	KeywordMonthlySavings = "月存款"
)

// Rule names, also used as metric labels.
const (
	RuleCreditCard     = "credit-card"
	RuleApplication    = "application"
	RuleConfirm        = "confirm"
	RuleInvestment     = "investment"
	RuleMonthlySavings = "monthly-savings"
)

// Rule prints a static block when Match accepts the input.
type Rule struct {
	Name   string
	Match  func(input string) bool
	Render func(w io.Writer) error
}

// Dispatcher evaluates rules in order and fires every one that matches.
type Dispatcher struct {
	label string
	rules []Rule
}

// NewDispatcher creates a dispatcher whose blocks are introduced by label.
func NewDispatcher(label string, rules ...Rule) *Dispatcher {
	return &Dispatcher{label: label, rules: rules}
}

// Dispatch writes the block of each matching rule and returns the names of the rules that fired.
func (d *Dispatcher) Dispatch(w io.Writer, input string) ([]string, error) {
	input = strings.TrimSpace(input)

	var fired []string
	for _, rule := range d.rules {
		if !rule.Match(input) {
			continue
		}

		if _, err := fmt.Fprintf(w, "\n%s: \n", d.label); err != nil {
			return fired, err
		}
		if err := rule.Render(w); err != nil {
			return fired, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		fired = append(fired, rule.Name)
	}

	return fired, nil
}

// Contains matches inputs holding keyword.
func Contains(keyword string) func(string) bool {
	return func(input string) bool {
		return strings.Contains(input, keyword)
	}
}

// ContainsExcept matches inputs holding keyword but not exclude.
func ContainsExcept(keyword, exclude string) func(string) bool {
	return func(input string) bool {
		return strings.Contains(input, keyword) && !strings.Contains(input, exclude)
	}
}

// RecommendationRules returns the financial recommendation rules in evaluation order.
// The investment table is suppressed when the monthly-savings keyword is present.
func RecommendationRules(p *content.Payloads) []Rule {
	return []Rule{
		{
			Name:  RuleCreditCard,
			Match: Contains(KeywordCreditCard),
			Render: printLines(
				p.CreditCards.Render(),
				p.CreditCardSummaryTitle+"\n",
				p.CreditCardSummary,
			),
		},
		{
			Name:   RuleApplication,
			Match:  Contains(KeywordApplication),
			Render: printLines(p.ApplicationSteps),
		},
		{
			Name:   RuleConfirm,
			Match:  Contains(KeywordConfirm),
			Render: printLines(p.ConfirmPrompt),
		},
		{
			Name:   RuleInvestment,
			Match:  ContainsExcept(KeywordInvestment, KeywordMonthlySavings),
			Render: printLines(p.InvestmentProducts.Render()),
		},
		{
			Name:   RuleMonthlySavings,
			Match:  Contains(KeywordMonthlySavings),
			Render: printLines(p.MonthlySavingsPlan),
		},
	}
}

func printLines(blocks ...string) func(io.Writer) error {
	return func(w io.Writer) error {
		for _, b := range blocks {
			if _, err := fmt.Fprintln(w, b); err != nil {
				return err
			}
		}
		return nil
	}
}
