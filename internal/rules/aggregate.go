package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// DefaultTimelineDays is used when a timeline text carries no number.
	DefaultTimelineDays = 7

	// MaxTimelineDays caps a single rule's timeline at a hundred years.
	MaxTimelineDays = 36500
)

var firstInteger = regexp.MustCompile(`\d+`)

// ExtractDays returns the first integer found in a free-text timeline such
// as "7-10 days", or DefaultTimelineDays when there is none. Values above
// MaxTimelineDays saturate.
func ExtractDays(timeline string) int {
	days, _ := parseDays(timeline)
	return days
}

// parseDays reports whether the number in timeline had to be capped.
func parseDays(timeline string) (int, bool) {
	match := firstInteger.FindString(timeline)
	if match == "" {
		return DefaultTimelineDays, false
	}
	days, err := strconv.Atoi(match)
	if err != nil || days > MaxTimelineDays {
		// only digits matched, so a failed parse is out of range
		return MaxTimelineDays, true
	}
	return days, false
}

// TotalCost sums minimum and maximum cost across rules. Rules without a
// currency are taken to be in currency; any other currency is rejected.
func TotalCost(rules []*domain.ComplianceRule, currency string) (domain.CostSummary, error) {
	total := domain.CostSummary{Currency: currency}
	for _, r := range rules {
		c := r.EstimatedCost.Currency
		if c != "" && !strings.EqualFold(c, currency) {
			return domain.CostSummary{}, fmt.Errorf("%w: rule %s is in %s, expected %s", ErrMixedCurrency, r.ID, c, currency)
		}
		total.Min += r.EstimatedCost.Min
		total.Max += r.EstimatedCost.Max
	}
	return total, nil
}

// Timeline lays rules out on a sequential week plan. Rules with fewer
// dependencies come first; this approximates dependency order and is not a
// topological sort. Each rule starts at the current week, which then
// advances by ceil(days/7).
func Timeline(rules []*domain.ComplianceRule) []domain.TimelineEntry {
	ordered := make([]*domain.ComplianceRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Dependencies) < len(ordered[j].Dependencies)
	})

	entries := make([]domain.TimelineEntry, 0, len(ordered))
	week := 1
	for _, r := range ordered {
		days := ExtractDays(r.EstimatedTimeline)
		actions := make([]string, len(r.Steps))
		copy(actions, r.Steps)

		entries = append(entries, domain.TimelineEntry{
			Week:       week,
			RuleID:     r.ID,
			Compliance: r.Name,
			Actions:    actions,
			Days:       days,
		})
		week += (days + 6) / 7
	}
	return entries
}
