package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// validatePartitions checks structural invariants of freshly parsed rule
// data. It returns every problem at once rather than the first one.
// Warnings do not block loading.
func validatePartitions(p *domain.Partitions) (warnings []string, err error) {
	var issues []string
	addf := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if len(p.Central) == 0 {
		addf("central: no rules")
	}

	seen := make(map[string]string)
	check := func(partition string, rules []*domain.ComplianceRule) {
		for i, r := range rules {
			if r == nil {
				addf("%s[%d]: null rule", partition, i)
				continue
			}
			where := fmt.Sprintf("%s[%d]", partition, i)
			if strings.TrimSpace(r.ID) == "" {
				addf("%s: empty id", where)
			} else {
				where = fmt.Sprintf("%s/%s", partition, r.ID)
				if prev, dup := seen[r.ID]; dup {
					addf("%s: duplicate id, already defined in %s", where, prev)
				} else {
					seen[r.ID] = partition
				}
			}
			if strings.TrimSpace(r.Name) == "" {
				addf("%s: empty name", where)
			}
			if r.EstimatedCost.Min < 0 || r.EstimatedCost.Max < 0 {
				addf("%s: negative cost", where)
			}
			if r.EstimatedCost.Min > r.EstimatedCost.Max {
				addf("%s: cost min %.2f exceeds max %.2f", where, r.EstimatedCost.Min, r.EstimatedCost.Max)
			}
			for j, c := range r.Conditions {
				if strings.TrimSpace(c.Field) == "" {
					addf("%s: condition %d has empty field", where, j)
				}
				if !c.Operator.Valid() {
					addf("%s: condition %d has unknown operator %q", where, j, c.Operator)
				}
			}
			if len(r.Conditions) == 0 {
				warnings = append(warnings, fmt.Sprintf("%s: no conditions, rule never applies", where))
			}
			if _, capped := parseDays(r.EstimatedTimeline); capped {
				warnings = append(warnings, fmt.Sprintf("%s: timeline %q capped at %d days", where, r.EstimatedTimeline, MaxTimelineDays))
			}
		}
	}

	check("central", p.Central)
	for _, code := range p.RegionCodes() {
		if domain.NormalizeRegion(code) == "" {
			addf("regions: empty region code")
			continue
		}
		check("regions/"+code, p.Regions[code])
	}

	unknownDeps := func(partition string, rules []*domain.ComplianceRule) {
		for _, r := range rules {
			if r == nil {
				continue
			}
			for _, dep := range r.Dependencies {
				if _, ok := seen[dep]; !ok {
					warnings = append(warnings, fmt.Sprintf("%s/%s: depends on unknown rule %s", partition, r.ID, dep))
				}
			}
		}
	}
	unknownDeps("central", p.Central)
	for _, code := range p.RegionCodes() {
		unknownDeps("regions/"+code, p.Regions[code])
	}

	platforms := make(map[string]bool)
	for i, pl := range p.Platforms {
		if pl == nil || strings.TrimSpace(pl.Platform) == "" {
			addf("platforms[%d]: empty platform name", i)
			continue
		}
		key := strings.ToLower(pl.Platform)
		if platforms[key] {
			addf("platforms/%s: duplicate platform", pl.Platform)
		}
		platforms[key] = true
		for _, id := range pl.Requirements.MandatoryCompliance {
			if _, ok := seen[id]; !ok {
				warnings = append(warnings, fmt.Sprintf("platforms/%s: requires unknown rule %s", pl.Platform, id))
			}
		}
	}

	derived := make(map[string]bool)
	for i, d := range p.Derived {
		if d == nil || strings.TrimSpace(d.Name) == "" {
			addf("derived[%d]: empty name", i)
			continue
		}
		if derived[d.Name] {
			addf("derived/%s: duplicate attribute", d.Name)
		}
		derived[d.Name] = true
		if strings.TrimSpace(d.Expression) == "" {
			addf("derived/%s: empty expression", d.Name)
		}
	}

	if len(issues) > 0 {
		return warnings, &ValidationError{Issues: issues}
	}
	return warnings, nil
}
