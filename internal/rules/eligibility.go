package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CheckEligibility reports whether every compliance a platform demands is
// applicable to the profile. An unknown platform yields Found=false.
func (s *Snapshot) CheckEligibility(platformName string, profile domain.BusinessProfile) domain.EligibilityResult {
	platform, ok := s.Platform(platformName)
	if !ok {
		return domain.EligibilityResult{
			Platform:           platformName,
			Found:              false,
			Eligible:           false,
			MissingCompliances: []string{},
			Message:            fmt.Sprintf("platform %q not found", platformName),
		}
	}

	applicable := make(map[string]bool)
	for _, r := range s.Applicable(profile) {
		applicable[r.ID] = true
	}

	missing := make([]string, 0)
	seen := make(map[string]bool)
	for _, id := range platform.Requirements.MandatoryCompliance {
		if applicable[id] || seen[id] {
			continue
		}
		seen[id] = true
		missing = append(missing, id)
	}

	result := domain.EligibilityResult{
		Platform:           platform.Platform,
		Found:              true,
		Eligible:           len(missing) == 0,
		MissingCompliances: missing,
	}
	if result.Eligible {
		result.Message = fmt.Sprintf("eligible to onboard on %s", platform.Platform)
	} else {
		result.Message = fmt.Sprintf("missing %d mandatory compliance(s) for %s: %s",
			len(missing), platform.Platform, strings.Join(missing, ", "))
	}
	return result
}
