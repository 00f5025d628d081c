package domain

import "strings"

// PlatformRequirement describes what an onboarding channel (marketplace,
// delivery aggregator, payment gateway) demands before a business can list.
type PlatformRequirement struct {
	Platform          string               `json:"platform" yaml:"platform"`
	Type              string               `json:"type" yaml:"type"`
	Requirements      PlatformRequirements `json:"requirements" yaml:"requirements"`
	EstimatedCost     PlatformCost         `json:"estimated_cost" yaml:"estimated_cost"`
	EstimatedTimeline string               `json:"estimated_timeline" yaml:"estimated_timeline"`
	OnboardingSteps   []string             `json:"onboarding_steps" yaml:"onboarding_steps"`
	Website           string               `json:"website,omitempty" yaml:"website,omitempty"`
}

// PlatformRequirements lists the prerequisites of a platform.
type PlatformRequirements struct {
	// MandatoryCompliance holds rule IDs that must be applicable to the business.
	MandatoryCompliance []string `json:"mandatory_compliance" yaml:"mandatory_compliance"`
	DocumentsRequired   []string `json:"documents_required" yaml:"documents_required"`
	BusinessType        []string `json:"business_type" yaml:"business_type"`
}

// PlatformCost is free text because platforms quote fees as ranges or percentages.
type PlatformCost struct {
	RegistrationFee string `json:"registration_fee" yaml:"registration_fee"`
	Commission      string `json:"commission" yaml:"commission"`
}

// Matches reports whether name refers to this platform, ignoring case.
func (p *PlatformRequirement) Matches(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), p.Platform)
}
