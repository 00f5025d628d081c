package domain

import (
	"fmt"
	"time"
)

// CostSummary is the aggregated cost of a set of rules.
type CostSummary struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

// TimelineEntry schedules one rule in a sequential week plan.
type TimelineEntry struct {
	Week       int      `json:"week"`
	RuleID     string   `json:"ruleId"`
	Compliance string   `json:"compliance"`
	Actions    []string `json:"actions"`
	Days       int      `json:"days"`
}

// EligibilityResult is the outcome of a platform eligibility check.
// Found distinguishes an unknown platform from an ineligible business.
type EligibilityResult struct {
	Platform           string   `json:"platform"`
	Found              bool     `json:"found"`
	Eligible           bool     `json:"eligible"`
	MissingCompliances []string `json:"missingCompliances"`
	Message            string   `json:"message"`
}

// ComplianceStatus is caller-managed progress on an applicable rule.
type ComplianceStatus string

const (
	StatusPending       ComplianceStatus = "pending"
	StatusInProgress    ComplianceStatus = "in_progress"
	StatusCompleted     ComplianceStatus = "completed"
	StatusNotApplicable ComplianceStatus = "not_applicable"
)

// ParseComplianceStatus validates a status string.
func ParseComplianceStatus(s string) (ComplianceStatus, error) {
	switch st := ComplianceStatus(s); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusNotApplicable:
		return st, nil
	}
	return "", fmt.Errorf("unknown compliance status %q", s)
}

// ComplianceResult snapshots an applicable rule for a business. The engine
// creates it as pending; Status is owned by the caller afterwards.
type ComplianceResult struct {
	ID              string           `json:"id"`
	BusinessID      string           `json:"businessId"`
	RuleID          string           `json:"ruleId"`
	RuleName        string           `json:"ruleName"`
	Mandatory       bool             `json:"mandatory"`
	Status          ComplianceStatus `json:"status"`
	EstimatedCost   Cost             `json:"estimatedCost"`
	SnapshotVersion uint64           `json:"snapshotVersion"`
	SnapshotDigest  string           `json:"snapshotDigest,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}
