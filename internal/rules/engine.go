// Package rules provides the deterministic compliance rule engine.
//
// Conclusions about which obligations apply are produced only here, from
// rule data and a business profile. Nothing in this package consults a
// language model, the clock (beyond snapshot metadata) or randomness.
package rules

import (
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine answers compliance questions against the store's active snapshot.
// Each call reads the snapshot once, so a concurrent reload never mixes
// old and new rule data within a single answer.
type Engine struct {
	store    *Store
	currency string
}

// NewEngine creates an engine over store. currency is the unit all rule
// costs are summed in.
func NewEngine(store *Store, currency string) *Engine {
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	return &Engine{store: store, currency: currency}
}

// Store returns the underlying rule store.
func (e *Engine) Store() *Store { return e.store }

// Currency returns the configured cost currency.
func (e *Engine) Currency() string { return e.currency }

// Applicable returns the rules that apply to profile.
func (e *Engine) Applicable(profile domain.BusinessProfile) ([]*domain.ComplianceRule, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Applicable(profile), nil
}

// Evaluate returns the applicable rules together with the snapshot that
// produced them.
func (e *Engine) Evaluate(profile domain.BusinessProfile) ([]*domain.ComplianceRule, *Snapshot, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	return snap.Applicable(profile), snap, nil
}

// Mandatory returns the applicable rules flagged mandatory.
func (e *Engine) Mandatory(profile domain.BusinessProfile) ([]*domain.ComplianceRule, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Mandatory(profile), nil
}

// Optional returns the applicable rules not flagged mandatory.
func (e *Engine) Optional(profile domain.BusinessProfile) ([]*domain.ComplianceRule, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Optional(profile), nil
}

// TotalCost sums rule costs in the engine currency.
func (e *Engine) TotalCost(rules []*domain.ComplianceRule) (domain.CostSummary, error) {
	return TotalCost(rules, e.currency)
}

// Timeline builds the sequential week plan for rules.
func (e *Engine) Timeline(rules []*domain.ComplianceRule) []domain.TimelineEntry {
	return Timeline(rules)
}

// Search finds rules by keyword in name or description.
func (e *Engine) Search(keyword string) ([]*domain.ComplianceRule, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Search(keyword), nil
}

// FindRuleByID looks up a single rule.
func (e *Engine) FindRuleByID(id string) (*domain.ComplianceRule, bool) {
	return e.store.FindRuleByID(id)
}

// Platforms lists platform requirement records.
func (e *Engine) Platforms() ([]*domain.PlatformRequirement, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Platforms(), nil
}

// Platform looks a platform up by name, ignoring case.
func (e *Engine) Platform(name string) (*domain.PlatformRequirement, bool) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, false
	}
	return snap.Platform(name)
}

// CheckEligibility checks whether profile meets a platform's compliance demands.
func (e *Engine) CheckEligibility(platformName string, profile domain.BusinessProfile) (domain.EligibilityResult, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return domain.EligibilityResult{}, err
	}
	return snap.CheckEligibility(platformName, profile), nil
}

// SnapshotResults turns applicable rules into pending compliance results
// for businessID, stamped with the snapshot that produced rules. The status
// is owned by the caller from then on.
func SnapshotResults(businessID string, snap *Snapshot, rules []*domain.ComplianceRule, now time.Time) []*domain.ComplianceResult {
	results := make([]*domain.ComplianceResult, 0, len(rules))
	for _, r := range rules {
		results = append(results, &domain.ComplianceResult{
			ID:              uuid.New().String(),
			BusinessID:      businessID,
			RuleID:          r.ID,
			RuleName:        r.Name,
			Mandatory:       r.Mandatory,
			Status:          domain.StatusPending,
			EstimatedCost:   r.EstimatedCost,
			SnapshotVersion: snap.Version,
			SnapshotDigest:  snap.Digest,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return results
}
