package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Snapshot is an immutable, fully validated view of the rule data.
// Every evaluation runs against exactly one snapshot.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	// Digest identifies the rule data itself. Unlike Version it is equal
	// across processes and restarts for equal data.
	Digest string

	central     []*domain.ComplianceRule
	regions     map[string][]*domain.ComplianceRule
	regionCodes []string
	platforms   []*domain.PlatformRequirement
	derived     *derivedSet
	byID        map[string]*domain.ComplianceRule
}

// newSnapshot validates partitions and builds the lookup indexes.
func newSnapshot(p *domain.Partitions, version uint64, loadedAt time.Time) (*Snapshot, []string, error) {
	if p == nil {
		return nil, nil, &LoadError{Err: fmt.Errorf("no partitions")}
	}

	warnings, err := validatePartitions(p)
	if err != nil {
		return nil, warnings, &LoadError{Partition: "validation", Err: err}
	}

	derived, err := compileDerived(p.Derived)
	if err != nil {
		return nil, warnings, &LoadError{Partition: "derived", Err: err}
	}

	s := &Snapshot{
		Version:   version,
		LoadedAt:  loadedAt,
		central:   p.Central,
		regions:   make(map[string][]*domain.ComplianceRule, len(p.Regions)),
		platforms: p.Platforms,
		derived:   derived,
		byID:      make(map[string]*domain.ComplianceRule),
	}

	for _, code := range p.RegionCodes() {
		key := domain.NormalizeRegion(code)
		s.regions[key] = append(s.regions[key], p.Regions[code]...)
	}
	for code := range s.regions {
		s.regionCodes = append(s.regionCodes, code)
	}
	sort.Strings(s.regionCodes)

	digest, err := contentDigest(s, p.Derived)
	if err != nil {
		return nil, warnings, &LoadError{Partition: "validation", Err: err}
	}
	s.Digest = digest

	s.walk(func(r *domain.ComplianceRule) {
		if _, ok := s.byID[r.ID]; !ok {
			s.byID[r.ID] = r
		}
	})

	return s, warnings, nil
}

// contentDigest hashes the canonical JSON of the validated partitions.
// encoding/json sorts map keys, so equal data always hashes equally.
func contentDigest(s *Snapshot, derived []*domain.DerivedAttribute) (string, error) {
	data, err := json.Marshal(struct {
		Central   []*domain.ComplianceRule            `json:"central"`
		Regions   map[string][]*domain.ComplianceRule `json:"regions"`
		Platforms []*domain.PlatformRequirement       `json:"platforms"`
		Derived   []*domain.DerivedAttribute          `json:"derived"`
	}{s.central, s.regions, s.platforms, derived})
	if err != nil {
		return "", fmt.Errorf("digest rule data: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// walk visits central rules, then each region partition in code order.
func (s *Snapshot) walk(fn func(*domain.ComplianceRule)) {
	for _, r := range s.central {
		fn(r)
	}
	for _, code := range s.regionCodes {
		for _, r := range s.regions[code] {
			fn(r)
		}
	}
}

// FindRuleByID returns the rule with the given id, searching central rules
// first and then region partitions.
func (s *Snapshot) FindRuleByID(id string) (*domain.ComplianceRule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Applicable returns the rules whose conditions all hold for the profile:
// central rules in stored order, then the profile's region partition.
func (s *Snapshot) Applicable(profile domain.BusinessProfile) []*domain.ComplianceRule {
	enriched := s.derived.apply(profile)

	out := make([]*domain.ComplianceRule, 0)
	for _, r := range s.central {
		if EvaluateAll(r.Conditions, enriched) {
			out = append(out, r)
		}
	}
	if region := profile.Region(); region != "" {
		for _, r := range s.regions[region] {
			if EvaluateAll(r.Conditions, enriched) {
				out = append(out, r)
			}
		}
	}
	return out
}

// Mandatory returns applicable rules flagged mandatory.
func (s *Snapshot) Mandatory(profile domain.BusinessProfile) []*domain.ComplianceRule {
	return filterMandatory(s.Applicable(profile), true)
}

// Optional returns applicable rules not flagged mandatory.
func (s *Snapshot) Optional(profile domain.BusinessProfile) []*domain.ComplianceRule {
	return filterMandatory(s.Applicable(profile), false)
}

func filterMandatory(rules []*domain.ComplianceRule, mandatory bool) []*domain.ComplianceRule {
	out := make([]*domain.ComplianceRule, 0, len(rules))
	for _, r := range rules {
		if r.Mandatory == mandatory {
			out = append(out, r)
		}
	}
	return out
}

// Search returns rules whose name or description contains keyword,
// ignoring case. An empty keyword matches nothing.
func (s *Snapshot) Search(keyword string) []*domain.ComplianceRule {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	out := make([]*domain.ComplianceRule, 0)
	if needle == "" {
		return out
	}
	s.walk(func(r *domain.ComplianceRule) {
		if strings.Contains(strings.ToLower(r.Name), needle) ||
			strings.Contains(strings.ToLower(r.Description), needle) {
			out = append(out, r)
		}
	})
	return out
}

// Platforms returns all platform requirement records in stored order.
func (s *Snapshot) Platforms() []*domain.PlatformRequirement {
	out := make([]*domain.PlatformRequirement, len(s.platforms))
	copy(out, s.platforms)
	return out
}

// Platform looks a platform up by name, ignoring case.
func (s *Snapshot) Platform(name string) (*domain.PlatformRequirement, bool) {
	for _, p := range s.platforms {
		if p.Matches(name) {
			return p, true
		}
	}
	return nil, false
}

// Regions returns the region codes that have a partition.
func (s *Snapshot) Regions() []string {
	out := make([]string, len(s.regionCodes))
	copy(out, s.regionCodes)
	return out
}

// Stats summarizes snapshot contents.
type Stats struct {
	Version        uint64         `json:"version"`
	Digest         string         `json:"digest"`
	LoadedAt       time.Time      `json:"loadedAt"`
	CentralRules   int            `json:"centralRules"`
	RegionRules    map[string]int `json:"regionRules"`
	Platforms      int            `json:"platforms"`
	DerivedAttribs []string       `json:"derivedAttributes,omitempty"`
}

// Stats returns counts per partition.
func (s *Snapshot) Stats() Stats {
	st := Stats{
		Version:        s.Version,
		Digest:         s.Digest,
		LoadedAt:       s.LoadedAt,
		CentralRules:   len(s.central),
		RegionRules:    make(map[string]int, len(s.regions)),
		Platforms:      len(s.platforms),
		DerivedAttribs: s.derived.names(),
	}
	for code, rules := range s.regions {
		st.RegionRules[code] = len(rules)
	}
	return st
}
