package domain

import "sort"

// Operator is a comparison operator in a rule condition.
type Operator string

// Supported condition operators.
const (
	OpGreaterThan    Operator = ">"
	OpLessThan       Operator = "<"
	OpEqual          Operator = "="
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpNotEqual       Operator = "!="
	OpIncludes       Operator = "includes"
	OpExists         Operator = "exists"
)

// Valid reports whether the operator is one the condition evaluator understands.
func (o Operator) Valid() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpEqual, OpGreaterOrEqual,
		OpLessOrEqual, OpNotEqual, OpIncludes, OpExists:
		return true
	}
	return false
}

// RuleCondition is a single predicate over a named profile attribute.
type RuleCondition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Level is the jurisdiction level a rule is issued at.
type Level string

const (
	LevelCentral Level = "central"
	LevelState   Level = "state"
	LevelLocal   Level = "local"
)

// Cost is an estimated cost range. Min <= Max.
type Cost struct {
	Min      float64 `json:"min" yaml:"min"`
	Max      float64 `json:"max" yaml:"max"`
	Currency string  `json:"currency" yaml:"currency"`
}

// ComplianceRule is a single regulatory obligation with the conditions
// under which it applies to a business.
type ComplianceRule struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Level     Level  `json:"level" yaml:"level"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	Mandatory bool   `json:"mandatory" yaml:"mandatory"`

	// Conditions are ANDed. An empty list means the rule never applies.
	Conditions []RuleCondition `json:"conditions" yaml:"conditions"`

	DocumentsRequired []string `json:"documents_required" yaml:"documents_required"`
	EstimatedCost     Cost     `json:"estimated_cost" yaml:"estimated_cost"`

	// EstimatedTimeline is free text, e.g. "7-10 days".
	EstimatedTimeline string `json:"estimated_timeline" yaml:"estimated_timeline"`

	Penalty          string   `json:"penalty,omitempty" yaml:"penalty,omitempty"`
	Authority        string   `json:"authority" yaml:"authority"`
	AuthorityWebsite string   `json:"authority_website,omitempty" yaml:"authority_website,omitempty"`
	Description      string   `json:"description" yaml:"description"`
	Steps            []string `json:"steps" yaml:"steps"`

	// Dependencies lists other rule IDs. Only its length is used, for ordering.
	Dependencies []string `json:"dependencies" yaml:"dependencies"`

	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
	LastVerified string `json:"last_verified,omitempty" yaml:"last_verified,omitempty"`
}

// RuleIDs returns the IDs of the given rules in order.
func RuleIDs(rules []*ComplianceRule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}

// DerivedAttribute is a profile attribute computed from other attributes
// by a CEL expression before conditions are evaluated.
type DerivedAttribute struct {
	Name        string `json:"name" yaml:"name"`
	Expression  string `json:"expression" yaml:"expression"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Partitions is the parsed content of all rule data partitions.
type Partitions struct {
	Central   []*ComplianceRule            `json:"central"`
	Regions   map[string][]*ComplianceRule `json:"regions"`
	Platforms []*PlatformRequirement       `json:"platforms"`
	Derived   []*DerivedAttribute          `json:"derived,omitempty"`
}

// RegionCodes returns the region codes present in the partitions, sorted.
func (p *Partitions) RegionCodes() []string {
	codes := make([]string, 0, len(p.Regions))
	for code := range p.Regions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
