package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// Rule bodies are stored as JSON documents; ordinal preserves the
// declaration order the engine evaluates in.
const schemaComplianceRules = `
CREATE TABLE IF NOT EXISTS compliance_rules (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    region TEXT NOT NULL DEFAULT '',
    ordinal INTEGER NOT NULL,
    body TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_compliance_rules_kind ON compliance_rules(kind, region, ordinal);
`

const schemaPlatformRequirements = `
CREATE TABLE IF NOT EXISTS platform_requirements (
    name TEXT PRIMARY KEY,
    ordinal INTEGER NOT NULL,
    body TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaDerivedAttributes = `
CREATE TABLE IF NOT EXISTS derived_attributes (
    name TEXT PRIMARY KEY,
    ordinal INTEGER NOT NULL,
    body TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaComplianceResults = `
CREATE TABLE IF NOT EXISTS compliance_results (
    id TEXT PRIMARY KEY,
    business_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    mandatory INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    cost_min REAL NOT NULL DEFAULT 0,
    cost_max REAL NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT '',
    snapshot_version BIGINT NOT NULL,
    snapshot_digest TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (business_id, rule_id)
);

CREATE INDEX IF NOT EXISTS idx_compliance_results_business ON compliance_results(business_id);
CREATE INDEX IF NOT EXISTS idx_compliance_results_status ON compliance_results(business_id, status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaComplianceRules,
		schemaPlatformRequirements,
		schemaDerivedAttributes,
		schemaComplianceResults,
	}
}
