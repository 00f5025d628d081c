// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Rule kinds stored in compliance_rules.kind.
const (
	kindCentral = "central"
	kindRegion  = "region"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ReplacePartitions swaps the stored rule data for p in one transaction.
// Readers see either the old partitions or the new ones.
func (r *SQLRepository) ReplacePartitions(ctx context.Context, p *domain.Partitions) error {
	if p == nil {
		return fmt.Errorf("%w: partitions are required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"compliance_rules", "platform_requirements", "derived_attributes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	now := time.Now().UTC()

	insertRule := r.rebind(`
		INSERT INTO compliance_rules (id, kind, region, ordinal, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	for i, rule := range p.Central {
		body, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("failed to encode rule %s: %w", rule.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insertRule, rule.ID, kindCentral, "", i, string(body), now); err != nil {
			return fmt.Errorf("failed to store rule %s: %w", rule.ID, err)
		}
	}
	for _, code := range p.RegionCodes() {
		for i, rule := range p.Regions[code] {
			body, err := json.Marshal(rule)
			if err != nil {
				return fmt.Errorf("failed to encode rule %s: %w", rule.ID, err)
			}
			if _, err := tx.ExecContext(ctx, insertRule, rule.ID, kindRegion, code, i, string(body), now); err != nil {
				return fmt.Errorf("failed to store rule %s: %w", rule.ID, err)
			}
		}
	}

	insertPlatform := r.rebind(`
		INSERT INTO platform_requirements (name, ordinal, body, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	for i, pl := range p.Platforms {
		body, err := json.Marshal(pl)
		if err != nil {
			return fmt.Errorf("failed to encode platform %s: %w", pl.Platform, err)
		}
		if _, err := tx.ExecContext(ctx, insertPlatform, pl.Platform, i, string(body), now); err != nil {
			return fmt.Errorf("failed to store platform %s: %w", pl.Platform, err)
		}
	}

	insertDerived := r.rebind(`
		INSERT INTO derived_attributes (name, ordinal, body, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	for i, attr := range p.Derived {
		body, err := json.Marshal(attr)
		if err != nil {
			return fmt.Errorf("failed to encode derived attribute %s: %w", attr.Name, err)
		}
		if _, err := tx.ExecContext(ctx, insertDerived, attr.Name, i, string(body), now); err != nil {
			return fmt.Errorf("failed to store derived attribute %s: %w", attr.Name, err)
		}
	}

	return tx.Commit()
}

// LoadPartitions reads every stored partition in declaration order.
// Returns ErrNotFound when nothing has been seeded.
func (r *SQLRepository) LoadPartitions(ctx context.Context) (*domain.Partitions, error) {
	p := &domain.Partitions{Regions: make(map[string][]*domain.ComplianceRule)}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, region, body
		FROM compliance_rules
		ORDER BY kind, region, ordinal
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, kind, region, body string
		if err := rows.Scan(&id, &kind, &region, &body); err != nil {
			return nil, err
		}
		var rule domain.ComplianceRule
		if err := json.Unmarshal([]byte(body), &rule); err != nil {
			return nil, fmt.Errorf("failed to parse rule %s: %w", id, err)
		}
		switch kind {
		case kindCentral:
			p.Central = append(p.Central, &rule)
		case kindRegion:
			p.Regions[region] = append(p.Regions[region], &rule)
		default:
			return nil, fmt.Errorf("rule %s has unknown kind %q", id, kind)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadDocuments(ctx, "platform_requirements", func(body []byte) error {
		var pl domain.PlatformRequirement
		if err := json.Unmarshal(body, &pl); err != nil {
			return err
		}
		p.Platforms = append(p.Platforms, &pl)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load platforms: %w", err)
	}

	if err := r.loadDocuments(ctx, "derived_attributes", func(body []byte) error {
		var attr domain.DerivedAttribute
		if err := json.Unmarshal(body, &attr); err != nil {
			return err
		}
		p.Derived = append(p.Derived, &attr)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load derived attributes: %w", err)
	}

	if len(p.Central) == 0 && len(p.Regions) == 0 && len(p.Platforms) == 0 {
		return nil, fmt.Errorf("%w: no rule partitions stored", ErrNotFound)
	}
	return p, nil
}

func (r *SQLRepository) loadDocuments(ctx context.Context, table string, fn func([]byte) error) error {
	rows, err := r.db.QueryContext(ctx, "SELECT body FROM "+table+" ORDER BY ordinal")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveComplianceResults replaces the applicable set for a business. Re-saving
// a rule refreshes its name, cost and snapshot reference but keeps the status
// and notes the caller has recorded, unless the rule had been retired. Rules missing from results are retired
// in the same transaction: untouched pending rows are deleted, rows with
// recorded progress are marked not_applicable.
func (r *SQLRepository) SaveComplianceResults(ctx context.Context, businessID string, results []*domain.ComplianceResult) error {
	if businessID == "" {
		return fmt.Errorf("%w: businessID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.rebind(`
		INSERT INTO compliance_results (
			id, business_id, rule_id, rule_name, mandatory, status,
			cost_min, cost_max, currency, snapshot_version, snapshot_digest, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(business_id, rule_id) DO UPDATE SET
			rule_name = excluded.rule_name,
			mandatory = excluded.mandatory,
			status = CASE WHEN compliance_results.status = 'not_applicable'
				THEN excluded.status ELSE compliance_results.status END,
			cost_min = excluded.cost_min,
			cost_max = excluded.cost_max,
			currency = excluded.currency,
			snapshot_version = excluded.snapshot_version,
			snapshot_digest = excluded.snapshot_digest,
			updated_at = excluded.updated_at
	`)

	for _, res := range results {
		if res.RuleID == "" {
			return fmt.Errorf("%w: ruleID is required", ErrInvalidInput)
		}
		mandatory := 0
		if res.Mandatory {
			mandatory = 1
		}
		status := res.Status
		if status == "" {
			status = domain.StatusPending
		}
		if _, err := tx.ExecContext(ctx, query,
			res.ID, businessID, res.RuleID, res.RuleName, mandatory, string(status),
			res.EstimatedCost.Min, res.EstimatedCost.Max, res.EstimatedCost.Currency,
			int64(res.SnapshotVersion), res.SnapshotDigest, res.Notes, res.CreatedAt, res.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to save result for rule %s: %w", res.RuleID, err)
		}
	}

	if err := r.retireResults(ctx, tx, businessID, results); err != nil {
		return err
	}

	return tx.Commit()
}

// retireResults clears rows of businessID whose rule is not in keep.
func (r *SQLRepository) retireResults(ctx context.Context, tx *sql.Tx, businessID string, keep []*domain.ComplianceResult) error {
	exclude := ""
	args := []any{businessID}
	if len(keep) > 0 {
		exclude = " AND rule_id NOT IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ") + ")"
		for _, res := range keep {
			args = append(args, res.RuleID)
		}
	}

	deleteArgs := append([]any{string(domain.StatusPending)}, args...)
	if _, err := tx.ExecContext(ctx, r.rebind(`
		DELETE FROM compliance_results
		WHERE status = ? AND business_id = ?`+exclude), deleteArgs...); err != nil {
		return fmt.Errorf("failed to delete stale results: %w", err)
	}

	updateArgs := append([]any{string(domain.StatusNotApplicable), time.Now().UTC(), string(domain.StatusNotApplicable)}, args...)
	if _, err := tx.ExecContext(ctx, r.rebind(`
		UPDATE compliance_results
		SET status = ?, updated_at = ?
		WHERE status <> ? AND business_id = ?`+exclude), updateArgs...); err != nil {
		return fmt.Errorf("failed to retire stale results: %w", err)
	}
	return nil
}

const selectResult = `
	SELECT id, business_id, rule_id, rule_name, mandatory, status,
		   cost_min, cost_max, currency, snapshot_version, snapshot_digest, notes, created_at, updated_at
	FROM compliance_results
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*domain.ComplianceResult, error) {
	var res domain.ComplianceResult
	var mandatory int
	var status string
	var version int64

	if err := row.Scan(
		&res.ID, &res.BusinessID, &res.RuleID, &res.RuleName, &mandatory, &status,
		&res.EstimatedCost.Min, &res.EstimatedCost.Max, &res.EstimatedCost.Currency,
		&version, &res.SnapshotDigest, &res.Notes, &res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		return nil, err
	}

	res.Mandatory = mandatory == 1
	res.Status = domain.ComplianceStatus(status)
	res.SnapshotVersion = uint64(version)
	return &res, nil
}

// ListComplianceResults returns a business's results ordered by rule ID.
func (r *SQLRepository) ListComplianceResults(ctx context.Context, businessID string) ([]*domain.ComplianceResult, error) {
	if businessID == "" {
		return nil, fmt.Errorf("%w: businessID is required", ErrInvalidInput)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(selectResult+`
		WHERE business_id = ?
		ORDER BY rule_id
	`), businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []*domain.ComplianceResult{}
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return results, rows.Err()
}

// UpdateComplianceStatus records caller progress on one rule.
func (r *SQLRepository) UpdateComplianceStatus(ctx context.Context, businessID string, ruleID string, status domain.ComplianceStatus, notes string) (*domain.ComplianceResult, error) {
	if businessID == "" {
		return nil, fmt.Errorf("%w: businessID is required", ErrInvalidInput)
	}
	if _, err := domain.ParseComplianceStatus(string(status)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		UPDATE compliance_results
		SET status = ?, notes = ?, updated_at = ?
		WHERE business_id = ? AND rule_id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), notes, time.Now().UTC(), businessID, ruleID)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, r.rebind(selectResult+`
		WHERE business_id = ? AND rule_id = ?
	`), businessID, ruleID)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
