package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EvaluationCache stores rule lists computed for a profile. Keys embed the
// snapshot's content digest, so nodes sharing a cache only share answers
// when they hold identical rule data.
type EvaluationCache struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewEvaluationCache wraps c. A nil c yields a cache that always misses.
func NewEvaluationCache(c domain.Cache, ttl time.Duration) *EvaluationCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &EvaluationCache{cache: c, ttl: ttl}
}

// EvaluationKey builds the cache key for profile under a snapshot digest.
func EvaluationKey(digest string, profile domain.BusinessProfile) (string, error) {
	if digest == "" {
		return "", fmt.Errorf("snapshot digest is required")
	}
	fp, err := profile.Fingerprint()
	if err != nil {
		return "", fmt.Errorf("fingerprint profile: %w", err)
	}
	return digest + ":" + fp, nil
}

// GetRules returns the cached rules for key. ok is false on a miss or
// an undecodable entry.
func (e *EvaluationCache) GetRules(ctx context.Context, namespace, key string) ([]*domain.ComplianceRule, bool) {
	if e == nil || e.cache == nil {
		return nil, false
	}
	data, err := e.cache.Get(ctx, namespace, key)
	if err != nil || data == nil {
		return nil, false
	}
	var rules []*domain.ComplianceRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, false
	}
	return rules, true
}

// SetRules caches rules under key.
func (e *EvaluationCache) SetRules(ctx context.Context, namespace, key string, rules []*domain.ComplianceRule) error {
	if e == nil || e.cache == nil {
		return nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return e.cache.Set(ctx, namespace, key, data, e.ttl)
}

// DropSnapshot removes entries written under a snapshot digest from each
// namespace. Caches without range deletes are left to expire by TTL.
func (e *EvaluationCache) DropSnapshot(ctx context.Context, namespaces []string, digest string) (int, error) {
	if e == nil || e.cache == nil || digest == "" {
		return 0, nil
	}
	pd, ok := e.cache.(PrefixDeleter)
	if !ok {
		return 0, nil
	}

	prefix := digest + ":"
	total := 0
	for _, ns := range namespaces {
		n, err := pd.DeletePrefix(ctx, ns, prefix)
		total += n
		if err != nil {
			return total, fmt.Errorf("drop %s entries of snapshot %s: %w", ns, digest, err)
		}
	}
	return total, nil
}
