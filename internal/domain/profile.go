package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Profile attribute names the engine itself reads.
const (
	ProfileFieldState  = "state"
	ProfileFieldRegion = "region"
)

// BusinessProfile is an open attribute bag describing a business.
// Rule conditions reference attributes by name.
type BusinessProfile map[string]any

// Lookup returns the attribute value and whether it is present.
// A present nil value is reported as present; callers that need
// "present and non-nil" must check the value.
func (p BusinessProfile) Lookup(field string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p[field]
	return v, ok
}

// Region returns the normalized region code of the profile, taken from
// "state" and falling back to "region". Empty if neither is a string.
func (p BusinessProfile) Region() string {
	for _, field := range []string{ProfileFieldState, ProfileFieldRegion} {
		if v, ok := p.Lookup(field); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return NormalizeRegion(s)
			}
		}
	}
	return ""
}

// Clone returns a shallow copy of the profile.
func (p BusinessProfile) Clone() BusinessProfile {
	out := make(BusinessProfile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Fingerprint returns a stable hash of the profile contents.
// encoding/json sorts map keys, so equal profiles hash equally.
func (p BusinessProfile) Fingerprint() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeRegion canonicalizes a region code for partition lookup.
func NormalizeRegion(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
