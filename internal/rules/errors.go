package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSnapshot is returned when evaluation is attempted before a
	// successful load.
	ErrNoSnapshot = errors.New("rule snapshot not loaded")

	// ErrMixedCurrency is returned when summing costs expressed in
	// different currencies.
	ErrMixedCurrency = errors.New("rules carry mixed currencies")
)

// LoadError reports that rule data could not be loaded. At startup it is
// fatal: the engine must not serve with a missing or partial rule set.
type LoadError struct {
	Partition string
	Err       error
}

func (e *LoadError) Error() string {
	if e.Partition == "" {
		return fmt.Sprintf("load rules: %v", e.Err)
	}
	return fmt.Sprintf("load rule partition %s: %v", e.Partition, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ReloadError reports a failed reload. The previous snapshot stays active.
type ReloadError struct {
	Err error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload rules, previous snapshot kept: %v", e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// ValidationError collects every structural problem found in rule data.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d validation issue(s): %s", len(e.Issues), strings.Join(e.Issues, "; "))
}
