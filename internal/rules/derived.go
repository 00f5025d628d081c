package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// derivedCostLimit bounds the work a single derived expression may do.
const derivedCostLimit = 10000

// compiledAttribute holds a pre-compiled CEL program for one derived attribute.
type compiledAttribute struct {
	Config  *domain.DerivedAttribute
	Program cel.Program
}

// derivedSet computes derived profile attributes in declaration order.
type derivedSet struct {
	attrs []compiledAttribute
}

func newDerivedEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("profile", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compileDerived compiles every derived attribute. Any failure rejects the
// whole set so a snapshot never carries a half-working attribute list.
func compileDerived(configs []*domain.DerivedAttribute) (*derivedSet, error) {
	set := &derivedSet{}
	if len(configs) == 0 {
		return set, nil
	}

	env, err := newDerivedEnv()
	if err != nil {
		return nil, err
	}

	for _, cfg := range configs {
		ast, issues := env.Compile(cfg.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile derived attribute %s: %w", cfg.Name, issues.Err())
		}

		switch ast.OutputType() {
		case cel.BoolType, cel.IntType, cel.DoubleType, cel.StringType, cel.DynType:
		default:
			return nil, fmt.Errorf("derived attribute %s: expression must return bool, int, double or string, got %s", cfg.Name, ast.OutputType())
		}

		program, err := env.Program(ast, cel.CostLimit(derivedCostLimit))
		if err != nil {
			return nil, fmt.Errorf("failed to create program for derived attribute %s: %w", cfg.Name, err)
		}
		set.attrs = append(set.attrs, compiledAttribute{Config: cfg, Program: program})
	}
	return set, nil
}

// apply returns the profile extended with derived attributes. The input is
// never modified and caller-supplied attributes are never overwritten.
// An expression that errors or yields an unsupported type leaves its
// attribute absent.
func (d *derivedSet) apply(profile domain.BusinessProfile) domain.BusinessProfile {
	if d == nil || len(d.attrs) == 0 {
		return profile
	}

	out := profile.Clone()
	for _, attr := range d.attrs {
		if _, exists := out[attr.Config.Name]; exists {
			continue
		}
		val, _, err := attr.Program.Eval(map[string]any{"profile": map[string]any(out)})
		if err != nil {
			continue
		}
		if native, ok := toNative(val); ok {
			out[attr.Config.Name] = native
		}
	}
	return out
}

// names returns derived attribute names in declaration order.
func (d *derivedSet) names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, len(d.attrs))
	for i, attr := range d.attrs {
		names[i] = attr.Config.Name
	}
	return names
}

func toNative(val ref.Val) (any, bool) {
	switch v := val.(type) {
	case types.Bool:
		return bool(v), true
	case types.Int:
		return int64(v), true
	case types.Double:
		return float64(v), true
	case types.String:
		return string(v), true
	default:
		return nil, false
	}
}
