// Rulecheck validates rule data offline and evaluates sample profiles.
//
// Usage:
//
//	go run ./cmd/rulecheck -dir ./rules
//	go run ./cmd/rulecheck -dir ./rules -profile business.json
//	go run ./cmd/rulecheck -dir ./rules -seed
//
// Without -dir the embedded rule data is used. -seed writes the partitions
// into the database configured through the KESTREL_* environment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/source"
)

// Report is printed when a profile is evaluated.
type Report struct {
	SnapshotVersion uint64                 `json:"snapshotVersion"`
	Applicable      []string               `json:"applicable"`
	Mandatory       []string               `json:"mandatory"`
	Optional        []string               `json:"optional"`
	Cost            *domain.CostSummary    `json:"cost,omitempty"`
	CostError       string                 `json:"costError,omitempty"`
	Timeline        []domain.TimelineEntry `json:"timeline"`
}

func main() {
	dir := flag.String("dir", "", "Rule data directory (default: embedded data)")
	profilePath := flag.String("profile", "", "JSON file holding a business profile to evaluate")
	seed := flag.Bool("seed", false, "Write the partitions into the configured database")
	currency := flag.String("currency", domain.DefaultCurrency, "Currency rule costs are summed in")
	flag.Parse()

	if err := run(context.Background(), os.Stdout, *dir, *profilePath, *seed, *currency); err != nil {
		fmt.Fprintf(os.Stderr, "rulecheck: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, dir, profilePath string, seed bool, currency string) error {
	var src *source.FS
	if dir == "" {
		src = source.Embedded()
	} else {
		src = source.Dir(dir)
	}

	store := rules.NewStore(src)
	if err := store.Load(ctx); err != nil {
		return err
	}
	snap, err := store.Snapshot()
	if err != nil {
		return err
	}
	printStats(out, src.Name(), snap.Stats())

	if seed {
		_ = godotenv.Load()
		cfg := domain.LoadConfig(os.Getenv)
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return err
		}
		defer repo.Close()

		p, err := source.Seed(ctx, src, repo)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Seeded %d central rules and %d regions into %s\n", len(p.Central), len(p.Regions), cfg.Repository.Driver)
	}

	if profilePath == "" {
		return nil
	}

	profile, err := readProfile(profilePath)
	if err != nil {
		return err
	}
	report := evaluate(snap, profile, currency)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func readProfile(path string) (domain.BusinessProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var profile domain.BusinessProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("profile %s is empty", path)
	}
	return profile, nil
}

func evaluate(snap *rules.Snapshot, profile domain.BusinessProfile, currency string) Report {
	applicable := snap.Applicable(profile)
	report := Report{
		SnapshotVersion: snap.Version,
		Applicable:      domain.RuleIDs(applicable),
		Mandatory:       domain.RuleIDs(snap.Mandatory(profile)),
		Optional:        domain.RuleIDs(snap.Optional(profile)),
		Timeline:        rules.Timeline(applicable),
	}
	if cost, err := rules.TotalCost(applicable, currency); err != nil {
		report.CostError = err.Error()
	} else {
		report.Cost = &cost
	}
	return report
}

func printStats(out io.Writer, name string, st rules.Stats) {
	fmt.Fprintf(out, "Rule data:      %s\n", name)
	fmt.Fprintf(out, "Central rules:  %d\n", st.CentralRules)

	codes := make([]string, 0, len(st.RegionRules))
	for code := range st.RegionRules {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(out, "Region %-8s %d\n", code+":", st.RegionRules[code])
	}
	fmt.Fprintf(out, "Platforms:      %d\n", st.Platforms)
	fmt.Fprintf(out, "Derived:        %v\n", st.DerivedAttribs)
	fmt.Fprintln(out)
}
