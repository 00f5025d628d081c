package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserveStore(t *testing.T) {
	m := New()
	fail := false
	src := rules.SourceFunc(func(ctx context.Context) (*domain.Partitions, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &domain.Partitions{
			Central: []*domain.ComplianceRule{
				{ID: "GST", Name: "GST", Conditions: []domain.RuleCondition{{Field: "x", Operator: domain.OpExists}}},
			},
			Regions: map[string][]*domain.ComplianceRule{
				"KA": {
					{ID: "KA_SHOPS", Name: "Shops", Conditions: []domain.RuleCondition{{Field: "x", Operator: domain.OpExists}}},
					{ID: "KA_PT", Name: "PT", Conditions: []domain.RuleCondition{{Field: "x", Operator: domain.OpExists}}},
				},
			},
		}, nil
	})

	store := rules.NewStore(src, rules.WithObserver(m))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := testutil.ToFloat64(m.Reloads.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 successful load, got %v", got)
	}
	if got := testutil.ToFloat64(m.RulesLoaded.WithLabelValues("KA")); got != 2 {
		t.Errorf("expected 2 KA rules, got %v", got)
	}
	if got := testutil.ToFloat64(m.SnapshotVersion); got != 1 {
		t.Errorf("expected snapshot version 1, got %v", got)
	}

	fail = true
	if _, err := store.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if got := testutil.ToFloat64(m.Reloads.WithLabelValues("failure")); got != 1 {
		t.Errorf("expected 1 failed load, got %v", got)
	}
	if got := testutil.ToFloat64(m.SnapshotVersion); got != 1 {
		t.Errorf("expected version to stay at 1, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.ObserveEvaluation("applicable")
	m.ObserveEvaluation("applicable")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `kestrel_evaluations_total{operation="applicable"} 2`) {
		t.Errorf("expected evaluation counter in output, got:\n%s", body)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveEvaluation("applicable")
	m.LoadFailed(errors.New("x"))
}
