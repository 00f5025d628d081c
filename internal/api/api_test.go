package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/source"
)

// bengaluruBakery is applicable to five central rules and all three KA rules.
const bengaluruBakery = `{"profile": {
	"state": "ka",
	"city": "Bengaluru",
	"annual_turnover": 5000000,
	"employee_count": 12,
	"sells_food": true,
	"has_physical_store": true
}}`

const smallTrader = `{"profile": {"annual_turnover": 5000000}}`

type testEnv struct {
	server *Server
	store  *rules.Store
	bus    *bus.ChannelBus
}

func newTestEnv(t *testing.T, src rules.Source, load bool) *testEnv {
	t.Helper()
	return newTestEnvWithCache(t, src, load, cache.NewLRUCache(100))
}

// newTestEnvWithCache builds a server over c, which several envs may share
// the way replicas share Redis.
func newTestEnvWithCache(t *testing.T, src rules.Source, load bool, c domain.Cache) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	m := metrics.New()
	store := rules.NewStore(src, rules.WithObserver(m))
	if load {
		if err := store.Load(context.Background()); err != nil {
			t.Fatalf("failed to load rules: %v", err)
		}
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	evalCache := cache.NewEvaluationCache(c, time.Minute)
	engine := rules.NewEngine(store, domain.DefaultCurrency)

	return &testEnv{
		server: NewServer(cfg, repo, evalCache, eventBus, engine, m, "test-v1"),
		store:  store,
		bus:    eventBus,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response: %v: %s", err, rr.Body.String())
	}
}

func ruleIDs(rs []*domain.ComplianceRule) []string {
	return domain.RuleIDs(rs)
}

func TestComplianceEndpoints(t *testing.T) {
	env := newTestEnv(t, source.Embedded(), true)

	t.Run("Applicable", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/applicable", bengaluruBakery)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp RulesResponse
		decode(t, rr, &resp)

		want := []string{"GST", "FSSAI", "UDYAM", "TAN", "ESI", "KA_SHOPS", "KA_PT", "KA_BBMP_TRADE"}
		if got := ruleIDs(resp.Rules); !reflect.DeepEqual(got, want) {
			t.Errorf("expected %v, got %v", want, got)
		}
		if resp.Count != len(want) {
			t.Errorf("expected count %d, got %d", len(want), resp.Count)
		}
		if resp.SnapshotVersion != 1 {
			t.Errorf("expected snapshot version 1, got %d", resp.SnapshotVersion)
		}
		if resp.Cached {
			t.Error("first evaluation should not be cached")
		}
	})

	t.Run("ApplicableCachedOnRepeat", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/applicable", bengaluruBakery)
		var resp RulesResponse
		decode(t, rr, &resp)

		if !resp.Cached {
			t.Error("expected repeated evaluation to be served from cache")
		}
		if resp.Count != 8 {
			t.Errorf("expected 8 cached rules, got %d", resp.Count)
		}
	})

	t.Run("Mandatory", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/mandatory", bengaluruBakery)
		var resp RulesResponse
		decode(t, rr, &resp)

		for _, r := range resp.Rules {
			if !r.Mandatory {
				t.Errorf("rule %s is not mandatory", r.ID)
			}
		}
		if resp.Count != 7 {
			t.Errorf("expected 7 mandatory rules, got %d", resp.Count)
		}
	})

	t.Run("Optional", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/optional", bengaluruBakery)
		var resp RulesResponse
		decode(t, rr, &resp)

		if got := ruleIDs(resp.Rules); !reflect.DeepEqual(got, []string{"UDYAM"}) {
			t.Errorf("expected [UDYAM], got %v", got)
		}
	})

	t.Run("NoRegion", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/applicable", smallTrader)
		var resp RulesResponse
		decode(t, rr, &resp)

		if got := ruleIDs(resp.Rules); !reflect.DeepEqual(got, []string{"GST", "UDYAM"}) {
			t.Errorf("expected [GST UDYAM], got %v", got)
		}
	})

	t.Run("EmptyProfile", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/applicable", `{"profile": {}}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp RulesResponse
		decode(t, rr, &resp)
		if resp.Count != 0 || resp.Rules == nil {
			t.Errorf("expected an empty non-null rule list, got %s", rr.Body.String())
		}
	})

	t.Run("MissingProfile", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/applicable", `{}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/applicable", `{not json`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Cost", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/cost", smallTrader)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp CostResponse
		decode(t, rr, &resp)

		if resp.Cost.Min != 0 || resp.Cost.Max != 2000 {
			t.Errorf("expected cost 0-2000, got %v-%v", resp.Cost.Min, resp.Cost.Max)
		}
		if resp.Cost.Currency != "INR" {
			t.Errorf("expected currency INR, got %s", resp.Cost.Currency)
		}
		if resp.RuleCount != 2 {
			t.Errorf("expected 2 rules, got %d", resp.RuleCount)
		}
	})

	t.Run("CostMandatoryOnly", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/cost?mandatory=true", smallTrader)
		var resp CostResponse
		decode(t, rr, &resp)

		if !resp.MandatoryOnly {
			t.Error("expected mandatoryOnly in response")
		}
		if resp.RuleCount != 1 {
			t.Errorf("expected 1 mandatory rule, got %d", resp.RuleCount)
		}
	})

	t.Run("Timeline", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/compliance/timeline", smallTrader)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp TimelineResponse
		decode(t, rr, &resp)

		if len(resp.Timeline) != 2 {
			t.Fatalf("expected 2 timeline entries, got %d", len(resp.Timeline))
		}
		gst, udyam := resp.Timeline[0], resp.Timeline[1]
		if gst.RuleID != "GST" || gst.Week != 1 || gst.Days != 7 {
			t.Errorf("unexpected first entry: %+v", gst)
		}
		if udyam.RuleID != "UDYAM" || udyam.Week != 2 || udyam.Days != 1 {
			t.Errorf("unexpected second entry: %+v", udyam)
		}
		if resp.TotalWeeks != 2 {
			t.Errorf("expected 2 total weeks, got %d", resp.TotalWeeks)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t, source.Embedded(), true)

	t.Run("GetRule", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules/KA_PT", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rule domain.ComplianceRule
		decode(t, rr, &rule)
		if rule.ID != "KA_PT" || rule.Region != "KA" {
			t.Errorf("unexpected rule: %+v", rule)
		}
	})

	t.Run("GetUnknownRule", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules/NOPE", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Search", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules?q=provident", "")
		var resp RulesResponse
		decode(t, rr, &resp)
		if got := ruleIDs(resp.Rules); !reflect.DeepEqual(got, []string{"EPF"}) {
			t.Errorf("expected [EPF], got %v", got)
		}
	})

	t.Run("SearchEmptyKeyword", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules", "")
		var resp RulesResponse
		decode(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected no matches for empty keyword, got %d", resp.Count)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules/stats", "")
		var st rules.Stats
		decode(t, rr, &st)
		if st.CentralRules != 10 {
			t.Errorf("expected 10 central rules, got %d", st.CentralRules)
		}
		if st.RegionRules["KA"] != 3 {
			t.Errorf("expected 3 KA rules, got %d", st.RegionRules["KA"])
		}
		if st.Platforms != 5 {
			t.Errorf("expected 5 platforms, got %d", st.Platforms)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/rules/reload", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		snap, err := env.store.Snapshot()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.Version != 2 {
			t.Errorf("expected version 2 after reload, got %d", snap.Version)
		}
	})
}

// editedRule serves the embedded rules with central rule id changed by edit.
func editedRule(id string, edit func(*domain.ComplianceRule)) rules.Source {
	return rules.SourceFunc(func(ctx context.Context) (*domain.Partitions, error) {
		p, err := source.Embedded().Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range p.Central {
			if r.ID == id {
				edit(r)
			}
		}
		return p, nil
	})
}

// gstThreshold serves the embedded rules with GST moved to turnover above min.
func gstThreshold(min float64) rules.Source {
	return editedRule("GST", func(r *domain.ComplianceRule) {
		r.Conditions = []domain.RuleCondition{{Field: "annual_turnover", Operator: domain.OpGreaterThan, Value: min}}
	})
}

func TestTimelineZeroDayRule(t *testing.T) {
	env := newTestEnv(t, editedRule("UDYAM", func(r *domain.ComplianceRule) {
		r.EstimatedTimeline = "0 days"
	}), true)

	rr := env.do(http.MethodPost, "/compliance/timeline", smallTrader)
	var resp TimelineResponse
	decode(t, rr, &resp)
	if len(resp.Timeline) != 2 {
		t.Fatalf("expected 2 timeline entries, got %d", len(resp.Timeline))
	}
	last := resp.Timeline[1]
	if last.RuleID != "UDYAM" || last.Days != 0 || last.Week != 2 {
		t.Fatalf("unexpected last entry: %+v", last)
	}
	if resp.TotalWeeks != 2 {
		t.Errorf("expected total weeks to cover week 2, got %d", resp.TotalWeeks)
	}
}

func TestSharedCacheAcrossNodes(t *testing.T) {
	shared := cache.NewLRUCache(100)
	nodeA := newTestEnvWithCache(t, gstThreshold(4000000), true, shared)
	nodeB := newTestEnvWithCache(t, gstThreshold(9000000), true, shared)

	snapA, _ := nodeA.store.Snapshot()
	snapB, _ := nodeB.store.Snapshot()
	if snapA.Version != snapB.Version {
		t.Fatalf("expected both nodes at the same version, got %d and %d", snapA.Version, snapB.Version)
	}
	if snapA.Digest == snapB.Digest {
		t.Fatal("expected different digests for different rule data")
	}

	var a RulesResponse
	decode(t, nodeA.do(http.MethodPost, "/compliance/applicable", smallTrader), &a)
	if !slices.Contains(ruleIDs(a.Rules), "GST") {
		t.Fatalf("expected node A to require GST, got %v", ruleIDs(a.Rules))
	}

	var b RulesResponse
	decode(t, nodeB.do(http.MethodPost, "/compliance/applicable", smallTrader), &b)
	if b.Cached {
		t.Error("node B must not read node A's cached answer")
	}
	if slices.Contains(ruleIDs(b.Rules), "GST") {
		t.Errorf("expected node B to skip GST below its threshold, got %v", ruleIDs(b.Rules))
	}

	t.Run("EqualDataSharesEntries", func(t *testing.T) {
		nodeC := newTestEnvWithCache(t, gstThreshold(4000000), true, shared)
		var c RulesResponse
		decode(t, nodeC.do(http.MethodPost, "/compliance/applicable", smallTrader), &c)
		if !c.Cached {
			t.Error("expected a node with identical rules to reuse the shared entry")
		}
		if !reflect.DeepEqual(ruleIDs(c.Rules), ruleIDs(a.Rules)) {
			t.Errorf("expected %v, got %v", ruleIDs(a.Rules), ruleIDs(c.Rules))
		}
	})
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	var fail atomic.Bool
	embedded := source.Embedded()
	src := rules.SourceFunc(func(ctx context.Context) (*domain.Partitions, error) {
		if fail.Load() {
			return nil, errors.New("rule directory unreadable")
		}
		return embedded.Load(ctx)
	})
	env := newTestEnv(t, src, true)

	reloaded := make(chan domain.RulesReloaded, 1)
	sub, err := env.bus.Subscribe(context.Background(), domain.GlobalScope, domain.TopicRulesReloaded,
		func(ctx context.Context, msg *domain.Message) error {
			var ev domain.RulesReloaded
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			reloaded <- ev
			return nil
		})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	fail.Store(true)
	rr := env.do(http.MethodPost, "/rules/reload", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
	}

	select {
	case ev := <-reloaded:
		if ev.Error == "" {
			t.Error("expected reload event to carry the error")
		}
		if ev.Version != 1 {
			t.Errorf("expected event version 1, got %d", ev.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}

	rr = env.do(http.MethodPost, "/compliance/applicable", smallTrader)
	var resp RulesResponse
	decode(t, rr, &resp)
	if resp.SnapshotVersion != 1 || resp.Count != 2 {
		t.Errorf("expected previous snapshot to keep serving, got version %d with %d rules", resp.SnapshotVersion, resp.Count)
	}
}

func TestPlatformEndpoints(t *testing.T) {
	env := newTestEnv(t, source.Embedded(), true)

	t.Run("List", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/platforms", "")
		var resp struct {
			Platforms []*domain.PlatformRequirement `json:"platforms"`
			Count     int                           `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 5 || resp.Platforms[0].Platform != "Swiggy" {
			t.Errorf("unexpected platform list: %s", rr.Body.String())
		}
	})

	t.Run("GetIgnoresCase", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/platforms/zomato", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var p domain.PlatformRequirement
		decode(t, rr, &p)
		if p.Platform != "Zomato" {
			t.Errorf("expected Zomato, got %s", p.Platform)
		}
	})

	t.Run("MissingCompliance", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/platforms/Swiggy/eligibility", smallTrader)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var res domain.EligibilityResult
		decode(t, rr, &res)
		if res.Eligible {
			t.Error("expected business to be ineligible")
		}
		if !reflect.DeepEqual(res.MissingCompliances, []string{"FSSAI"}) {
			t.Errorf("expected [FSSAI] missing, got %v", res.MissingCompliances)
		}
	})

	t.Run("Eligible", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/platforms/Swiggy/eligibility", bengaluruBakery)
		var res domain.EligibilityResult
		decode(t, rr, &res)
		if !res.Eligible || len(res.MissingCompliances) != 0 {
			t.Errorf("expected eligible, got %+v", res)
		}
	})

	t.Run("UnknownPlatform", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/platforms/Nowhere/eligibility", smallTrader)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
		var res domain.EligibilityResult
		decode(t, rr, &res)
		if res.Found || res.Eligible {
			t.Errorf("unexpected result: %+v", res)
		}
		if !strings.Contains(res.Message, "not found") {
			t.Errorf("expected not found message, got %q", res.Message)
		}
	})
}

func TestResultEndpoints(t *testing.T) {
	env := newTestEnv(t, source.Embedded(), true)

	t.Run("Create", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/businesses/biz-1/results", bengaluruBakery)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Results []*domain.ComplianceResult `json:"results"`
			Count   int                        `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 8 {
			t.Errorf("expected 8 results, got %d", resp.Count)
		}
		for _, res := range resp.Results {
			if res.Status != domain.StatusPending {
				t.Errorf("result %s: expected pending, got %s", res.RuleID, res.Status)
			}
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		rr := env.do(http.MethodPut, "/businesses/biz-1/results/GST", `{"status": "completed", "notes": "GSTIN issued"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res domain.ComplianceResult
		decode(t, rr, &res)
		if res.Status != domain.StatusCompleted || res.Notes != "GSTIN issued" {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("UpdateUnknownStatus", func(t *testing.T) {
		rr := env.do(http.MethodPut, "/businesses/biz-1/results/GST", `{"status": "done"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UpdateUnknownRule", func(t *testing.T) {
		rr := env.do(http.MethodPut, "/businesses/biz-1/results/EPF", `{"status": "completed"}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/businesses/biz-1/results", "")
		var resp struct {
			Results []*domain.ComplianceResult `json:"results"`
			Count   int                        `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 8 {
			t.Fatalf("expected 8 results, got %d", resp.Count)
		}
		for _, res := range resp.Results {
			if res.RuleID == "GST" && res.Status != domain.StatusCompleted {
				t.Errorf("expected GST completed, got %s", res.Status)
			}
		}
	})

	t.Run("RepostDropsRulesNoLongerApplicable", func(t *testing.T) {
		type resultsResponse struct {
			Results []*domain.ComplianceResult `json:"results"`
			Count   int                        `json:"count"`
		}
		rr := env.do(http.MethodPost, "/businesses/biz-4/results", bengaluruBakery)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(http.MethodPost, "/businesses/biz-4/results", `{"profile": {"annual_turnover": 100}}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var created resultsResponse
		decode(t, rr, &created)
		if created.Count != 1 || created.Results[0].RuleID != "UDYAM" {
			t.Errorf("expected only UDYAM from the re-post, got %d results: %s", created.Count, rr.Body.String())
		}

		var listed resultsResponse
		decode(t, env.do(http.MethodGet, "/businesses/biz-4/results", ""), &listed)
		if listed.Count != 1 || listed.Results[0].RuleID != "UDYAM" {
			t.Errorf("expected untouched pending rules to be removed, got %d results", listed.Count)
		}
	})

	t.Run("OtherBusinessEmpty", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/businesses/biz-2/results", "")
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected no results for another business, got %d", resp.Count)
		}
	})

	t.Run("Async", func(t *testing.T) {
		received := make(chan domain.ProfileSubmission, 1)
		sub, err := env.bus.Subscribe(context.Background(), domain.GlobalScope, domain.TopicProfileSubmitted,
			func(ctx context.Context, msg *domain.Message) error {
				var s domain.ProfileSubmission
				if err := json.Unmarshal(msg.Payload, &s); err != nil {
					return err
				}
				received <- s
				return nil
			})
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		rr := env.do(http.MethodPost, "/businesses/biz-3/results?async=true", smallTrader)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case s := <-received:
			if s.BusinessID != "biz-3" {
				t.Errorf("expected business biz-3, got %s", s.BusinessID)
			}
			if s.TraceID == "" {
				t.Error("expected trace ID on submission")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for profile submission")
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		env := newTestEnv(t, source.Embedded(), true)
		rr := env.do(http.MethodGet, "/health", "")

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		decode(t, rr, &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		env := newTestEnv(t, source.Embedded(), true)
		rr := env.do(http.MethodGet, "/ready", "")

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyBeforeLoad", func(t *testing.T) {
		env := newTestEnv(t, source.Embedded(), false)

		if rr := env.do(http.MethodGet, "/ready", ""); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
		if rr := env.do(http.MethodPost, "/compliance/applicable", smallTrader); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected evaluation to answer 503, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env := newTestEnv(t, source.Embedded(), true)
		env.do(http.MethodPost, "/compliance/applicable", smallTrader)

		rr := env.do(http.MethodGet, "/metrics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		body := rr.Body.String()
		for _, name := range []string{"kestrel_evaluations_total", "kestrel_snapshot_version"} {
			if !strings.Contains(body, name) {
				t.Errorf("expected %s in metrics output", name)
			}
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) != capturedRequestID {
			t.Error("expected X-Request-ID response header to match context")
		}
	})

	t.Run("TracingMiddlewareKeepsIncomingRequestID", func(t *testing.T) {
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request ID 'req-123', got '%s'", got)
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("RecoverMiddlewareAnswersJSON", func(t *testing.T) {
		handler := TracingMiddleware(RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON error, got %q", ct)
		}
		if !strings.Contains(rr.Body.String(), "internal server error") {
			t.Errorf("unexpected body: %s", rr.Body.String())
		}
	})

	t.Run("CORSPreflightAnyOrigin", func(t *testing.T) {
		handler := CORSMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/compliance/applicable", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("expected wildcard origin, got %q", got)
		}
		if rr.Header().Get("Access-Control-Allow-Credentials") != "" {
			t.Error("wildcard origin must not allow credentials")
		}
	})

	t.Run("CORSAllowList", func(t *testing.T) {
		reached := 0
		handler := CORSMiddleware([]string{"https://app.example.com/"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached++
		}))

		req := httptest.NewRequest(http.MethodPost, "/compliance/applicable", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("expected echoed origin, got %q", got)
		}

		req = httptest.NewRequest(http.MethodOptions, "/compliance/applicable", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403 for unlisted preflight, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unlisted origin must not get CORS headers")
		}

		if reached != 1 {
			t.Errorf("expected only the allowed request to reach the handler, got %d", reached)
		}
	})
}

func TestSnapshotVersionHeader(t *testing.T) {
	env := newTestEnv(t, source.Embedded(), true)

	rr := env.do(http.MethodPost, "/compliance/applicable", smallTrader)
	if got := rr.Header().Get(SnapshotVersionHeader); got != "1" {
		t.Errorf("expected %s: 1, got %q", SnapshotVersionHeader, got)
	}

	env.do(http.MethodPost, "/rules/reload", "")
	rr = env.do(http.MethodGet, "/rules/GST", "")
	if got := rr.Header().Get(SnapshotVersionHeader); got != "2" {
		t.Errorf("expected %s: 2 after reload, got %q", SnapshotVersionHeader, got)
	}

	rr = env.do(http.MethodGet, "/metrics", "")
	if !strings.Contains(rr.Body.String(), `route="/compliance/applicable"`) {
		t.Error("expected request duration labelled by route pattern")
	}
}
