package router

import (
	"errors"
	"testing"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

var errUpstream = errors.New("simulated upstream failure")

func links() []*gateway.ProviderLink {
	return []*gateway.ProviderLink{
		{ID: "b-link", Kind: gateway.ProviderOpenAI, Enabled: true, Models: []string{"m1"}},
		{ID: "a-link", Kind: gateway.ProviderOpenAI, Enabled: true, Models: []string{"m1"}},
		{ID: "c-link", Kind: gateway.ProviderAnthropic, Enabled: true, Models: nil}, // accepts any
		{ID: "disabled", Kind: gateway.ProviderOpenAI, Enabled: false, Models: []string{"m1"}},
		{ID: "other-model", Kind: gateway.ProviderOpenAI, Enabled: true, Models: []string{"m2"}},
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	cands := Candidates(tr, links(), "m1")
	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates (a-link, b-link, c-link), got %d", len(cands))
	}
}

func TestCandidates_ExcludesAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.RecordFailure("a-link", errUpstream)
	tr.RecordFailure("a-link", errUpstream)
	tr.RecordFailure("a-link", errUpstream)

	cands := Candidates(tr, links(), "m1")
	for _, c := range cands {
		if c.ID == "a-link" {
			t.Fatal("a-link should be excluded after 3 consecutive failures")
		}
	}
}

func TestCandidates_RecoversAfterSuccess(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.RecordFailure("a-link", errUpstream)
	tr.RecordFailure("a-link", errUpstream)
	tr.RecordFailure("a-link", errUpstream)
	tr.RecordSuccess("a-link", 10*time.Millisecond)

	cands := Candidates(tr, links(), "m1")
	found := false
	for _, c := range cands {
		if c.ID == "a-link" {
			found = true
		}
	}
	if !found {
		t.Fatal("a-link should be eligible again after a success resets consecutive failures")
	}
}

func TestSelector_Plan_RoundRobin(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	sel := NewSelector(tr, func(gateway.ProviderKind, string) (gateway.ConversionRate, bool) { return gateway.ConversionRate{}, false })

	cands := Candidates(tr, links(), "m1")
	first, err := sel.Plan(RoundRobin, "m1", cands, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := sel.Plan(RoundRobin, "m1", cands, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first[0].ID == second[0].ID {
		t.Error("expected round-robin to rotate the selected link across calls")
	}
}

func TestSelector_Plan_PutsSelectedFirstThenRemaining(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	sel := NewSelector(tr, func(gateway.ProviderKind, string) (gateway.ConversionRate, bool) { return gateway.ConversionRate{}, false })
	cands := Candidates(tr, links(), "m1")

	plan, err := sel.Plan(Random, "m1", cands, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != len(cands) {
		t.Fatalf("plan length = %d, want %d", len(plan), len(cands))
	}
	seen := map[string]bool{}
	for _, l := range plan {
		if seen[l.ID] {
			t.Fatalf("duplicate link %q in plan", l.ID)
		}
		seen[l.ID] = true
	}
}

func TestSelector_Plan_Failover_PrefersListedProvider(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	sel := NewSelector(tr, func(gateway.ProviderKind, string) (gateway.ConversionRate, bool) { return gateway.ConversionRate{}, false })
	cands := Candidates(tr, links(), "m1")

	plan, err := sel.Plan(Failover, "m1", cands, []string{"c-link", "a-link"})
	if err != nil {
		t.Fatal(err)
	}
	if plan[0].ID != "c-link" {
		t.Errorf("selected = %q, want c-link (first preferred match)", plan[0].ID)
	}
}

func TestSelector_Plan_Failover_FallsBackToFirstCandidate(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	sel := NewSelector(tr, func(gateway.ProviderKind, string) (gateway.ConversionRate, bool) { return gateway.ConversionRate{}, false })
	cands := Candidates(tr, links(), "m1") // sorted lexicographically: a-link, b-link, c-link

	plan, err := sel.Plan(Failover, "m1", cands, []string{"no-such-link"})
	if err != nil {
		t.Fatal(err)
	}
	if plan[0].ID != "a-link" {
		t.Errorf("selected = %q, want a-link (first in lexicographic order)", plan[0].ID)
	}
}

func TestSelector_Plan_CostOptimized(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	rates := map[string]gateway.ConversionRate{
		"a-link": {InputDivisor: 10, OutputDivisor: 10, BaseCostUSD: 1},
		"b-link": {InputDivisor: 1, OutputDivisor: 1, BaseCostUSD: 1},
	}
	sel := NewSelector(tr, func(kind gateway.ProviderKind, model string) (gateway.ConversionRate, bool) {
		// lookup keyed by link is not realistic (rates are per kind/model), but
		// the test only needs two distinct prices to exercise the min-by logic.
		if kind == gateway.ProviderOpenAI {
			return rates["a-link"], true
		}
		return rates["b-link"], true
	})

	ls := []*gateway.ProviderLink{
		{ID: "a-link", Kind: gateway.ProviderOpenAI, Enabled: true},
		{ID: "b-link", Kind: gateway.ProviderAnthropic, Enabled: true},
	}
	plan, err := sel.Plan(CostOptimized, "m1", ls, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan[0].ID != "b-link" {
		t.Errorf("selected = %q, want b-link (cheaper)", plan[0].ID)
	}
}

func TestSelector_Plan_NoCandidates(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	sel := NewSelector(tr, func(gateway.ProviderKind, string) (gateway.ConversionRate, bool) { return gateway.ConversionRate{}, false })
	if _, err := sel.Plan(LoadBalanced, "m1", nil, nil); err == nil {
		t.Error("expected error for empty candidate set")
	}
}

func TestTracker_Health(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.RecordSuccess("x", 50*time.Millisecond)
	h := tr.Health("x")
	if h.EMALatencyMs != 50 {
		t.Errorf("EMALatencyMs = %v, want 50 on first sample", h.EMALatencyMs)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", h.ConsecutiveFailures)
	}

	tr.RecordFailure("x", errUpstream)
	h = tr.Health("x")
	if h.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", h.ConsecutiveFailures)
	}
}
