// Package router selects an upstream provider link for a requested model and
// builds the ordered failover plan the request pipeline executes.
package router

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/circuitbreaker"
)

// Policy is a provider-selection strategy.
type Policy string

const (
	RoundRobin       Policy = "round_robin"
	CostOptimized    Policy = "cost_optimized"
	LatencyOptimized Policy = "latency_optimized"
	LoadBalanced     Policy = "load_balanced"
	Failover         Policy = "failover"
	Random           Policy = "random"

	// DefaultPolicy is used when a route/request does not override the
	// selection strategy.
	DefaultPolicy = LoadBalanced
)

// ParsePolicy maps a config/route strategy string onto a Policy, defaulting
// to DefaultPolicy for an empty or unrecognized value.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case RoundRobin, CostOptimized, LatencyOptimized, LoadBalanced, Failover, Random:
		return Policy(s)
	default:
		return DefaultPolicy
	}
}

// exclusionWindow is how long a link is held excluded after its last failure,
// provided it has no more recent success.
const exclusionWindow = 5 * time.Minute

// excludeAfterFailures is the consecutive-failure count past which a link is
// excluded regardless of recency.
const excludeAfterFailures = 3

// emaAlpha is the weight given to a newly observed latency sample.
const emaAlpha = 0.1

// loadBalancedFailurePenalty weights consecutive failures into the
// load-balanced policy's score alongside in-flight count.
const loadBalancedFailurePenalty = 10

// linkState is the mutable health and load state tracked per provider link.
type linkState struct {
	mu                  sync.Mutex
	consecutiveFailures int
	lastFailureAt       *time.Time
	lastSuccessAt       *time.Time
	emaLatencyMs        float64
	inFlight            int64
}

// Tracker maintains per-link health state (consecutive failures, EMA latency,
// in-flight count) plus a circuit breaker per link, backing the router's
// candidate-exclusion rule and the load-balanced/latency-optimized policies.
type Tracker struct {
	mu         sync.RWMutex
	links      map[string]*linkState
	breakers   *circuitbreaker.Registry
	rrCounters sync.Map // model -> *uint64
}

// NewTracker returns an empty, ready-to-use Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		links:    make(map[string]*linkState),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
	}
}

func (t *Tracker) state(linkID string) *linkState {
	t.mu.RLock()
	s, ok := t.links[linkID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.links[linkID]; ok {
		return s
	}
	s = &linkState{}
	t.links[linkID] = s
	return s
}

// InFlightStart records the start of an attempt against linkID, for the
// load-balanced policy's in-flight term. The caller must call InFlightEnd
// when the attempt completes.
func (t *Tracker) InFlightStart(linkID string) {
	atomic.AddInt64(&t.state(linkID).inFlight, 1)
}

// InFlightEnd records the end of an attempt started with InFlightStart.
func (t *Tracker) InFlightEnd(linkID string) {
	atomic.AddInt64(&t.state(linkID).inFlight, -1)
}

// RecordSuccess updates a link's health after a successful upstream call:
// EMA latency is updated, consecutive failures reset, and last-success
// stamped.
func (t *Tracker) RecordSuccess(linkID string, latency time.Duration) {
	s := t.state(linkID)
	now := time.Now()
	s.mu.Lock()
	ms := float64(latency.Milliseconds())
	if s.emaLatencyMs == 0 {
		s.emaLatencyMs = ms
	} else {
		s.emaLatencyMs = (1-emaAlpha)*s.emaLatencyMs + emaAlpha*ms
	}
	s.consecutiveFailures = 0
	s.lastSuccessAt = &now
	s.mu.Unlock()

	t.breakers.GetOrCreate(linkID).RecordSuccess()
}

// RecordFailure updates a link's health after a failed upstream call:
// consecutive failures increment, last-failure is stamped, and the circuit
// breaker is fed a weight classifying err (a 429 counts for less than a
// hard 5xx or timeout, so a provider leaking rate-limit errors doesn't trip
// as fast as one actually failing requests).
func (t *Tracker) RecordFailure(linkID string, err error) {
	s := t.state(linkID)
	now := time.Now()
	s.mu.Lock()
	s.consecutiveFailures++
	s.lastFailureAt = &now
	s.mu.Unlock()

	t.breakers.GetOrCreate(linkID).RecordError(circuitbreaker.ClassifyError(err))
}

// Health returns a snapshot of linkID's tracked state as a gateway.ProviderHealth.
func (t *Tracker) Health(linkID string) gateway.ProviderHealth {
	s := t.state(linkID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return gateway.ProviderHealth{
		ProviderLinkID:      linkID,
		ConsecutiveFailures: s.consecutiveFailures,
		LastFailureAt:       s.lastFailureAt,
		LastSuccessAt:       s.lastSuccessAt,
		EMALatencyMs:        s.emaLatencyMs,
		Open:                !t.breakers.GetOrCreate(linkID).Allow(),
	}
}

// excluded reports whether linkID should be removed from the candidate set,
// per spec: >=3 consecutive failures, OR a failure within the last 5 minutes
// with no more recent success. The circuit breaker's own open state (a
// distinct, rate-based signal) also excludes.
func (t *Tracker) excluded(linkID string) bool {
	s := t.state(linkID)
	s.mu.Lock()
	consecutive := s.consecutiveFailures
	lastFailure := s.lastFailureAt
	lastSuccess := s.lastSuccessAt
	s.mu.Unlock()

	if consecutive >= excludeAfterFailures {
		return true
	}
	if lastFailure != nil && time.Since(*lastFailure) < exclusionWindow {
		if lastSuccess == nil || lastSuccess.Before(*lastFailure) {
			return true
		}
	}
	return !t.breakers.GetOrCreate(linkID).Allow()
}

func (t *Tracker) inFlightCount(linkID string) int64 {
	return atomic.LoadInt64(&t.state(linkID).inFlight)
}

func (t *Tracker) emaLatency(linkID string) float64 {
	s := t.state(linkID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emaLatencyMs
}

func (t *Tracker) nextRoundRobin(model string) uint64 {
	v, _ := t.rrCounters.LoadOrStore(model, new(uint64))
	counter := v.(*uint64)
	return atomic.AddUint64(counter, 1) - 1
}

// Candidates returns the enabled links whose advertised model list contains
// model (an empty list means "accepts any"), excluding those the tracker
// currently considers unhealthy.
func Candidates(tracker *Tracker, links []*gateway.ProviderLink, model string) []*gateway.ProviderLink {
	out := make([]*gateway.ProviderLink, 0, len(links))
	for _, l := range links {
		if !l.Enabled {
			continue
		}
		if len(l.Models) > 0 && !slices.Contains(l.Models, model) {
			continue
		}
		if tracker.excluded(l.ID) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// RateLookup resolves the conversion rate for a (kind, model) pair, used by
// the cost-optimized policy. Returns ok=false if no rate is configured.
type RateLookup func(kind gateway.ProviderKind, model string) (rate gateway.ConversionRate, ok bool)

// Selector builds failover plans for a model using a selection policy.
type Selector struct {
	tracker *Tracker
	rates   RateLookup
}

// NewSelector returns a Selector backed by tracker for health/load state and
// rates for the cost-optimized policy's price lookup.
func NewSelector(tracker *Tracker, rates RateLookup) *Selector {
	return &Selector{tracker: tracker, rates: rates}
}

// Plan builds the ordered failover plan for model: the selected link first,
// then the remaining candidates in selection order. preferred is the
// route's preferred-providers list (link IDs in priority order), consulted
// only by the failover policy; it may be nil for other policies.
func (s *Selector) Plan(policy Policy, model string, candidates []*gateway.ProviderLink, preferred []string) ([]*gateway.ProviderLink, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("router: no healthy candidates for model %q", model)
	}

	ordered := slices.Clone(candidates)
	slices.SortFunc(ordered, func(a, b *gateway.ProviderLink) int {
		return strings.Compare(a.ID, b.ID)
	})

	var selected *gateway.ProviderLink
	switch policy {
	case RoundRobin:
		idx := s.tracker.nextRoundRobin(model) % uint64(len(ordered))
		selected = ordered[idx]

	case CostOptimized:
		selected = s.minBy(ordered, model, func(l *gateway.ProviderLink) float64 {
			rate, ok := s.rates(l.Kind, model)
			if !ok {
				return 1<<63 - 1 // unrated links sort last
			}
			return rate.InputDivisor*rate.BaseCostUSD + rate.OutputDivisor*rate.BaseCostUSD
		})

	case LatencyOptimized:
		selected = s.minBy(ordered, model, func(l *gateway.ProviderLink) float64 {
			return s.tracker.emaLatency(l.ID)
		})

	case Failover:
		selected = firstPreferred(ordered, preferred)

	case Random:
		selected = ordered[rand.IntN(len(ordered))]

	case LoadBalanced:
		fallthrough
	default:
		selected = s.minBy(ordered, model, func(l *gateway.ProviderLink) float64 {
			h := s.tracker.Health(l.ID)
			return float64(s.tracker.inFlightCount(l.ID)) + loadBalancedFailurePenalty*float64(h.ConsecutiveFailures)
		})
	}

	plan := make([]*gateway.ProviderLink, 0, len(ordered))
	plan = append(plan, selected)
	for _, l := range ordered {
		if l.ID != selected.ID {
			plan = append(plan, l)
		}
	}
	return plan, nil
}

// minBy returns the candidate with the smallest score, with ties broken by
// lexicographic link ID (ordered is already ID-sorted, so the first minimum
// encountered wins).
func (s *Selector) minBy(ordered []*gateway.ProviderLink, _ string, score func(*gateway.ProviderLink) float64) *gateway.ProviderLink {
	best := ordered[0]
	bestScore := score(best)
	for _, l := range ordered[1:] {
		if sc := score(l); sc < bestScore {
			best, bestScore = l, sc
		}
	}
	return best
}

// firstPreferred returns the first candidate whose ID appears in preferred
// (in preferred's order), or ordered[0] if none match.
func firstPreferred(ordered []*gateway.ProviderLink, preferred []string) *gateway.ProviderLink {
	byID := make(map[string]*gateway.ProviderLink, len(ordered))
	for _, l := range ordered {
		byID[l.ID] = l
	}
	for _, id := range preferred {
		if l, ok := byID[id]; ok {
			return l
		}
	}
	return ordered[0]
}
