// Package region tracks egress regions: selection for a scan and rolling
// failure-rate health that deactivates unreliable regions.
package region

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/contentguard/internal/domain"
)

var ErrUnknownRegion = errors.New("unknown region")

// MetricsSink defines the interface for recording region health metrics.
type MetricsSink interface {
	RegionDeactivated(region string)
	RegionReactivated(region string)
}

type HealthConfig struct {
	// Window is how far back outcomes count toward the failure rate.
	Window time.Duration
	// MinSamples is the number of outcomes needed before a region can be
	// deactivated.
	MinSamples int
	// FailureRateThreshold in (0,1]; reaching it deactivates the region.
	FailureRateThreshold float64
	// Cooldown reactivates a region automatically after this long. Zero
	// means only manual reactivation.
	Cooldown time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Window:               10 * time.Minute,
		MinSamples:           5,
		FailureRateThreshold: 0.5,
		Cooldown:             30 * time.Minute,
	}
}

type outcome struct {
	at time.Time
	ok bool
}

type state struct {
	region        domain.Region
	outcomes      []outcome
	deactivatedAt time.Time
}

// Pool is shared by all scan workers; every method is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	config  HealthConfig
	regions map[domain.RegionID]*state
	order   []domain.RegionID
	clock   func() time.Time
	metrics MetricsSink
}

func NewPool(config HealthConfig, regions []domain.Region) (*Pool, error) {
	p := &Pool{
		config:  config,
		regions: make(map[domain.RegionID]*state, len(regions)),
		clock:   time.Now,
	}
	for _, r := range regions {
		if r.ID == "" {
			return nil, fmt.Errorf("region with empty id")
		}
		if _, dup := p.regions[r.ID]; dup {
			return nil, fmt.Errorf("duplicate region %q", r.ID)
		}
		p.regions[r.ID] = &state{region: r}
		p.order = append(p.order, r.ID)
	}
	return p, nil
}

// WithMetrics attaches a metrics sink to the pool.
func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	return p
}

func (p *Pool) WithClock(clock func() time.Time) *Pool {
	p.clock = clock
	return p
}

// Select picks up to limit active regions. Preferred regions are taken in
// preference order; when none of them is active, the least recently used
// active regions are used instead. Selected regions get LastUsedAt = now.
func (p *Pool) Select(preferred []domain.RegionID, limit int) []domain.Region {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	p.reactivateExpired(now)

	var picked []*state
	seen := make(map[domain.RegionID]bool)
	for _, id := range preferred {
		st, ok := p.regions[id]
		if !ok || !st.region.Active || seen[id] {
			continue
		}
		seen[id] = true
		picked = append(picked, st)
	}

	if len(picked) == 0 {
		for _, id := range p.order {
			if st := p.regions[id]; st.region.Active {
				picked = append(picked, st)
			}
		}
		sort.SliceStable(picked, func(i, j int) bool {
			a, b := picked[i].region.LastUsedAt, picked[j].region.LastUsedAt
			if a == nil || b == nil {
				return a == nil && b != nil
			}
			return a.Before(*b)
		})
	}

	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}

	out := make([]domain.Region, 0, len(picked))
	for _, st := range picked {
		used := now
		st.region.LastUsedAt = &used
		out = append(out, copyRegion(st.region))
	}
	return out
}

// RecordResult adds one call outcome for a region and deactivates it when
// its failure rate over the window crosses the threshold.
func (p *Pool) RecordResult(id domain.RegionID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, found := p.regions[id]
	if !found {
		return
	}
	now := p.clock()
	st.outcomes = append(st.outcomes, outcome{at: now, ok: ok})
	st.outcomes = trim(st.outcomes, now.Add(-p.config.Window))

	if !st.region.Active || len(st.outcomes) < p.config.MinSamples {
		return
	}
	failures := 0
	for _, o := range st.outcomes {
		if !o.ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(st.outcomes))
	if rate < p.config.FailureRateThreshold {
		return
	}

	samples := len(st.outcomes)
	st.region.Active = false
	st.deactivatedAt = now
	st.outcomes = nil
	log.Printf("region: deactivated region=%s failure_rate=%.2f failures=%d samples=%d", id, rate, failures, samples)
	if p.metrics != nil {
		p.metrics.RegionDeactivated(string(id))
	}
}

// Reactivate returns a region to service.
func (p *Pool) Reactivate(id domain.RegionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.regions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, id)
	}
	p.activate(st, "manual")
	return nil
}

func (p *Pool) Get(id domain.RegionID) (domain.Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.regions[id]
	if !ok {
		return domain.Region{}, false
	}
	return copyRegion(st.region), true
}

// List returns every region in configuration order.
func (p *Pool) List() []domain.Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactivateExpired(p.clock())
	out := make([]domain.Region, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, copyRegion(p.regions[id].region))
	}
	return out
}

func (p *Pool) reactivateExpired(now time.Time) {
	if p.config.Cooldown <= 0 {
		return
	}
	for _, st := range p.regions {
		if !st.region.Active && !st.deactivatedAt.IsZero() && now.Sub(st.deactivatedAt) >= p.config.Cooldown {
			p.activate(st, "cooldown")
		}
	}
}

func (p *Pool) activate(st *state, reason string) {
	if st.region.Active {
		return
	}
	st.region.Active = true
	st.deactivatedAt = time.Time{}
	st.outcomes = nil
	log.Printf("region: reactivated region=%s reason=%s", st.region.ID, reason)
	if p.metrics != nil {
		p.metrics.RegionReactivated(string(st.region.ID))
	}
}

func trim(outcomes []outcome, cutoff time.Time) []outcome {
	i := 0
	for i < len(outcomes) && outcomes[i].at.Before(cutoff) {
		i++
	}
	return outcomes[i:]
}

func copyRegion(r domain.Region) domain.Region {
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		r.LastUsedAt = &t
	}
	if r.EgressConfig != nil {
		cfg := make(map[string]string, len(r.EgressConfig))
		for k, v := range r.EgressConfig {
			cfg[k] = v
		}
		r.EgressConfig = cfg
	}
	return r
}
