package registry

import (
	"sort"

	"github.com/t77yq/nats-dispatch/internal/model"
)

// SelectionStrategy picks the next host to try from the remaining
// candidates of a dispatch call.
type SelectionStrategy interface {
	Select(remaining []model.Host) (model.Host, error)
}

// LoadReporter exposes per-host load scores collected from heartbeats.
type LoadReporter interface {
	WorkerLoad(host model.Host) (float64, bool)
}

// SortedFirstStrategy picks the lexicographically smallest remaining
// address. Deterministic, so failover order is reproducible.
type SortedFirstStrategy struct{}

// Select picks the first host in address order.
func (s *SortedFirstStrategy) Select(remaining []model.Host) (model.Host, error) {
	if len(remaining) == 0 {
		return model.Host{}, ErrNoCandidates
	}

	selected := remaining[0]
	for _, h := range remaining[1:] {
		if h.Address() < selected.Address() {
			selected = h
		}
	}
	return selected, nil
}

// LeastLoadedStrategy picks the remaining host with the lowest load score.
// Hosts with no recorded load sort last; ties break by address so the
// choice stays deterministic.
type LeastLoadedStrategy struct {
	Loads LoadReporter
}

// Select picks the least loaded host.
func (s *LeastLoadedStrategy) Select(remaining []model.Host) (model.Host, error) {
	if len(remaining) == 0 {
		return model.Host{}, ErrNoCandidates
	}

	hosts := make([]model.Host, len(remaining))
	copy(hosts, remaining)
	sort.Slice(hosts, func(i, j int) bool {
		li, iKnown := s.Loads.WorkerLoad(hosts[i])
		lj, jKnown := s.Loads.WorkerLoad(hosts[j])
		if iKnown != jKnown {
			return iKnown
		}
		if li != lj {
			return li < lj
		}
		return hosts[i].Address() < hosts[j].Address()
	})

	return hosts[0], nil
}
