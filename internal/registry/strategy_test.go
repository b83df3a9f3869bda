package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/nats-dispatch/internal/model"
)

type staticLoads map[string]float64

func (l staticLoads) WorkerLoad(host model.Host) (float64, bool) {
	load, ok := l[host.Address()]
	return load, ok
}

func TestSortedFirstStrategy(t *testing.T) {
	strategy := &SortedFirstStrategy{}

	t.Run("Empty", func(t *testing.T) {
		_, err := strategy.Select(nil)
		require.ErrorIs(t, err, ErrNoCandidates)
	})

	t.Run("Deterministic", func(t *testing.T) {
		candidates := []model.Host{
			model.NewHost("10.0.0.3", 1234),
			model.NewHost("10.0.0.1", 1234),
			model.NewHost("10.0.0.2", 1234),
		}

		// Same pick regardless of input order.
		for i := 0; i < len(candidates); i++ {
			rotated := append(append([]model.Host{}, candidates[i:]...), candidates[:i]...)
			selected, err := strategy.Select(rotated)
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.1:1234", selected.Address())
		}
	})
}

func TestLeastLoadedStrategy(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		strategy := &LeastLoadedStrategy{Loads: staticLoads{}}
		_, err := strategy.Select(nil)
		require.ErrorIs(t, err, ErrNoCandidates)
	})

	t.Run("Picks Lowest Load", func(t *testing.T) {
		strategy := &LeastLoadedStrategy{Loads: staticLoads{
			"10.0.0.1:1234": 5.0,
			"10.0.0.2:1234": 1.5,
			"10.0.0.3:1234": 3.0,
		}}

		selected, err := strategy.Select([]model.Host{
			model.NewHost("10.0.0.1", 1234),
			model.NewHost("10.0.0.2", 1234),
			model.NewHost("10.0.0.3", 1234),
		})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:1234", selected.Address())
	})

	t.Run("Unknown Hosts Sort Last", func(t *testing.T) {
		strategy := &LeastLoadedStrategy{Loads: staticLoads{
			"10.0.0.2:1234": 9.0,
		}}

		selected, err := strategy.Select([]model.Host{
			model.NewHost("10.0.0.1", 1234),
			model.NewHost("10.0.0.2", 1234),
		})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:1234", selected.Address(), "a known loaded host beats an unknown one")
	})

	t.Run("Ties Break By Address", func(t *testing.T) {
		strategy := &LeastLoadedStrategy{Loads: staticLoads{
			"10.0.0.2:1234": 2.0,
			"10.0.0.1:1234": 2.0,
		}}

		selected, err := strategy.Select([]model.Host{
			model.NewHost("10.0.0.2", 1234),
			model.NewHost("10.0.0.1", 1234),
		})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:1234", selected.Address())
	})
}
