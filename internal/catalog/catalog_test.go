package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxim8/internal/domain"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.Equal(t, 4, c.Len())

	list := c.List()
	for i, m := range list {
		assert.Equal(t, i+1, m.Sequence)
		assert.Len(t, m.Phases, domain.PhaseCount)
		assert.NotEmpty(t, m.LoreFragment)
	}

	m, err := c.Get("training-001")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, m.Duration)
	ap, err := m.Approach(domain.ApproachMedium)
	require.NoError(t, err)
	assert.Equal(t, Range{Min: 0.65, Max: 0.75}, ap.SuccessRate)

	prev, ok := c.Previous(list[1])
	require.True(t, ok)
	assert.Equal(t, "training-001", prev.ID)
	_, ok = c.Previous(list[0])
	assert.False(t, ok)
}

func TestGetUnknownMission(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	_, err = c.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

const validMission = `
missions:
  - id: m1
    sequence: 1
    title: t
    duration: 5m
    compatibility: {preferred: [analytical], bonus: 0.1, penalty: -0.05}
    approaches:
      low: {success_rate: [0.8, 0.9], timeline_shift: [10, 15]}
      medium: {success_rate: [0.65, 0.75], timeline_shift: [20, 30]}
      high: {success_rate: [0.45, 0.55], timeline_shift: [35, 50]}
    phases:
      - {id: 1, name: a, duration_percent: 20, success: s, failure: f}
      - {id: 2, name: b, duration_percent: 25, success: s, failure: f}
      - {id: 3, name: c, duration_percent: 25, success: s, failure: f}
      - {id: 4, name: d, duration_percent: 20, success: s, failure: f}
      - {id: 5, name: e, duration_percent: 10, success: s, failure: f}
    completion: {success: s, failure: f}
`

func TestLoadValidatesInvariants(t *testing.T) {
	c, err := Load([]byte(validMission))
	require.NoError(t, err)
	m, err := c.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "fragment-m1", m.LoreFragment)

	cases := map[string]struct {
		from, to string
		want     string
	}{
		"percent sum":      {"duration_percent: 10, success", "duration_percent: 15, success", "sums to 105"},
		"missing approach": {"      high: {success_rate: [0.45, 0.55], timeline_shift: [35, 50]}\n", "", "missing high approach"},
		"bad personality":  {"preferred: [analytical]", "preferred: [sneaky]", "unknown personality"},
		"positive penalty": {"penalty: -0.05", "penalty: 0.05", "penalty must be <= 0"},
		"bad duration":     {"duration: 5m", "duration: soon", "invalid duration"},
		"orphan sequence":  {"sequence: 1", "sequence: 2", "has no predecessor"},
		"inverted range":   {"[0.8, 0.9]", "[0.9, 0.8]", "ordered range"},
		"bad range arity":  {"[0.8, 0.9]", "[0.8]", "exactly two values"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			data := strings.Replace(validMission, tc.from, tc.to, 1)
			require.NotEqual(t, validMission, data, "fixture replacement did not apply")
			_, err := Load([]byte(data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsDuplicates(t *testing.T) {
	dup := validMission + strings.TrimPrefix(validMission, "\nmissions:\n")
	_, err := Load([]byte(dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate mission id")
}

func TestLoadRejectsEmpty(t *testing.T) {
	_, err := Load([]byte("missions: []"))
	require.Error(t, err)
}
