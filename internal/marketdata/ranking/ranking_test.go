package ranking

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRank_ByVolumeDescending(t *testing.T) {
	out, err := Rank(Input{
		Natural:   []string{"A", "B", "C"},
		Criterion: Volume,
		Direction: Desc,
		Volumes:   map[string]float64{"A": 10, "B": 30, "C": 20},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, out)
}

func TestRank_NoneKeepsLoadOrder(t *testing.T) {
	natural := []string{"ZEC", "BTC", "ADA"}
	out, err := Rank(Input{Natural: natural, Previous: []string{"ADA", "BTC", "ZEC"}, Criterion: None, Direction: Asc})
	require.NoError(t, err)
	assert.Equal(t, natural, out)

	out, err = Rank(Input{Natural: natural, Criterion: None, Direction: Desc})
	require.NoError(t, err)
	assert.Equal(t, []string{"ADA", "BTC", "ZEC"}, out)
	assert.Equal(t, []string{"ZEC", "BTC", "ADA"}, natural, "input must not be modified")
}

func TestRank_Alphabetical(t *testing.T) {
	out, err := Rank(Input{Natural: []string{"ETH", "ADA", "BTC"}, Criterion: Alphabetical, Direction: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"ADA", "BTC", "ETH"}, out)
}

func TestRank_MissingMetricIsZero(t *testing.T) {
	out, err := Rank(Input{
		Natural:   []string{"A", "B", "C"},
		Criterion: VolumeChange,
		Direction: Asc,
		Changes:   map[string]float64{"A": 5, "C": -2},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, out)
}

func TestRank_DescIsReverseOfAsc(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E", "F"}
	// Ties (B/D, and E/F both missing) exercise the id tie-break.
	vols := map[string]float64{"A": 3, "B": 1, "C": 7, "D": 1}
	chg := map[string]float64{"A": -1, "C": 2, "E": 2}

	for _, c := range []Criterion{Alphabetical, Volume, VolumeChange} {
		asc, err := Rank(Input{Natural: ids, Criterion: c, Direction: Asc, Volumes: vols, Changes: chg})
		require.NoError(t, err)
		desc, err := Rank(Input{Natural: ids, Criterion: c, Direction: Desc, Volumes: vols, Changes: chg})
		require.NoError(t, err)

		rev := slices.Clone(asc)
		slices.Reverse(rev)
		assert.Equal(t, rev, desc, "criterion %s", c)
	}
}

func TestRank_UnknownCriterion(t *testing.T) {
	_, err := Rank(Input{Natural: []string{"A"}, Criterion: "market_cap", Direction: Asc})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "criterion", cfgErr.Field)
	assert.Equal(t, "market_cap", cfgErr.Value)
}

func TestRank_UnknownDirection(t *testing.T) {
	_, err := Rank(Input{Natural: []string{"A"}, Criterion: None, Direction: "sideways"})
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestParse(t *testing.T) {
	c, err := ParseCriterion("volume")
	require.NoError(t, err)
	assert.True(t, c.DependsOnVolume())
	assert.False(t, c.DependsOnChange())

	_, err = ParseCriterion("")
	assert.Error(t, err)

	d, err := ParseDirection("desc")
	require.NoError(t, err)
	assert.Equal(t, Desc, d)
}
