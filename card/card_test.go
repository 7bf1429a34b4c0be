package card

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringRoundTrip(t *testing.T) {
	for _, c := range FullDeck {
		parsed, err := Parse(c.String())
		require.NoError(t, err, "card %v", c)
		assert.Equal(t, c, parsed)
	}
}

func TestParseVariants(t *testing.T) {
	cases := map[string]Card{
		"As":  CardSpadeA,
		"AS":  CardSpadeA,
		"10h": CardHeartT,
		"Th":  CardHeartT,
		"2d":  CardDiamond2,
		"kc":  CardClubK,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "A", "Ax", "1s", "Zq", "AsAs"} {
		_, err := Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestHighValue(t *testing.T) {
	assert.Equal(t, 14, CardSpadeA.HighValue())
	assert.Equal(t, 13, CardHeartK.HighValue())
	assert.Equal(t, 2, CardClub2.HighValue())
}

func TestFullDeckUnique(t *testing.T) {
	seen := make(map[Card]struct{}, 52)
	for _, c := range FullDeck {
		_, dup := seen[c]
		require.False(t, dup, "duplicate card %v", c)
		seen[c] = struct{}{}
	}
	require.Len(t, seen, 52)
}
