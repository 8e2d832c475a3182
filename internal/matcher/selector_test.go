package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":            PolicyRandom,
		"first":       PolicyFirst,
		" Random ":    PolicyRandom,
		"round_robin": PolicyRoundRobin,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("longest")
	assert.Error(t, err)
}

func TestFirstSelector(t *testing.T) {
	s := NewSelector(PolicyFirst, 0)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "a", s.Pick("p", "k", []string{"a", "b"}))
	}
	assert.Equal(t, "", s.Pick("p", "k", nil))
}

func TestRandomSelectorSeeded(t *testing.T) {
	responses := []string{"a", "b", "c", "d", "e", "f", "g"}
	s1 := NewRandomSelector(7)
	s2 := NewRandomSelector(7)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got := s1.Pick("p", "k", responses)
		assert.Equal(t, got, s2.Pick("p", "k", responses))
		assert.Contains(t, responses, got)
		seen[got] = true
	}
	assert.Len(t, seen, len(responses), "every response should eventually be picked")
}

func TestRandomSelectorSingle(t *testing.T) {
	s := NewRandomSelector(0)
	assert.Equal(t, "only", s.Pick("p", "k", []string{"only"}))
}

func TestRoundRobinSelector(t *testing.T) {
	s := NewSelector(PolicyRoundRobin, 0)
	responses := []string{"a", "b", "c"}
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, s.Pick("p1", "hola", responses))
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b"}, got)

	// counters are per post and keyword
	assert.Equal(t, "a", s.Pick("p2", "hola", responses))
	assert.Equal(t, "a", s.Pick("p1", "precio", responses))

	// shrinking the list keeps the index in range
	assert.Equal(t, "x", s.Pick("p1", "hola", []string{"x"}))
}
