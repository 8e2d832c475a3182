package matcher

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

type Policy string

const (
	PolicyFirst      Policy = "first"
	PolicyRandom     Policy = "random"
	PolicyRoundRobin Policy = "round_robin"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyFirst, PolicyRandom, PolicyRoundRobin:
		return p, nil
	case "":
		return PolicyRandom, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", s)
	}
}

// Selector picks one response out of a non-empty list. postID and keyword
// identify the rule for stateful policies.
type Selector interface {
	Pick(postID, keyword string, responses []string) string
}

func NewSelector(p Policy, seed int64) Selector {
	switch p {
	case PolicyFirst:
		return FirstSelector{}
	case PolicyRoundRobin:
		return NewRoundRobinSelector()
	default:
		return NewRandomSelector(seed)
	}
}

type FirstSelector struct{}

func (FirstSelector) Pick(_, _ string, responses []string) string {
	if len(responses) == 0 {
		return ""
	}
	return responses[0]
}

// RandomSelector picks uniformly. A non-zero seed makes the pick sequence
// reproducible.
type RandomSelector struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewRandomSelector(seed int64) *RandomSelector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomSelector{rand: rand.New(rand.NewSource(seed))}
}

func (s *RandomSelector) Pick(_, _ string, responses []string) string {
	switch len(responses) {
	case 0:
		return ""
	case 1:
		return responses[0]
	}
	s.mu.Lock()
	i := s.rand.Intn(len(responses))
	s.mu.Unlock()
	return responses[i]
}

type RoundRobinSelector struct {
	mu   sync.Mutex
	next map[string]int
}

func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{next: make(map[string]int)}
}

func (s *RoundRobinSelector) Pick(postID, keyword string, responses []string) string {
	if len(responses) == 0 {
		return ""
	}
	key := postID + "\x00" + keyword
	s.mu.Lock()
	i := s.next[key] % len(responses)
	s.next[key] = i + 1
	s.mu.Unlock()
	return responses[i]
}
