package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// Capability describes what an agent is good at, for selection.
type Capability struct {
	Key         string
	Description string
	Keywords    []string
}

// KeywordSelector picks the agent whose keywords and description share the
// most words with a task description. Ties go to the lexically smaller key.
type KeywordSelector struct {
	caps     []Capability
	fallback string
}

var _ pipeline.AgentSelector = (*KeywordSelector)(nil)

// NewKeywordSelector creates a selector over caps. fallback, when non-empty,
// is returned for tasks that match nothing.
func NewKeywordSelector(caps []Capability, fallback string) *KeywordSelector {
	sorted := append([]Capability(nil), caps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	return &KeywordSelector{caps: sorted, fallback: fallback}
}

// SelectForTask implements pipeline.AgentSelector.
func (s *KeywordSelector) SelectForTask(ctx context.Context, taskDescription string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	words := wordSet(taskDescription)
	best, bestScore := "", 0
	for _, c := range s.caps {
		score := 0
		for _, kw := range c.Keywords {
			if words[strings.ToLower(kw)] {
				score += 2
			}
		}
		for w := range wordSet(c.Description) {
			if len(w) > 3 && words[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = c.Key, score
		}
	}

	if best != "" {
		return best, nil
	}
	if s.fallback != "" {
		return s.fallback, nil
	}
	return "", fmt.Errorf("no agent matches task %q", taskDescription)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		set[w] = true
	}
	return set
}
