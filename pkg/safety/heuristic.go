package safety

import (
	"context"
	"strings"
)

// explicitTerms are keyword buckets a HeuristicBackend checks the prompt
// against, in lieu of a real vision/text moderation model. This backend
// exists so the pipeline has a working default Backend out of the box;
// operators wire in a hosted classifier via their own Backend
// implementation for production use.
var explicitTerms = map[string][]string{
	"sexual":     {"nude", "naked", "explicit", "nsfw"},
	"violence":   {"gore", "blood", "violent", "weapon"},
	"hate":       {"slur"},
	"self_harm":  {"suicide", "self-harm"},
	"harassment": {"harass"},
}

// HeuristicBackend scores a prompt by keyword matching. It ignores image
// bytes entirely, since it has no vision model behind it.
type HeuristicBackend struct{}

// NewHeuristicBackend creates a HeuristicBackend.
func NewHeuristicBackend() *HeuristicBackend {
	return &HeuristicBackend{}
}

// Score implements Backend.
func (h *HeuristicBackend) Score(_ context.Context, prompt string, _ []byte) (Scores, error) {
	lower := strings.ToLower(prompt)

	return Scores{
		Sexual:     termScore(lower, explicitTerms["sexual"]),
		Violence:   termScore(lower, explicitTerms["violence"]),
		Hate:       termScore(lower, explicitTerms["hate"]),
		SelfHarm:   termScore(lower, explicitTerms["self_harm"]),
		Harassment: termScore(lower, explicitTerms["harassment"]),
	}, nil
}

func termScore(prompt string, terms []string) float64 {
	for _, t := range terms {
		if strings.Contains(prompt, t) {
			return 0.95
		}
	}
	return 0.05
}
