package safety

import (
	"testing"

	"github.com/wisbric/contentcore/pkg/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		scores     Scores
		wantRating domain.SafetyRating
		wantTier   domain.Tier
		wantKept   bool
	}{
		{
			name:       "clean prompt is safe T1",
			scores:     Scores{Sexual: 0.05, Violence: 0.02, Hate: 0.01, SelfHarm: 0.01, Harassment: 0.01},
			wantRating: domain.SafetySafe,
			wantTier:   domain.TierT1,
			wantKept:   true,
		},
		{
			name:       "mildly suggestive is T2",
			scores:     Scores{Sexual: 0.40, Violence: 0.05},
			wantRating: domain.SafetySuggestive,
			wantTier:   domain.TierT2,
			wantKept:   true,
		},
		{
			name:       "borderline is T3",
			scores:     Scores{Sexual: 0.75, Violence: 0.20},
			wantRating: domain.SafetyBorderline,
			wantTier:   domain.TierT3,
			wantKept:   true,
		},
		{
			name:     "high sexual score is rejected",
			scores:   Scores{Sexual: 0.95},
			wantKept: false,
		},
		{
			name:     "high violence score is rejected",
			scores:   Scores{Violence: 0.95},
			wantKept: false,
		},
		{
			name:       "high hate score alone is suggestive, not safe",
			scores:     Scores{Hate: 0.9},
			wantRating: domain.SafetySuggestive,
			wantTier:   domain.TierT2,
			wantKept:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rating, tier, kept := Decide(tt.scores)
			if kept != tt.wantKept {
				t.Fatalf("kept = %v, want %v", kept, tt.wantKept)
			}
			if !kept {
				if rating != domain.SafetyRejected {
					t.Errorf("rating = %v, want rejected", rating)
				}
				return
			}
			if rating != tt.wantRating {
				t.Errorf("rating = %v, want %v", rating, tt.wantRating)
			}
			if tier != tt.wantTier {
				t.Errorf("tier = %v, want %v", tier, tt.wantTier)
			}
		})
	}
}
