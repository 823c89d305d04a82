package safety

import (
	"context"
	"testing"
)

func TestHeuristicBackendScore(t *testing.T) {
	b := NewHeuristicBackend()
	ctx := context.Background()

	t.Run("clean prompt scores low across the board", func(t *testing.T) {
		s, err := b.Score(ctx, "a portrait of a person smiling in a park", nil)
		if err != nil {
			t.Fatalf("Score error: %v", err)
		}
		if s.Sexual >= 0.5 || s.Violence >= 0.5 || s.Hate >= 0.5 {
			t.Errorf("expected low scores for clean prompt, got %+v", s)
		}
	})

	t.Run("sexual keyword trips the sexual score", func(t *testing.T) {
		s, err := b.Score(ctx, "an explicit nude photo", nil)
		if err != nil {
			t.Fatalf("Score error: %v", err)
		}
		if s.Sexual < 0.9 {
			t.Errorf("Sexual = %v, want >= 0.9", s.Sexual)
		}
	})

	t.Run("violence keyword trips the violence score", func(t *testing.T) {
		s, err := b.Score(ctx, "a gore filled battle scene", nil)
		if err != nil {
			t.Fatalf("Score error: %v", err)
		}
		if s.Violence < 0.9 {
			t.Errorf("Violence = %v, want >= 0.9", s.Violence)
		}
	})

	t.Run("is case insensitive", func(t *testing.T) {
		s, err := b.Score(ctx, "NUDE portrait", nil)
		if err != nil {
			t.Fatalf("Score error: %v", err)
		}
		if s.Sexual < 0.9 {
			t.Errorf("Sexual = %v, want >= 0.9 regardless of case", s.Sexual)
		}
	})
}
