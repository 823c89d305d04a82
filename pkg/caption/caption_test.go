package caption

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCaptionRejectsUnknownPlatform(t *testing.T) {
	s := New("test-key", "claude-3-5-haiku-20241022")

	_, err := s.Caption(context.Background(), "fitness", "a prompt", Platform("unknown"))
	if err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestMaxLengthCoversAllPlatforms(t *testing.T) {
	for _, p := range []Platform{PlatformInstagram, PlatformTikTok, PlatformX, PlatformOnlyFans} {
		if _, ok := maxLength[p]; !ok {
			t.Errorf("maxLength missing entry for platform %q", p)
		}
	}
}

func TestTruncateAtRuneBoundaryDoesNotSplitMultibyteRune(t *testing.T) {
	// Each emoji is 4 bytes; a limit landing mid-rune must back off to the
	// previous rune start rather than producing an invalid UTF-8 tail.
	s := strings.Repeat("a", 10) + "🎉🎉🎉"

	got := truncateAtRuneBoundary(s, 12)
	if !utf8.ValidString(got) {
		t.Fatalf("truncateAtRuneBoundary produced invalid UTF-8: %q", got)
	}
	if len(got) > 12 {
		t.Errorf("len(got) = %d, want <= 12", len(got))
	}
}

func TestTruncateAtRuneBoundaryNoOpWhenUnderLimit(t *testing.T) {
	s := "short"
	if got := truncateAtRuneBoundary(s, 100); got != s {
		t.Errorf("truncateAtRuneBoundary(%q, 100) = %q, want unchanged", s, got)
	}
}
