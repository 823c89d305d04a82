// Package caption implements the Caption Service (C5): a platform-tuned
// caption generator backed by an Anthropic model.
package caption

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Platform is one of the supported caption targets (spec §4.5).
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformX         Platform = "x"
	PlatformOnlyFans  Platform = "onlyfans"
)

// maxLength is the per-platform length budget (spec §4.5).
var maxLength = map[Platform]int{
	PlatformInstagram: 150,
	PlatformTikTok:    100,
	PlatformX:         280,
	PlatformOnlyFans:  200,
}

const (
	maxAttempts  = 2
	retryDelay   = 500 * time.Millisecond
)

// Service produces captions via an Anthropic model. Failure to caption a
// piece is non-fatal to the batch (spec §4.5); callers treat any returned
// error as "proceed without caption".
type Service struct {
	client *anthropic.Client
	model  anthropic.Model
}

// New creates a Service using apiKey and model (e.g.
// "claude-3-5-haiku-20241022").
func New(apiKey, model string) *Service {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Service{client: &client, model: anthropic.Model(model)}
}

// Caption produces a single caption string for piecePrompt on platform,
// making at most maxAttempts attempts with a fixed delay between them
// (spec §4.5).
func (s *Service) Caption(ctx context.Context, avatarNiche, piecePrompt string, platform Platform) (string, error) {
	limit, ok := maxLength[platform]
	if !ok {
		return "", fmt.Errorf("caption: unknown platform %q", platform)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := s.callOnce(ctx, avatarNiche, piecePrompt, platform, limit)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return "", fmt.Errorf("caption: giving up after %d attempts: %w", maxAttempts, lastErr)
}

func (s *Service) callOnce(ctx context.Context, avatarNiche, piecePrompt string, platform Platform, limit int) (string, error) {
	instruction := fmt.Sprintf(
		"Write a single %s caption, at most %d characters, for a %s-themed image described as: %q. "+
			"Reply with only the caption text, no quotes, no hashtags unless natural to the platform.",
		platform, limit, avatarNiche, piecePrompt,
	)

	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(instruction)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("calling anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	caption := strings.TrimSpace(sb.String())
	if caption == "" {
		return "", fmt.Errorf("caption: empty response")
	}
	if len(caption) > limit {
		caption = truncateAtRuneBoundary(caption, limit)
	}
	return caption, nil
}

// truncateAtRuneBoundary cuts s to at most limit bytes without splitting a
// multi-byte rune at the boundary.
func truncateAtRuneBoundary(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
