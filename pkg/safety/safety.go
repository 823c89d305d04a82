// Package safety implements the Safety Classifier (C6): a score-vector
// decision table assigning each piece a rating and effective tier, cached
// per-prompt in Redis.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/contentcore/pkg/domain"
)

const (
	cacheTTL       = 30 * time.Minute
	redisKeyPrefix = "safety:prompt:"
)

// Scores is the fixed vector the classifier decides over (spec §4.6).
type Scores struct {
	Sexual     float64
	Violence   float64
	Hate       float64
	SelfHarm   float64
	Harassment float64
}

// Backend scores a prompt (and optionally image bytes); a specific
// implementation may be non-deterministic, which is why Classifier caches
// per-prompt.
type Backend interface {
	Score(ctx context.Context, prompt string, imageBytes []byte) (Scores, error)
}

// ErrTransient marks a backend failure that the caller should treat as a
// per-piece drop rather than a substitute rating, unless safety checking
// was explicitly disabled for the batch (spec §4.6).
var ErrTransient = errors.New("safety: classifier backend unavailable")

// Classifier assigns ratings using Backend, with a per-prompt Redis cache
// because the classifier is pure with respect to inputs but a given
// backend may be non-deterministic.
type Classifier struct {
	backend Backend
	rdb     *redis.Client
	logger  *slog.Logger
}

// New creates a Classifier.
func New(backend Backend, rdb *redis.Client, logger *slog.Logger) *Classifier {
	return &Classifier{backend: backend, rdb: rdb, logger: logger}
}

// Decide applies the decision table in spec §4.6 to score, mapping it to a
// rating and effective tier. A rejected piece gets SafetyRejected, an empty
// tier, and false.
func Decide(s Scores) (domain.SafetyRating, domain.Tier, bool) {
	switch {
	case s.Sexual < 0.20 && s.Violence < 0.10 && s.Hate < 0.50 && s.SelfHarm < 0.50 && s.Harassment < 0.50:
		return domain.SafetySafe, domain.TierT1, true
	case s.Sexual < 0.60 && s.Violence < 0.30:
		return domain.SafetySuggestive, domain.TierT2, true
	case s.Sexual < 0.90 && s.Violence < 0.50:
		return domain.SafetyBorderline, domain.TierT3, true
	default:
		return domain.SafetyRejected, "", false
	}
}

// Classify scores prompt (and optional imageBytes), caching the score
// vector per-prompt. A backend failure is returned wrapped in ErrTransient.
// When safety checking is disabled for a batch the orchestrator does not
// call Classify; those pieces keep their template tier and carry no rating.
func (c *Classifier) Classify(ctx context.Context, prompt string, imageBytes []byte) (domain.SafetyRating, domain.Tier, bool, error) {
	if cached, ok := c.cacheGet(ctx, prompt); ok {
		rating, tier, kept := Decide(cached)
		return rating, tier, kept, nil
	}

	scores, err := c.backend.Score(ctx, prompt, imageBytes)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	c.cacheSet(ctx, prompt, scores)

	rating, tier, kept := Decide(scores)
	return rating, tier, kept, nil
}

func cacheKey(prompt string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	return fmt.Sprintf("%s%x", redisKeyPrefix, h.Sum64())
}

func (c *Classifier) cacheGet(ctx context.Context, prompt string) (Scores, bool) {
	val, err := c.rdb.Get(ctx, cacheKey(prompt)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("safety cache lookup failed", "error", err)
		}
		return Scores{}, false
	}

	var s Scores
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		c.logger.Warn("invalid safety cache entry", "error", err)
		return Scores{}, false
	}
	return s, true
}

func (c *Classifier) cacheSet(ctx context.Context, prompt string, s Scores) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(prompt), data, cacheTTL).Err(); err != nil {
		c.logger.Warn("failed to set safety cache", "error", err)
	}
}
