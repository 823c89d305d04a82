// Package template implements the in-memory Template Library (C3): an
// immutable catalog of prompt templates with deterministic, cached
// selection.
package template

import "github.com/wisbric/contentcore/pkg/domain"

// Template is one catalog entry. Prompt is parameterizable with
// "{trigger_token}" and "{niche}" placeholders (spec §4.3).
type Template struct {
	ID     string
	Niche  string
	Tier   domain.Tier
	Prompt string
	Knobs  domain.GenerationConfig
}

// notFoundError is returned by Get when no template has the given id.
type notFoundError struct{ id string }

func (e *notFoundError) Error() string { return "template: " + e.id + " not found" }

// Catalog is a read-only, in-memory collection of templates, shared across
// all batches. It is safe for concurrent use.
type Catalog struct {
	byID  map[string]Template
	order []Template // stable load order, used for deterministic tie-break
	cache *selectionCache
}

// New builds a Catalog from a fixed template set. Templates is the full
// corpus; order is preserved for stable-id tie-breaking.
func New(templates []Template, cacheCapacity int) *Catalog {
	c := &Catalog{
		byID:  make(map[string]Template, len(templates)),
		order: append([]Template(nil), templates...),
		cache: newSelectionCache(cacheCapacity),
	}
	for _, t := range templates {
		c.byID[t.ID] = t
	}
	return c
}

// Get looks up a template by id.
func (c *Catalog) Get(id string) (Template, error) {
	t, ok := c.byID[id]
	if !ok {
		return Template{}, &notFoundError{id: id}
	}
	return t, nil
}

// Stats reports cache accounting (spec §4.3 "observable via a stats()
// accessor").
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
}

// Stats returns the current cache hit/miss accounting.
func (c *Catalog) Stats() Stats {
	return c.cache.stats()
}
