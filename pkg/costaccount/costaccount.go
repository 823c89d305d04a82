// Package costaccount implements the Cost Accountant (C7): a thread-safe
// accumulator of attempt-level cost events per batch.
package costaccount

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wisbric/contentcore/internal/telemetry"
)

// Summary is the result of Accountant.Summary (spec §4.7).
type Summary struct {
	Total       float64
	ByOperation map[string]float64
	ByProvider  map[string]float64
	Count       int
}

type batchLedger struct {
	mu          sync.Mutex
	total       float64
	byOperation map[string]float64
	byProvider  map[string]float64
	count       int
}

// Accountant accumulates cost events for many concurrently-running batches.
// Safe for concurrent use from Orchestrator workers (spec §5 "C7 ... is a
// single shared structure per batch, guarded by a mutex").
type Accountant struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*batchLedger
}

// New creates an empty Accountant.
func New() *Accountant {
	return &Accountant{batches: make(map[uuid.UUID]*batchLedger)}
}

func (a *Accountant) ledger(batchID uuid.UUID) *batchLedger {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.batches[batchID]
	if !ok {
		l = &batchLedger{
			byOperation: make(map[string]float64),
			byProvider:  make(map[string]float64),
		}
		a.batches[batchID] = l
	}
	return l
}

// Record adds one attempt-level cost event. Costs of failed attempts are
// included — failure is not free (spec §4.4, §8 invariant 8).
func (a *Accountant) Record(batchID uuid.UUID, operation, provider string, costUSD float64) {
	l := a.ledger(batchID)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total += costUSD
	l.byOperation[operation] += costUSD
	l.byProvider[provider] += costUSD
	l.count++
	if costUSD > 0 {
		telemetry.CostUSDTotal.WithLabelValues(operation, provider).Add(costUSD)
	}
}

// Summary returns the current accumulation for batchID.
func (a *Accountant) Summary(batchID uuid.UUID) Summary {
	l := a.ledger(batchID)
	l.mu.Lock()
	defer l.mu.Unlock()

	byOp := make(map[string]float64, len(l.byOperation))
	for k, v := range l.byOperation {
		byOp[k] = v
	}
	byProv := make(map[string]float64, len(l.byProvider))
	for k, v := range l.byProvider {
		byProv[k] = v
	}

	return Summary{Total: l.total, ByOperation: byOp, ByProvider: byProv, Count: l.count}
}

// Forget releases the ledger for a batch once its terminal state has been
// persisted, bounding Accountant's memory to in-flight batches.
func (a *Accountant) Forget(batchID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.batches, batchID)
}
