// Package costtracker accumulates embedding API usage per provider so a
// long-running worker can report what its parse runs are consuming.
package costtracker

import "sync"

// Usage describes a single embedding call.
type Usage struct {
	Provider string
	Model    string
	Tokens   int
	Failed   bool
}

// ProviderUsage is the accumulated tally for one provider.
type ProviderUsage struct {
	Calls    int64
	Failures int64
	Tokens   int64
}

// Tracker accumulates embedding usage for the life of a process. All methods
// are safe for concurrent use and are no-ops on a nil Tracker, so callers
// never have to guard the optional wiring.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*ProviderUsage
}

func New() *Tracker {
	return &Tracker{providers: make(map[string]*ProviderUsage)}
}

// Record adds one call to the provider's tally. Failed calls count toward
// Calls and Failures but contribute no tokens.
func (t *Tracker) Record(u Usage) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	pu := t.providers[u.Provider]
	if pu == nil {
		pu = &ProviderUsage{}
		t.providers[u.Provider] = pu
	}
	pu.Calls++
	if u.Failed {
		pu.Failures++
		return
	}
	pu.Tokens += int64(u.Tokens)
}

// Snapshot returns a copy of the per-provider tallies.
func (t *Tracker) Snapshot() map[string]ProviderUsage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ProviderUsage, len(t.providers))
	for name, pu := range t.providers {
		out[name] = *pu
	}
	return out
}

// Totals sums calls, failures and tokens across all providers.
func (t *Tracker) Totals() (calls, failures, tokens int64) {
	if t == nil {
		return 0, 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pu := range t.providers {
		calls += pu.Calls
		failures += pu.Failures
		tokens += pu.Tokens
	}
	return calls, failures, tokens
}

// EstimateTokens approximates the token count of a text at four characters
// per token, for providers whose API reports no usage figures.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}
