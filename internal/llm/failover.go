package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// breakerKey is the session key under which breaker state is kept. The
// leading underscore puts it outside the keys the engine accepts.
const breakerKey = "_llm_breakers"

// BreakerStore persists circuit breaker state. memory.KV satisfies it.
type BreakerStore interface {
	Get(ctx context.Context, sessionKey, field string) ([]byte, bool, error)
	Put(ctx context.Context, sessionKey, field string, value []byte) error
}

// Named pairs an Inferer with a provider name for breaker tracking and logs.
type Named struct {
	Name    string
	Inferer Inferer
}

type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// FailoverInferer tries providers in order, skipping any whose circuit
// breaker is open.
type FailoverInferer struct {
	candidates []Named
	breakers   map[string]*circuitBreaker

	mu             sync.Mutex
	threshold      int
	cooldownPeriod time.Duration
	store          BreakerStore
	logger         *slog.Logger
	now            func() time.Time
}

// NewFailoverInferer builds a failover chain. A breaker trips after threshold
// consecutive failures (default 5) and resets after cooldown (default 5m).
func NewFailoverInferer(primary Named, fallbacks []Named, threshold int, cooldown time.Duration, logger *slog.Logger) *FailoverInferer {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	candidates := append([]Named{primary}, fallbacks...)
	breakers := make(map[string]*circuitBreaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &circuitBreaker{}
	}
	return &FailoverInferer{
		candidates:     candidates,
		breakers:       breakers,
		threshold:      threshold,
		cooldownPeriod: cooldown,
		logger:         logger,
		now:            time.Now,
	}
}

// Infer returns the first successful completion. A context overflow is
// returned immediately because every provider would see the same prompt.
func (f *FailoverInferer) Infer(ctx context.Context, msgs []Message, opts Options) (string, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		resp, err := c.Inferer.Infer(ctx, msgs, opts)
		if err == nil {
			f.recordSuccess(ctx, c.Name)
			return resp, nil
		}
		if ctx.Err() != nil {
			return "", Wrap("failover", err)
		}

		lastErr = err
		f.recordFailure(ctx, c.Name)
		ec := ClassifyError(err)
		f.logger.Warn("failover: provider failed",
			"provider", c.Name,
			"error_class", string(ec),
			"error", err,
		)
		if ec == ErrorClassContextOverflow {
			return "", Wrap("failover", fmt.Errorf("context overflow from %s: %w", c.Name, err))
		}
	}
	if lastErr == nil {
		return "", &InferenceError{
			Op:        "failover",
			Class:     ErrorClassRateLimit,
			Transient: true,
			Err:       fmt.Errorf("all providers are cooling down"),
		}
	}
	return "", Wrap("failover", fmt.Errorf("all providers failed, last error: %w", lastErr))
}

func (f *FailoverInferer) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if f.now().Sub(cb.lastFailure) >= f.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// SetStore enables persistent breaker state.
func (f *FailoverInferer) SetStore(store BreakerStore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store = store
}

func (f *FailoverInferer) recordFailure(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		f.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = f.now()
	if cb.failures >= f.threshold && !cb.tripped {
		cb.tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	f.persist(ctx, name, cb)
}

func (f *FailoverInferer) recordSuccess(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || (cb.failures == 0 && !cb.tripped) {
		return
	}
	cb.failures = 0
	cb.tripped = false
	f.persist(ctx, name, cb)
}

// persist must be called with f.mu held.
func (f *FailoverInferer) persist(ctx context.Context, name string, cb *circuitBreaker) {
	if f.store == nil {
		return
	}
	data, err := json.Marshal(breakerState{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	})
	if err != nil {
		return
	}
	if err := f.store.Put(context.WithoutCancel(ctx), breakerKey, name, data); err != nil {
		f.logger.Warn("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadState restores breaker state saved by a previous process.
func (f *FailoverInferer) LoadState(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store == nil {
		return
	}
	for name, cb := range f.breakers {
		raw, ok, err := f.store.Get(ctx, breakerKey, name)
		if err != nil || !ok {
			continue
		}
		var st breakerState
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		cb.failures = st.Failures
		cb.lastFailure = st.LastFailure
		cb.tripped = st.Tripped
	}
}
