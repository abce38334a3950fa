package queue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RetryPolicy describes the retry budget and backoff shape for a job type.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	JitterPct   float64       `json:"jitter_pct"`
	BackoffCap  time.Duration `json:"backoff_cap"`
}

// PolicyProvider resolves retry policies per job type from configuration.
// Policies are cached and re-read from the config source after a TTL, so a
// policy change in the config file applies to not-yet-exhausted jobs without
// a process restart. Refresh forces an immediate reload.
type PolicyProvider struct {
	v   *viper.Viper
	ttl time.Duration
	log *zap.SugaredLogger

	mu       sync.Mutex
	cache    map[string]RetryPolicy
	loadedAt time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPolicyProvider creates a provider reading from the given Viper instance.
// The cache TTL comes from retry.ttl; jitter uses a non-deterministic source.
func NewPolicyProvider(v *viper.Viper, log *zap.SugaredLogger) *PolicyProvider {
	return NewPolicyProviderWithRand(v, log, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewPolicyProviderWithRand creates a provider with an explicit jitter source.
// Tests pass a seeded source to make backoff delays deterministic.
func NewPolicyProviderWithRand(v *viper.Viper, log *zap.SugaredLogger, rng *rand.Rand) *PolicyProvider {
	ttl := v.GetDuration("retry.ttl")
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PolicyProvider{
		v:     v,
		ttl:   ttl,
		log:   log,
		cache: make(map[string]RetryPolicy),
		rng:   rng,
	}
}

// Resolve returns the current policy for a job type, falling back field by
// field to [retry.default] when the type has no override.
func (p *PolicyProvider) Resolve(jobType string) RetryPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.loadedAt) > p.ttl {
		p.cache = make(map[string]RetryPolicy)
		p.loadedAt = time.Now()
	}

	if pol, ok := p.cache[jobType]; ok {
		return pol
	}

	pol := p.read(jobType)
	p.cache[jobType] = pol
	return pol
}

// Refresh drops the cache so the next Resolve re-reads from the source.
func (p *PolicyProvider) Refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]RetryPolicy)
	p.loadedAt = time.Now()
	if p.log != nil {
		p.log.Debugw("Retry policies refreshed")
	}
}

// read resolves a policy from configuration without touching the cache.
// Caller holds p.mu.
func (p *PolicyProvider) read(jobType string) RetryPolicy {
	pol := RetryPolicy{
		MaxAttempts: p.v.GetInt("retry.default.max_attempts"),
		BaseDelay:   p.v.GetDuration("retry.default.base_delay"),
		JitterPct:   p.v.GetFloat64("retry.default.jitter_pct"),
		BackoffCap:  p.v.GetDuration("retry.default.backoff_cap"),
	}

	prefix := "retry." + jobType + "."
	if p.v.IsSet(prefix + "max_attempts") {
		pol.MaxAttempts = p.v.GetInt(prefix + "max_attempts")
	}
	if p.v.IsSet(prefix + "base_delay") {
		pol.BaseDelay = p.v.GetDuration(prefix + "base_delay")
	}
	if p.v.IsSet(prefix + "jitter_pct") {
		pol.JitterPct = p.v.GetFloat64(prefix + "jitter_pct")
	}
	if p.v.IsSet(prefix + "backoff_cap") {
		pol.BackoffCap = p.v.GetDuration(prefix + "backoff_cap")
	}

	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	return pol
}

// NextDelay computes the backoff delay after the given failed attempt
// (1-indexed): min(base * 2^(attempt-1), cap) with symmetric jitter of
// ±(delay * jitter_pct / 2), floored at zero.
func (p *PolicyProvider) NextDelay(attempt int, pol RetryPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(pol.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= 2
		if pol.BackoffCap > 0 && delay >= float64(pol.BackoffCap) {
			delay = float64(pol.BackoffCap)
			break
		}
	}
	if pol.BackoffCap > 0 && delay > float64(pol.BackoffCap) {
		delay = float64(pol.BackoffCap)
	}

	if pol.JitterPct > 0 {
		p.rngMu.Lock()
		u := p.rng.Float64()
		p.rngMu.Unlock()
		// u in [0,1) mapped to [-1,1), scaled to half the jitter band
		delay += (u*2 - 1) * delay * pol.JitterPct / 2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
