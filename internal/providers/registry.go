// Package providers implements the capability registry (C15): each of the
// five pluggable concerns is bound to an Internal or External backend per
// site config, and the decision pipeline only ever talks to the resulting
// contract, never to a concrete implementation directly.
package providers

import (
	"fmt"

	"shuma/internal/siteconfig"
)

// Capability names one of the five pluggable concerns.
type Capability string

const (
	CapRateLimiter       Capability = "rate_limiter"
	CapBanStore          Capability = "ban_store"
	CapChallengeEngine   Capability = "challenge_engine"
	CapMazeTarpit        Capability = "maze_tarpit"
	CapFingerprintSignal Capability = "fingerprint_signal"
)

func allCapabilities() []Capability {
	return []Capability{CapRateLimiter, CapBanStore, CapChallengeEngine, CapMazeTarpit, CapFingerprintSignal}
}

// Registry resolves a capability to the backend selected for it.
type Registry struct {
	backends siteconfig.ProviderBackends
}

func FromConfig(cfg siteconfig.Config) *Registry {
	return &Registry{backends: cfg.Providers}
}

func (r *Registry) BackendFor(cap Capability) siteconfig.BackendKind {
	switch cap {
	case CapRateLimiter:
		return r.backends.RateLimiter
	case CapBanStore:
		return r.backends.BanStore
	case CapChallengeEngine:
		return r.backends.ChallengeEngine
	case CapMazeTarpit:
		return r.backends.MazeTarpit
	case CapFingerprintSignal:
		return r.backends.FingerprintSignal
	default:
		return siteconfig.BackendInternal
	}
}

// ImplementationFor reports a stable label for observability: which
// concrete implementation a capability resolves to, distinguishing a real
// external backend from a safe "unsupported" stub.
func (r *Registry) ImplementationFor(cap Capability) string {
	backend := r.BackendFor(cap)
	if backend == siteconfig.BackendInternal {
		return "internal"
	}
	switch cap {
	case CapRateLimiter, CapBanStore:
		return "external_redis_with_internal_fallback"
	case CapFingerprintSignal:
		return "external_stub_fingerprint"
	default:
		return "external_stub_unsupported"
	}
}

// HasExternalProvider reports whether any capability is bound externally.
func (r *Registry) HasExternalProvider() bool {
	for _, cap := range allCapabilities() {
		if r.BackendFor(cap) == siteconfig.BackendExternal {
			return true
		}
	}
	return false
}

// GuardrailError is returned by CheckMultiInstanceGuardrail when an
// enterprise multi-instance deployment would silently run on
// non-synchronized internal state.
type GuardrailError struct {
	Capability Capability
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("providers: capability %q is Internal but multi-instance mode requires a synchronized external backend in authoritative edge mode; set SHUMA_ENTERPRISE_UNSYNCED_STATE_EXCEPTION_CONFIRMED=1 to override", e.Capability)
}

// CheckMultiInstanceGuardrail fails startup when multi-instance deployment
// is enabled, the edge integration mode is authoritative, and the rate or
// ban providers remain Internal (per-process, unsynchronized) without an
// explicit operator override.
func CheckMultiInstanceGuardrail(cfg siteconfig.Config, multiInstance bool, unsyncedExceptionConfirmed bool) error {
	if !multiInstance || unsyncedExceptionConfirmed {
		return nil
	}
	if cfg.EdgeIntegration != siteconfig.EdgeAuthoritative {
		return nil
	}
	r := FromConfig(cfg)
	if r.BackendFor(CapRateLimiter) == siteconfig.BackendInternal {
		return &GuardrailError{Capability: CapRateLimiter}
	}
	if r.BackendFor(CapBanStore) == siteconfig.BackendInternal {
		return &GuardrailError{Capability: CapBanStore}
	}
	return nil
}
