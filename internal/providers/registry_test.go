package providers

import (
	"testing"

	"shuma/internal/siteconfig"
)

func TestCapabilityLabelsAreStable(t *testing.T) {
	tests := map[Capability]string{
		CapRateLimiter: "rate_limiter", CapBanStore: "ban_store",
		CapChallengeEngine: "challenge_engine", CapMazeTarpit: "maze_tarpit",
		CapFingerprintSignal: "fingerprint_signal",
	}
	for cap, want := range tests {
		if string(cap) != want {
			t.Errorf("%v = %q, want %q", cap, cap, want)
		}
	}
}

func TestRegistryDefaultsToInternal(t *testing.T) {
	r := FromConfig(siteconfig.Default())
	for _, cap := range allCapabilities() {
		if got := r.BackendFor(cap); got != siteconfig.BackendInternal {
			t.Errorf("BackendFor(%v) = %v, want Internal", cap, got)
		}
	}
	if r.HasExternalProvider() {
		t.Errorf("HasExternalProvider = true, want false")
	}
}

func TestRegistryReflectsExternalSelection(t *testing.T) {
	cfg := siteconfig.Default()
	cfg.Providers.RateLimiter = siteconfig.BackendExternal
	cfg.Providers.FingerprintSignal = siteconfig.BackendExternal
	r := FromConfig(cfg)

	if got := r.BackendFor(CapRateLimiter); got != siteconfig.BackendExternal {
		t.Errorf("BackendFor(RateLimiter) = %v, want External", got)
	}
	if got := r.BackendFor(CapBanStore); got != siteconfig.BackendInternal {
		t.Errorf("BackendFor(BanStore) = %v, want Internal", got)
	}
	if !r.HasExternalProvider() {
		t.Errorf("HasExternalProvider = false, want true")
	}
}

func TestImplementationForRoutesUnsupportedCapabilitiesToStub(t *testing.T) {
	cfg := siteconfig.Default()
	cfg.Providers.ChallengeEngine = siteconfig.BackendExternal
	r := FromConfig(cfg)
	if got := r.ImplementationFor(CapChallengeEngine); got != "external_stub_unsupported" {
		t.Errorf("ImplementationFor(ChallengeEngine) = %q, want external_stub_unsupported", got)
	}
}

func TestMultiInstanceGuardrailFailsWithoutOverride(t *testing.T) {
	cfg := siteconfig.Default()
	cfg.EdgeIntegration = siteconfig.EdgeAuthoritative
	cfg.Providers.RateLimiter = siteconfig.BackendInternal

	if err := CheckMultiInstanceGuardrail(cfg, true, false); err == nil {
		t.Errorf("CheckMultiInstanceGuardrail = nil, want error")
	}
	if err := CheckMultiInstanceGuardrail(cfg, true, true); err != nil {
		t.Errorf("CheckMultiInstanceGuardrail with override = %v, want nil", err)
	}
	if err := CheckMultiInstanceGuardrail(cfg, false, false); err != nil {
		t.Errorf("CheckMultiInstanceGuardrail without multi-instance = %v, want nil", err)
	}
}

func TestMultiInstanceGuardrailPassesWithExternalBackends(t *testing.T) {
	cfg := siteconfig.Default()
	cfg.EdgeIntegration = siteconfig.EdgeAuthoritative
	cfg.Providers.RateLimiter = siteconfig.BackendExternal
	cfg.Providers.BanStore = siteconfig.BackendExternal

	if err := CheckMultiInstanceGuardrail(cfg, true, false); err != nil {
		t.Errorf("CheckMultiInstanceGuardrail = %v, want nil", err)
	}
}
