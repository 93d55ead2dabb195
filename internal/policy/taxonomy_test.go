package policy

import (
	"reflect"
	"testing"
)

func TestResolveHighestLevelPicksMostRestrictive(t *testing.T) {
	got := ResolveHighestLevel([]EscalationLevel{L2Monitor, L10DenyTemp, L5NotABot})
	if got != L10DenyTemp {
		t.Errorf("ResolveHighestLevel = %v, want L10DenyTemp", got)
	}
}

func TestResolveHighestLevelEmptyDefaultsToAllowClean(t *testing.T) {
	if got := ResolveHighestLevel(nil); got != L0AllowClean {
		t.Errorf("ResolveHighestLevel(nil) = %v, want L0AllowClean", got)
	}
}

func TestResolveAllowCleanHasNoSignals(t *testing.T) {
	m := Resolve(TransitionAllowClean)
	if m.Level != L0AllowClean || m.Action != AAllow || m.Detection != DAllowClean {
		t.Errorf("Resolve(AllowClean) = %+v, want L0/A_ALLOW/D_ALLOW_CLEAN", m)
	}
	if len(m.SignalIds) != 0 {
		t.Errorf("SignalIds = %v, want empty", m.SignalIds)
	}
}

func TestResolveHoneypotHitMapsToCanonicalIds(t *testing.T) {
	m := Resolve(TransitionHoneypotHit)
	if m.Level != L10DenyTemp || m.Detection != DHoneypotHit {
		t.Errorf("Resolve(HoneypotHit) = %+v", m)
	}
	if !reflect.DeepEqual(m.SignalIds, []SignalId{SHoneypotHit}) {
		t.Errorf("SignalIds = %v, want [S_HONEYPOT_HIT]", m.SignalIds)
	}
}

func TestResolveNotABotTransitionMapsToL5(t *testing.T) {
	m := Resolve(TransitionBotnessGateNotABot([]SignalId{SJsRequiredMissing}))
	if m.Level != L5NotABot || m.Detection != DBotnessGateNotABot {
		t.Errorf("Resolve(NotABot) = %+v, want L5/D_BOTNESS_GATE_NOT_A_BOT", m)
	}
}

func TestResolveChallengeDisabledFallbackMazeUsesCanonicalIds(t *testing.T) {
	m := Resolve(TransitionChallengeDisabledFallbackMaze([]SignalId{SGeoRouteChallenge}))
	if m.Level != L7DeceptionExplicit || m.Detection != DChallengeDisabledFallbackMaze {
		t.Errorf("Resolve(ChallengeDisabledFallbackMaze) = %+v", m)
	}
	if !reflect.DeepEqual(m.SignalIds, []SignalId{SGeoRouteChallenge}) {
		t.Errorf("SignalIds = %v, want [S_GEO_ROUTE_CHALLENGE]", m.SignalIds)
	}
}

func TestResolveBotnessTransitionDeduplicatesAndSortsSignalIds(t *testing.T) {
	m := Resolve(TransitionBotnessGateChallenge([]SignalId{SRateUsageHigh, SGeoRisk, SRateUsageHigh, SGeoRisk}))
	want := []SignalId{SGeoRisk, SRateUsageHigh}
	if !reflect.DeepEqual(m.SignalIds, want) {
		t.Errorf("SignalIds = %v, want %v (deduped, sorted)", m.SignalIds, want)
	}
}

func TestResolveSequenceBindingMismatchMapsToCanonicalIds(t *testing.T) {
	m := Resolve(TransitionSeqBindingMismatch)
	if m.Detection != DSeqBindingMismatch || !reflect.DeepEqual(m.SignalIds, []SignalId{SSeqBindingMismatch}) {
		t.Errorf("Resolve(SeqBindingMismatch) = %+v", m)
	}
}

func TestResolveSequenceReplayTransitionMapsToCanonicalIds(t *testing.T) {
	m := Resolve(TransitionSeqOpReplay)
	if m.Detection != DSeqOpReplay || !reflect.DeepEqual(m.SignalIds, []SignalId{SSeqOpReplay}) {
		t.Errorf("Resolve(SeqOpReplay) = %+v", m)
	}
}

func TestResolveSequenceOrderViolationMapsToCanonicalIds(t *testing.T) {
	m := Resolve(TransitionSeqOrderViolation)
	if m.Detection != DSeqOrderViolation || !reflect.DeepEqual(m.SignalIds, []SignalId{SSeqOrderViolation}) {
		t.Errorf("Resolve(SeqOrderViolation) = %+v", m)
	}
}

func TestResolveSequenceWindowExceededMapsToCanonicalIds(t *testing.T) {
	m := Resolve(TransitionSeqWindowExceeded)
	if m.Detection != DSeqWindowExceeded || !reflect.DeepEqual(m.SignalIds, []SignalId{SSeqWindowExceeded}) {
		t.Errorf("Resolve(SeqWindowExceeded) = %+v", m)
	}
}

func TestResolveSequenceTimingRegularTransitionMapsToCanonicalIds(t *testing.T) {
	m := Resolve(TransitionSeqTimingTooRegular)
	if m.Detection != DSeqTimingTooRegular || !reflect.DeepEqual(m.SignalIds, []SignalId{SSeqTimingTooRegular}) {
		t.Errorf("Resolve(SeqTimingTooRegular) = %+v", m)
	}
}

func TestResolveTransitionsAreDeterministic(t *testing.T) {
	a := Resolve(TransitionMazeThresholdBan)
	b := Resolve(TransitionMazeThresholdBan)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Resolve is not deterministic: %+v vs %+v", a, b)
	}
}

func TestBotnessKeyMappingUsesCanonicalIds(t *testing.T) {
	tests := []struct {
		key  string
		want SignalId
	}{
		{"js_verification_required", SJsRequiredMissing},
		{"geo_risk", SGeoRisk},
		{"rate_pressure_medium", SRateUsageMedium},
		{"rate_pressure_high", SRateUsageHigh},
		{"maze_behavior", SMazeTraversal},
		{"fp_ua_ch_mismatch", SFingerprintUaHintMismatch},
		{"fp_ua_transport_mismatch", SFingerprintUaTransportMismatch},
		{"fp_temporal_transition", SFingerprintTemporalTransition},
		{"fp_flow_violation", SFingerprintFlowViolation},
		{"fp_persistence_marker_missing", SFingerprintPersistenceMissing},
		{"fp_untrusted_transport_header", SFingerprintUntrustedHeader},
	}
	for _, tt := range tests {
		got, ok := SignalIdForBotnessKey(tt.key)
		if !ok || got != tt.want {
			t.Errorf("SignalIdForBotnessKey(%q) = (%v, %v), want (%v, true)", tt.key, got, ok, tt.want)
		}
	}
}

func TestBotnessKeyMappingUnknownKeyNotFound(t *testing.T) {
	if _, ok := SignalIdForBotnessKey("not_a_real_key"); ok {
		t.Errorf("SignalIdForBotnessKey(unknown) = found, want not found")
	}
}

func TestAnnotateOutcomeIncludesCanonicalIds(t *testing.T) {
	m := Resolve(TransitionRateLimitHit)
	got := m.AnnotateOutcome("blocked")
	if got == "blocked" {
		t.Errorf("AnnotateOutcome did not append taxonomy annotation")
	}
}

func TestEveryLevelHasExactlyOneAction(t *testing.T) {
	levels := []EscalationLevel{
		L0AllowClean, L1AllowTagged, L2Monitor, L3Shape, L4VerifyJs, L5NotABot,
		L6ChallengeStrong, L7DeceptionExplicit, L8DeceptionCovert, L9CostImposition,
		L10DenyTemp, L11DenyHard,
	}
	seen := map[Action]bool{}
	for _, l := range levels {
		a, ok := actionForLevel[l]
		if !ok {
			t.Errorf("level %v has no bound action", l)
		}
		if seen[a] {
			t.Errorf("action %v bound to more than one level", a)
		}
		seen[a] = true
	}
}
