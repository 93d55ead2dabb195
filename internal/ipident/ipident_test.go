package ipident

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestBucket(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"198.51.100.10", "198.51.100.0/24"},
		{"2001:db8:abcd:0012::1", "2001:db8:abcd::/48"},
		{"not-an-ip", Unknown},
		{"", Unknown},
	}
	for _, tt := range tests {
		if got := Bucket(tt.ip); got != tt.want {
			t.Errorf("Bucket(%q) = %q, want %q", tt.ip, got, tt.want)
		}
	}
}

func TestExtractIgnoresForwardedWithoutSecret(t *testing.T) {
	os.Unsetenv("SHUMA_FORWARDED_IP_SECRET")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")

	if got := Extract(req); got != "203.0.113.5" {
		t.Errorf("Extract = %q, want transport address 203.0.113.5", got)
	}
}

func TestExtractTrustsForwardedWithMatchingSecret(t *testing.T) {
	os.Setenv("SHUMA_FORWARDED_IP_SECRET", "s3cret")
	defer os.Unsetenv("SHUMA_FORWARDED_IP_SECRET")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	req.Header.Set(ForwardedSecretHeader, "s3cret")

	if got := Extract(req); got != "9.9.9.9" {
		t.Errorf("Extract = %q, want first forwarded hop 9.9.9.9", got)
	}
}

func TestExtractRejectsMismatchedSecret(t *testing.T) {
	os.Setenv("SHUMA_FORWARDED_IP_SECRET", "s3cret")
	defer os.Unsetenv("SHUMA_FORWARDED_IP_SECRET")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")
	req.Header.Set(ForwardedSecretHeader, "wrong")

	if got := Extract(req); got != "203.0.113.5" {
		t.Errorf("Extract = %q, want transport address when secret mismatches", got)
	}
}
