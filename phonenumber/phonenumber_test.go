package phonenumber

import (
	"testing"
)

func TestParse(t *testing.T) {
	t.Run("sip_user", func(t *testing.T) {
		pn := NewPhoneNumber("sip:agent42@10.0.0.1")
		if err := pn.Parse(); err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if !pn.IsSipUser {
			t.Error("Expected SIP user")
		}
		if pn.E164Format != "agent42@10.0.0.1" {
			t.Errorf("Unexpected E164 for sip user: %q", pn.E164Format)
		}
		if got := pn.Endpoint("PJSIP", "trunk"); got != "sip:agent42@10.0.0.1" {
			t.Errorf("SIP user endpoint should pass through, got %q", got)
		}
	})
	t.Run("toll_free", func(t *testing.T) {
		pn := NewPhoneNumber("18001234567")
		if err := pn.Parse(); err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if !pn.IsTollFree {
			t.Error("Expected toll free number")
		}
	})
	t.Run("national_number", func(t *testing.T) {
		pn := NewPhoneNumber("+919811098110")
		if err := pn.Parse(); err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if pn.E164Format != "+919811098110" {
			t.Errorf("Unexpected E164: %q", pn.E164Format)
		}
		if pn.NationalFormat != "9811098110" {
			t.Errorf("Unexpected national format: %q", pn.NationalFormat)
		}
		if pn.WithZeroNationalFormat != "09811098110" {
			t.Errorf("Unexpected with-zero format: %q", pn.WithZeroNationalFormat)
		}
	})
	t.Run("empty_number", func(t *testing.T) {
		pn := NewPhoneNumber("")
		if err := pn.Parse(); err == nil {
			t.Error("Expected error for empty number")
		}
	})
}

func TestEndpoint(t *testing.T) {
	pn := NewPhoneNumber("+919811098110")
	if err := pn.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := pn.Endpoint("SIP", "203.0.113.10"); got != "SIP/203.0.113.10/09811098110" {
		t.Errorf("Unexpected endpoint: %q", got)
	}
	if got := pn.Endpoint("PJSIP", ""); got != "PJSIP/09811098110" {
		t.Errorf("Unexpected trunkless endpoint: %q", got)
	}
}
