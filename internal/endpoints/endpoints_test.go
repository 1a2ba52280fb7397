package endpoints

import "testing"

func TestHost_Validate(t *testing.T) {
	if err := (Host{}).Validate(); err != ErrNoAddress {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
	if err := (Host{PublicAddress: "pbx.example.com"}).Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestAccessMode_Pick(t *testing.T) {
	if got := AccessPrivate.Pick("in", "out"); got != "in" {
		t.Fatalf("expected private variant, got %q", got)
	}
	if got := AccessPublic.Pick("in", "out"); got != "out" {
		t.Fatalf("expected public variant, got %q", got)
	}
}

func TestTable_RegisterIsIdempotent(t *testing.T) {
	tb := NewTable()
	if !tb.Register(ServiceUsers, "https://a/users") {
		t.Fatalf("expected first register to succeed")
	}
	if tb.Register(ServiceUsers, "https://b/users") {
		t.Fatalf("expected second register to be ignored")
	}
	if u, _ := tb.Lookup(ServiceUsers); u != "https://a/users" {
		t.Fatalf("entry was overwritten: %q", u)
	}

	tb.Replace(ServiceDiscovery, "https://a/api/rest")
	tb.Replace(ServiceDiscovery, "https://b/api/rest")
	if u, _ := tb.Lookup(ServiceDiscovery); u != "https://b/api/rest" {
		t.Fatalf("expected replace to overwrite, got %q", u)
	}
	tb.Remove(ServiceDiscovery)
	if _, ok := tb.Lookup(ServiceDiscovery); ok {
		t.Fatalf("expected discovery removed")
	}
}

func TestParseServiceName(t *testing.T) {
	cases := map[string]ServiceID{
		"Telephony":           ServiceTelephony,
		"users":               ServiceUsers,
		"Communication-Log":   ServiceCommunicationLog,
		"Subscriptions":       ServiceSubscriptions,
		"PhoneSetProgramming": ServicePhoneSetProgramming,
	}
	for name, want := range cases {
		got, ok := ParseServiceName(name)
		if !ok || got != want {
			t.Fatalf("%q: expected %v, got %v (ok=%v)", name, want, got, ok)
		}
	}
	if _, ok := ParseServiceName("holograms"); ok {
		t.Fatalf("expected unknown service")
	}
}

func TestIsTelephonyPath(t *testing.T) {
	if !IsTelephonyPath("/api/rest/1.0/telephony") {
		t.Fatalf("expected telephony path")
	}
	if IsTelephonyPath("/api/rest/1.0/telephonyx") {
		t.Fatalf("segment match only")
	}
}

func TestJoin(t *testing.T) {
	if got := Join("https://pbx/api/rest/1.0/", "/users"); got != "https://pbx/api/rest/1.0/users" {
		t.Fatalf("unexpected join: %q", got)
	}
}
