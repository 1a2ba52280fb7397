package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"pbxlink/internal/endpoints"
	"pbxlink/internal/pbxerr"
	"pbxlink/internal/rest"
	"pbxlink/internal/transport"
)

type stubDiscovery struct {
	responses map[string]rest.APIVersions
	failures  map[string]error
	calls     []string
}

func (s *stubDiscovery) Discover(ctx context.Context, url string) (rest.APIVersions, error) {
	s.calls = append(s.calls, url)
	if err, ok := s.failures[url]; ok {
		return rest.APIVersions{}, err
	}
	if v, ok := s.responses[url]; ok {
		return v, nil
	}
	return rest.APIVersions{}, errors.New("no route to host")
}

func currentV1(host string) rest.APIVersions {
	return rest.APIVersions{Versions: []rest.Version{{
		ID:          "v1",
		Status:      "CURRENT",
		PublicURL:   "https://" + host + "/api/rest/authenticate?version=v1",
		InternalURL: "https://10.0.0.1/api/rest/authenticate?version=v1",
	}}}
}

func TestBootstrap_PrivateUnavailableFallsBackToPublic(t *testing.T) {
	d := &stubDiscovery{
		failures: map[string]error{
			"https://10.0.0.1/api/rest": &transport.StatusError{Method: http.MethodGet, URL: "https://10.0.0.1/api/rest", Code: http.StatusServiceUnavailable},
		},
		responses: map[string]rest.APIVersions{
			"https://pbx.example.com/api/rest": currentV1("pbx.example.com"),
		},
	}
	tb := endpoints.NewTable()

	res, err := New(d, nil).Bootstrap(context.Background(), endpoints.Host{PrivateAddress: "10.0.0.1", PublicAddress: "pbx.example.com"}, "", tb)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if res.Mode != endpoints.AccessPublic {
		t.Fatalf("expected public access mode, got %v", res.Mode)
	}
	if res.Version.ID != "v1" {
		t.Fatalf("expected v1, got %q", res.Version.ID)
	}
	want := []string{"https://10.0.0.1/api/rest", "https://pbx.example.com/api/rest"}
	if len(d.calls) != 2 || d.calls[0] != want[0] || d.calls[1] != want[1] {
		t.Fatalf("unexpected discovery order: %v", d.calls)
	}
	if u, _ := tb.Lookup(endpoints.ServiceAuthentication); u != "https://pbx.example.com/api/rest/authenticate?version=v1" {
		t.Fatalf("expected public auth url, got %q", u)
	}
}

func TestBootstrap_PrivateOnlyFailsWithoutRetry(t *testing.T) {
	d := &stubDiscovery{}
	_, err := New(d, nil).Bootstrap(context.Background(), endpoints.Host{PrivateAddress: "10.0.0.1"}, "", endpoints.NewTable())
	if !errors.Is(err, pbxerr.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if len(d.calls) != 1 {
		t.Fatalf("expected exactly one discovery attempt, got %v", d.calls)
	}
	if !strings.Contains(err.Error(), "10.0.0.1") {
		t.Fatalf("expected address in error: %v", err)
	}
}

func TestBootstrap_BothUnreachableNamesBothAddresses(t *testing.T) {
	d := &stubDiscovery{}
	_, err := New(d, nil).Bootstrap(context.Background(), endpoints.Host{PrivateAddress: "10.0.0.1", PublicAddress: "pbx.example.com"}, "", endpoints.NewTable())
	if !errors.Is(err, pbxerr.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if !strings.Contains(err.Error(), "10.0.0.1") || !strings.Contains(err.Error(), "pbx.example.com") {
		t.Fatalf("expected both addresses in error: %v", err)
	}
}

func TestBootstrap_PinnedVersionMissing(t *testing.T) {
	for _, host := range []endpoints.Host{
		{PrivateAddress: "10.0.0.1"},
		{PublicAddress: "pbx.example.com"},
	} {
		d := &stubDiscovery{responses: map[string]rest.APIVersions{
			"https://10.0.0.1/api/rest":        currentV1("pbx.example.com"),
			"https://pbx.example.com/api/rest": currentV1("pbx.example.com"),
		}}
		_, err := New(d, nil).Bootstrap(context.Background(), host, "v9", endpoints.NewTable())
		if !errors.Is(err, pbxerr.ErrUnsupportedVersion) {
			t.Fatalf("%+v: expected ErrUnsupportedVersion, got %v", host, err)
		}
		if !strings.Contains(err.Error(), "unsupported API version") {
			t.Fatalf("unexpected message: %v", err)
		}
	}
}

func TestBootstrap_VersionFailureDoesNotFallBack(t *testing.T) {
	d := &stubDiscovery{responses: map[string]rest.APIVersions{
		"https://10.0.0.1/api/rest":        {Versions: []rest.Version{{ID: "v0", Status: "DEPRECATED"}}},
		"https://pbx.example.com/api/rest": currentV1("pbx.example.com"),
	}}
	_, err := New(d, nil).Bootstrap(context.Background(), endpoints.Host{PrivateAddress: "10.0.0.1", PublicAddress: "pbx.example.com"}, "", endpoints.NewTable())
	if !errors.Is(err, pbxerr.ErrNoCurrentVersion) {
		t.Fatalf("expected ErrNoCurrentVersion, got %v", err)
	}
	if len(d.calls) != 1 {
		t.Fatalf("public must not be tried after private answered: %v", d.calls)
	}
}

func TestBootstrap_PrivateSuccessUsesInternalURL(t *testing.T) {
	d := &stubDiscovery{responses: map[string]rest.APIVersions{
		"https://10.0.0.1/api/rest": currentV1("pbx.example.com"),
	}}
	tb := endpoints.NewTable()
	res, err := New(d, nil).Bootstrap(context.Background(), endpoints.Host{PrivateAddress: "10.0.0.1", PublicAddress: "pbx.example.com"}, "v1", tb)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if res.Mode != endpoints.AccessPrivate {
		t.Fatalf("expected private, got %v", res.Mode)
	}
	if res.AuthURL != "https://10.0.0.1/api/rest/authenticate?version=v1" {
		t.Fatalf("expected internal auth url, got %q", res.AuthURL)
	}
}

func TestBootstrap_RetryReplacesDiscoveryEndpoint(t *testing.T) {
	d := &stubDiscovery{responses: map[string]rest.APIVersions{
		"https://10.0.0.1/api/rest":        currentV1("pbx.example.com"),
		"https://pbx.example.com/api/rest": currentV1("pbx.example.com"),
	}}
	tb := endpoints.NewTable()
	b := New(d, nil)

	if _, err := b.Bootstrap(context.Background(), endpoints.Host{PrivateAddress: "10.0.0.1"}, "", tb); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if _, err := b.Bootstrap(context.Background(), endpoints.Host{PublicAddress: "pbx.example.com"}, "", tb); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if u, _ := tb.Lookup(endpoints.ServiceDiscovery); u != "https://pbx.example.com/api/rest" {
		t.Fatalf("expected discovery endpoint replaced, got %q", u)
	}
	if u, _ := tb.Lookup(endpoints.ServiceAuthentication); !strings.HasPrefix(u, "https://pbx.example.com/") {
		t.Fatalf("expected auth endpoint replaced, got %q", u)
	}
}

func TestBootstrap_NoAddressIsConfigError(t *testing.T) {
	d := &stubDiscovery{}
	_, err := New(d, nil).Bootstrap(context.Background(), endpoints.Host{}, "", endpoints.NewTable())
	if !errors.Is(err, pbxerr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("expected no network call")
	}
}

func TestBootstrap_AddressWithSchemeKept(t *testing.T) {
	b := New(&stubDiscovery{}, nil)
	if got := b.discoveryURL("http://127.0.0.1:8080"); got != "http://127.0.0.1:8080/api/rest" {
		t.Fatalf("unexpected url: %q", got)
	}
	b.Scheme = "http"
	if got := b.discoveryURL("127.0.0.1:8080"); got != "http://127.0.0.1:8080/api/rest" {
		t.Fatalf("unexpected url: %q", got)
	}
}
