package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pbxlink/internal/endpoints"
	"pbxlink/internal/events"
	"pbxlink/internal/transport"
)

// Each client is built with its transport and base URL. None of them keep
// state beyond that.

// Discovery reads the unauthenticated version document.
type Discovery struct {
	t *transport.Client
}

func NewDiscovery(t *transport.Client) *Discovery { return &Discovery{t: t} }

func (d *Discovery) Discover(ctx context.Context, url string) (APIVersions, error) {
	var out APIVersions
	if err := d.t.GetJSON(ctx, url, &out); err != nil {
		return APIVersions{}, err
	}
	return out, nil
}

// Authentication exchanges login credentials for a session credential cookie
// and the sessions service URLs.
type Authentication struct {
	t   *transport.Client
	url string
}

func NewAuthentication(t *transport.Client, url string) *Authentication {
	return &Authentication{t: t, url: url}
}

func (a *Authentication) Authenticate(ctx context.Context, login, password string) (AuthResult, []*http.Cookie, error) {
	var out AuthResult
	res, err := a.t.Do(ctx, http.MethodGet, a.url, nil, &out, transport.WithBasicAuth(login, password))
	if err != nil {
		return AuthResult{}, nil, err
	}
	return out, res.Cookies, nil
}

type Sessions struct {
	t   *transport.Client
	url string
}

func NewSessions(t *transport.Client, url string) *Sessions {
	return &Sessions{t: t, url: url}
}

func (s *Sessions) Open(ctx context.Context, applicationName string) (SessionInfo, error) {
	var out SessionInfo
	if err := s.t.PostJSON(ctx, s.url, openSessionRequest{ApplicationName: applicationName}, &out); err != nil {
		return SessionInfo{}, err
	}
	return out, nil
}

func (s *Sessions) KeepAlive(ctx context.Context) error {
	return s.t.PostJSON(ctx, endpoints.Join(s.url, "keepalive"), nil, nil)
}

func (s *Sessions) Close(ctx context.Context) error {
	return s.t.Delete(ctx, s.url)
}

type Subscriptions struct {
	t   *transport.Client
	url string
}

func NewSubscriptions(t *transport.Client, url string) *Subscriptions {
	return &Subscriptions{t: t, url: url}
}

func (s *Subscriptions) Create(ctx context.Context, req events.Request) (SubscriptionResult, error) {
	var out SubscriptionResult
	if err := s.t.PostJSON(ctx, s.url, req, &out); err != nil {
		return SubscriptionResult{}, err
	}
	return out, nil
}

func (s *Subscriptions) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("rest: subscription id required")
	}
	return s.t.Delete(ctx, endpoints.Join(s.url, id))
}

// Chunks fetches event batches from a polling URL. Each fetch is a long
// poll; Timeout must exceed the server-side poll duration.
type Chunks struct {
	t       *transport.Client
	timeout time.Duration
}

func NewChunks(t *transport.Client, timeout time.Duration) *Chunks {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Chunks{t: t, timeout: timeout}
}

func (c *Chunks) Fetch(ctx context.Context, url string) ([]events.Event, error) {
	var chunk []events.Event
	if err := c.t.GetJSON(ctx, url, &chunk, transport.WithTimeout(c.timeout)); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range chunk {
		chunk[i].ReceivedAt = now
	}
	return chunk, nil
}
