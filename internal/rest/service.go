package rest

import (
	"context"

	"pbxlink/internal/endpoints"
	"pbxlink/internal/transport"
)

// Service is a generic JSON client for one domain service (telephony,
// users, maintenance, ...). Paths are relative to the service URL.
type Service struct {
	id  endpoints.ServiceID
	t   *transport.Client
	url string
}

func NewService(id endpoints.ServiceID, t *transport.Client, url string) *Service {
	return &Service{id: id, t: t, url: url}
}

func (s *Service) ID() endpoints.ServiceID { return s.id }
func (s *Service) URL() string             { return s.url }

func (s *Service) Get(ctx context.Context, path string, out any) error {
	return s.t.GetJSON(ctx, endpoints.Join(s.url, path), out)
}

func (s *Service) Post(ctx context.Context, path string, body, out any) error {
	return s.t.PostJSON(ctx, endpoints.Join(s.url, path), body, out)
}

func (s *Service) Put(ctx context.Context, path string, body, out any) error {
	return s.t.PutJSON(ctx, endpoints.Join(s.url, path), body, out)
}

func (s *Service) Delete(ctx context.Context, path string) error {
	return s.t.Delete(ctx, endpoints.Join(s.url, path))
}

// Registry holds the clients built at session open, one per service.
type Registry map[endpoints.ServiceID]*Service

// NewRegistry builds one client per entry of the table.
func NewRegistry(t *transport.Client, table *endpoints.Table) Registry {
	r := make(Registry, table.Len())
	for _, id := range table.IDs() {
		u, _ := table.Lookup(id)
		r[id] = NewService(id, t, u)
	}
	return r
}
