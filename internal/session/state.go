package session

import (
	"time"

	"pbxlink/internal/endpoints"
	"pbxlink/internal/rest"
)

type State int

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a copy of the session info of the current session.
func (c *Controller) Info() rest.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	info.Services = append([]rest.ServiceEntry(nil), c.info.Services...)
	return info
}

func (c *Controller) AccessMode() endpoints.AccessMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boot.Mode
}

func (c *Controller) Version() rest.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boot.Version
}

// Service returns the client for id, built at open.
func (c *Controller) Service(id endpoints.ServiceID) (*rest.Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.services[id]
	return s, ok
}

// Endpoints returns a copy of the endpoint table keyed by service name.
func (c *Controller) Endpoints() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil {
		return map[string]string{}
	}
	return c.table.Snapshot()
}

func (c *Controller) SubscriptionID() string {
	c.mu.Lock()
	p := c.poller
	c.mu.Unlock()
	if p == nil {
		return ""
	}
	return p.SubscriptionID()
}

// Snapshot is a point-in-time view of the session for status reporting.
type Snapshot struct {
	State             State      `json:"state"`
	Address           string     `json:"address,omitempty"`
	AccessMode        string     `json:"access_mode,omitempty"`
	APIVersion        string     `json:"api_version,omitempty"`
	Admin             bool       `json:"admin"`
	TimeToLive        int        `json:"time_to_live"`
	ExpirationDate    string     `json:"expiration_date,omitempty"`
	CredentialExpiry  *time.Time `json:"credential_expiry,omitempty"`
	LastKeepAlive     *time.Time `json:"last_keepalive,omitempty"`
	KeepAliveFailures int64      `json:"keepalive_failures"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	Polling           bool       `json:"polling"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:             c.state,
		Address:           c.boot.Address,
		Admin:             c.info.Admin,
		TimeToLive:        c.info.TimeToLive,
		ExpirationDate:    c.info.ExpirationDate,
		KeepAliveFailures: c.keepAliveFailures.Load(),
	}
	if c.boot.Mode != endpoints.AccessUnknown {
		s.AccessMode = c.boot.Mode.String()
		s.APIVersion = c.boot.Version.ID
	}
	if !c.credExp.IsZero() {
		exp := c.credExp
		s.CredentialExpiry = &exp
	}
	p := c.poller
	c.mu.Unlock()

	if ns := c.lastKeepAlive.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastKeepAlive = &t
	}
	if p != nil {
		s.SubscriptionID = p.SubscriptionID()
		s.Polling = p.Running()
	}
	return s
}
