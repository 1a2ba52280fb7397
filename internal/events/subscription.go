package events

import (
	"errors"
	"strings"
)

// Category is an event family the server can deliver.
type Category string

const (
	CategoryTelephony        Category = "telephony"
	CategoryUsers            Category = "users"
	CategoryRouting          Category = "routing"
	CategoryMessaging        Category = "messaging"
	CategoryCommunicationLog Category = "comlog"
	CategoryMaintenance      Category = "maintenance"
	CategoryEventSummary     Category = "eventSummary"
	CategoryAgent            Category = "agent"
	CategoryPilot            Category = "pilot"
	CategoryRealtime         Category = "rtMonitor"
	CategoryPbxManagement    Category = "pbxManagement"
	CategoryUserManagement   Category = "userManagement"
)

// Selector picks categories, optionally narrowed to a set of object ids
// (login names, device numbers, ...).
type Selector struct {
	IDs      []string   `json:"ids,omitempty"`
	Names    []Category `json:"names"`
	Families []string   `json:"families,omitempty"`
}

type Filter struct {
	Selectors []Selector `json:"selectors"`
}

// Select builds a selector for the given categories.
func Select(names ...Category) Selector {
	return Selector{Names: names}
}

// For narrows the selector to the given ids.
func (s Selector) For(ids ...string) Selector {
	s.IDs = append(append([]string(nil), s.IDs...), ids...)
	return s
}

// Subscription is what the application asks for: a filter and the handler
// that receives matching events.
type Subscription struct {
	Filter  Filter
	Version string
	// Timeout is the server-side long poll duration in seconds. Zero lets the server decide.
	Timeout int
	Handler Handler
}

// Request is the wire form sent to the subscriptions service.
type Request struct {
	Filter  Filter `json:"filter"`
	Version string `json:"version,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

var (
	ErrNoHandler  = errors.New("events: subscription needs a handler")
	ErrNoSelector = errors.New("events: subscription needs at least one selector")
)

func NewSubscription(h Handler, selectors ...Selector) *Subscription {
	return &Subscription{Filter: Filter{Selectors: selectors}, Handler: h}
}

func (s *Subscription) Validate() error {
	if s.Handler == nil {
		return ErrNoHandler
	}
	if len(s.Filter.Selectors) == 0 {
		return ErrNoSelector
	}
	for _, sel := range s.Filter.Selectors {
		if len(sel.Names) == 0 {
			return ErrNoSelector
		}
	}
	return nil
}

func (s *Subscription) Request() Request {
	return Request{Filter: s.Filter, Version: s.Version, Timeout: s.Timeout}
}

var categories = []Category{
	CategoryTelephony, CategoryUsers, CategoryRouting, CategoryMessaging,
	CategoryCommunicationLog, CategoryMaintenance, CategoryEventSummary, CategoryAgent,
	CategoryPilot, CategoryRealtime, CategoryPbxManagement, CategoryUserManagement,
}

// ParseCategory matches s against the known categories, ignoring case.
func ParseCategory(s string) (Category, bool) {
	for _, c := range categories {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, true
		}
	}
	return "", false
}
