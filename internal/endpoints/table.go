package endpoints

import "sort"

// Table maps services to their resolved URLs.
//
// It is filled during bootstrap and session open, before any background
// task starts, and only read afterwards. It has no lock of its own.
type Table struct {
	urls map[ServiceID]string
}

func NewTable() *Table {
	return &Table{urls: make(map[ServiceID]string)}
}

// Register adds url for id unless an entry already exists.
// It reports whether the entry was added.
func (t *Table) Register(id ServiceID, url string) bool {
	if id == ServiceUnknown || url == "" {
		return false
	}
	if _, ok := t.urls[id]; ok {
		return false
	}
	t.urls[id] = url
	return true
}

// Replace sets url for id, overwriting any previous entry.
// Only bootstrap uses it, for the discovery endpoint.
func (t *Table) Replace(id ServiceID, url string) {
	t.urls[id] = url
}

func (t *Table) Remove(id ServiceID) {
	delete(t.urls, id)
}

func (t *Table) Lookup(id ServiceID) (string, bool) {
	u, ok := t.urls[id]
	return u, ok
}

func (t *Table) Len() int { return len(t.urls) }

// Snapshot returns a copy keyed by service name.
func (t *Table) Snapshot() map[string]string {
	out := make(map[string]string, len(t.urls))
	for id, u := range t.urls {
		out[id.String()] = u
	}
	return out
}

// IDs returns registered services in a stable order.
func (t *Table) IDs() []ServiceID {
	out := make([]ServiceID, 0, len(t.urls))
	for id := range t.urls {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
